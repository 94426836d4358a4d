// Package coordinator implements the Primary Coordinator role: it accepts N
// participant connections, drives the PREPARE/VOTE/GLOBAL_* round, and
// forwards the commit decision to the Fail-Safe Coordinator before
// broadcasting it. The sequencing below (register, barrier, PREPARE, the
// statement, read vote, FC round-trip, broadcast, read terminal ack) is
// ported unchanged from the original perform_actions coroutine, re-cast as
// one goroutine per accepted connection instead of one coroutine per
// connection sharing a single event loop.
package coordinator

import (
	"context"
	"fmt"
	"log"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mekhrubonu/twopc-commit/internal/roleserver"
	"github.com/mekhrubonu/twopc-commit/pkg/protocol"
)

// Config configures one coordinator run.
type Config struct {
	// ListenAddr is where the coordinator accepts participant connections.
	ListenAddr string
	// FailsafeAddr is the fail-safe coordinator's address.
	FailsafeAddr string
	// LocalBindAddr is the local address the coordinator dials out from
	// when connecting to the fail-safe coordinator.
	LocalBindAddr string
	// MaxConnections is N, the number of participants this transaction
	// waits for before proceeding past the barrier.
	MaxConnections int
	// Statement is the SQL payload sent to every participant after PREPARE.
	Statement protocol.Statement
	// StepDelay paces PREPARE -> statement -> vote read, for observability
	// parity with the original's fixed 3-second sleeps. Zero disables it.
	StepDelay time.Duration
	// DialTimeout bounds the outbound connection to the fail-safe
	// coordinator.
	DialTimeout time.Duration

	Logger *log.Logger
}

func (c Config) withDefaults() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8005"
	}
	if c.FailsafeAddr == "" {
		c.FailsafeAddr = ":8006"
	}
	if c.LocalBindAddr == "" {
		c.LocalBindAddr = "127.0.0.1:9000"
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return c
}

// Coordinator is the Primary Coordinator's process-lifetime state. All of
// clients, connectedClients, and commitVotes are guarded by mu, the
// mutex-guarded-struct re-architecture the distilled spec's design notes
// call for in place of the original's unsynchronized event-loop globals.
type Coordinator struct {
	cfg Config
	log *log.Logger

	mu               sync.Mutex
	clients          map[string]net.Conn
	connectedClients int
	commitVotes      int
	aborted          bool

	barrierOnce sync.Once
	barrierCh   chan struct{}

	failsafeConn net.Conn

	health *roleserver.Server
}

// New creates a Coordinator. Call Run to start serving.
func New(cfg Config) *Coordinator {
	cfg = cfg.withDefaults()
	return &Coordinator{
		cfg:       cfg,
		log:       cfg.Logger,
		clients:   make(map[string]net.Conn),
		barrierCh: make(chan struct{}),
		health:    roleserver.New("coordinator"),
	}
}

// HealthServer returns the coordinator's /healthz server, for the caller to
// Start alongside Run.
func (c *Coordinator) HealthServer() *roleserver.Server { return c.health }

// Run binds the listener, dials the fail-safe coordinator, and serves
// participant connections until ctx is cancelled or the listener errors.
func (c *Coordinator) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", c.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("coordinator: listen %s: %w", c.cfg.ListenAddr, err)
	}
	defer listener.Close()

	if err := c.connectToFailsafe(); err != nil {
		return err
	}
	defer c.failsafeConn.Close()

	c.log.Printf("awaiting connection from %d participants on %s", c.cfg.MaxConnections, c.cfg.ListenAddr)
	c.health.SetPhase("waiting")

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("coordinator: accept: %w", err)
			}
		}

		go c.handleParticipant(ctx, conn)
	}
}

// connectToFailsafe opens the one outbound connection to FC and sends the
// identification marker. A refused connection here is fatal, mirroring
// connect_to_failsafe's sys.exit(0) on OSError.
func (c *Coordinator) connectToFailsafe() error {
	c.log.Printf("attempting to connect to fail-safe coordinator at %s", c.cfg.FailsafeAddr)

	dialer := net.Dialer{
		Timeout:   c.cfg.DialTimeout,
		LocalAddr: mustResolveTCPAddr(c.cfg.LocalBindAddr),
	}

	conn, err := dialer.Dial("tcp", c.cfg.FailsafeAddr)
	if err != nil {
		return fmt.Errorf("coordinator: unable to connect to fail-safe coordinator: %w", err)
	}

	if err := protocol.WriteFrame(conn, []byte(protocol.CoordinatorHello)); err != nil {
		conn.Close()
		return fmt.Errorf("coordinator: identify to fail-safe coordinator: %w", err)
	}

	c.log.Printf("connected to fail-safe coordinator")
	c.failsafeConn = conn
	return nil
}

func mustResolveTCPAddr(addr string) *net.TCPAddr {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil
	}
	return tcpAddr
}

// handleParticipant is the per-connection coroutine, ported from
// perform_actions. An error at any step ends this goroutine only; it never
// brings down the process or other in-flight participants.
func (c *Coordinator) handleParticipant(ctx context.Context, conn net.Conn) {
	address := conn.RemoteAddr().String()
	defer func() {
		c.deregister(address)
	}()

	c.register(address, conn)
	c.log.Printf("connected to participant %s", address)

	if !c.awaitBarrier(ctx) {
		return
	}

	txID := uuid.New().String()
	c.health.SetPhase("preparing")

	c.sleepStep()
	if err := protocol.WriteToken(conn, protocol.Prepare); err != nil {
		c.log.Printf("[%s] send PREPARE to %s: %v", txID, address, err)
		return
	}
	c.log.Printf("[%s] sent PREPARE to %s", txID, address)

	c.sleepStep()
	payload, err := c.cfg.Statement.Encode()
	if err != nil {
		c.log.Printf("[%s] encode statement: %v", txID, err)
		return
	}
	if err := protocol.WriteFrame(conn, payload); err != nil {
		c.log.Printf("[%s] send statement to %s: %v", txID, address, err)
		return
	}
	c.log.Printf("[%s] sent statement to %s", txID, address)

	c.sleepStep()
	vote, err := protocol.ReadToken(conn)
	if err != nil {
		c.log.Printf("[%s] read vote from %s: %v", txID, address, err)
		return
	}
	c.log.Printf("[%s] received %s from %s", txID, vote, address)

	switch vote {
	case protocol.VoteCommit:
		c.incrementCommitVotes()
	case protocol.VoteAbort:
		c.log.Printf("[%s] %s voted abort; broadcasting GLOBAL_ABORT", txID, address)
		c.mu.Lock()
		c.aborted = true
		c.mu.Unlock()
		c.broadcast(protocol.GlobalAbort)
		c.deregister(address)
		conn.Close()
		return
	default:
		c.log.Printf("[%s] unexpected vote %q from %s", txID, vote, address)
		return
	}

	c.health.SetPhase("awaiting-quorum")
	if c.allVotedCommit() {
		c.health.SetPhase("committing")
		if err := c.decideCommit(txID); err != nil {
			c.log.Printf("[%s] %v", txID, err)
			return
		}
		c.broadcast(protocol.GlobalCommit)
		c.resetCommitVotes()
	}

	tok, err := protocol.ReadToken(conn)
	if err != nil {
		c.log.Printf("[%s] read terminal ack from %s: %v", txID, address, err)
		return
	}
	c.log.Printf("[%s] received %s from %s", txID, tok, address)

	if tok == protocol.SuccessfulCommit || tok == protocol.SuccessfulAbort {
		conn.Close()
	}
}

// decideCommit sends DECIDED_TO_COMMIT to FC and awaits RECORDED_COMMIT.
// GLOBAL_COMMIT is never broadcast before this returns without error — the
// FC-mediated-commit invariant.
func (c *Coordinator) decideCommit(txID string) error {
	c.log.Printf("[%s] all participants voted commit; notifying fail-safe coordinator", txID)

	if err := protocol.WriteToken(c.failsafeConn, protocol.DecidedToCommit); err != nil {
		return fmt.Errorf("send DECIDED_TO_COMMIT: %w", err)
	}

	reply, err := protocol.ReadToken(c.failsafeConn)
	if err != nil {
		return fmt.Errorf("read fail-safe reply: %w", err)
	}
	if reply != protocol.RecordedCommit {
		return fmt.Errorf("fail-safe coordinator replied %q, expected RECORDED_COMMIT", reply)
	}

	c.log.Printf("[%s] fail-safe coordinator recorded the commit decision", txID)
	return nil
}

func (c *Coordinator) register(address string, conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clients[address] = conn
	c.connectedClients++
	if c.connectedClients == c.cfg.MaxConnections {
		c.barrierOnce.Do(func() { close(c.barrierCh) })
	}
}

func (c *Coordinator) deregister(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.clients[address]; ok {
		delete(c.clients, address)
		c.connectedClients--
	}
}

// awaitBarrier blocks until connectedClients == MaxConnections, via a
// countdown latch rather than the original's polling sleep loop.
func (c *Coordinator) awaitBarrier(ctx context.Context) bool {
	select {
	case <-c.barrierCh:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Coordinator) incrementCommitVotes() {
	c.mu.Lock()
	c.commitVotes++
	c.mu.Unlock()
}

func (c *Coordinator) resetCommitVotes() {
	c.mu.Lock()
	c.commitVotes = 0
	c.mu.Unlock()
}

// allVotedCommit reports whether commitVotes has caught up with
// connectedClients, i.e. every still-connected participant has voted
// commit. It is always false once any participant has voted abort, so a
// commit vote read after the GLOBAL_ABORT broadcast is ignored.
func (c *Coordinator) allVotedCommit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.aborted && c.commitVotes == c.connectedClients && c.connectedClients > 0
}

// broadcast sends tok to every still-registered participant, in a stable
// sorted-by-address order for deterministic logging.
func (c *Coordinator) broadcast(tok protocol.Token) {
	c.mu.Lock()
	addrs := make([]string, 0, len(c.clients))
	for addr := range c.clients {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	conns := make([]net.Conn, 0, len(addrs))
	for _, addr := range addrs {
		conns = append(conns, c.clients[addr])
	}
	c.mu.Unlock()

	for i, conn := range conns {
		if err := protocol.WriteToken(conn, tok); err != nil {
			c.log.Printf("broadcast %s to %s: %v", tok, addrs[i], err)
			continue
		}
		c.log.Printf("sent %s to %s", tok, addrs[i])
	}
}

func (c *Coordinator) sleepStep() {
	if c.cfg.StepDelay > 0 {
		time.Sleep(c.cfg.StepDelay)
	}
}
