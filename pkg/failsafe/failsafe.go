// Package failsafe implements the Fail-Safe Coordinator role: it records
// the commit decision PC forwards it, and later delivers that decision to
// any participant that falls over to it after a timeout or refusal talking
// to PC. FC never initiates a connection; everything here is reactive.
package failsafe

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/mekhrubonu/twopc-commit/internal/roleserver"
	"github.com/mekhrubonu/twopc-commit/pkg/protocol"
)

// Config configures one fail-safe coordinator run.
type Config struct {
	// ListenAddr is where the fail-safe coordinator accepts connections
	// from both PC and participants.
	ListenAddr string
	// MaxConnections is the expected participant count for the barrier.
	MaxConnections int
	// DecisionFile, if set, is fsynced with the commit decision before
	// RECORDED_COMMIT is sent, so a restarted fail-safe coordinator still
	// knows the decision. Empty disables persistence.
	DecisionFile string

	Logger *log.Logger
}

func (c Config) withDefaults() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8006"
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return c
}

// FailSafe is the Fail-Safe Coordinator's process-lifetime state.
type FailSafe struct {
	cfg Config
	log *log.Logger

	mu               sync.Mutex
	commit           bool
	clients          map[string]net.Conn
	connectedClients int

	barrierOnce sync.Once
	barrierCh   chan struct{}

	health *roleserver.Server
}

// New creates a FailSafe. If cfg.DecisionFile names an existing file from a
// prior run, its recorded decision is loaded at startup.
func New(cfg Config) *FailSafe {
	cfg = cfg.withDefaults()
	fs := &FailSafe{
		cfg:       cfg,
		log:       cfg.Logger,
		clients:   make(map[string]net.Conn),
		barrierCh: make(chan struct{}),
		health:    roleserver.New("failsafe"),
	}
	fs.loadPersistedDecision()
	return fs
}

// HealthServer returns the fail-safe coordinator's /healthz server.
func (f *FailSafe) HealthServer() *roleserver.Server { return f.health }

// Run binds the listener and serves connections until ctx is cancelled.
func (f *FailSafe) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", f.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failsafe: listen %s: %w", f.cfg.ListenAddr, err)
	}
	defer listener.Close()

	f.log.Printf("awaiting connections on %s", f.cfg.ListenAddr)
	f.health.SetPhase("waiting")

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
				return fmt.Errorf("failsafe: accept: %w", err)
			}
		}

		go f.handleConnection(ctx, conn)
	}
}

// handleConnection inspects the first frame to classify the peer as PC or a
// participant, per the textual-marker discipline (the original's older
// source-port-based discipline is not implemented here).
func (f *FailSafe) handleConnection(ctx context.Context, conn net.Conn) {
	first, err := protocol.ReadFrame(conn)
	if err != nil {
		f.log.Printf("read identification frame: %v", err)
		conn.Close()
		return
	}

	text := string(first)

	switch {
	case strings.Contains(text, protocol.CoordinatorMarker):
		f.log.Printf("connected to primary coordinator")
		f.handleCoordinator(conn)
	case strings.Contains(text, protocol.ParticipantMarkerSubstring):
		address := conn.RemoteAddr().String()
		f.register(address, conn)
		f.log.Printf("connected to participant %s", address)
		f.handleParticipant(ctx, conn, address)
	default:
		f.log.Printf("unrecognized identification frame %q; closing", text)
		conn.Close()
	}
}

// handleCoordinator reads the one decision frame PC sends and, if it is
// DECIDED_TO_COMMIT, records the decision durably before replying.
func (f *FailSafe) handleCoordinator(conn net.Conn) {
	defer conn.Close()

	tok, err := protocol.ReadToken(conn)
	if err != nil {
		f.log.Printf("read decision from coordinator: %v", err)
		return
	}

	if tok != protocol.DecidedToCommit {
		f.log.Printf("coordinator sent unexpected token %q; leaving commit flag unchanged", tok)
		return
	}

	f.setCommit(true)
	f.log.Printf("received %s from primary coordinator", tok)

	if err := f.persistDecision(); err != nil {
		f.log.Printf("persist decision: %v", err)
	}

	if err := protocol.WriteToken(conn, protocol.RecordedCommit); err != nil {
		f.log.Printf("reply to coordinator: %v", err)
		return
	}
	f.log.Printf("sent %s to primary coordinator", protocol.RecordedCommit)
}

// handleParticipant waits on the barrier, then delivers the cached
// decision and reads the participant's terminal ack.
func (f *FailSafe) handleParticipant(ctx context.Context, conn net.Conn, address string) {
	defer conn.Close()

	if !f.awaitBarrier(ctx) {
		return
	}

	decision := protocol.GlobalAbort
	if f.getCommit() {
		decision = protocol.GlobalCommit
	}

	f.broadcast(decision)

	tok, err := protocol.ReadToken(conn)
	if err != nil {
		f.log.Printf("read terminal ack from %s: %v", address, err)
		return
	}
	f.log.Printf("received %s from %s", tok, address)

	if tok == protocol.SuccessfulCommit || tok == protocol.SuccessfulAbort {
		f.log.Printf("closing stream of %s", address)
	}
}

func (f *FailSafe) register(address string, conn net.Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clients[address] = conn
	f.connectedClients++
	if f.connectedClients == f.cfg.MaxConnections {
		f.barrierOnce.Do(func() { close(f.barrierCh) })
	}
}

func (f *FailSafe) awaitBarrier(ctx context.Context) bool {
	select {
	case <-f.barrierCh:
		return true
	case <-ctx.Done():
		return false
	}
}

func (f *FailSafe) setCommit(v bool) {
	f.mu.Lock()
	f.commit = v
	f.mu.Unlock()
}

func (f *FailSafe) getCommit() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commit
}

// broadcast sends tok to every registered participant, in stable
// sorted-by-address order.
func (f *FailSafe) broadcast(tok protocol.Token) {
	f.mu.Lock()
	addrs := make([]string, 0, len(f.clients))
	for addr := range f.clients {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	conns := make([]net.Conn, 0, len(addrs))
	for _, addr := range addrs {
		conns = append(conns, f.clients[addr])
	}
	f.mu.Unlock()

	f.log.Printf("sending %s to all connected participants", tok)
	for i, conn := range conns {
		if err := protocol.WriteToken(conn, tok); err != nil {
			f.log.Printf("broadcast %s to %s: %v", tok, addrs[i], err)
		}
	}
}

// persistDecision fsyncs the commit decision to cfg.DecisionFile, so a
// fail-safe coordinator that restarts after RECORDED_COMMIT still knows the
// outcome when a late participant falls over to it. A no-op if DecisionFile
// is unset.
func (f *FailSafe) persistDecision() error {
	if f.cfg.DecisionFile == "" {
		return nil
	}

	file, err := os.OpenFile(f.cfg.DecisionFile, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failsafe: open decision file: %w", err)
	}
	defer file.Close()

	if _, err := file.WriteString(string(protocol.DecidedToCommit) + "\n"); err != nil {
		return fmt.Errorf("failsafe: write decision file: %w", err)
	}

	return file.Sync()
}

// loadPersistedDecision restores commit=true if cfg.DecisionFile exists and
// records a committed decision from a prior run.
func (f *FailSafe) loadPersistedDecision() {
	if f.cfg.DecisionFile == "" {
		return
	}

	data, err := os.ReadFile(f.cfg.DecisionFile)
	if err != nil {
		return
	}

	if strings.TrimSpace(string(data)) == string(protocol.DecidedToCommit) {
		f.commit = true
		f.log.Printf("restored committed decision from %s", f.cfg.DecisionFile)
	}
}

