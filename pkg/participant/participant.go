// Package participant implements the Participant role: it connects to the
// Primary Coordinator, executes the database half of the protocol, and
// falls back to the Fail-Safe Coordinator on timeout or refusal. Ported
// from perform_actions/perform_actions_failsafe/commit_or_rollback, with
// the original's blanket except/asyncio.TimeoutError handling replaced by
// the typed netErrKind classification the redesign notes call for.
package participant

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"syscall"
	"time"

	"github.com/mekhrubonu/twopc-commit/internal/roleserver"
	"github.com/mekhrubonu/twopc-commit/pkg/protocol"
)

// Config configures one participant run.
type Config struct {
	// CoordinatorAddr is the Primary Coordinator's address.
	CoordinatorAddr string
	// FailsafeAddr is the Fail-Safe Coordinator's address, used only on
	// fallback.
	FailsafeAddr string
	// Timeout bounds every read from either coordinator.
	Timeout time.Duration
	// DialTimeout bounds the outbound connection attempt.
	DialTimeout time.Duration

	Logger *log.Logger
}

func (c Config) withDefaults() Config {
	if c.CoordinatorAddr == "" {
		c.CoordinatorAddr = ":8005"
	}
	if c.FailsafeAddr == "" {
		c.FailsafeAddr = ":8006"
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return c
}

// resourceManager is the subset of internal/resourcemanager's
// ResourceManager surface the participant depends on, so tests can stub it
// out without a database.
type resourceManager interface {
	Prepare(ctx context.Context, stmt protocol.Statement) (protocol.Token, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Participant runs one transaction attempt against the given resource
// manager handle.
type Participant struct {
	cfg Config
	log *log.Logger
	rm  resourceManager

	health *roleserver.Server
}

// New creates a Participant. rm is the resource manager handle this
// attempt's commit/rollback will be issued against; the same handle must
// survive from the normal path into the fallback path.
func New(cfg Config, rm resourceManager) *Participant {
	cfg = cfg.withDefaults()
	return &Participant{cfg: cfg, log: cfg.Logger, rm: rm, health: roleserver.New("participant")}
}

// HealthServer returns the participant's /healthz server.
func (p *Participant) HealthServer() *roleserver.Server { return p.health }

// netErrKind classifies a network error the way the design notes call for,
// replacing the original's asyncio.TimeoutError/ConnectionRefusedError
// exception matching with a typed sum value.
type netErrKind int

const (
	netErrOther netErrKind = iota
	netErrTimeout
	netErrRefused
)

func classifyNetErr(err error) netErrKind {
	if err == nil {
		return netErrOther
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return netErrTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return netErrRefused
	}
	return netErrOther
}

// Run executes one transaction attempt: the normal path against the
// coordinator, falling back to the fail-safe coordinator on a read timeout
// or a refused connection.
func (p *Participant) Run(ctx context.Context) error {
	p.health.SetPhase("connecting")

	conn, err := p.dial(p.cfg.CoordinatorAddr)
	if err != nil {
		if classifyNetErr(err) == netErrRefused {
			p.log.Printf("unable to connect to primary coordinator: %v", err)
			return p.runFailsafe(ctx)
		}
		return fmt.Errorf("participant: dial coordinator: %w", err)
	}
	p.log.Printf("connected to primary coordinator at %s", p.cfg.CoordinatorAddr)

	err = p.runNormal(ctx, conn)
	conn.Close()

	if err == nil {
		return nil
	}

	switch classifyNetErr(err) {
	case netErrTimeout:
		p.log.Printf("primary coordinator timed out: %v", err)
		return p.runFailsafe(ctx)
	default:
		return err
	}
}

func (p *Participant) dial(addr string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: p.cfg.DialTimeout}
	return dialer.Dial("tcp", addr)
}

// runNormal is the path to PC: PREPARE, the statement, the vote, and the
// global decision.
func (p *Participant) runNormal(ctx context.Context, conn net.Conn) error {
	p.health.SetPhase("preparing")

	conn.SetReadDeadline(time.Now().Add(p.cfg.Timeout))
	tok, err := protocol.ReadToken(conn)
	if err != nil {
		return err
	}
	p.log.Printf("received %s from primary coordinator", tok)
	if tok != protocol.Prepare {
		return fmt.Errorf("participant: unexpected token %q, expected PREPARE", tok)
	}

	conn.SetReadDeadline(time.Now().Add(p.cfg.Timeout))
	payload, err := protocol.ReadFrame(conn)
	if err != nil {
		return err
	}
	stmt, err := protocol.DecodeStatement(payload)
	if err != nil {
		return fmt.Errorf("participant: decode statement: %w", err)
	}

	vote, err := p.rm.Prepare(ctx, stmt)
	if err != nil {
		p.log.Printf("prepare failed, voting VOTE_ABORT: %v", err)
	}
	p.log.Printf("sending %s to primary coordinator", vote)

	conn.SetWriteDeadline(time.Now().Add(p.cfg.Timeout))
	if err := protocol.WriteToken(conn, vote); err != nil {
		return fmt.Errorf("participant: write vote: %w", err)
	}

	p.health.SetPhase("awaiting-decision")
	conn.SetReadDeadline(time.Now().Add(p.cfg.Timeout))
	decision, err := protocol.ReadToken(conn)
	if err != nil {
		return err
	}
	p.log.Printf("received %s from primary coordinator", decision)

	return p.commitOrRollback(ctx, conn, decision)
}

// runFailsafe is the fallback path: identify to FC and wait for the cached
// decision, using the same resource manager handle runNormal may have
// already staged work on.
func (p *Participant) runFailsafe(ctx context.Context) error {
	p.health.SetPhase("falling-back")

	conn, err := p.dial(p.cfg.FailsafeAddr)
	if err != nil {
		p.log.Printf("unable to connect to fail-safe coordinator: %v", err)
		return fmt.Errorf("participant: dial fail-safe coordinator: %w", err)
	}
	defer conn.Close()
	p.log.Printf("connected to fail-safe coordinator at %s", p.cfg.FailsafeAddr)

	conn.SetWriteDeadline(time.Now().Add(p.cfg.Timeout))
	if err := protocol.WriteFrame(conn, []byte(protocol.ParticipantMarker)); err != nil {
		return fmt.Errorf("participant: identify to fail-safe coordinator: %w", err)
	}

	p.health.SetPhase("awaiting-decision")
	conn.SetReadDeadline(time.Now().Add(p.cfg.Timeout))
	decision, err := protocol.ReadToken(conn)
	if err != nil {
		p.log.Printf("fail-safe coordinator timed out: %v", err)
		return fmt.Errorf("participant: read fail-safe decision: %w", err)
	}
	p.log.Printf("received %s from fail-safe coordinator", decision)

	return p.commitOrRollback(ctx, conn, decision)
}

func (p *Participant) commitOrRollback(ctx context.Context, conn net.Conn, decision protocol.Token) error {
	p.health.SetPhase("finishing")

	var ack protocol.Token
	switch decision {
	case protocol.GlobalCommit:
		if err := p.rm.Commit(ctx); err != nil {
			return fmt.Errorf("participant: commit: %w", err)
		}
		p.log.Printf("commit complete")
		ack = protocol.SuccessfulCommit
	case protocol.GlobalAbort:
		if err := p.rm.Rollback(ctx); err != nil {
			return fmt.Errorf("participant: rollback: %w", err)
		}
		p.log.Printf("rollback complete")
		ack = protocol.SuccessfulAbort
	default:
		return fmt.Errorf("participant: unrecognized decision token %q", decision)
	}

	conn.SetWriteDeadline(time.Now().Add(p.cfg.Timeout))
	if err := protocol.WriteToken(conn, ack); err != nil {
		return fmt.Errorf("participant: write terminal ack: %w", err)
	}

	p.health.SetPhase("done")
	return nil
}
