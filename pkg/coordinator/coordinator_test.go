package coordinator

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/mekhrubonu/twopc-commit/pkg/protocol"
)

// fakeFailsafe accepts exactly one coordinator connection, reads the
// identification marker, then for each DECIDED_TO_COMMIT frame replies
// RECORDED_COMMIT. It exists only to stand in for pkg/failsafe in
// coordinator-only tests.
func fakeFailsafe(t *testing.T) (addr string, closeFn func()) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		if _, err := protocol.ReadFrame(conn); err != nil {
			return
		}

		for {
			tok, err := protocol.ReadToken(conn)
			if err != nil {
				return
			}
			if tok == protocol.DecidedToCommit {
				_ = protocol.WriteToken(conn, protocol.RecordedCommit)
			}
		}
	}()

	return ln.Addr().String(), func() { ln.Close() }
}

func startCoordinator(t *testing.T, n int, failsafeAddr string) (listenAddr string, co *Coordinator, stop func()) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	co = New(Config{
		ListenAddr:     addr,
		FailsafeAddr:   failsafeAddr,
		LocalBindAddr:  "127.0.0.1:0",
		MaxConnections: n,
		Statement:      protocol.Statement{Table: "transaction_table", Values: map[string]any{"name": "Ada", "salary": 1000}},
		StepDelay:      0,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		co.Run(ctx)
		close(done)
	}()

	// Give the listener a moment to actually bind before dialing it.
	time.Sleep(20 * time.Millisecond)

	return addr, co, func() {
		cancel()
		<-done
	}
}

func TestBarrierBeforeProgress(t *testing.T) {
	fsAddr, closeFS := fakeFailsafe(t)
	defer closeFS()

	addr, _, stop := startCoordinator(t, 2, fsAddr)
	defer stop()

	conn1, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn1.Close()

	conn1.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 4)
	if _, err := conn1.Read(buf); err == nil {
		t.Error("expected no data before the barrier is satisfied, got some")
	}
}

func TestHappyPathTwoParticipantsCommit(t *testing.T) {
	fsAddr, closeFS := fakeFailsafe(t)
	defer closeFS()

	addr, _, stop := startCoordinator(t, 2, fsAddr)
	defer stop()

	conns := make([]net.Conn, 2)
	for i := range conns {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		conns[i] = conn
		defer conn.Close()
	}

	for _, conn := range conns {
		conn.SetDeadline(time.Now().Add(5 * time.Second))

		tok, err := protocol.ReadToken(conn)
		if err != nil || tok != protocol.Prepare {
			t.Fatalf("expected PREPARE, got %q err=%v", tok, err)
		}

		if _, err := protocol.ReadFrame(conn); err != nil {
			t.Fatalf("read statement: %v", err)
		}

		if err := protocol.WriteToken(conn, protocol.VoteCommit); err != nil {
			t.Fatalf("write vote: %v", err)
		}
	}

	for _, conn := range conns {
		tok, err := protocol.ReadToken(conn)
		if err != nil || tok != protocol.GlobalCommit {
			t.Fatalf("expected GLOBAL_COMMIT, got %q err=%v", tok, err)
		}

		if err := protocol.WriteToken(conn, protocol.SuccessfulCommit); err != nil {
			t.Fatalf("write ack: %v", err)
		}
	}
}

func TestOneAbortBroadcastsGlobalAbort(t *testing.T) {
	fsAddr, closeFS := fakeFailsafe(t)
	defer closeFS()

	addr, _, stop := startCoordinator(t, 2, fsAddr)
	defer stop()

	connCommit, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer connCommit.Close()

	connAbort, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer connAbort.Close()

	connCommit.SetDeadline(time.Now().Add(5 * time.Second))
	connAbort.SetDeadline(time.Now().Add(5 * time.Second))

	for _, conn := range []net.Conn{connCommit, connAbort} {
		if tok, err := protocol.ReadToken(conn); err != nil || tok != protocol.Prepare {
			t.Fatalf("expected PREPARE, got %q err=%v", tok, err)
		}
		if _, err := protocol.ReadFrame(conn); err != nil {
			t.Fatalf("read statement: %v", err)
		}
	}

	if err := protocol.WriteToken(connAbort, protocol.VoteAbort); err != nil {
		t.Fatalf("write abort vote: %v", err)
	}
	if err := protocol.WriteToken(connCommit, protocol.VoteCommit); err != nil {
		t.Fatalf("write commit vote: %v", err)
	}

	tok, err := protocol.ReadToken(connCommit)
	if err != nil || tok != protocol.GlobalAbort {
		t.Fatalf("expected GLOBAL_ABORT on the still-connected participant, got %q err=%v", tok, err)
	}

	if err := protocol.WriteToken(connCommit, protocol.SuccessfulAbort); err != nil {
		t.Fatalf("write ack: %v", err)
	}
}
