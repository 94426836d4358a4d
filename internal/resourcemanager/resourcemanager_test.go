package resourcemanager

import (
	"context"
	"strings"
	"testing"

	"github.com/mekhrubonu/twopc-commit/pkg/protocol"
)

func TestPrepareSimulatedCommits(t *testing.T) {
	rm := New(nil)

	stmt := protocol.Statement{Table: "transaction_table", Values: map[string]any{"name": "Ada", "salary": 1200}}

	tok, err := rm.Prepare(context.Background(), stmt)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if tok != protocol.VoteCommit {
		t.Errorf("expected VOTE_COMMIT, got %q", tok)
	}

	if err := rm.Commit(context.Background()); err != nil {
		t.Errorf("Commit failed: %v", err)
	}
}

func TestPrepareTwiceFails(t *testing.T) {
	rm := New(nil)
	stmt := protocol.Statement{Table: "transaction_table", Values: map[string]any{"name": "Ada"}}

	if _, err := rm.Prepare(context.Background(), stmt); err != nil {
		t.Fatalf("first Prepare failed: %v", err)
	}

	if _, err := rm.Prepare(context.Background(), stmt); err == nil {
		t.Error("expected error preparing a second time on the same resource manager")
	}
}

func TestCommitWithoutPrepareIsNoop(t *testing.T) {
	rm := New(nil)
	if err := rm.Commit(context.Background()); err != nil {
		t.Errorf("Commit without Prepare should be a no-op, got: %v", err)
	}
}

func TestRollbackWithoutPrepareIsNoop(t *testing.T) {
	rm := New(nil)
	if err := rm.Rollback(context.Background()); err != nil {
		t.Errorf("Rollback without Prepare should be a no-op, got: %v", err)
	}
}

func TestIsAlreadyFinishedErr(t *testing.T) {
	cases := []struct {
		msg  string
		want bool
	}{
		{"sql: transaction has already been committed or rolled back", true},
		{"sql: transaction has already been rolled back", true},
		{"connection refused", false},
	}

	for _, c := range cases {
		got := isAlreadyFinishedErr(errString(c.msg))
		if got != c.want {
			t.Errorf("isAlreadyFinishedErr(%q) = %v, want %v", c.msg, got, c.want)
		}
	}
}

type errString string

func (e errString) Error() string { return string(e) }

func TestCreateTableDDLMatchesStatementColumns(t *testing.T) {
	stmt := protocol.Statement{Table: "transaction_table", Values: map[string]any{"name": "Ada", "salary": 1200.0}}

	ddl, err := createTableDDL(stmt)
	if err != nil {
		t.Fatalf("createTableDDL failed: %v", err)
	}

	for _, want := range []string{`"name" TEXT`, `"salary" NUMERIC`, `transid SERIAL`, `"transaction_table"`} {
		if !strings.Contains(ddl, want) {
			t.Errorf("createTableDDL() = %q, want it to contain %q", ddl, want)
		}
	}
}

func TestCreateTableDDLRejectsUnsafeColumn(t *testing.T) {
	stmt := protocol.Statement{Table: "transaction_table", Values: map[string]any{"name; DROP TABLE x;--": "Ada"}}

	if _, err := createTableDDL(stmt); err == nil {
		t.Error("expected an error for an unsafe column identifier")
	}
}
