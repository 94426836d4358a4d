// Package resourcemanager is the participant's local resource manager: the
// thing that actually prepares, commits, or rolls back the write against the
// participant's own database. It is the external collaborator SPEC_FULL.md
// §1 and §4.4 describe, implemented here against PostgreSQL but with a
// simulated in-memory mode for tests and for a participant launched without
// a DSN.
package resourcemanager

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/mekhrubonu/twopc-commit/pkg/protocol"
)

// sqlColumnType picks a column type wide enough for v's dynamic type. The
// protocol only ever carries JSON-ish scalars (string, float64, bool) across
// the wire, so this is deliberately small rather than a general type
// mapper.
func sqlColumnType(v any) string {
	switch v.(type) {
	case float64, float32, int, int32, int64:
		return "NUMERIC"
	case bool:
		return "BOOLEAN"
	default:
		return "TEXT"
	}
}

// ResourceManager is the per-transaction handle a Participant holds for the
// lifetime of one attempt. A new one is created per run; it is never reused
// across transactions.
type ResourceManager struct {
	db *sql.DB // nil means simulated/in-memory mode

	mu         sync.Mutex
	tx         *sql.Tx
	staged     bool // true once Prepare has staged work, real or simulated
	schemaOnce sync.Once
	schemaErr  error
}

// New creates a resource manager backed by db. Pass nil for a simulated
// in-memory resource manager (used by tests, and by a participant started
// without a DSN configured).
func New(db *sql.DB) *ResourceManager {
	return &ResourceManager{db: db}
}

// Prepare stages the insert described by stmt: it ensures the target schema
// exists, begins a transaction, executes the insert, and returns the vote
// token the participant should send back to whichever coordinator asked —
// VOTE_COMMIT on success, VOTE_ABORT (with the transaction already rolled
// back) on any SQL error. This folds together what SPEC_FULL.md's resource
// manager interface calls Prepare and Insert: in this protocol the SQL
// payload only arrives after PREPARE has already been acknowledged, so
// there is no separate "insert" step the participant invokes later.
func (r *ResourceManager) Prepare(ctx context.Context, stmt protocol.Statement) (protocol.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.staged {
		return protocol.VoteAbort, errors.New("resourcemanager: transaction already prepared")
	}

	if r.db == nil {
		r.staged = true
		return protocol.VoteCommit, nil
	}

	if err := stmt.Validate(); err != nil {
		return protocol.VoteAbort, err
	}

	if err := r.ensureSchema(ctx, stmt); err != nil {
		return protocol.VoteAbort, fmt.Errorf("resourcemanager: ensure schema: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return protocol.VoteAbort, fmt.Errorf("resourcemanager: begin tx: %w", err)
	}

	if err := insertStatement(ctx, tx, stmt); err != nil {
		_ = tx.Rollback()
		return protocol.VoteAbort, err
	}

	r.tx = tx
	r.staged = true

	return protocol.VoteCommit, nil
}

// Commit durably commits the staged work. It is idempotent: calling it a
// second time, or calling it after Rollback already ran, is a no-op rather
// than an error, matching the grounding codebase's isAlreadyFinishedErr
// handling.
func (r *ResourceManager) Commit(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.tx == nil {
		return nil
	}

	err := r.tx.Commit()
	r.tx = nil

	if err != nil && !isAlreadyFinishedErr(err) {
		return fmt.Errorf("resourcemanager: commit: %w", err)
	}

	return nil
}

// Rollback undoes the staged work. Idempotent for the same reason Commit is.
func (r *ResourceManager) Rollback(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.tx == nil {
		return nil
	}

	err := r.tx.Rollback()
	r.tx = nil

	if err != nil && !isAlreadyFinishedErr(err) {
		return fmt.Errorf("resourcemanager: rollback: %w", err)
	}

	return nil
}

// ensureSchema creates the target table if it doesn't exist yet, with one
// column per entry in stmt.Values alongside the identity column. It is
// guarded by sync.Once per ResourceManager (one transaction attempt, so one
// check is enough) with a to_regclass re-check on the creation error path to
// tolerate a race against another participant process standing up the same
// table concurrently — ported in spirit from the grounding codebase's
// ensureSchemaLocked/tableExists, generalized so the bootstrapped schema
// always matches the columns insertStatement is about to insert into.
func (r *ResourceManager) ensureSchema(ctx context.Context, stmt protocol.Statement) error {
	r.schemaOnce.Do(func() {
		r.schemaErr = r.ensureSchemaOnce(ctx, stmt)
	})
	return r.schemaErr
}

func (r *ResourceManager) ensureSchemaOnce(ctx context.Context, stmt protocol.Statement) error {
	exists, err := r.tableExists(ctx, stmt.Table)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	ddl, err := createTableDDL(stmt)
	if err != nil {
		return err
	}

	if _, err := r.db.ExecContext(ctx, ddl); err != nil {
		ok, chkErr := r.tableExists(ctx, stmt.Table)
		if chkErr != nil {
			return chkErr
		}
		if ok {
			return nil
		}
		return err
	}

	return nil
}

// createTableDDL builds an idempotent CREATE TABLE statement with one
// column per entry in stmt.Values, typed from the Go value it will carry,
// plus the identity column every table gets. Every identifier is validated
// through protocol.SafeIdent before being spliced into the statement.
func createTableDDL(stmt protocol.Statement) (string, error) {
	table, err := protocol.SafeIdent(stmt.Table)
	if err != nil {
		return "", err
	}

	cols := stmt.SortedColumns()
	colDefs := make([]string, len(cols))
	for i, c := range cols {
		ident, err := protocol.SafeIdent(c)
		if err != nil {
			return "", err
		}
		colDefs[i] = fmt.Sprintf("%q %s", ident, sqlColumnType(stmt.Values[c]))
	}

	return fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %q (
	transid SERIAL PRIMARY KEY,
	%s,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
		table, strings.Join(colDefs, ",\n\t"),
	), nil
}

func (r *ResourceManager) tableExists(ctx context.Context, table string) (bool, error) {
	var regclass *string
	if err := r.db.QueryRowContext(ctx, `SELECT to_regclass($1)`, table).Scan(&regclass); err != nil {
		return false, err
	}
	return regclass != nil, nil
}

// insertStatement builds and executes a parameterized INSERT from stmt,
// validating every identifier along the way so the statement can never
// break out of an identifier position.
func insertStatement(ctx context.Context, tx *sql.Tx, stmt protocol.Statement) error {
	if err := stmt.Validate(); err != nil {
		return err
	}

	table, err := protocol.SafeIdent(stmt.Table)
	if err != nil {
		return err
	}

	cols := stmt.SortedColumns()
	colIdents := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))

	for i, c := range cols {
		ident, err := protocol.SafeIdent(c)
		if err != nil {
			return err
		}
		colIdents[i] = `"` + ident + `"`
		placeholders[i] = protocol.Placeholder(i + 1)
		args[i] = stmt.Values[c]
	}

	query := fmt.Sprintf(
		`INSERT INTO %q (%s) VALUES (%s)`,
		table, strings.Join(colIdents, ","), strings.Join(placeholders, ","),
	)

	_, err = tx.ExecContext(ctx, query, args...)
	return err
}

func isAlreadyFinishedErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "already been committed") ||
		strings.Contains(msg, "already been rolled back") ||
		strings.Contains(msg, "already been committed or rolled back") ||
		strings.Contains(msg, "transaction has already been committed or rolled back")
}
