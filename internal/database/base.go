// Package database adapts a host-supplied *sql.DB into the sqlair-based
// query layer the rest of this module's state packages use. The database
// driver that produces the *sql.DB is, per spec §1, an external
// collaborator: this package never imports one.
package database

import (
	"context"
	"database/sql"
	"strings"
	"sync"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"
)

// TxnRunnerFactory returns the *sql.DB backing a given context. It exists
// so a host can swap connections (e.g. per request, per tenant) without the
// state packages knowing; most hosts will just close over a single *sql.DB.
type TxnRunnerFactory func(ctx context.Context) (*sql.DB, error)

// ErrorClassifier teaches this package to recognize driver-specific error
// classes. Hosts wiring in a concrete SQL Server driver should supply one
// that inspects that driver's error type (e.g. checking Number 2627/2601
// for unique-constraint violations, 1205 for deadlocks); the default
// classifier falls back to matching on the error's formatted message, which
// is all that can be done without depending on a specific driver.
type ErrorClassifier interface {
	IsConstraintUnique(err error) bool
	IsRetryable(err error) bool
}

type heuristicClassifier struct{}

func (heuristicClassifier) IsConstraintUnique(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "primary key constraint")
}

func (heuristicClassifier) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "deadlock") || strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "lock request time out") || strings.Contains(msg, "busy")
}

// StateBase is embedded by each state package's own State type, the same
// way domain.StateBase is embedded by domain/lease/state.State. It owns
// the lazily-built *sqlair.DB and a statement cache so per-user-table
// query templates (spec §9, "Query building") are parsed once and reused
// across calls.
type StateBase struct {
	factory    TxnRunnerFactory
	classifier ErrorClassifier

	mu    sync.Mutex
	raw   *sql.DB
	db    *sqlair.DB
	stmt  map[string]*sqlair.Statement
}

// NewStateBase returns a StateBase that obtains connections from factory.
// classifier may be nil, in which case a conservative string-matching
// default is used.
func NewStateBase(factory TxnRunnerFactory, classifier ErrorClassifier) *StateBase {
	if classifier == nil {
		classifier = heuristicClassifier{}
	}
	return &StateBase{
		factory:    factory,
		classifier: classifier,
		stmt:       make(map[string]*sqlair.Statement),
	}
}

// DB returns the sqlair.DB wrapping this context's *sql.DB, for callers
// binding typed Go structs to SQL text.
func (b *StateBase) DB(ctx context.Context) (*sqlair.DB, error) {
	if _, err := b.Raw(ctx); err != nil {
		return nil, errors.Trace(err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.db, nil
}

// Txn runs fn inside a transaction obtained from the sqlair.DB, committing
// if fn returns nil and rolling back otherwise.
func (b *StateBase) Txn(ctx context.Context, fn func(ctx context.Context, tx *sqlair.TX) error) error {
	db, err := b.DB(ctx)
	if err != nil {
		return errors.Trace(err)
	}

	tx, err := db.Begin(ctx, nil)
	if err != nil {
		return errors.Annotate(err, "starting transaction")
	}

	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		return errors.Trace(err)
	}
	return errors.Trace(tx.Commit())
}

// Raw returns the underlying *sql.DB, for callers issuing the kind of
// unparameterized metadata and DDL statements sqlair has no reason to
// mediate (schema discovery, table creation).
func (b *StateBase) Raw(ctx context.Context) (*sql.DB, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.raw != nil {
		return b.raw, nil
	}

	sqlDB, err := b.factory(ctx)
	if err != nil {
		return nil, errors.Annotate(err, "obtaining database connection")
	}
	b.raw = sqlDB
	b.db = sqlair.NewDB(sqlDB)
	return b.raw, nil
}

// Prepare parses query against typeSamples, caching the resulting statement
// by query text so repeat calls (every poll tick, for example) don't
// re-parse it.
func (b *StateBase) Prepare(query string, typeSamples ...any) (*sqlair.Statement, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if stmt, ok := b.stmt[query]; ok {
		return stmt, nil
	}
	stmt, err := sqlair.Prepare(query, typeSamples...)
	if err != nil {
		return nil, errors.Annotate(err, "preparing statement")
	}
	b.stmt[query] = stmt
	return stmt, nil
}

// IsErrConstraintUnique reports whether err is a unique-constraint
// violation, per b's ErrorClassifier.
func (b *StateBase) IsErrConstraintUnique(err error) bool {
	return b.classifier.IsConstraintUnique(err)
}

// IsErrRetryable reports whether err is a transient, lock-contention-shaped
// error that a subsequent retry is likely to clear, per b's
// ErrorClassifier.
func (b *StateBase) IsErrRetryable(err error) bool {
	return b.classifier.IsRetryable(err)
}
