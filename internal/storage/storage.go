// Package storage implements the engine's database access layer.
//
// The engine owns a single connection pool and runs every synchronization
// step inside one transaction. Tracked tables are reached through generic
// row helpers driven by the model registry; the engine's own state lives
// in the sync_ prefixed tables.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Dialect selects the DBMS-dependent statements used around engine
// transactions.
type Dialect int

const (
	DialectGeneric Dialect = iota
	DialectSQLite
	DialectMySQL
)

// DialectForDriver maps a database/sql driver name to a dialect.
func DialectForDriver(driver string) Dialect {
	switch {
	case strings.Contains(driver, "sqlite"):
		return DialectSQLite
	case strings.Contains(driver, "mysql"):
		return DialectMySQL
	default:
		return DialectGeneric
	}
}

// DBTX is the subset of database/sql handles the row helpers run against.
// *sql.DB, *sql.Conn and *sql.Tx all satisfy it.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Engine wraps the database connection pool shared by the synchronization
// procedures.
type Engine struct {
	db      *sql.DB
	dialect Dialect
	prefix  string
}

// Option configures an Engine.
type Option func(*Engine)

// WithDialect sets the DBMS dialect.
func WithDialect(d Dialect) Option { return func(e *Engine) { e.dialect = d } }

// WithPrefix overrides the internal table prefix (default "sync_").
func WithPrefix(p string) Option { return func(e *Engine) { e.prefix = p } }

// New binds the engine to a database connection pool.
func New(db *sql.DB, opts ...Option) *Engine {
	e := &Engine{db: db, prefix: "sync_"}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DB returns the underlying pool.
func (e *Engine) DB() *sql.DB { return e.db }

// Dialect returns the configured dialect.
func (e *Engine) Dialect() Dialect { return e.dialect }

func (e *Engine) table(name string) string { return e.prefix + name }

// quote wraps an identifier in the dialect's quoting characters. Needed
// because the operations table has a column literally named "order".
func (e *Engine) quote(ident string) string {
	if e.dialect == DialectMySQL {
		return "`" + ident + "`"
	}
	return `"` + ident + `"`
}

// Tx is one engine transaction (or a wrapped user transaction) with the
// row and sync-table helpers bound to it.
type Tx struct {
	e *Engine
	q DBTX
}

// Wrap binds the helpers to an externally managed transaction. Used by
// tracked sessions, which run inside the application's own transaction.
func (e *Engine) Wrap(q DBTX) *Tx { return &Tx{e: e, q: q} }

// Transaction runs fn inside one engine transaction with foreign-key
// enforcement relaxed where the dialect requires it.
//
// On SQLite the prior foreign_keys pragma is recorded, enforcement is
// disabled, an EXCLUSIVE transaction is begun, and the pragma is restored
// on every exit path. On MySQL foreign_key_checks is zeroed for the
// session and reset at the end. Other dialects get a plain transaction.
//
// If the callback returns an error or panics, the transaction is rolled
// back; the panic is re-raised.
func (e *Engine) Transaction(ctx context.Context, fn func(tx *Tx) error) error {
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection for transaction: %w", err)
	}
	defer func() { _ = conn.Close() }()

	var restore func()
	switch e.dialect {
	case DialectSQLite:
		var prev int
		if err := conn.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&prev); err != nil {
			return fmt.Errorf("failed to read foreign_keys pragma: %w", err)
		}
		if _, err := conn.ExecContext(ctx, "PRAGMA foreign_keys = OFF"); err != nil {
			return fmt.Errorf("failed to disable foreign keys: %w", err)
		}
		if prev != 0 && prev != 1 {
			prev = 1
		}
		restore = func() {
			_, _ = conn.ExecContext(context.Background(),
				fmt.Sprintf("PRAGMA foreign_keys = %d", prev))
		}
		if err := beginExclusiveWithRetry(ctx, conn, 5, 10*time.Millisecond); err != nil {
			restore()
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
	case DialectMySQL:
		if _, err := conn.ExecContext(ctx, "SET foreign_key_checks = 0"); err != nil {
			return fmt.Errorf("failed to disable foreign key checks: %w", err)
		}
		restore = func() {
			_, _ = conn.ExecContext(context.Background(), "SET foreign_key_checks = 1")
		}
		if _, err := conn.ExecContext(ctx, "BEGIN"); err != nil {
			restore()
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
	default:
		if _, err := conn.ExecContext(ctx, "BEGIN"); err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
	}

	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
		if restore != nil {
			restore()
		}
	}()

	if err := fn(&Tx{e: e, q: conn}); err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

// beginExclusiveWithRetry begins an EXCLUSIVE transaction, retrying with
// doubling backoff when the database is locked by another writer.
func beginExclusiveWithRetry(ctx context.Context, conn *sql.Conn, attempts int, wait time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if _, err = conn.ExecContext(ctx, "BEGIN EXCLUSIVE TRANSACTION"); err == nil {
			return nil
		}
		if !strings.Contains(err.Error(), "locked") && !strings.Contains(err.Error(), "busy") {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return err
}
