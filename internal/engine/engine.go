// Package engine is the database abstraction the executor runs against:
// transactions, session-local directives, named-parameter queries and
// streamed rows.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Engine opens transactions.
type Engine interface {
	Begin(ctx context.Context) (Tx, error)
	Ping(ctx context.Context) error
	// MaxConns bounds concurrent executions. Zero means unbounded.
	MaxConns() int
}

// Tx is a single database transaction. It is not safe for concurrent use.
type Tx interface {
	// Exec runs a statement that returns no rows, such as SET LOCAL.
	Exec(ctx context.Context, sql string) error
	// Query runs sql with named parameters (@name placeholders).
	Query(ctx context.Context, sql string, params map[string]any) (Rows, error)
	Rollback(ctx context.Context) error
}

// Rows is a forward-only cursor. Close must be called.
type Rows interface {
	Columns() []string
	Next() bool
	Values() ([]any, error)
	Err() error
	Close()
}

// --- pgx ---

type pgxEngine struct {
	pool *pgxpool.Pool
}

// NewPgx wraps a pgx pool.
func NewPgx(pool *pgxpool.Pool) Engine {
	if pool == nil {
		panic("engine: pool must be non-nil")
	}
	return &pgxEngine{pool: pool}
}

func (e *pgxEngine) Begin(ctx context.Context) (Tx, error) {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &pgxTx{tx: tx}, nil
}

func (e *pgxEngine) Ping(ctx context.Context) error {
	return e.pool.Ping(ctx)
}

func (e *pgxEngine) MaxConns() int {
	return int(e.pool.Config().MaxConns)
}

type pgxTx struct {
	tx pgx.Tx
}

func (t *pgxTx) Exec(ctx context.Context, sql string) error {
	_, err := t.tx.Exec(ctx, sql)
	return err
}

func (t *pgxTx) Query(ctx context.Context, sql string, params map[string]any) (Rows, error) {
	var args []any
	if len(params) > 0 {
		args = append(args, pgx.NamedArgs(params))
	}
	rows, err := t.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return &pgxRows{rows: rows}, nil
}

func (t *pgxTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

type pgxRows struct {
	rows pgx.Rows
}

func (r *pgxRows) Columns() []string {
	fds := r.rows.FieldDescriptions()
	cols := make([]string, len(fds))
	for i, fd := range fds {
		cols[i] = fd.Name
	}
	return cols
}

func (r *pgxRows) Next() bool             { return r.rows.Next() }
func (r *pgxRows) Values() ([]any, error) { return r.rows.Values() }
func (r *pgxRows) Err() error             { return r.rows.Err() }
func (r *pgxRows) Close()                 { r.rows.Close() }

// --- database/sql ---

type sqlEngine struct {
	db       *sql.DB
	maxConns int
}

// NewSQL wraps a database/sql handle, for example one opened with the pgx
// stdlib driver. maxConns of zero leaves concurrency unbounded.
func NewSQL(db *sql.DB, maxConns int) Engine {
	if db == nil {
		panic("engine: db must be non-nil")
	}
	return &sqlEngine{db: db, maxConns: maxConns}
}

func (e *sqlEngine) Begin(ctx context.Context) (Tx, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqlTx{tx: tx}, nil
}

func (e *sqlEngine) Ping(ctx context.Context) error {
	return e.db.PingContext(ctx)
}

func (e *sqlEngine) MaxConns() int {
	return e.maxConns
}

type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) Exec(ctx context.Context, query string) error {
	_, err := t.tx.ExecContext(ctx, query)
	return err
}

func (t *sqlTx) Query(ctx context.Context, query string, params map[string]any) (Rows, error) {
	var args []any
	if len(params) > 0 {
		// The pgx stdlib driver rewrites @name placeholders from NamedArgs.
		args = append(args, pgx.NamedArgs(params))
	}
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}
	return &sqlRows{rows: rows, cols: cols}, nil
}

func (t *sqlTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

type sqlRows struct {
	rows *sql.Rows
	cols []string
}

func (r *sqlRows) Columns() []string { return r.cols }
func (r *sqlRows) Next() bool        { return r.rows.Next() }

func (r *sqlRows) Values() ([]any, error) {
	vals := make([]any, len(r.cols))
	ptrs := make([]any, len(r.cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := r.rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	return vals, nil
}

func (r *sqlRows) Err() error { return r.rows.Err() }
func (r *sqlRows) Close()     { r.rows.Close() }
