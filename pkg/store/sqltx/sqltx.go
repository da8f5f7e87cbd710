// Package sqltx runs database/sql work inside context-carried transactions
// that honor the rollback-only state of repository.TxState.
package sqltx

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nimburion/jobexec/pkg/observability/logger"
	"github.com/nimburion/jobexec/pkg/repository"
)

const (
	defaultHealthCheckTimeout = 2 * time.Second
	connectTimeout            = 5 * time.Second
)

// PoolConfig holds connection pool settings shared by the SQL adapters.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Apply configures the pool of db.
func (c PoolConfig) Apply(db *sql.DB) {
	db.SetMaxOpenConns(c.MaxOpenConns)
	db.SetMaxIdleConns(c.MaxIdleConns)
	db.SetConnMaxLifetime(c.ConnMaxLifetime)
	db.SetConnMaxIdleTime(c.ConnMaxIdleTime)
}

// Config describes one pooled SQL connection.
type Config struct {
	URL          string
	Pool         PoolConfig
	QueryTimeout time.Duration
}

// DB wraps a *sql.DB. Statements issued with a context carrying a transaction
// opened by WithTransaction run on that transaction.
type DB struct {
	db           *sql.DB
	name         string
	queryTimeout time.Duration
	log          logger.Logger
}

// New wraps db. name is used in log messages ("PostgreSQL", "MySQL").
func New(db *sql.DB, name string, queryTimeout time.Duration, log logger.Logger) *DB {
	if log == nil {
		log = logger.NewNop()
	}
	return &DB{db: db, name: name, queryTimeout: queryTimeout, log: log}
}

// Connect opens a pool for driver, pings it within connectTimeout and wraps
// it. The pool is closed again when the ping fails.
func Connect(driver, name string, cfg Config, log logger.Logger) (*DB, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("database URL is required")
	}
	db, err := sql.Open(driver, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open %s pool: %w", name, err)
	}
	cfg.Pool.Apply(db)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", name, err)
	}

	wrapped := New(db, name, cfg.QueryTimeout, log)
	wrapped.log.Info("database pool ready",
		"database", name,
		"max_open", cfg.Pool.MaxOpenConns,
		"max_idle", cfg.Pool.MaxIdleConns,
		"query_timeout", cfg.QueryTimeout,
	)
	return wrapped, nil
}

// DB returns the underlying *sql.DB.
func (d *DB) DB() *sql.DB {
	return d.db
}

type txKey struct{}

// TxFrom extracts the transaction opened by WithTransaction, if any.
func TxFrom(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	return tx, ok
}

// WithTransaction runs fn in a transaction. A call with a context that
// already carries a transaction joins it.
//
// fn returning an error rolls back and returns the error. A transaction marked
// rollback-only rolls back and returns nil. After a successful commit the
// after-commit hooks of the transaction state run.
func (d *DB) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := TxFrom(ctx); ok {
		return fn(ctx)
	}

	ctx, state := repository.EnsureTxState(ctx)
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		state.RolledBack()
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				d.log.Error("failed to rollback transaction after panic", "panic", p, "rollback_error", rbErr)
			}
			state.RolledBack()
			panic(p)
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		state.RolledBack()
		if rbErr := tx.Rollback(); rbErr != nil {
			d.log.Error("failed to rollback transaction", "original_error", err, "rollback_error", rbErr)
			return errors.Join(err, fmt.Errorf("failed to rollback transaction: %w", rbErr))
		}
		return err
	}

	if state.IsRollbackOnly() {
		state.RolledBack()
		if rbErr := tx.Rollback(); rbErr != nil {
			d.log.Warn("failed to rollback rollback-only transaction", "cause", state.RollbackCause(), "rollback_error", rbErr)
		}
		return nil
	}

	if err := tx.Commit(); err != nil {
		state.RolledBack()
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	state.Committed()
	return nil
}

// ExecContext runs a statement on the transaction carried by ctx, or on the pool.
func (d *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	queryCtx, cancel := d.withQueryTimeout(ctx)
	defer cancel()
	if tx, ok := TxFrom(ctx); ok {
		return tx.ExecContext(queryCtx, query, args...)
	}
	return d.db.ExecContext(queryCtx, query, args...)
}

// Query runs a query and calls scan for every row. The rows are consumed
// before the query timeout is released.
func (d *DB) Query(ctx context.Context, query string, args []any, scan func(*sql.Rows) error) error {
	queryCtx, cancel := d.withQueryTimeout(ctx)
	defer cancel()

	var (
		rows *sql.Rows
		err  error
	)
	if tx, ok := TxFrom(ctx); ok {
		rows, err = tx.QueryContext(queryCtx, query, args...)
	} else {
		rows, err = d.db.QueryContext(queryCtx, query, args...)
	}
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

// QueryRow runs a single-row query and scans it into dest. It returns
// sql.ErrNoRows when nothing matched.
func (d *DB) QueryRow(ctx context.Context, query string, args []any, dest ...any) error {
	queryCtx, cancel := d.withQueryTimeout(ctx)
	defer cancel()
	if tx, ok := TxFrom(ctx); ok {
		return tx.QueryRowContext(queryCtx, query, args...).Scan(dest...)
	}
	return d.db.QueryRowContext(queryCtx, query, args...).Scan(dest...)
}

// Ping verifies the database connection is alive.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// HealthCheck pings the database with a short timeout.
func (d *DB) HealthCheck(ctx context.Context) error {
	hcCtx, cancel := context.WithTimeout(ctx, defaultHealthCheckTimeout)
	defer cancel()
	if err := d.db.PingContext(hcCtx); err != nil {
		d.log.Error(d.name+" health check failed", "error", err)
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// Close closes the pool.
func (d *DB) Close() error {
	d.log.Info("closing " + d.name + " connection")
	if err := d.db.Close(); err != nil {
		d.log.Error("failed to close "+d.name+" connection", "error", err)
		return fmt.Errorf("failed to close database connection: %w", err)
	}
	return nil
}

func (d *DB) withQueryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.queryTimeout <= 0 {
		return ctx, func() {}
	}
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d.queryTimeout)
}
