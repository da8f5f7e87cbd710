// Package store opens the job store selected by configuration.
package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/nimburion/jobexec/pkg/jobs"
	"github.com/nimburion/jobexec/pkg/jobs/sqlstore"
	"github.com/nimburion/jobexec/pkg/migrate"
	"github.com/nimburion/jobexec/pkg/store/sqltx"
)

// ErrNoSchema is returned when migrations are requested for the memory store.
var ErrNoSchema = errors.New("job store has no schema to migrate")

// Adapter is the minimal lifecycle and health contract for storage adapters.
type Adapter interface {
	HealthCheck(ctx context.Context) error
	Close() error
}

// JobStore is an opened job store together with the adapter that owns its
// connections. The memory store has no adapter.
type JobStore struct {
	jobs.AdminStore

	adapter Adapter
	db      *sql.DB
	dialect sqltx.Dialect
}

// HealthCheck pings the underlying database.
func (s *JobStore) HealthCheck(ctx context.Context) error {
	if s.adapter == nil {
		return nil
	}
	return s.adapter.HealthCheck(ctx)
}

// Close releases the database connections.
func (s *JobStore) Close() error {
	if s.adapter == nil {
		return nil
	}
	return s.adapter.Close()
}

// Dialect returns the SQL dialect, empty for the memory store.
func (s *JobStore) Dialect() sqltx.Dialect {
	return s.dialect
}

// Migrate runs a migrate subcommand (up, down, status) against the job schema.
func (s *JobStore) Migrate(subcommand string, steps int, opts migrate.Options) error {
	if s.db == nil {
		return ErrNoSchema
	}
	return migrate.RunWithDB(s.db, s.dialect, sqlstore.Migrations(s.dialect), subcommand, steps, opts)
}
