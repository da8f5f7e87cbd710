package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nimburion/jobexec/pkg/store/sqltx"
)

// MetadataTable records the applied migration versions.
const MetadataTable = "jobexec_schema_migrations"

// Migrator applies a Source to one database.
type Migrator struct {
	db         *sql.DB
	dialect    sqltx.Dialect
	lock       schemaLock
	migrations []Migration
}

// NewMigrator loads src. A source without migrations is an error.
func NewMigrator(db *sql.DB, dialect sqltx.Dialect, src Source) (*Migrator, error) {
	if db == nil {
		return nil, errors.New("database handle is required")
	}
	migrations, err := Load(src)
	if err != nil {
		return nil, err
	}
	if len(migrations) == 0 {
		return nil, fmt.Errorf("no migrations found in %s", src.Dir)
	}
	return &Migrator{db: db, dialect: dialect, lock: lockFor(dialect), migrations: migrations}, nil
}

// Up applies every pending migration in version order, one transaction each,
// and returns how many ran.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	count := 0
	err := m.run(ctx, "", func(conn *sql.Conn, applied []int64) error {
		done := versionSet(applied)
		insert := m.dialect.Rebind("INSERT INTO " + MetadataTable + " (version, applied_at) VALUES (?, CURRENT_TIMESTAMP)")
		for _, mig := range m.migrations {
			if done[mig.Version] {
				continue
			}
			if err := m.apply(ctx, conn, mig, mig.Up, insert, "apply"); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

// Down reverts up to steps of the newest applied migrations.
func (m *Migrator) Down(ctx context.Context, steps int) (int, error) {
	if steps <= 0 {
		steps = 1
	}
	count := 0
	err := m.run(ctx, " ORDER BY version DESC", func(conn *sql.Conn, applied []int64) error {
		remove := m.dialect.Rebind("DELETE FROM " + MetadataTable + " WHERE version = ?")
		for _, version := range applied[:min(steps, len(applied))] {
			mig, ok := m.find(version)
			switch {
			case !ok:
				return fmt.Errorf("applied migration %d is unknown to this build", version)
			case mig.Down == "":
				return fmt.Errorf("migration %d_%s cannot be reverted: no down script", mig.Version, mig.Name)
			}
			if err := m.apply(ctx, conn, mig, mig.Down, remove, "revert"); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

// Status reports applied versions and the migrations still to run.
func (m *Migrator) Status(ctx context.Context) (*Status, error) {
	status := &Status{}
	err := m.run(ctx, " ORDER BY version", func(_ *sql.Conn, applied []int64) error {
		status.AppliedVersions = applied
		done := versionSet(applied)
		for _, mig := range m.migrations {
			if !done[mig.Version] {
				status.Pending = append(status.Pending, PendingMigration{Version: mig.Version, Name: mig.Name})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return status, nil
}

// run takes the schema lock, creates the metadata table when missing and
// passes the applied versions in the given order to fn.
func (m *Migrator) run(ctx context.Context, order string, fn func(*sql.Conn, []int64) error) error {
	return locked(ctx, m.db, m.lock, func(conn *sql.Conn) error {
		if err := m.createMetadataTable(ctx, conn); err != nil {
			return err
		}
		applied, err := appliedVersions(ctx, conn, order)
		if err != nil {
			return err
		}
		return fn(conn, applied)
	})
}

func (m *Migrator) apply(ctx context.Context, conn *sql.Conn, mig Migration, script, bookkeeping, verb string) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s migration %d: begin: %w", verb, mig.Version, err)
	}
	if _, err := tx.ExecContext(ctx, script); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("%s migration %d_%s: %w", verb, mig.Version, mig.Name, err)
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, mig.Version); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("%s migration %d: record version: %w", verb, mig.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s migration %d: commit: %w", verb, mig.Version, err)
	}
	return nil
}

func (m *Migrator) createMetadataTable(ctx context.Context, conn *sql.Conn) error {
	timestamp := "TIMESTAMPTZ"
	if m.dialect == sqltx.MySQL {
		timestamp = "TIMESTAMP"
	}
	ddl := "CREATE TABLE IF NOT EXISTS " + MetadataTable +
		" (version BIGINT PRIMARY KEY, applied_at " + timestamp + " NOT NULL DEFAULT CURRENT_TIMESTAMP)"
	if _, err := conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create %s: %w", MetadataTable, err)
	}
	return nil
}

func (m *Migrator) find(version int64) (Migration, bool) {
	for _, mig := range m.migrations {
		if mig.Version == version {
			return mig, true
		}
	}
	return Migration{}, false
}

func appliedVersions(ctx context.Context, conn *sql.Conn, order string) ([]int64, error) {
	rows, err := conn.QueryContext(ctx, "SELECT version FROM "+MetadataTable+order)
	if err != nil {
		return nil, fmt.Errorf("read applied migrations: %w", err)
	}
	defer rows.Close()

	var versions []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("read applied migrations: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func versionSet(versions []int64) map[int64]bool {
	set := make(map[int64]bool, len(versions))
	for _, v := range versions {
		set[v] = true
	}
	return set
}
