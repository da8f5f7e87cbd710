// Package migrate applies the embedded job store schema migrations.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nimburion/jobexec/pkg/observability/logger"
	"github.com/nimburion/jobexec/pkg/store/sqltx"
)

const defaultTimeout = 60 * time.Second

// Options configures a migration run.
type Options struct {
	ServiceName string
	Timeout     time.Duration
	Logger      logger.Logger
}

// PendingMigration is a migration not yet applied.
type PendingMigration struct {
	Version int64
	Name    string
}

// Status lists applied versions and pending migrations.
type Status struct {
	AppliedVersions []int64
	Pending         []PendingMigration
}

// ParseArgs reads "[up|down|status] [steps]". The defaults are up and one step.
func ParseArgs(args []string) (string, int, error) {
	subcommand, steps := "up", 1
	switch len(args) {
	case 0:
	case 1:
		subcommand = args[0]
	default:
		subcommand = args[0]
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return "", 0, fmt.Errorf("invalid down steps %q", args[1])
		}
		steps = n
	}
	return subcommand, steps, nil
}

type command func(ctx context.Context, m *Migrator, steps int, log logger.Logger) error

var commands = map[string]command{
	"up": func(ctx context.Context, m *Migrator, _ int, log logger.Logger) error {
		n, err := m.Up(ctx)
		if err != nil {
			return err
		}
		log.Info("migrations applied", "count", n)
		return nil
	},
	"down": func(ctx context.Context, m *Migrator, steps int, log logger.Logger) error {
		if steps <= 0 {
			return errors.New("steps must be greater than zero")
		}
		n, err := m.Down(ctx, steps)
		if err != nil {
			return err
		}
		log.Info("migrations reverted", "count", n, "steps", steps)
		return nil
	},
	"status": func(ctx context.Context, m *Migrator, _ int, log logger.Logger) error {
		status, err := m.Status(ctx)
		if err != nil {
			return err
		}
		log.Info("migration status", "applied", len(status.AppliedVersions), "pending", len(status.Pending))
		for _, p := range status.Pending {
			log.Info("migration pending", "version", p.Version, "name", p.Name)
		}
		return nil
	},
}

// RunWithDB runs a migrate subcommand against an opened database. Concurrent
// runs from several executor nodes wait on a database lock.
func RunWithDB(db *sql.DB, dialect sqltx.Dialect, src Source, subcommand string, steps int, opts Options) error {
	if err := opts.validate(db); err != nil {
		return err
	}
	run, ok := commands[subcommand]
	if !ok {
		return fmt.Errorf("usage: %s migrate [up|down|status] [steps]", opts.ServiceName)
	}
	migrator, err := NewMigrator(db, dialect, src)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout())
	defer cancel()
	return run(ctx, migrator, steps, opts.Logger.With("dialect", string(dialect), "path", src.Dir))
}

func (o Options) validate(db *sql.DB) error {
	var errs []error
	if db == nil {
		errs = append(errs, errors.New("database handle is required"))
	}
	if o.Logger == nil {
		errs = append(errs, errors.New("migration logger is required"))
	}
	if o.ServiceName == "" {
		errs = append(errs, errors.New("migration service name is required"))
	}
	return errors.Join(errs...)
}

func (o Options) timeout() time.Duration {
	if o.Timeout > 0 {
		return o.Timeout
	}
	return defaultTimeout
}
