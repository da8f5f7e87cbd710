package store

import (
	"fmt"
	"strings"

	"github.com/nimburion/jobexec/pkg/config"
	"github.com/nimburion/jobexec/pkg/jobs"
	"github.com/nimburion/jobexec/pkg/jobs/sqlstore"
	"github.com/nimburion/jobexec/pkg/observability/logger"
	"github.com/nimburion/jobexec/pkg/store/mysql"
	"github.com/nimburion/jobexec/pkg/store/postgres"
	"github.com/nimburion/jobexec/pkg/store/sqltx"
)

// NewStorageAdapter opens the SQL adapter selected by cfg.Type and returns its
// transaction-aware connection. The memory type has no adapter.
func NewStorageAdapter(cfg config.DatabaseConfig, log logger.Logger) (Adapter, *sqltx.DB, error) {
	conn := connection(cfg)
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case config.DatabaseTypePostgres:
		pg, err := postgres.Open(conn, log)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.DB, nil
	case config.DatabaseTypeMySQL:
		my, err := mysql.Open(conn, log)
		if err != nil {
			return nil, nil, err
		}
		return my, my.DB, nil
	}
	return nil, nil, fmt.Errorf("unsupported database.type %q for a SQL adapter (supported: postgres, mysql)", cfg.Type)
}

func connection(cfg config.DatabaseConfig) sqltx.Config {
	return sqltx.Config{
		URL: cfg.URL,
		Pool: sqltx.PoolConfig{
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		},
		QueryTimeout: cfg.QueryTimeout,
	}
}

// OpenJobStore opens the job store selected by cfg.Type.
func OpenJobStore(cfg config.DatabaseConfig, log logger.Logger) (*JobStore, error) {
	kind := strings.ToLower(strings.TrimSpace(cfg.Type))
	if kind == config.DatabaseTypeMemory {
		return &JobStore{AdminStore: jobs.NewMemoryStore()}, nil
	}

	dialect, err := sqltx.ParseDialect(kind)
	if err != nil {
		return nil, fmt.Errorf("unsupported database.type %q (supported: memory, postgres, mysql)", cfg.Type)
	}
	adapter, db, err := NewStorageAdapter(cfg, log)
	if err != nil {
		return nil, err
	}
	jobStore, err := sqlstore.New(db, dialect)
	if err != nil {
		_ = adapter.Close()
		return nil, err
	}
	return &JobStore{AdminStore: jobStore, adapter: adapter, db: db.DB(), dialect: dialect}, nil
}
