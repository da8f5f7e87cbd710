// Package postgres connects the job store to PostgreSQL through lib/pq.
package postgres

import (
	"database/sql"

	_ "github.com/lib/pq"

	"github.com/nimburion/jobexec/pkg/observability/logger"
	"github.com/nimburion/jobexec/pkg/store/sqltx"
)

// DriverName is the database/sql driver registered by lib/pq.
const DriverName = "postgres"

const label = "PostgreSQL"

// Config is the pooled connection configuration. URL is a lib/pq connection
// string or postgres:// URL.
type Config = sqltx.Config

// Adapter is a PostgreSQL pool with context-carried transactions.
type Adapter struct {
	*sqltx.DB
}

// Open connects to PostgreSQL and verifies the connection.
func Open(cfg Config, log logger.Logger) (*Adapter, error) {
	db, err := sqltx.Connect(DriverName, label, cfg, log)
	if err != nil {
		return nil, err
	}
	return &Adapter{DB: db}, nil
}

// Wrap adapts a pool opened elsewhere, such as a sqlmock connection.
func Wrap(db *sql.DB, cfg Config, log logger.Logger) *Adapter {
	return &Adapter{DB: sqltx.New(db, label, cfg.QueryTimeout, log)}
}
