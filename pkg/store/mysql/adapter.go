// Package mysql connects the job store to MySQL through go-sql-driver/mysql.
package mysql

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	driver "github.com/go-sql-driver/mysql"

	"github.com/nimburion/jobexec/pkg/observability/logger"
	"github.com/nimburion/jobexec/pkg/store/sqltx"
)

// DriverName is the database/sql driver registered by go-sql-driver/mysql.
const DriverName = "mysql"

const label = "MySQL"

// Config is the pooled connection configuration. URL is a go-sql-driver DSN,
// optionally prefixed with mysql://.
type Config = sqltx.Config

// Adapter is a MySQL pool with context-carried transactions.
type Adapter struct {
	*sqltx.DB
}

// Open normalizes the DSN and connects. Job rows carry DATETIME columns, so
// the connection always scans them as UTC time.Time values.
func Open(cfg Config, log logger.Logger) (*Adapter, error) {
	dsn, err := NormalizeDSN(cfg.URL)
	if err != nil {
		return nil, err
	}
	cfg.URL = dsn
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

// NormalizeDSN strips an optional mysql:// scheme and forces parseTime=true
// with the UTC location.
func NormalizeDSN(raw string) (string, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "mysql://")
	if trimmed == "" {
		return "", errors.New("database URL is required")
	}
	dsn, err := driver.ParseDSN(trimmed)
	if err != nil {
		return "", fmt.Errorf("mysql dsn: %w", err)
	}
	dsn.ParseTime, dsn.Loc = true, time.UTC
	return dsn.FormatDSN(), nil
}
