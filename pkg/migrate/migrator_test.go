package migrate

import (
	"context"
	"errors"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/nimburion/jobexec/pkg/store/sqltx"
)

func twoStepSource() Source {
	return Source{Dir: "migrations", Files: fstest.MapFS{
		"migrations/001_init.up.sql":    {Data: []byte("CREATE TABLE jobs (id BIGINT)")},
		"migrations/001_init.down.sql":  {Data: []byte("DROP TABLE jobs")},
		"migrations/002_index.up.sql":   {Data: []byte("CREATE INDEX jobs_due ON jobs (id)")},
		"migrations/002_index.down.sql": {Data: []byte("DROP INDEX jobs_due")},
	}}
}

func mockMigrator(t *testing.T, dialect sqltx.Dialect) (*Migrator, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	m, err := NewMigrator(db, dialect, twoStepSource())
	if err != nil {
		t.Fatalf("NewMigrator: %v", err)
	}
	return m, mock
}

func expectAdvisoryLock(mock sqlmock.Sqlmock) {
	mock.ExpectExec(`SELECT pg_advisory_lock\(\$1\)`).WithArgs(advisoryLockKey).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS jobexec_schema_migrations .*TIMESTAMPTZ").WillReturnResult(sqlmock.NewResult(0, 0))
}

func expectAdvisoryUnlock(mock sqlmock.Sqlmock) {
	mock.ExpectExec(`SELECT pg_advisory_unlock\(\$1\)`).WithArgs(advisoryLockKey).WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestNewMigrator_Errors(t *testing.T) {
	if _, err := NewMigrator(nil, sqltx.Postgres, twoStepSource()); err == nil {
		t.Fatal("expected error for nil db")
	}
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	empty := Source{Dir: "migrations", Files: fstest.MapFS{"migrations/README": {Data: []byte("x")}}}
	if _, err := NewMigrator(db, sqltx.Postgres, empty); err == nil || !strings.Contains(err.Error(), "no migrations") {
		t.Fatalf("expected no migrations error, got %v", err)
	}
}

func TestMigrator_UpSkipsApplied(t *testing.T) {
	m, mock := mockMigrator(t, sqltx.Postgres)

	expectAdvisoryLock(mock)
	mock.ExpectQuery("SELECT version FROM jobexec_schema_migrations").WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(1))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE INDEX jobs_due").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO jobexec_schema_migrations \(version, applied_at\) VALUES \(\$1, CURRENT_TIMESTAMP\)`).
		WithArgs(int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	expectAdvisoryUnlock(mock)

	if n, err := m.Up(context.Background()); err != nil || n != 1 {
		t.Fatalf("Up() = %d, %v", n, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sqlmock expectations: %v", err)
	}
}

func TestMigrator_UpFailureRollsBackAndUnlocks(t *testing.T) {
	m, mock := mockMigrator(t, sqltx.Postgres)

	expectAdvisoryLock(mock)
	mock.ExpectQuery("SELECT version FROM jobexec_schema_migrations").WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE jobs").WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()
	expectAdvisoryUnlock(mock)

	n, err := m.Up(context.Background())
	if err == nil || !strings.Contains(err.Error(), "apply migration 1_init") || n != 0 {
		t.Fatalf("Up() = %d, %v", n, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sqlmock expectations: %v", err)
	}
}

func TestMigrator_DownRevertsNewestFirst(t *testing.T) {
	m, mock := mockMigrator(t, sqltx.MySQL)

	mock.ExpectQuery(`SELECT GET_LOCK\(\?, \?\)`).
		WithArgs(MetadataTable, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"lock"}).AddRow(1))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS jobexec_schema_migrations .*TIMESTAMP NOT NULL").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version FROM jobexec_schema_migrations ORDER BY version DESC").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(2).AddRow(1))
	mock.ExpectBegin()
	mock.ExpectExec("DROP INDEX jobs_due").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM jobexec_schema_migrations WHERE version = \?`).WithArgs(int64(2)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec(`SELECT RELEASE_LOCK\(\?\)`).WithArgs(MetadataTable).WillReturnResult(sqlmock.NewResult(0, 0))

	if n, err := m.Down(context.Background(), 1); err != nil || n != 1 {
		t.Fatalf("Down() = %d, %v", n, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sqlmock expectations: %v", err)
	}
}

func TestMigrator_DownUnknownVersion(t *testing.T) {
	m, mock := mockMigrator(t, sqltx.Postgres)

	expectAdvisoryLock(mock)
	mock.ExpectQuery("SELECT version FROM jobexec_schema_migrations ORDER BY version DESC").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(9))
	expectAdvisoryUnlock(mock)

	if _, err := m.Down(context.Background(), 1); err == nil || !strings.Contains(err.Error(), "unknown") {
		t.Fatalf("expected unknown version error, got %v", err)
	}
}

func TestMigrator_MySQLLockTimeout(t *testing.T) {
	m, mock := mockMigrator(t, sqltx.MySQL)
	mock.ExpectQuery(`SELECT GET_LOCK`).WillReturnRows(sqlmock.NewRows([]string{"lock"}).AddRow(0))

	if _, err := m.Up(context.Background()); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected lock timeout, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sqlmock expectations: %v", err)
	}
}

func TestMigrator_Status(t *testing.T) {
	m, mock := mockMigrator(t, sqltx.Postgres)

	expectAdvisoryLock(mock)
	mock.ExpectQuery("SELECT version FROM jobexec_schema_migrations ORDER BY version").WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(1))
	expectAdvisoryUnlock(mock)

	status, err := m.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(status.AppliedVersions) != 1 || len(status.Pending) != 1 || status.Pending[0].Name != "index" {
		t.Fatalf("unexpected status %+v", status)
	}
}
