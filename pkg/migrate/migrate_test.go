package migrate

import (
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/nimburion/jobexec/pkg/observability/logger"
	"github.com/nimburion/jobexec/pkg/store/sqltx"
)

func defaultOptions() Options {
	return Options{
		ServiceName: "jobexec-test",
		Logger:      logger.NewNop(),
	}
}

func jobsSource() Source {
	return Source{Files: fstest.MapFS{
		"migrations/001_jobs.up.sql":   {Data: []byte("CREATE TABLE jobs (id BIGINT)")},
		"migrations/001_jobs.down.sql": {Data: []byte("DROP TABLE jobs")},
	}, Dir: "migrations"}
}

func TestParseArgs(t *testing.T) {
	tests := []struct {
		args    []string
		sub     string
		steps   int
		wantErr bool
	}{
		{args: nil, sub: "up", steps: 1},
		{args: []string{"status"}, sub: "status", steps: 1},
		{args: []string{"down", "3"}, sub: "down", steps: 3},
		{args: []string{"down", "bad"}, wantErr: true},
	}
	for _, tt := range tests {
		sub, steps, err := ParseArgs(tt.args)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseArgs(%v) error = %v", tt.args, err)
		}
		if !tt.wantErr && (sub != tt.sub || steps != tt.steps) {
			t.Fatalf("ParseArgs(%v) = %q, %d", tt.args, sub, steps)
		}
	}
}

func TestRunWithDB_Validation(t *testing.T) {
	if err := RunWithDB(nil, sqltx.Postgres, jobsSource(), "up", 1, defaultOptions()); err == nil {
		t.Fatal("expected error for nil db")
	}

	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	defer db.Close()

	if err := RunWithDB(db, sqltx.Postgres, jobsSource(), "up", 1, Options{ServiceName: "x"}); err == nil {
		t.Fatal("expected error without logger")
	}
	if err := RunWithDB(db, sqltx.Postgres, jobsSource(), "sideways", 1, defaultOptions()); err == nil {
		t.Fatal("expected usage error")
	}
	if err := RunWithDB(db, sqltx.Postgres, jobsSource(), "down", 0, defaultOptions()); err == nil {
		t.Fatal("expected error for zero down steps")
	}
}

func TestRunWithDB_AppliesPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT GET_LOCK`).WillReturnRows(sqlmock.NewRows([]string{"lock"}).AddRow(1))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS jobexec_schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version FROM jobexec_schema_migrations").WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE jobs").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO jobexec_schema_migrations \(version, applied_at\) VALUES \(\?, CURRENT_TIMESTAMP\)`).
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec(`SELECT RELEASE_LOCK`).WillReturnResult(sqlmock.NewResult(0, 0))

	if err := RunWithDB(db, sqltx.MySQL, jobsSource(), "up", 1, defaultOptions()); err != nil {
		t.Fatalf("RunWithDB: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sqlmock expectations: %v", err)
	}
}
