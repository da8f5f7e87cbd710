package sqltx

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/nimburion/jobexec/pkg/repository"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db, "test", time.Second, nil), mock
}

func TestTxFrom(t *testing.T) {
	if tx, ok := TxFrom(context.Background()); ok || tx != nil {
		t.Fatal("expected no tx in plain context")
	}
}

func TestWithTransaction_Commit(t *testing.T) {
	d, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE jobs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	hooked := false
	err := d.WithTransaction(context.Background(), func(ctx context.Context) error {
		if _, ok := TxFrom(ctx); !ok {
			t.Error("expected tx in context")
		}
		state, _ := repository.TxStateFrom(ctx)
		state.AfterCommit(func() { hooked = true })
		_, err := d.ExecContext(ctx, "UPDATE jobs SET retries = 1")
		return err
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	if !hooked {
		t.Fatal("after-commit hook did not run")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sqlmock expectations: %v", err)
	}
}

func TestWithTransaction_ErrorRollsBack(t *testing.T) {
	d, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := d.WithTransaction(context.Background(), func(context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sqlmock expectations: %v", err)
	}
}

func TestWithTransaction_RollbackOnlyReturnsNil(t *testing.T) {
	d, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	hooked := false
	ctx, state := repository.EnsureTxState(context.Background())
	err := d.WithTransaction(ctx, func(ctx context.Context) error {
		state.AfterCommit(func() { hooked = true })
		repository.SetRollbackOnly(ctx, errors.New("stale"))
		return nil
	})
	if err != nil {
		t.Fatalf("rollback-only transaction must return nil, got %v", err)
	}
	if hooked {
		t.Fatal("after-commit hook must not run on rollback")
	}
	if state.RollbackCause() == nil {
		t.Fatal("rollback cause must stay observable")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sqlmock expectations: %v", err)
	}
}

func TestWithTransaction_CommitFailure(t *testing.T) {
	d, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(sql.ErrConnDone)

	err := d.WithTransaction(context.Background(), func(context.Context) error { return nil })
	if !errors.Is(err, sql.ErrConnDone) {
		t.Fatalf("expected commit error, got %v", err)
	}
}

func TestWithTransaction_PanicRollsBack(t *testing.T) {
	d, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	defer func() {
		if p := recover(); p == nil {
			t.Fatal("expected panic to propagate")
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("sqlmock expectations: %v", err)
		}
	}()
	_ = d.WithTransaction(context.Background(), func(context.Context) error { panic("boom") })
}

func TestWithTransaction_NestedJoinsOuter(t *testing.T) {
	d, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	err := d.WithTransaction(context.Background(), func(ctx context.Context) error {
		outer, _ := TxFrom(ctx)
		return d.WithTransaction(ctx, func(ctx context.Context) error {
			if inner, _ := TxFrom(ctx); inner != outer {
				t.Error("nested call must reuse the outer transaction")
			}
			return nil
		})
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sqlmock expectations: %v", err)
	}
}

func TestQuery_ScansEveryRowInsideTimeout(t *testing.T) {
	d, mock := newMockDB(t)
	mock.ExpectQuery("SELECT id FROM jobs").
		WithArgs(3).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1).AddRow(2))

	var ids []int64
	err := d.Query(context.Background(), "SELECT id FROM jobs WHERE retries < ?", []any{3}, func(rows *sql.Rows) error {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return err
		}
		ids = append(ids, id)
		return nil
	})
	if err != nil || len(ids) != 2 {
		t.Fatalf("unexpected result %v (%v)", ids, err)
	}
}

func TestQueryRow_NoRows(t *testing.T) {
	d, mock := newMockDB(t)
	mock.ExpectQuery("SELECT id").WillReturnRows(sqlmock.NewRows([]string{"id"}))

	var id int64
	if err := d.QueryRow(context.Background(), "SELECT id FROM jobs", nil, &id); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestWithQueryTimeout(t *testing.T) {
	d := &DB{queryTimeout: 2 * time.Second}

	ctx, cancel := d.withQueryTimeout(context.Background())
	defer cancel()
	deadline, ok := ctx.Deadline()
	if !ok {
		t.Fatal("expected deadline from query timeout")
	}
	if remaining := time.Until(deadline); remaining <= 0 || remaining > 2*time.Second {
		t.Fatalf("unexpected remaining timeout: %v", remaining)
	}

	parent, cancelParent := context.WithTimeout(context.Background(), time.Hour)
	defer cancelParent()
	ctx, cancel = d.withQueryTimeout(parent)
	defer cancel()
	if ctx != parent {
		t.Fatal("existing deadline must be kept")
	}
}

func TestHealthCheckAndClose(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	d := New(db, "test", 0, nil)

	mock.ExpectPing()
	if err := d.HealthCheck(context.Background()); err != nil {
		t.Fatalf("health check: %v", err)
	}
	mock.ExpectPing().WillReturnError(sql.ErrConnDone)
	if err := d.HealthCheck(context.Background()); err == nil {
		t.Fatal("expected health check failure")
	}

	mock.ExpectClose()
	if err := d.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := d.ExecContext(context.Background(), "SELECT 1"); err == nil {
		t.Fatal("exec after close must fail")
	}
}

func TestConnect_RequiresURL(t *testing.T) {
	if _, err := Connect("postgres", "PostgreSQL", Config{URL: "  "}, nil); err == nil {
		t.Fatal("expected error for blank URL")
	}
}
