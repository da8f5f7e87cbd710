package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/nimburion/jobexec/pkg/repository"
)

func TestOpen_Validation(t *testing.T) {
	if _, err := Open(Config{}, nil); err == nil {
		t.Fatal("expected error for empty URL")
	}
}

func TestWithTransaction_RollbackOnlyIsNotAnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	defer db.Close()

	a := Wrap(db, Config{}, nil)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM jobexec_jobs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	cause := errors.New("lost race")
	ctx, state := repository.EnsureTxState(context.Background())
	err = a.WithTransaction(ctx, func(ctx context.Context) error {
		if _, err := a.ExecContext(ctx, "DELETE FROM jobexec_jobs WHERE id = $1", 1); err != nil {
			return err
		}
		repository.SetRollbackOnly(ctx, cause)
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if !errors.Is(state.RollbackCause(), cause) {
		t.Fatalf("unexpected rollback cause %v", state.RollbackCause())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sqlmock expectations: %v", err)
	}
}
