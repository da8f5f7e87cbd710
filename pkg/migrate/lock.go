package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nimburion/jobexec/pkg/store/sqltx"
)

// advisoryLockKey is "jobexec" in ASCII.
const advisoryLockKey int64 = 0x6a6f6265786563

const unlockTimeout = 5 * time.Second

// ErrLockTimeout is returned when another node holds the migration lock for
// longer than the run may wait.
var ErrLockTimeout = errors.New("timed out waiting for the migration lock")

// schemaLock serializes migration runs of several nodes on one database. The
// lock is session scoped, so both calls must use the same connection.
type schemaLock interface {
	acquire(ctx context.Context, conn *sql.Conn) error
	release(ctx context.Context, conn *sql.Conn) error
}

func lockFor(d sqltx.Dialect) schemaLock {
	if d == sqltx.MySQL {
		return namedLock{name: MetadataTable}
	}
	return advisoryLock{key: advisoryLockKey}
}

type advisoryLock struct{ key int64 }

func (l advisoryLock) acquire(ctx context.Context, conn *sql.Conn) error {
	_, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", l.key)
	return err
}

func (l advisoryLock) release(ctx context.Context, conn *sql.Conn) error {
	_, err := conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.key)
	return err
}

// namedLock uses GET_LOCK, which waits at most the remaining deadline.
type namedLock struct{ name string }

func (l namedLock) acquire(ctx context.Context, conn *sql.Conn) error {
	wait := defaultTimeout
	if deadline, ok := ctx.Deadline(); ok {
		wait = time.Until(deadline)
	}
	var got sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)", l.name, int(wait.Seconds())).Scan(&got); err != nil {
		return err
	}
	if got.Int64 != 1 {
		return ErrLockTimeout
	}
	return nil
}

func (l namedLock) release(ctx context.Context, conn *sql.Conn) error {
	_, err := conn.ExecContext(ctx, "SELECT RELEASE_LOCK(?)", l.name)
	return err
}

// locked runs fn on a dedicated connection while holding lock.
func locked(ctx context.Context, db *sql.DB, lock schemaLock, fn func(*sql.Conn) error) (err error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("reserve migration connection: %w", err)
	}
	defer conn.Close()

	if err := lock.acquire(ctx, conn); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
		defer cancel()
		if relErr := lock.release(releaseCtx, conn); relErr != nil && err == nil {
			err = fmt.Errorf("release migration lock: %w", relErr)
		}
	}()
	return fn(conn)
}
