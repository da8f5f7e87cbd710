// Package sqlstore implements the durable job store on database/sql for
// PostgreSQL and MySQL.
//
// Every write is guarded by the row version. A write that matches no row is a
// lost race: it is reported as jobs.WriteStale and the surrounding
// transaction is marked rollback-only. SQL errors are recorded on the
// transaction state as store failures.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"time"

	"github.com/nimburion/jobexec/pkg/jobs"
	"github.com/nimburion/jobexec/pkg/migrate"
	"github.com/nimburion/jobexec/pkg/observability/tracing"
	"github.com/nimburion/jobexec/pkg/repository"
	"github.com/nimburion/jobexec/pkg/store/sqltx"
	"go.opentelemetry.io/otel/trace"
)

// Table holds the jobs.
const Table = "jobexec_jobs"

const columns = "id, due_date, lock_owner, lock_time, retries, exception, is_exclusive, process_instance_id, " +
	"suspended, kind, handler, timer_name, repeat_expr, transition_name, graph_element, data, version"

const writableColumns = "due_date, lock_owner, lock_time, retries, exception, is_exclusive, process_instance_id, " +
	"suspended, kind, handler, timer_name, repeat_expr, transition_name, graph_element, data"

const writableCount = 15

//go:embed migrations
var migrationFiles embed.FS

// Migrations returns the embedded schema migrations of dialect.
func Migrations(dialect sqltx.Dialect) migrate.Source {
	return migrate.Source{Files: migrationFiles, Dir: "migrations/" + string(dialect)}
}

// DB is the subset of the SQL adapters the store needs.
type DB interface {
	repository.TransactionManager
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Query(ctx context.Context, query string, args []any, scan func(*sql.Rows) error) error
	QueryRow(ctx context.Context, query string, args []any, dest ...any) error
	HealthCheck(ctx context.Context) error
}

// Store implements jobs.AdminStore.
type Store struct {
	db      DB
	dialect sqltx.Dialect
}

var _ jobs.AdminStore = (*Store)(nil)

// New creates a store on db.
func New(db DB, dialect sqltx.Dialect) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: database is required", jobs.ErrInvalidArgument)
	}
	if dialect != sqltx.Postgres && dialect != sqltx.MySQL {
		return nil, fmt.Errorf("%w: unsupported dialect %q", jobs.ErrInvalidArgument, dialect)
	}
	return &Store{db: db, dialect: dialect}, nil
}

// WithTransaction implements repository.TransactionManager.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.db.WithTransaction(ctx, fn)
}

// HealthCheck pings the database.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.HealthCheck(ctx)
}

// AcquirableJob implements jobs.Store.
func (s *Store) AcquirableJob(ctx context.Context, now time.Time) (*jobs.Job, error) {
	return s.selectOne(ctx, "acquirable job",
		"SELECT "+columns+" FROM "+Table+" j"+
			" WHERE lock_owner IS NULL AND suspended = ? AND retries > 0 AND due_date <= ?"+groupFree+
			" ORDER BY due_date, id LIMIT 1",
		false, now.UTC(), true, true)
}

// groupFree excludes exclusive jobs whose process instance already has a
// locked exclusive job. It binds two true arguments.
const groupFree = " AND NOT (j.is_exclusive = ? AND j.process_instance_id <> '' AND EXISTS (" +
	"SELECT 1 FROM " + Table + " o WHERE o.process_instance_id = j.process_instance_id" +
	" AND o.is_exclusive = ? AND o.lock_owner IS NOT NULL))"

// ExclusiveJobs implements jobs.Store.
func (s *Store) ExclusiveJobs(ctx context.Context, processInstanceID string, now time.Time) ([]*jobs.Job, error) {
	return s.selectMany(ctx, "exclusive jobs",
		"SELECT "+columns+" FROM "+Table+
			" WHERE is_exclusive = ? AND process_instance_id = ? AND lock_owner IS NULL AND suspended = ?"+
			" AND retries > 0 AND due_date <= ? ORDER BY due_date, id",
		true, processInstanceID, false, now.UTC())
}

// LockJobs implements jobs.Store. The updates run in one transaction; a job
// that was changed or locked meanwhile makes the whole lock stale, and so
// does an exclusive job whose group is held by a job outside the batch.
func (s *Store) LockJobs(ctx context.Context, batch []*jobs.Job, owner string, at time.Time) (jobs.WriteOutcome, error) {
	if owner == "" {
		return jobs.WriteApplied, fmt.Errorf("%w: lock owner is required", jobs.ErrInvalidArgument)
	}

	outcome := jobs.WriteApplied
	var storeErr error
	seen := make(map[int64]bool, len(batch))
	for _, job := range batch {
		seen[job.ID] = true
	}
	err := s.db.WithTransaction(ctx, func(ctx context.Context) error {
		holder, err := s.groupHolder(ctx, batch, seen)
		if err != nil {
			storeErr = jobs.MarkStoreFailure(ctx, "lock jobs", err)
			return nil
		}
		if holder != nil {
			outcome = jobs.MarkStale(ctx, holder.ID, holder.Version, s.currentVersion(ctx, holder.ID))
			return nil
		}
		clear(seen)
		for _, job := range batch {
			if seen[job.ID] {
				continue
			}
			seen[job.ID] = true
			affected, err := s.exec(ctx,
				"UPDATE "+Table+" SET lock_owner = ?, lock_time = ?, version = version + 1"+
					" WHERE id = ? AND version = ? AND lock_owner IS NULL",
				owner, at.UTC(), job.ID, job.Version)
			if err != nil {
				storeErr = jobs.MarkStoreFailure(ctx, "lock jobs", err)
				return nil
			}
			if affected == 0 {
				outcome = jobs.MarkStale(ctx, job.ID, job.Version, s.currentVersion(ctx, job.ID))
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return jobs.WriteApplied, jobs.MarkStoreFailure(ctx, "lock jobs", err)
	}
	if storeErr != nil || outcome == jobs.WriteStale {
		return outcome, storeErr
	}
	clear(seen)
	for _, job := range batch {
		if seen[job.ID] {
			continue
		}
		seen[job.ID] = true
		job.Lock(owner, at)
		repository.Advance(job)
	}
	return jobs.WriteApplied, nil
}

// groupHolder locks the exclusive rows of every process instance in batch
// and returns the first batch job whose group is held by a job outside it.
func (s *Store) groupHolder(ctx context.Context, batch []*jobs.Job, inBatch map[int64]bool) (*jobs.Job, error) {
	checked := make(map[string]bool)
	for _, job := range batch {
		if !job.Exclusive || job.ProcessInstanceID == "" || checked[job.ProcessInstanceID] {
			continue
		}
		checked[job.ProcessInstanceID] = true

		held := false
		err := s.db.Query(ctx,
			s.dialect.Rebind("SELECT id, lock_owner FROM "+Table+" WHERE process_instance_id = ? AND is_exclusive = ? FOR UPDATE"),
			[]any{job.ProcessInstanceID, true},
			func(rows *sql.Rows) error {
				var (
					id    int64
					owner sql.NullString
				)
				if err := rows.Scan(&id, &owner); err != nil {
					return err
				}
				if owner.Valid && owner.String != "" && !inBatch[id] {
					held = true
				}
				return nil
			})
		if err != nil {
			return nil, err
		}
		if held {
			return job, nil
		}
	}
	return nil, nil
}

// LoadJob implements jobs.Store.
func (s *Store) LoadJob(ctx context.Context, id int64) (*jobs.Job, error) {
	job, err := s.selectOne(ctx, "load job", "SELECT "+columns+" FROM "+Table+" WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("%w: job %d", jobs.ErrNotFound, id)
	}
	return job, nil
}

// SaveJob implements jobs.Store.
func (s *Store) SaveJob(ctx context.Context, job *jobs.Job) (jobs.WriteOutcome, error) {
	if job == nil {
		return jobs.WriteApplied, fmt.Errorf("%w: job is nil", jobs.ErrInvalidArgument)
	}
	args := append(writableArgs(job), repository.NextVersion(job), job.ID, job.Version)
	affected, err := s.exec(ctx,
		"UPDATE "+Table+" SET "+assignments()+", version = ? WHERE id = ? AND version = ?", args...)
	if err != nil {
		return jobs.WriteApplied, jobs.MarkStoreFailure(ctx, "save job", err)
	}
	if affected == 0 {
		return jobs.MarkStale(ctx, job.ID, job.Version, s.currentVersion(ctx, job.ID)), nil
	}
	repository.Advance(job)
	return jobs.WriteApplied, nil
}

// DeleteJob implements jobs.Store.
func (s *Store) DeleteJob(ctx context.Context, job *jobs.Job) (jobs.WriteOutcome, error) {
	if job == nil {
		return jobs.WriteApplied, fmt.Errorf("%w: job is nil", jobs.ErrInvalidArgument)
	}
	affected, err := s.exec(ctx, "DELETE FROM "+Table+" WHERE id = ? AND version = ?", job.ID, job.Version)
	if err != nil {
		return jobs.WriteApplied, jobs.MarkStoreFailure(ctx, "delete job", err)
	}
	if affected == 0 {
		return jobs.MarkStale(ctx, job.ID, job.Version, s.currentVersion(ctx, job.ID)), nil
	}
	return jobs.WriteApplied, nil
}

// OverdueLockedJobs implements jobs.Store.
func (s *Store) OverdueLockedJobs(ctx context.Context, threshold time.Time) ([]*jobs.Job, error) {
	return s.selectMany(ctx, "overdue locked jobs",
		"SELECT "+columns+" FROM "+Table+" WHERE lock_owner IS NOT NULL AND lock_time < ? ORDER BY lock_time, id",
		threshold.UTC())
}

// FirstDueJob implements jobs.Store.
func (s *Store) FirstDueJob(ctx context.Context, exclude []int64) (*jobs.Job, error) {
	query := "SELECT " + columns + " FROM " + Table + " j WHERE lock_owner IS NULL AND suspended = ? AND retries > 0" + groupFree
	args := []any{false, true, true}
	if len(exclude) > 0 {
		query += " AND id NOT IN (" + sqltx.Placeholders(len(exclude)) + ")"
		for _, id := range exclude {
			args = append(args, id)
		}
	}
	return s.selectOne(ctx, "first due job", query+" ORDER BY due_date, id LIMIT 1", args...)
}

// InsertJob implements jobs.AdminStore.
func (s *Store) InsertJob(ctx context.Context, job *jobs.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	query := "INSERT INTO " + Table + " (" + writableColumns + ", version) VALUES (" + sqltx.Placeholders(writableCount+1) + ")"
	args := append(writableArgs(job), int64(1))

	if s.dialect == sqltx.Postgres {
		var id int64
		if err := s.db.QueryRow(ctx, s.dialect.Rebind(query+" RETURNING id"), args, &id); err != nil {
			return jobs.MarkStoreFailure(ctx, "insert job", err)
		}
		job.ID = id
	} else {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return jobs.MarkStoreFailure(ctx, "insert job", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return jobs.MarkStoreFailure(ctx, "insert job", err)
		}
		job.ID = id
	}
	job.Version = 1
	return nil
}

// FailedJobs implements jobs.AdminStore. limit <= 0 returns every parked job.
func (s *Store) FailedJobs(ctx context.Context, limit int) ([]*jobs.Job, error) {
	query := "SELECT " + columns + " FROM " + Table + " WHERE retries <= 0 ORDER BY due_date, id"
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.selectMany(ctx, "failed jobs", query, args...)
}

// JobsByProcessInstance implements jobs.AdminStore.
func (s *Store) JobsByProcessInstance(ctx context.Context, processInstanceID string) ([]*jobs.Job, error) {
	return s.selectMany(ctx, "jobs by process instance",
		"SELECT "+columns+" FROM "+Table+" WHERE process_instance_id = ? ORDER BY due_date, id", processInstanceID)
}

// DeleteJobsForProcessInstance implements jobs.AdminStore.
func (s *Store) DeleteJobsForProcessInstance(ctx context.Context, processInstanceID string) (int, error) {
	affected, err := s.exec(ctx, "DELETE FROM "+Table+" WHERE process_instance_id = ?", processInstanceID)
	if err != nil {
		return 0, jobs.MarkStoreFailure(ctx, "delete process instance jobs", err)
	}
	return int(affected), nil
}

// DeleteTimersByName implements jobs.AdminStore.
func (s *Store) DeleteTimersByName(ctx context.Context, processInstanceID, name string) (int, error) {
	affected, err := s.exec(ctx,
		"DELETE FROM "+Table+" WHERE process_instance_id = ? AND kind = ? AND timer_name = ?",
		processInstanceID, string(jobs.PayloadTimer), name)
	if err != nil {
		return 0, jobs.MarkStoreFailure(ctx, "delete timers", err)
	}
	return int(affected), nil
}

// SetSuspended implements jobs.AdminStore.
func (s *Store) SetSuspended(ctx context.Context, processInstanceID string, suspended bool) (int, error) {
	affected, err := s.exec(ctx,
		"UPDATE "+Table+" SET suspended = ?, version = version + 1 WHERE process_instance_id = ? AND suspended <> ?",
		suspended, processInstanceID, suspended)
	if err != nil {
		return 0, jobs.MarkStoreFailure(ctx, "set suspended", err)
	}
	return int(affected), nil
}

// CountJobs implements jobs.AdminStore.
func (s *Store) CountJobs(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRow(ctx, "SELECT COUNT(*) FROM "+Table, nil, &count); err != nil {
		return 0, jobs.MarkStoreFailure(ctx, "count jobs", err)
	}
	return count, nil
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (affected int64, err error) {
	ctx, span := s.startSpan(ctx, statementOperation(query))
	defer func() { endSpan(span, err) }()

	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) startSpan(ctx context.Context, op tracing.SpanOperation) (context.Context, trace.Span) {
	return tracing.StartDatabaseSpan(ctx, op, tracing.WithDBTable(Table), tracing.WithDBSystem(s.dialect.System()))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		tracing.RecordError(span, err)
	} else {
		tracing.RecordSuccess(span)
	}
	span.End()
}

func statementOperation(query string) tracing.SpanOperation {
	verb, _, _ := strings.Cut(strings.TrimSpace(query), " ")
	switch strings.ToUpper(verb) {
	case "INSERT":
		return tracing.SpanOperationDBInsert
	case "UPDATE":
		return tracing.SpanOperationDBUpdate
	case "DELETE":
		return tracing.SpanOperationDBDelete
	default:
		return tracing.SpanOperationDBQuery
	}
}

// currentVersion reports the stored version of a job, 0 when it is gone or
// cannot be read. It only enriches stale-write errors.
func (s *Store) currentVersion(ctx context.Context, id int64) int64 {
	var version int64
	if err := s.db.QueryRow(ctx, s.dialect.Rebind("SELECT version FROM "+Table+" WHERE id = ?"), []any{id}, &version); err != nil {
		return 0
	}
	return version
}

func (s *Store) selectOne(ctx context.Context, op, query string, args ...any) (*jobs.Job, error) {
	found, err := s.selectMany(ctx, op, query, args...)
	if err != nil || len(found) == 0 {
		return nil, err
	}
	return found[0], nil
}

func (s *Store) selectMany(ctx context.Context, op, query string, args ...any) ([]*jobs.Job, error) {
	ctx, span := s.startSpan(ctx, tracing.SpanOperationDBQuery)
	var out []*jobs.Job
	err := s.db.Query(ctx, s.dialect.Rebind(query), args, func(rows *sql.Rows) error {
		job, err := scanJob(rows)
		if err != nil {
			return err
		}
		out = append(out, job)
		return nil
	})
	endSpan(span, err)
	if err != nil {
		return nil, jobs.MarkStoreFailure(ctx, op, err)
	}
	return out, nil
}

func scanJob(rows *sql.Rows) (*jobs.Job, error) {
	var (
		job       jobs.Job
		kind      string
		lockOwner sql.NullString
		lockTime  sql.NullTime
	)
	err := rows.Scan(
		&job.ID, &job.DueDate, &lockOwner, &lockTime, &job.Retries, &job.Exception,
		&job.Exclusive, &job.ProcessInstanceID, &job.Suspended, &kind, &job.Payload.Handler,
		&job.Payload.Name, &job.Payload.Repeat, &job.Payload.TransitionName, &job.Payload.GraphElement,
		&job.Payload.Data, &job.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	job.Payload.Kind = jobs.PayloadKind(kind)
	job.DueDate = job.DueDate.UTC()
	if lockOwner.Valid {
		job.LockOwner = lockOwner.String
	}
	if lockTime.Valid {
		job.LockTime = lockTime.Time.UTC()
	}
	return &job, nil
}

func writableArgs(job *jobs.Job) []any {
	var lockOwner, lockTime, data any
	if job.IsLocked() {
		lockOwner = job.LockOwner
		lockTime = job.LockTime.UTC()
	}
	if len(job.Payload.Data) > 0 {
		data = job.Payload.Data
	}
	return []any{
		job.DueDate.UTC(), lockOwner, lockTime, job.Retries, job.Exception,
		job.Exclusive, job.ProcessInstanceID, job.Suspended, string(job.Payload.Kind), job.Payload.Handler,
		job.Payload.Name, job.Payload.Repeat, job.Payload.TransitionName, job.Payload.GraphElement,
		data,
	}
}

func assignments() string {
	names := strings.Split(writableColumns, ", ")
	for i, name := range names {
		names[i] = name + " = ?"
	}
	return strings.Join(names, ", ")
}
