package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nimburion/jobexec/pkg/repository"
)

// MemoryStore is an in-process AdminStore with the same optimistic semantics as
// the SQL store: writes are buffered per transaction, checked eagerly against
// the current version and re-validated at commit.
type MemoryStore struct {
	mu     sync.Mutex
	jobs   map[int64]*Job
	nextID int64
}

type memWrite struct {
	job     *Job
	base    int64
	deleted bool
	created bool
}

type memTx struct {
	writes map[int64]*memWrite
	order  []int64
}

type memTxKey struct{}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[int64]*Job)}
}

// WithTransaction runs fn in a buffered unit of work. Nested calls join the
// outer transaction.
func (s *MemoryStore) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := ctx.Value(memTxKey{}).(*memTx); ok {
		return fn(ctx)
	}

	ctx, state := repository.EnsureTxState(ctx)
	tx := &memTx{writes: make(map[int64]*memWrite)}
	txCtx := context.WithValue(ctx, memTxKey{}, tx)

	defer func() {
		if p := recover(); p != nil {
			state.RolledBack()
			panic(p)
		}
	}()

	if err := fn(txCtx); err != nil {
		state.RolledBack()
		return err
	}
	if state.IsRollbackOnly() {
		state.RolledBack()
		return nil
	}
	if err := s.commit(tx); err != nil {
		state.RolledBack()
		return err
	}
	state.Committed()
	return nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error {
	return nil
}

func (s *MemoryStore) commit(tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range tx.order {
		w := tx.writes[id]
		if w.created {
			continue
		}
		current, ok := s.jobs[id]
		if !ok || current.Version != w.base {
			return jobsError(ErrStaleWrite, fmt.Sprintf("job %d changed before commit", id))
		}
	}
	for _, id := range tx.order {
		w := tx.writes[id]
		if w.deleted {
			delete(s.jobs, id)
			continue
		}
		s.jobs[id] = w.job
	}
	return nil
}

func txFrom(ctx context.Context) *memTx {
	tx, _ := ctx.Value(memTxKey{}).(*memTx)
	return tx
}

// view returns the job as seen by tx. Callers hold s.mu.
func (s *MemoryStore) view(tx *memTx, id int64) (*Job, bool) {
	if tx != nil {
		if w, ok := tx.writes[id]; ok {
			if w.deleted {
				return nil, false
			}
			return w.job, true
		}
	}
	job, ok := s.jobs[id]
	return job, ok
}

// all returns every job visible to tx. Callers hold s.mu.
func (s *MemoryStore) all(tx *memTx) []*Job {
	out := make([]*Job, 0, len(s.jobs))
	for id := range s.jobs {
		if job, ok := s.view(tx, id); ok {
			out = append(out, job)
		}
	}
	if tx != nil {
		for _, id := range tx.order {
			if w := tx.writes[id]; w.created && !w.deleted {
				out = append(out, w.job)
			}
		}
	}
	return out
}

// stage records next (or its deletion) in tx, or applies it when there is no
// transaction. Callers hold s.mu.
func (s *MemoryStore) stage(tx *memTx, next *Job, deleted, created bool) {
	if tx == nil {
		if deleted {
			delete(s.jobs, next.ID)
		} else {
			s.jobs[next.ID] = next
		}
		return
	}
	if w, ok := tx.writes[next.ID]; ok {
		w.job = next
		w.deleted = deleted
		return
	}
	base := int64(0)
	if current, ok := s.jobs[next.ID]; ok {
		base = current.Version
	}
	tx.writes[next.ID] = &memWrite{job: next, base: base, deleted: deleted, created: created}
	tx.order = append(tx.order, next.ID)
}

func (s *MemoryStore) write(ctx context.Context, job *Job, deleted bool) (WriteOutcome, error) {
	if job == nil {
		return WriteApplied, jobsError(ErrInvalidArgument, "job is nil")
	}
	tx := txFrom(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.view(tx, job.ID)
	if !ok {
		return MarkStale(ctx, job.ID, job.Version, 0), nil
	}
	if repository.CheckVersion(jobKey(job.ID), job, current.Version) != nil {
		return MarkStale(ctx, job.ID, job.Version, current.Version), nil
	}
	next := job.Clone()
	repository.Advance(next)
	s.stage(tx, next, deleted, s.isCreated(tx, job.ID))
	job.SetVersion(next.Version)
	return WriteApplied, nil
}

// AcquirableJob implements Store.
func (s *MemoryStore) AcquirableJob(ctx context.Context, now time.Time) (*Job, error) {
	tx := txFrom(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()

	held := s.heldGroups(tx, nil)
	var best *Job
	for _, job := range s.all(tx) {
		if !job.IsLockable(now) || blockedBy(held, job) {
			continue
		}
		if best == nil || earlier(job, best) {
			best = job
		}
	}
	return best.Clone(), nil
}

// ExclusiveJobs implements Store.
func (s *MemoryStore) ExclusiveJobs(ctx context.Context, processInstanceID string, now time.Time) ([]*Job, error) {
	return s.filter(ctx, func(job *Job) bool {
		return job.Exclusive && job.ProcessInstanceID == processInstanceID && job.IsLockable(now)
	}, 0), nil
}

// LockJobs implements Store.
func (s *MemoryStore) LockJobs(ctx context.Context, jobs []*Job, owner string, at time.Time) (WriteOutcome, error) {
	if owner == "" {
		return WriteApplied, jobsError(ErrInvalidArgument, "lock owner is required")
	}
	tx := txFrom(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[int64]bool, len(jobs))
	for _, job := range jobs {
		seen[job.ID] = true
	}
	held := s.heldGroups(tx, seen)
	for _, job := range jobs {
		current, ok := s.view(tx, job.ID)
		if !ok {
			return MarkStale(ctx, job.ID, job.Version, 0), nil
		}
		if current.Version != job.Version || current.IsLocked() || blockedBy(held, current) {
			return MarkStale(ctx, job.ID, job.Version, current.Version), nil
		}
	}

	clear(seen)
	for _, job := range jobs {
		if seen[job.ID] {
			continue
		}
		seen[job.ID] = true
		next, _ := s.view(tx, job.ID)
		next = next.Clone()
		next.Lock(owner, at)
		repository.Advance(next)
		s.stage(tx, next, false, s.isCreated(tx, job.ID))
		job.Lock(owner, at)
		job.SetVersion(next.Version)
	}
	return WriteApplied, nil
}

func (s *MemoryStore) isCreated(tx *memTx, id int64) bool {
	if tx == nil {
		return false
	}
	w, ok := tx.writes[id]
	return ok && w.created
}

// LoadJob implements Store.
func (s *MemoryStore) LoadJob(ctx context.Context, id int64) (*Job, error) {
	tx := txFrom(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.view(tx, id)
	if !ok {
		return nil, jobsError(ErrNotFound, fmt.Sprintf("job %d", id))
	}
	return job.Clone(), nil
}

// SaveJob implements Store.
func (s *MemoryStore) SaveJob(ctx context.Context, job *Job) (WriteOutcome, error) {
	return s.write(ctx, job, false)
}

// DeleteJob implements Store.
func (s *MemoryStore) DeleteJob(ctx context.Context, job *Job) (WriteOutcome, error) {
	return s.write(ctx, job, true)
}

// OverdueLockedJobs implements Store.
func (s *MemoryStore) OverdueLockedJobs(ctx context.Context, threshold time.Time) ([]*Job, error) {
	return s.filter(ctx, func(job *Job) bool {
		return job.IsLocked() && job.LockTime.Before(threshold)
	}, 0), nil
}

// FirstDueJob implements Store.
func (s *MemoryStore) FirstDueJob(ctx context.Context, exclude []int64) (*Job, error) {
	skip := make(map[int64]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	tx := txFrom(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()

	held := s.heldGroups(tx, nil)
	var first *Job
	for _, job := range s.all(tx) {
		if job.IsLocked() || job.Suspended || job.Retries <= 0 || skip[job.ID] || blockedBy(held, job) {
			continue
		}
		if first == nil || earlier(job, first) {
			first = job
		}
	}
	return first.Clone(), nil
}

// heldGroups returns the process instances with a locked exclusive job,
// ignoring the jobs in except. Callers hold s.mu.
func (s *MemoryStore) heldGroups(tx *memTx, except map[int64]bool) map[string]bool {
	held := make(map[string]bool)
	for _, job := range s.all(tx) {
		if job.Exclusive && job.ProcessInstanceID != "" && job.IsLocked() && !except[job.ID] {
			held[job.ProcessInstanceID] = true
		}
	}
	return held
}

// blockedBy reports whether job belongs to an exclusive group that is held.
func blockedBy(held map[string]bool, job *Job) bool {
	return job.Exclusive && held[job.ProcessInstanceID]
}

// InsertJob implements AdminStore.
func (s *MemoryStore) InsertJob(ctx context.Context, job *Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	tx := txFrom(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	job.ID = s.nextID
	job.Version = 1
	s.stage(tx, job.Clone(), false, true)
	return nil
}

// FailedJobs implements AdminStore.
func (s *MemoryStore) FailedJobs(ctx context.Context, limit int) ([]*Job, error) {
	return s.filter(ctx, func(job *Job) bool { return job.IsParked() }, limit), nil
}

// JobsByProcessInstance implements AdminStore.
func (s *MemoryStore) JobsByProcessInstance(ctx context.Context, processInstanceID string) ([]*Job, error) {
	return s.filter(ctx, func(job *Job) bool { return job.ProcessInstanceID == processInstanceID }, 0), nil
}

// DeleteJobsForProcessInstance implements AdminStore.
func (s *MemoryStore) DeleteJobsForProcessInstance(ctx context.Context, processInstanceID string) (int, error) {
	return s.mutate(ctx, func(job *Job) bool { return job.ProcessInstanceID == processInstanceID }, nil)
}

// DeleteTimersByName implements AdminStore.
func (s *MemoryStore) DeleteTimersByName(ctx context.Context, processInstanceID, name string) (int, error) {
	return s.mutate(ctx, func(job *Job) bool {
		return job.Payload.Kind == PayloadTimer && job.Payload.Name == name && job.ProcessInstanceID == processInstanceID
	}, nil)
}

// SetSuspended implements AdminStore.
func (s *MemoryStore) SetSuspended(ctx context.Context, processInstanceID string, suspended bool) (int, error) {
	return s.mutate(ctx, func(job *Job) bool {
		return job.ProcessInstanceID == processInstanceID && job.Suspended != suspended
	}, func(job *Job) { job.Suspended = suspended })
}

// CountJobs implements AdminStore.
func (s *MemoryStore) CountJobs(ctx context.Context) (int, error) {
	tx := txFrom(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.all(tx)), nil
}

// filter returns clones of the matching jobs ordered by due date. limit <= 0 means all.
func (s *MemoryStore) filter(ctx context.Context, match func(*Job) bool, limit int) []*Job {
	tx := txFrom(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Job
	for _, job := range s.all(tx) {
		if match(job) {
			out = append(out, job.Clone())
		}
	}
	sort.Slice(out, func(i, k int) bool { return earlier(out[i], out[k]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// mutate applies update to the matching jobs, or deletes them when update is nil.
func (s *MemoryStore) mutate(ctx context.Context, match func(*Job) bool, update func(*Job)) (int, error) {
	tx := txFrom(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, job := range s.all(tx) {
		if !match(job) {
			continue
		}
		next := job.Clone()
		if update != nil {
			update(next)
		}
		repository.Advance(next)
		s.stage(tx, next, update == nil, s.isCreated(tx, job.ID))
		count++
	}
	return count, nil
}

func earlier(a, b *Job) bool {
	if !a.DueDate.Equal(b.DueDate) {
		return a.DueDate.Before(b.DueDate)
	}
	return a.ID < b.ID
}
