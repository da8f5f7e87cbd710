package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nimburion/jobexec/pkg/repository"
)

// 2025-01-06 is a Monday.
var baseTime = time.Date(2025, time.January, 6, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordingNotifier) Notify(_ context.Context, event Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) Types() []EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	types := make([]EventType, 0, len(n.events))
	for _, event := range n.events {
		types = append(types, event.Type)
	}
	return types
}

func (n *recordingNotifier) Events() []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Event(nil), n.events...)
}

// faultyStore wraps MemoryStore and injects infrastructure failures and lost races.
type faultyStore struct {
	*MemoryStore

	mu         sync.Mutex
	down       error
	lockStale  bool
	saveStale  bool
	overdueErr error
}

func newFaultyStore() *faultyStore {
	return &faultyStore{MemoryStore: NewMemoryStore()}
}

func (s *faultyStore) setDown(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = err
}

func (s *faultyStore) setLockStale(stale bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lockStale = stale
}

func (s *faultyStore) setSaveStale(stale bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveStale = stale
}

func (s *faultyStore) fail(ctx context.Context, op string) error {
	s.mu.Lock()
	down := s.down
	s.mu.Unlock()
	if down == nil {
		return nil
	}
	err := StoreError(op, down)
	repository.MarkStoreFailure(ctx, err)
	return err
}

func (s *faultyStore) AcquirableJob(ctx context.Context, now time.Time) (*Job, error) {
	if err := s.fail(ctx, "acquirable job"); err != nil {
		return nil, err
	}
	return s.MemoryStore.AcquirableJob(ctx, now)
}

func (s *faultyStore) FirstDueJob(ctx context.Context, exclude []int64) (*Job, error) {
	if err := s.fail(ctx, "first due job"); err != nil {
		return nil, err
	}
	return s.MemoryStore.FirstDueJob(ctx, exclude)
}

func (s *faultyStore) LockJobs(ctx context.Context, jobs []*Job, owner string, at time.Time) (WriteOutcome, error) {
	s.mu.Lock()
	stale := s.lockStale
	s.mu.Unlock()
	if stale {
		repository.SetRollbackOnly(ctx, ErrStaleWrite)
		return WriteStale, nil
	}
	return s.MemoryStore.LockJobs(ctx, jobs, owner, at)
}

func (s *faultyStore) SaveJob(ctx context.Context, job *Job) (WriteOutcome, error) {
	s.mu.Lock()
	stale := s.saveStale
	s.mu.Unlock()
	if stale {
		repository.SetRollbackOnly(ctx, ErrStaleWrite)
		return WriteStale, nil
	}
	return s.MemoryStore.SaveJob(ctx, job)
}

func (s *faultyStore) OverdueLockedJobs(ctx context.Context, threshold time.Time) ([]*Job, error) {
	s.mu.Lock()
	err := s.overdueErr
	s.mu.Unlock()
	if err != nil {
		return nil, StoreError("overdue locked jobs", err)
	}
	return s.MemoryStore.OverdueLockedJobs(ctx, threshold)
}

var errConnectionRefused = errors.New("connection refused")

func newTestDispatcher(t *testing.T, handlers map[string]Handler) *Dispatcher {
	t.Helper()
	registry := NewHandlerRegistry()
	for name, handler := range handlers {
		if err := registry.Register(name, handler); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	return NewDispatcher(registry, TimerHooks{}, nil)
}

func newTestWorker(t *testing.T, name string, store Store, dispatcher *Dispatcher, cfg WorkerConfig, opts ...Option) *Worker {
	t.Helper()
	worker, err := NewWorker(name, store, dispatcher, nil, cfg, opts...)
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	return worker
}

func insertJob(t *testing.T, store AdminStore, job *Job) *Job {
	t.Helper()
	if err := store.InsertJob(context.Background(), job); err != nil {
		t.Fatalf("insert job: %v", err)
	}
	return job
}

func loadJob(t *testing.T, store Store, id int64) *Job {
	t.Helper()
	job, err := store.LoadJob(context.Background(), id)
	if err != nil {
		t.Fatalf("load job %d: %v", id, err)
	}
	return job
}

func dueTask(handler string, due time.Time, retries int) *Job {
	return &Job{
		DueDate: due,
		Retries: retries,
		Payload: Payload{Kind: PayloadTask, Handler: handler},
	}
}

func equalTypes(got, want []EventType) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
