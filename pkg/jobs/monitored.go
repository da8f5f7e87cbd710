package jobs

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// DueDateRegistry tracks, per worker, the id of the upcoming job the worker is
// already waiting for. Idle workers exclude each other's ids when they look for
// the next due date, so a single upcoming job does not wake every worker.
type DueDateRegistry interface {
	// Others returns the job ids monitored by every worker except worker.
	Others(ctx context.Context, worker string) ([]int64, error)
	// Monitor records that worker waits for job id.
	Monitor(ctx context.Context, worker string, id int64) error
	// Forget drops the entry of worker.
	Forget(ctx context.Context, worker string) error
}

// MemoryDueDateRegistry is the in-process DueDateRegistry shared by the
// workers of one executor. The zero value is ready to use.
type MemoryDueDateRegistry struct {
	mu      sync.Mutex
	entries map[string]int64
}

// NewMemoryDueDateRegistry creates an empty registry.
func NewMemoryDueDateRegistry() *MemoryDueDateRegistry {
	return &MemoryDueDateRegistry{entries: map[string]int64{}}
}

// Others implements DueDateRegistry.
func (r *MemoryDueDateRegistry) Others(_ context.Context, worker string) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]int64, 0, len(r.entries))
	for name, id := range r.entries {
		if name != worker {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, k int) bool { return ids[i] < ids[k] })
	return ids, nil
}

// Monitor implements DueDateRegistry.
func (r *MemoryDueDateRegistry) Monitor(_ context.Context, worker string, id int64) error {
	worker = strings.TrimSpace(worker)
	if worker == "" {
		return jobsError(ErrInvalidArgument, "worker name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries == nil {
		r.entries = make(map[string]int64)
	}
	r.entries[worker] = id
	return nil
}

// Forget implements DueDateRegistry.
func (r *MemoryDueDateRegistry) Forget(_ context.Context, worker string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, worker)
	return nil
}
