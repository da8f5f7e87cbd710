package jobs

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nimburion/jobexec/pkg/repository"
	"github.com/nimburion/jobexec/pkg/testutil"
)

func TestComputeWait(t *testing.T) {
	tests := []struct {
		name    string
		idle    time.Duration
		nextDue time.Time
		want    time.Duration
	}{
		{name: "due job sooner than idle", idle: 5000 * time.Millisecond, nextDue: baseTime.Add(1200 * time.Millisecond), want: 1200 * time.Millisecond},
		{name: "no due job", idle: 5000 * time.Millisecond, want: 5000 * time.Millisecond},
		{name: "due job later than idle", idle: 5000 * time.Millisecond, nextDue: baseTime.Add(time.Minute), want: 5000 * time.Millisecond},
		{name: "overdue job", idle: 5000 * time.Millisecond, nextDue: baseTime.Add(-time.Second), want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := computeWait(tt.idle, tt.nextDue, baseTime); got != tt.want {
				t.Fatalf("computeWait() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNextIdleInterval(t *testing.T) {
	max := 40 * time.Second
	want := []time.Duration{10 * time.Second, 20 * time.Second, 40 * time.Second, 40 * time.Second}
	current := 5 * time.Second
	for i, expected := range want {
		current = nextIdleInterval(current, max)
		if current != expected {
			t.Fatalf("step %d: got %v, want %v", i, current, expected)
		}
	}
	if got := nextIdleInterval(time.Duration(1<<62), time.Duration(1<<62)+1); got != time.Duration(1<<62)+1 {
		t.Fatalf("expected cap without overflow, got %v", got)
	}
}

func TestNewWorker_Validation(t *testing.T) {
	store := NewMemoryStore()
	dispatcher := newTestDispatcher(t, nil)

	if _, err := NewWorker(" ", store, dispatcher, nil, WorkerConfig{}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for empty name, got %v", err)
	}
	if _, err := NewWorker("w", nil, dispatcher, nil, WorkerConfig{}); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized for nil store, got %v", err)
	}
	if _, err := NewWorker("w", store, nil, nil, WorkerConfig{}); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized for nil dispatcher, got %v", err)
	}

	worker := newTestWorker(t, "w", store, dispatcher, WorkerConfig{IdleInterval: time.Minute, MaxIdleInterval: time.Second})
	if worker.config.MaxIdleInterval != time.Minute {
		t.Fatalf("max idle interval must not be below the idle interval, got %v", worker.config.MaxIdleInterval)
	}
	if worker.config.MaxLockDuration != DefaultMaxLockDuration {
		t.Fatalf("expected default max lock duration, got %v", worker.config.MaxLockDuration)
	}
}

func TestWorker_CompletesOneShotTask(t *testing.T) {
	store := NewMemoryStore()
	clock := newFakeClock(baseTime)
	notifier := &recordingNotifier{}
	var calls atomic.Int32
	dispatcher := newTestDispatcher(t, map[string]Handler{
		"send-reminder": func(ctx context.Context, job *Job) (bool, error) {
			calls.Add(1)
			if job.LockOwner != "worker-1" {
				t.Errorf("handler saw lock owner %q", job.LockOwner)
			}
			return true, nil
		},
	})
	worker := newTestWorker(t, "worker-1", store, dispatcher, WorkerConfig{}, WithClock(clock.Now), WithNotifier(notifier))
	job := insertJob(t, store, dueTask("send-reminder", baseTime.Add(-time.Second), 3))

	if _, err := worker.cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	if calls.Load() != 1 {
		t.Fatalf("expected one execution, got %d", calls.Load())
	}
	if _, err := store.LoadJob(context.Background(), job.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected completed job to be deleted, got %v", err)
	}
	if got := notifier.Types(); !equalTypes(got, []EventType{EventJobCompleted}) {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestWorker_RetainsTaskThatIsNotDone(t *testing.T) {
	store := NewMemoryStore()
	clock := newFakeClock(baseTime)
	later := baseTime.Add(time.Hour)
	dispatcher := newTestDispatcher(t, map[string]Handler{
		"poll": func(_ context.Context, job *Job) (bool, error) {
			job.DueDate = later
			return false, nil
		},
	})
	worker := newTestWorker(t, "worker-1", store, dispatcher, WorkerConfig{}, WithClock(clock.Now))
	job := insertJob(t, store, dueTask("poll", baseTime, 3))

	if _, err := worker.cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	stored := loadJob(t, store, job.ID)
	if stored.IsLocked() {
		t.Fatalf("retained job must be unlocked, owner %q", stored.LockOwner)
	}
	if !stored.DueDate.Equal(later) {
		t.Fatalf("expected due date set by the handler, got %s", stored.DueDate)
	}
}

func TestWorker_TaskStillDueStaysLocked(t *testing.T) {
	store := NewMemoryStore()
	clock := newFakeClock(baseTime)
	var calls atomic.Int32
	dispatcher := newTestDispatcher(t, map[string]Handler{
		"poll": func(context.Context, *Job) (bool, error) {
			calls.Add(1)
			return false, nil
		},
	})
	cfg := WorkerConfig{IdleInterval: 5 * time.Second}
	worker := newTestWorker(t, "worker-1", store, dispatcher, cfg, WithClock(clock.Now))
	job := insertJob(t, store, dueTask("poll", baseTime.Add(-time.Second), 3))

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := worker.cycle(ctx); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
		if wait, err := worker.waitPeriod(ctx); err != nil || wait != cfg.IdleInterval {
			t.Fatalf("cycle %d: expected idle wait, got %v (%v)", i, wait, err)
		}
	}

	if calls.Load() != 1 {
		t.Fatalf("expected one execution across five cycles, got %d", calls.Load())
	}
	stored := loadJob(t, store, job.ID)
	if stored.LockOwner != "worker-1" || stored.Retries != 3 {
		t.Fatalf("job still due must stay locked with its retries, got %+v", stored)
	}
}

func TestWorker_RepeatingTimerSchedulesOneFutureFiring(t *testing.T) {
	store := NewMemoryStore()
	due := baseTime
	clock := newFakeClock(due.Add(10 * time.Second))
	notifier := &recordingNotifier{}
	dispatcher := newTestDispatcher(t, map[string]Handler{
		"heartbeat": func(context.Context, *Job) (bool, error) { return false, nil },
	})
	worker := newTestWorker(t, "worker-1", store, dispatcher, WorkerConfig{}, WithClock(clock.Now), WithNotifier(notifier))
	job := insertJob(t, store, &Job{
		DueDate:   due,
		Retries:   3,
		Exception: "earlier failure",
		Payload:   Payload{Kind: PayloadTimer, Handler: "heartbeat", Name: "beat", Repeat: "10ms"},
	})

	if _, err := worker.cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	stored := loadJob(t, store, job.ID)
	if want := due.Add(10010 * time.Millisecond); !stored.DueDate.Equal(want) {
		t.Fatalf("expected next due date %s, got %s", want, stored.DueDate)
	}
	if stored.IsLocked() || stored.Exception != "" {
		t.Fatalf("rescheduled timer must be unlocked and clean, got %+v", stored)
	}
	if got := notifier.Types(); !equalTypes(got, []EventType{EventJobRescheduled}) {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestWorker_TaskFailureConsumesRetryAndKeepsLock(t *testing.T) {
	store := NewMemoryStore()
	clock := newFakeClock(baseTime)
	notifier := &recordingNotifier{}
	var calls atomic.Int32
	dispatcher := newTestDispatcher(t, map[string]Handler{
		"charge": func(context.Context, *Job) (bool, error) {
			calls.Add(1)
			return false, errors.New("card declined")
		},
	})
	worker := newTestWorker(t, "worker-1", store, dispatcher, WorkerConfig{}, WithClock(clock.Now), WithNotifier(notifier))
	job := insertJob(t, store, dueTask("charge", baseTime, 2))

	for i := 0; i < 2; i++ {
		if _, err := worker.cycle(context.Background()); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
	}

	stored := loadJob(t, store, job.ID)
	if stored.Retries != 1 {
		t.Fatalf("expected one retry left, got %d", stored.Retries)
	}
	if !strings.Contains(stored.Exception, "card declined") {
		t.Fatalf("expected failure text on the job, got %q", stored.Exception)
	}
	if stored.LockOwner != "worker-1" {
		t.Fatalf("failed job must stay locked, owner %q", stored.LockOwner)
	}
	if calls.Load() != 1 {
		t.Fatalf("locked job must not be re-executed, got %d executions", calls.Load())
	}
	if got := notifier.Types(); !equalTypes(got, []EventType{EventJobFailed}) {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestWorker_RetryExhaustionParksJob(t *testing.T) {
	store := NewMemoryStore()
	clock := newFakeClock(baseTime)
	notifier := &recordingNotifier{}
	dispatcher := newTestDispatcher(t, map[string]Handler{
		"charge": func(context.Context, *Job) (bool, error) { return false, errors.New("card declined") },
	})
	worker := newTestWorker(t, "worker-1", store, dispatcher, WorkerConfig{}, WithClock(clock.Now), WithNotifier(notifier))
	job := insertJob(t, store, dueTask("charge", baseTime, 1))

	if _, err := worker.cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	stored := loadJob(t, store, job.ID)
	if stored.Retries != 0 || !stored.IsParked() {
		t.Fatalf("expected parked job, got retries %d", stored.Retries)
	}
	stored.Unlock()
	if _, err := store.SaveJob(context.Background(), stored); err != nil {
		t.Fatalf("unlock: %v", err)
	}

	clock.Advance(time.Hour)
	acquirable, err := store.AcquirableJob(context.Background(), clock.Now())
	if err != nil {
		t.Fatalf("acquirable: %v", err)
	}
	if acquirable != nil {
		t.Fatalf("parked job must never be acquired again, got %v", acquirable)
	}
	failed, err := store.FailedJobs(context.Background(), 10)
	if err != nil || len(failed) != 1 || failed[0].ID != job.ID {
		t.Fatalf("expected parked job among failed jobs, got %v (%v)", failed, err)
	}
	if got := notifier.Types(); !equalTypes(got, []EventType{EventJobParked}) {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestWorker_RepeatingTimerFailureIsTaskFailure(t *testing.T) {
	store := NewMemoryStore()
	clock := newFakeClock(baseTime)
	dispatcher := newTestDispatcher(t, map[string]Handler{
		"escalate": func(context.Context, *Job) (bool, error) { return true, errors.New("no assignee") },
	})
	worker := newTestWorker(t, "worker-1", store, dispatcher, WorkerConfig{}, WithClock(clock.Now))
	job := insertJob(t, store, &Job{
		DueDate: baseTime,
		Retries: 3,
		Payload: Payload{Kind: PayloadTimer, Handler: "escalate", Repeat: "1 hour"},
	})

	if _, err := worker.cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	stored := loadJob(t, store, job.ID)
	if stored.Retries != 2 || !stored.DueDate.Equal(baseTime) || !stored.IsLocked() {
		t.Fatalf("expected failed timer to keep its due date and lock, got %+v", stored)
	}
}

func TestWorker_StoreFailureInPayloadKeepsRetries(t *testing.T) {
	store := NewMemoryStore()
	clock := newFakeClock(baseTime)
	notifier := &recordingNotifier{}
	dispatcher := newTestDispatcher(t, map[string]Handler{
		"update-variables": func(ctx context.Context, _ *Job) (bool, error) {
			err := StoreError("update variables", errConnectionRefused)
			repository.MarkStoreFailure(ctx, err)
			return false, err
		},
	})
	worker := newTestWorker(t, "worker-1", store, dispatcher, WorkerConfig{}, WithClock(clock.Now), WithNotifier(notifier))
	job := insertJob(t, store, dueTask("update-variables", baseTime, 3))

	_, err := worker.cycle(context.Background())
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected store failure to surface for backoff, got %v", err)
	}

	stored := loadJob(t, store, job.ID)
	if stored.Retries != 3 {
		t.Fatalf("infrastructure failure must not burn a retry, got %d", stored.Retries)
	}
	if stored.Exception != "" {
		t.Fatalf("infrastructure failure must not be recorded on the job, got %q", stored.Exception)
	}
	if len(notifier.Events()) != 0 {
		t.Fatalf("rolled back execution must not notify, got %v", notifier.Types())
	}
}

func TestWorker_ExpiredLockRollsBack(t *testing.T) {
	store := NewMemoryStore()
	clock := newFakeClock(baseTime)
	dispatcher := newTestDispatcher(t, map[string]Handler{
		"slow": func(context.Context, *Job) (bool, error) {
			clock.Advance(11 * time.Minute)
			return true, nil
		},
	})
	worker := newTestWorker(t, "worker-1", store, dispatcher, WorkerConfig{MaxLockDuration: 10 * time.Minute}, WithClock(clock.Now))
	job := insertJob(t, store, dueTask("slow", baseTime, 3))

	if _, err := worker.cycle(context.Background()); err != nil {
		t.Fatalf("lock expiry is not an infrastructure failure, got %v", err)
	}

	stored := loadJob(t, store, job.ID)
	if stored.LockOwner != "worker-1" || stored.Retries != 3 {
		t.Fatalf("expected untouched locked job, got %+v", stored)
	}
}

func TestWorker_SkipsJobLockedByAnotherWorker(t *testing.T) {
	store := NewMemoryStore()
	clock := newFakeClock(baseTime)
	var calls atomic.Int32
	dispatcher := newTestDispatcher(t, map[string]Handler{
		"noop": func(context.Context, *Job) (bool, error) { calls.Add(1); return true, nil },
	})
	worker := newTestWorker(t, "worker-1", store, dispatcher, WorkerConfig{}, WithClock(clock.Now))
	job := insertJob(t, store, dueTask("noop", baseTime, 3))
	if _, err := store.LockJobs(context.Background(), []*Job{job}, "worker-2", baseTime); err != nil {
		t.Fatalf("lock: %v", err)
	}

	if err := worker.executeJob(context.Background(), job); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if calls.Load() != 0 {
		t.Fatal("job locked by another worker must not run")
	}
	if stored := loadJob(t, store, job.ID); stored.LockOwner != "worker-2" {
		t.Fatalf("lock must be kept, got %q", stored.LockOwner)
	}
}

func TestWorker_AcquiresWholeExclusiveGroup(t *testing.T) {
	store := NewMemoryStore()
	clock := newFakeClock(baseTime)
	worker := newTestWorker(t, "worker-1", store, newTestDispatcher(t, nil), WorkerConfig{}, WithClock(clock.Now))

	group := make(map[int64]bool)
	for i := 0; i < 3; i++ {
		job := dueTask("signal", baseTime.Add(-time.Duration(3-i)*time.Minute), 3)
		job.Exclusive = true
		job.ProcessInstanceID = "order-17"
		group[insertJob(t, store, job).ID] = true
	}
	other := dueTask("signal", baseTime.Add(-time.Second), 3)
	other.Exclusive = true
	other.ProcessInstanceID = "order-18"
	insertJob(t, store, other)

	acquired, err := worker.acquireJobs(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if len(acquired) != len(group) {
		t.Fatalf("expected the whole group of %d jobs, got %d", len(group), len(acquired))
	}
	for _, job := range acquired {
		if !group[job.ID] {
			t.Fatalf("job %d does not belong to the group", job.ID)
		}
		if stored := loadJob(t, store, job.ID); stored.LockOwner != "worker-1" {
			t.Fatalf("job %d not locked by the worker", job.ID)
		}
	}
	if stored := loadJob(t, store, other.ID); stored.IsLocked() {
		t.Fatal("job of another process instance must not be locked")
	}
}

func TestWorker_SiblingFallingDueWhileGroupIsHeld(t *testing.T) {
	store := NewMemoryStore()
	clock := newFakeClock(baseTime)
	cfg := WorkerConfig{IdleInterval: 5 * time.Second}
	dispatcher := newTestDispatcher(t, map[string]Handler{
		"signal": func(context.Context, *Job) (bool, error) { return true, nil },
	})
	first := newTestWorker(t, "worker-a", store, dispatcher, cfg, WithClock(clock.Now))
	second := newTestWorker(t, "worker-b", store, dispatcher, cfg, WithClock(clock.Now))

	j1 := dueTask("signal", baseTime.Add(-time.Second), 3)
	j1.Exclusive = true
	j1.ProcessInstanceID = "order-17"
	insertJob(t, store, j1)
	j2 := dueTask("signal", baseTime.Add(time.Minute), 3)
	j2.Exclusive = true
	j2.ProcessInstanceID = "order-17"
	insertJob(t, store, j2)

	ctx := context.Background()
	acquired, err := first.acquireJobs(ctx)
	if err != nil || len(acquired) != 1 || acquired[0].ID != j1.ID {
		t.Fatalf("expected worker-a to hold j1 alone, got %v (%v)", acquired, err)
	}

	clock.Advance(2 * time.Minute)
	acquired, err = second.acquireJobs(ctx)
	if err != nil || len(acquired) != 0 {
		t.Fatalf("sibling of a held group must not be acquired, got %v (%v)", acquired, err)
	}
	if stored := loadJob(t, store, j2.ID); stored.IsLocked() {
		t.Fatalf("j2 locked by %q while the group is held", stored.LockOwner)
	}
	if wait, err := second.waitPeriod(ctx); err != nil || wait != cfg.IdleInterval {
		t.Fatalf("blocked sibling must not shorten the wait, got %v (%v)", wait, err)
	}
	if outcome, err := store.LockJobs(ctx, []*Job{loadJob(t, store, j2.ID)}, "worker-b", clock.Now()); err != nil || outcome != WriteStale {
		t.Fatalf("direct lock of a held group must be stale, got %v (%v)", outcome, err)
	}

	if err := first.executeJob(ctx, j1); err != nil {
		t.Fatalf("execute j1: %v", err)
	}
	acquired, err = second.acquireJobs(ctx)
	if err != nil || len(acquired) != 1 || acquired[0].ID != j2.ID {
		t.Fatalf("expected j2 once the group is released, got %v (%v)", acquired, err)
	}
}

func TestWorker_LostLockRaceIsSilent(t *testing.T) {
	store := newFaultyStore()
	store.setLockStale(true)
	clock := newFakeClock(baseTime)
	var calls atomic.Int32
	dispatcher := newTestDispatcher(t, map[string]Handler{
		"noop": func(context.Context, *Job) (bool, error) { calls.Add(1); return true, nil },
	})
	worker := newTestWorker(t, "worker-1", store, dispatcher, WorkerConfig{}, WithClock(clock.Now))
	job := insertJob(t, store, dueTask("noop", baseTime, 3))

	if _, err := worker.cycle(context.Background()); err != nil {
		t.Fatalf("lost race must not be an error, got %v", err)
	}
	if calls.Load() != 0 {
		t.Fatal("job must not run after a lost race")
	}
	if stored := loadJob(t, store, job.ID); stored.IsLocked() {
		t.Fatal("lost race must not leave a lock behind")
	}
}

func TestWorker_WaitPeriodSkipsJobsMonitoredByOthers(t *testing.T) {
	store := NewMemoryStore()
	clock := newFakeClock(baseTime)
	registry := NewMemoryDueDateRegistry()
	cfg := WorkerConfig{IdleInterval: 5000 * time.Millisecond}
	first := newTestWorker(t, "worker-1", store, newTestDispatcher(t, nil), cfg, WithClock(clock.Now), WithDueDateRegistry(registry))
	second := newTestWorker(t, "worker-2", store, newTestDispatcher(t, nil), cfg, WithClock(clock.Now), WithDueDateRegistry(registry))

	ctx := context.Background()
	if wait, err := first.waitPeriod(ctx); err != nil || wait != cfg.IdleInterval {
		t.Fatalf("expected idle wait without jobs, got %v (%v)", wait, err)
	}

	soon := insertJob(t, store, dueTask("noop", baseTime.Add(1200*time.Millisecond), 3))
	if wait, err := first.waitPeriod(ctx); err != nil || wait != 1200*time.Millisecond {
		t.Fatalf("expected wait until the due job, got %v (%v)", wait, err)
	}
	if wait, err := second.waitPeriod(ctx); err != nil || wait != cfg.IdleInterval {
		t.Fatalf("job monitored by another worker must be skipped, got %v (%v)", wait, err)
	}

	insertJob(t, store, dueTask("noop", baseTime.Add(3*time.Second), 3))
	if wait, err := second.waitPeriod(ctx); err != nil || wait != 3*time.Second {
		t.Fatalf("expected wait until the next unmonitored job, got %v (%v)", wait, err)
	}

	others, _ := registry.Others(ctx, "worker-2")
	if len(others) != 1 || others[0] != soon.ID {
		t.Fatalf("expected worker-1 to monitor job %d, got %v", soon.ID, others)
	}
}

func TestWorker_BackoffOnStoreFailureAndReset(t *testing.T) {
	store := newFaultyStore()
	store.setDown(errConnectionRefused)
	worker := newTestWorker(t, "worker-1", store, newTestDispatcher(t, nil), WorkerConfig{
		IdleInterval:    5 * time.Millisecond,
		MaxIdleInterval: 40 * time.Millisecond,
	})

	if err := worker.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		worker.Deactivate()
		<-worker.Done()
	}()

	testutil.WaitFor(t, 5*time.Second, "idle interval to reach its ceiling", func() bool {
		return worker.IdleInterval() == 40*time.Millisecond
	})

	store.setDown(nil)
	testutil.WaitFor(t, 5*time.Second, "idle interval to reset", func() bool {
		return worker.IdleInterval() == 5*time.Millisecond
	})
}

func TestWorker_Lifecycle(t *testing.T) {
	worker := newTestWorker(t, "worker-1", NewMemoryStore(), newTestDispatcher(t, nil), WorkerConfig{IdleInterval: time.Hour})

	select {
	case <-worker.Done():
	default:
		t.Fatal("Done of a worker that never ran must be closed")
	}

	ctx := context.Background()
	if err := worker.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !worker.IsActive() {
		t.Fatal("worker must be active after start")
	}
	if err := worker.Start(ctx); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on second start, got %v", err)
	}

	worker.Deactivate()
	if worker.IsActive() {
		t.Fatal("deactivate must clear the active flag immediately")
	}
	select {
	case <-worker.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("deactivate must interrupt the idle sleep")
	}

	if err := worker.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	worker.Deactivate()
	<-worker.Done()
}

func TestWorker_StopsWhenContextIsCancelled(t *testing.T) {
	worker := newTestWorker(t, "worker-1", NewMemoryStore(), newTestDispatcher(t, nil), WorkerConfig{IdleInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	if err := worker.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	cancel()

	select {
	case <-worker.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker must stop when its context is cancelled")
	}
	if worker.IsActive() {
		t.Fatal("stopped worker must not report active")
	}
}
