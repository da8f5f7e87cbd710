package health

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Registry holds the probes behind /ready and the healthcheck command.
type Registry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
}

func NewRegistry() *Registry {
	return &Registry{checkers: map[string]Checker{}}
}

// Register adds c, replacing a checker of the same name.
func (r *Registry) Register(c Checker) {
	r.mu.Lock()
	r.checkers[c.Name()] = c
	r.mu.Unlock()
}

// Names lists the registered checkers alphabetically.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.checkers))
	for name := range r.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Report is the combined outcome of every probe, sorted by name.
type Report struct {
	Status    Status        `json:"status"`
	Checks    []Result      `json:"checks"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
}

// IsHealthy is false only when some probe is unhealthy.
func (r Report) IsHealthy() bool {
	return r.Status != StatusUnhealthy
}

// Check runs every probe in parallel. The report status is the worst result.
func (r *Registry) Check(ctx context.Context) Report {
	r.mu.RLock()
	checkers := make([]Checker, 0, len(r.checkers))
	for _, c := range r.checkers {
		checkers = append(checkers, c)
	}
	r.mu.RUnlock()

	started := time.Now()
	results := make(chan Result, len(checkers))
	var wg sync.WaitGroup
	for _, c := range checkers {
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()
			results <- c.Check(ctx)
		}(c)
	}
	wg.Wait()
	close(results)

	report := Report{Status: StatusHealthy, Checks: make([]Result, 0, len(checkers))}
	for res := range results {
		report.Status = report.Status.Worse(res.Status)
		report.Checks = append(report.Checks, res)
	}
	sort.Slice(report.Checks, func(i, j int) bool { return report.Checks[i].Name < report.Checks[j].Name })
	report.Timestamp = time.Now()
	report.Duration = report.Timestamp.Sub(started)
	return report
}
