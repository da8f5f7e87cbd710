package jobs

import (
	"strings"
	"time"

	"github.com/nimburion/jobexec/pkg/health"
)

// NewStoreHealthChecker probes the job store. An empty name means "jobs-store".
func NewStoreHealthChecker(name string, store health.Checkable, timeout time.Duration) health.Checker {
	return health.NewProbe(orDefault(name, "jobs-store"), store, timeout)
}

// NewExecutorHealthChecker reports unhealthy when a started executor lost one
// of its loops or cannot reach its store, and degraded while it backs off.
// An empty name means "jobs-executor".
func NewExecutorHealthChecker(name string, executor *Executor, timeout time.Duration) health.Checker {
	return health.NewProbe(orDefault(name, "jobs-executor"), executor, timeout)
}

func orDefault(name, fallback string) string {
	if name = strings.TrimSpace(name); name == "" {
		return fallback
	}
	return name
}
