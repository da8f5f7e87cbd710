package store

import (
	"fmt"
	"strings"

	"github.com/nimburion/jobexec/pkg/config"
	"github.com/nimburion/jobexec/pkg/jobs"
	"github.com/nimburion/jobexec/pkg/observability/logger"
)

// OpenDueDateRegistry builds the monitored due date registry selected by cfg.Type.
// Registries that hold connections also implement io.Closer.
func OpenDueDateRegistry(cfg config.RegistryConfig, log logger.Logger) (jobs.DueDateRegistry, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case config.RegistryTypeMemory:
		return jobs.NewMemoryDueDateRegistry(), nil
	case config.RegistryTypeRedis:
		registry, err := jobs.NewRedisDueDateRegistry(jobs.RedisDueDateRegistryConfig{
			URL:              cfg.RedisURL,
			Prefix:           cfg.Prefix,
			TTL:              cfg.TTL,
			OperationTimeout: cfg.OperationTimeout,
		}, log)
		if err != nil {
			return nil, err
		}
		return registry, nil
	default:
		return nil, fmt.Errorf("unsupported registry.type %q (supported: memory, redis)", cfg.Type)
	}
}
