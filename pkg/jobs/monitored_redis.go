package jobs

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/nimburion/jobexec/pkg/observability/logger"
	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisRegistryPrefix   = "jobexec:monitored"
	defaultRedisRegistryTTL      = 2 * time.Hour
	defaultRedisOperationTimeout = 3 * time.Second
	redisRegistryScanCount       = 100
)

// RedisDueDateRegistryConfig configures a DueDateRegistry shared by executors
// running in different processes.
type RedisDueDateRegistryConfig struct {
	URL    string
	Prefix string
	// TTL expires entries of workers that died without forgetting them. It
	// should exceed the maximum idle interval.
	TTL              time.Duration
	OperationTimeout time.Duration
}

func (c *RedisDueDateRegistryConfig) normalize() {
	c.Prefix = strings.TrimSuffix(strings.TrimSpace(c.Prefix), ":")
	if c.Prefix == "" {
		c.Prefix = defaultRedisRegistryPrefix
	}
	if c.TTL <= 0 {
		c.TTL = defaultRedisRegistryTTL
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultRedisOperationTimeout
	}
}

// RedisDueDateRegistry stores one key per worker, "<prefix>:<worker>", holding
// the monitored job id.
type RedisDueDateRegistry struct {
	client *redis.Client
	log    logger.Logger
	config RedisDueDateRegistryConfig
}

// NewRedisDueDateRegistry connects to cfg.URL and verifies the connection.
func NewRedisDueDateRegistry(cfg RedisDueDateRegistryConfig, log logger.Logger) (*RedisDueDateRegistry, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, jobsError(ErrInvalidArgument, "redis url is required")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Join(jobsError(ErrValidation, "parse redis url failed"), err)
	}
	registry := NewRedisDueDateRegistryFromClient(redis.NewClient(opts), cfg, log)

	ctx, cancel := context.WithTimeout(context.Background(), registry.config.OperationTimeout)
	defer cancel()
	if err := registry.HealthCheck(ctx); err != nil {
		_ = registry.Close()
		return nil, err
	}
	return registry, nil
}

// NewRedisDueDateRegistryFromClient wraps an existing client.
func NewRedisDueDateRegistryFromClient(client *redis.Client, cfg RedisDueDateRegistryConfig, log logger.Logger) *RedisDueDateRegistry {
	if log == nil {
		log = logger.NewNop()
	}
	cfg.normalize()
	return &RedisDueDateRegistry{client: client, log: log, config: cfg}
}

// Others implements DueDateRegistry.
func (r *RedisDueDateRegistry) Others(ctx context.Context, worker string) ([]int64, error) {
	opCtx, cancel := context.WithTimeout(ctx, r.config.OperationTimeout)
	defer cancel()

	own := r.key(worker)
	var keys []string
	iter := r.client.Scan(opCtx, 0, r.config.Prefix+":*", redisRegistryScanCount).Iterator()
	for iter.Next(opCtx) {
		if key := iter.Val(); key != own {
			keys = append(keys, key)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Join(jobsError(ErrStoreUnavailable, "scan monitored jobs failed"), err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := r.client.MGet(opCtx, keys...).Result()
	if err != nil {
		return nil, errors.Join(jobsError(ErrStoreUnavailable, "read monitored jobs failed"), err)
	}
	ids := make([]int64, 0, len(values))
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			r.log.Debug("ignoring malformed monitored job entry", "key", keys[i], "value", raw)
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Monitor implements DueDateRegistry.
func (r *RedisDueDateRegistry) Monitor(ctx context.Context, worker string, id int64) error {
	if strings.TrimSpace(worker) == "" {
		return jobsError(ErrInvalidArgument, "worker name is required")
	}
	opCtx, cancel := context.WithTimeout(ctx, r.config.OperationTimeout)
	defer cancel()
	if err := r.client.Set(opCtx, r.key(worker), strconv.FormatInt(id, 10), r.config.TTL).Err(); err != nil {
		return errors.Join(jobsError(ErrStoreUnavailable, "record monitored job failed"), err)
	}
	return nil
}

// Forget implements DueDateRegistry.
func (r *RedisDueDateRegistry) Forget(ctx context.Context, worker string) error {
	opCtx, cancel := context.WithTimeout(ctx, r.config.OperationTimeout)
	defer cancel()
	if err := r.client.Del(opCtx, r.key(worker)).Err(); err != nil {
		return errors.Join(jobsError(ErrStoreUnavailable, "forget monitored job failed"), err)
	}
	return nil
}

// HealthCheck verifies Redis connectivity.
func (r *RedisDueDateRegistry) HealthCheck(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(ctx, r.config.OperationTimeout)
	defer cancel()
	if err := r.client.Ping(opCtx).Err(); err != nil {
		return errors.Join(jobsError(ErrStoreUnavailable, "redis healthcheck failed"), err)
	}
	return nil
}

// Close closes the Redis client.
func (r *RedisDueDateRegistry) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

func (r *RedisDueDateRegistry) key(worker string) string {
	return r.config.Prefix + ":" + strings.TrimSpace(worker)
}
