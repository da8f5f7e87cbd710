package config

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/nimburion/jobexec/pkg/calendar"
	"github.com/nimburion/jobexec/pkg/observability/logger"
)

// Validate checks if the configuration is valid and reports every problem found.
func (c *Config) Validate() error {
	var errs []error

	errs = append(errs, c.Executor.validate()...)
	errs = append(errs, c.Database.validate()...)
	errs = append(errs, c.Registry.validate()...)
	errs = append(errs, c.Events.validate()...)

	if _, err := calendar.New(c.Calendar.CalendarSettings()); err != nil {
		errs = append(errs, fmt.Errorf("calendar: %w", err))
	}

	if c.Management.Enabled && c.Management.Address == "" {
		errs = append(errs, errors.New("management.address is required when management is enabled"))
	}

	if _, err := logger.ParseLevel(c.Observability.LogLevel); err != nil || c.Observability.LogLevel == "" {
		errs = append(errs, fmt.Errorf("invalid observability.log_level: %q (must be one of: debug, info, warn, error)", c.Observability.LogLevel))
	}
	validFormats := []string{logger.FormatJSON, logger.FormatText}
	if !contains(validFormats, c.Observability.LogFormat) {
		errs = append(errs, fmt.Errorf("invalid observability.log_format: %s (must be one of: %v)", c.Observability.LogFormat, validFormats))
	}
	if c.Observability.TracingSampleRate < 0 || c.Observability.TracingSampleRate > 1 {
		errs = append(errs, errors.New("observability.tracing_sample_rate must be between 0 and 1"))
	}
	if c.Observability.TracingEnabled && c.Observability.TracingEndpoint == "" {
		errs = append(errs, errors.New("observability.tracing_endpoint is required when tracing is enabled"))
	}

	return errors.Join(errs...)
}

func (e ExecutorConfig) validate() []error {
	var errs []error
	if e.WorkerCount < 1 {
		errs = append(errs, errors.New("executor.worker_count must be at least 1"))
	}
	if e.IdleInterval <= 0 {
		errs = append(errs, errors.New("executor.idle_interval must be positive"))
	}
	if e.MaxIdleInterval < e.IdleInterval {
		errs = append(errs, errors.New("executor.max_idle_interval must not be lower than executor.idle_interval"))
	}
	if e.MaxLockDuration <= 0 {
		errs = append(errs, errors.New("executor.max_lock_duration must be positive"))
	}
	if e.LockReclaimInterval <= 0 {
		errs = append(errs, errors.New("executor.lock_reclaim_interval must be positive"))
	}
	if e.LockSafetyBuffer < 0 {
		errs = append(errs, errors.New("executor.lock_safety_buffer cannot be negative"))
	}
	if e.DefaultRetries < 0 {
		errs = append(errs, errors.New("executor.default_retries cannot be negative"))
	}
	if e.ReclaimRate < 0 {
		errs = append(errs, errors.New("executor.reclaim_rate cannot be negative"))
	}
	if e.ReclaimRate > 0 && e.ReclaimBurst < 1 {
		errs = append(errs, errors.New("executor.reclaim_burst must be at least 1 when reclaim_rate is set"))
	}
	if e.StopTimeout <= 0 {
		errs = append(errs, errors.New("executor.stop_timeout must be positive"))
	}
	if e.StoreTimeout < 0 {
		errs = append(errs, errors.New("executor.store_timeout cannot be negative"))
	}
	return errs
}

func (d DatabaseConfig) validate() []error {
	var errs []error
	switch d.Type {
	case DatabaseTypeMemory:
	case DatabaseTypePostgres, DatabaseTypeMySQL:
		if d.URL == "" {
			errs = append(errs, fmt.Errorf("database.url is required for %s", d.Type))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid database.type: %s (must be one of: %v)", d.Type,
			[]string{DatabaseTypeMemory, DatabaseTypePostgres, DatabaseTypeMySQL}))
	}
	if d.MaxOpenConns < 0 || d.MaxIdleConns < 0 {
		errs = append(errs, errors.New("database connection pool sizes cannot be negative"))
	}
	if d.MaxOpenConns > 0 && d.MaxIdleConns > d.MaxOpenConns {
		errs = append(errs, errors.New("database.max_idle_conns cannot exceed database.max_open_conns"))
	}
	if d.QueryTimeout < 0 {
		errs = append(errs, errors.New("database.query_timeout cannot be negative"))
	}
	return errs
}

func (r RegistryConfig) validate() []error {
	var errs []error
	switch r.Type {
	case RegistryTypeMemory:
	case RegistryTypeRedis:
		if r.RedisURL == "" {
			errs = append(errs, errors.New("registry.redis_url is required when registry.type is redis"))
		}
		if r.TTL <= 0 {
			errs = append(errs, errors.New("registry.ttl must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid registry.type: %s (must be one of: %v)", r.Type,
			[]string{RegistryTypeMemory, RegistryTypeRedis}))
	}
	return errs
}

func (e EventsConfig) validate() []error {
	var errs []error
	switch e.Type {
	case EventsTypeNone:
		return nil
	case EventsTypeKafka:
		if len(e.Brokers) == 0 {
			errs = append(errs, errors.New("events.brokers is required for Kafka"))
		}
	case EventsTypeRabbitMQ:
		if e.URL == "" {
			errs = append(errs, errors.New("events.url is required for RabbitMQ"))
		}
	case EventsTypeSQS:
		if e.Region == "" {
			errs = append(errs, errors.New("events.region is required for SQS"))
		}
		if e.QueueURL == "" {
			errs = append(errs, errors.New("events.queue_url is required for SQS"))
		}
	default:
		return []error{fmt.Errorf("invalid events.type: %s (must be one of: %v)", e.Type,
			[]string{EventsTypeNone, EventsTypeKafka, EventsTypeRabbitMQ, EventsTypeSQS})}
	}
	if e.Topic == "" {
		errs = append(errs, errors.New("events.topic is required when events are enabled"))
	}
	if e.PublishTimeout <= 0 {
		errs = append(errs, errors.New("events.publish_timeout must be positive"))
	}
	return errs
}

// Redacted returns a copy of the configuration with every value set by the
// secrets file replaced by "***". A nil secrets config returns an unmasked copy.
func (c *Config) Redacted(secrets *Config) *Config {
	out := *c
	if secrets == nil {
		return &out
	}
	mask(reflect.ValueOf(&out).Elem(), reflect.ValueOf(secrets).Elem())
	return &out
}

func mask(v, secrets reflect.Value) {
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		secret := secrets.Field(i)
		if !field.CanSet() {
			continue
		}
		switch field.Kind() {
		case reflect.Struct:
			mask(field, secret)
		case reflect.String:
			if secret.String() != "" {
				field.SetString("***")
			}
		}
	}
}
