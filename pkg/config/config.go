package config

import (
	"time"

	"github.com/nimburion/jobexec/pkg/calendar"
	"github.com/nimburion/jobexec/pkg/jobs"
)

// Database type constants
const (
	// DatabaseTypeMemory keeps jobs in process memory.
	DatabaseTypeMemory = "memory"
	// DatabaseTypePostgres represents PostgreSQL database
	DatabaseTypePostgres = "postgres"
	// DatabaseTypeMySQL represents MySQL database
	DatabaseTypeMySQL = "mysql"
)

// Monitored due date registry type constants
const (
	// RegistryTypeMemory shares monitored due dates between workers of one process.
	RegistryTypeMemory = "memory"
	// RegistryTypeRedis shares monitored due dates across processes.
	RegistryTypeRedis = "redis"
)

// Event bus type constants
const (
	// EventsTypeNone disables lifecycle notifications.
	EventsTypeNone = "none"
	// EventsTypeKafka represents Apache Kafka event bus
	EventsTypeKafka = "kafka"
	// EventsTypeRabbitMQ represents RabbitMQ event bus
	EventsTypeRabbitMQ = "rabbitmq"
	// EventsTypeSQS represents AWS SQS event bus
	EventsTypeSQS = "sqs"
)

// Config is the root configuration of a jobexec process.
type Config struct {
	Service       ServiceConfig       `mapstructure:"service" yaml:"service"`
	Executor      ExecutorConfig      `mapstructure:"executor" yaml:"executor"`
	Database      DatabaseConfig      `mapstructure:"database" yaml:"database"`
	Registry      RegistryConfig      `mapstructure:"registry" yaml:"registry"`
	Calendar      CalendarConfig      `mapstructure:"calendar" yaml:"calendar"`
	Events        EventsConfig        `mapstructure:"events" yaml:"events"`
	Management    ManagementConfig    `mapstructure:"management" yaml:"management"`
	Observability ObservabilityConfig `mapstructure:"observability" yaml:"observability"`
}

// ServiceConfig configures service identity metadata.
type ServiceConfig struct {
	Name        string `mapstructure:"name" yaml:"name"`
	Environment string `mapstructure:"environment" yaml:"environment"`
}

// ExecutorConfig configures the worker pool and the lock reclaimer.
type ExecutorConfig struct {
	// Name prefixes worker names; empty derives one from the host name.
	Name                string        `mapstructure:"name" yaml:"name"`
	WorkerCount         int           `mapstructure:"worker_count" yaml:"worker_count"`
	IdleInterval        time.Duration `mapstructure:"idle_interval" yaml:"idle_interval"`
	MaxIdleInterval     time.Duration `mapstructure:"max_idle_interval" yaml:"max_idle_interval"`
	MaxLockDuration     time.Duration `mapstructure:"max_lock_duration" yaml:"max_lock_duration"`
	LockReclaimInterval time.Duration `mapstructure:"lock_reclaim_interval" yaml:"lock_reclaim_interval"`
	LockSafetyBuffer    time.Duration `mapstructure:"lock_safety_buffer" yaml:"lock_safety_buffer"`
	DefaultRetries      int           `mapstructure:"default_retries" yaml:"default_retries"`
	// ReclaimRate caps unlocks per second; 0 means unlimited.
	ReclaimRate  float64       `mapstructure:"reclaim_rate" yaml:"reclaim_rate"`
	ReclaimBurst int           `mapstructure:"reclaim_burst" yaml:"reclaim_burst"`
	StopTimeout  time.Duration `mapstructure:"stop_timeout" yaml:"stop_timeout"`
	// StoreTimeout bounds each store and broker health check.
	StoreTimeout time.Duration `mapstructure:"store_timeout" yaml:"store_timeout"`
}

// DatabaseConfig configures the job store connection.
type DatabaseConfig struct {
	Type            string        `mapstructure:"type" yaml:"type"` // memory, postgres, mysql
	URL             string        `mapstructure:"url" yaml:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" yaml:"conn_max_idle_time"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout" yaml:"query_timeout"`
	MigrateOnStart  bool          `mapstructure:"migrate_on_start" yaml:"migrate_on_start"`
}

// RegistryConfig configures the monitored due date registry.
type RegistryConfig struct {
	Type             string        `mapstructure:"type" yaml:"type"` // memory, redis
	RedisURL         string        `mapstructure:"redis_url" yaml:"redis_url"`
	Prefix           string        `mapstructure:"prefix" yaml:"prefix"`
	TTL              time.Duration `mapstructure:"ttl" yaml:"ttl"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout" yaml:"operation_timeout"`
}

// CalendarConfig configures the business calendar used for repeat and due date expressions.
type CalendarConfig struct {
	BusinessHours BusinessHoursConfig `mapstructure:"business_hours" yaml:"business_hours"`
	Weekend       []string            `mapstructure:"weekend" yaml:"weekend"`
	Holidays      []string            `mapstructure:"holidays" yaml:"holidays"`
	Location      string              `mapstructure:"location" yaml:"location"`
}

// BusinessHoursConfig holds the daily working window as "HH:MM".
type BusinessHoursConfig struct {
	Start string `mapstructure:"start" yaml:"start"`
	End   string `mapstructure:"end" yaml:"end"`
}

// EventsConfig configures where job lifecycle events are published.
type EventsConfig struct {
	Type           string        `mapstructure:"type" yaml:"type"` // none, kafka, rabbitmq, sqs
	Brokers        []string      `mapstructure:"brokers" yaml:"brokers"`
	URL            string        `mapstructure:"url" yaml:"url"`
	Exchange       string        `mapstructure:"exchange" yaml:"exchange"`
	Topic          string        `mapstructure:"topic" yaml:"topic"`
	QueueURL       string        `mapstructure:"queue_url" yaml:"queue_url"`
	Region         string        `mapstructure:"region" yaml:"region"`
	Endpoint       string        `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKeyID    string        `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretKey      string        `mapstructure:"secret_access_key" yaml:"secret_access_key"`
	SessionToken   string        `mapstructure:"session_token" yaml:"session_token"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout" yaml:"publish_timeout"`
}

// ManagementConfig configures the operator HTTP surface.
type ManagementConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	Address      string        `mapstructure:"address" yaml:"address"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// ObservabilityConfig configures logging and tracing.
type ObservabilityConfig struct {
	LogLevel          string  `mapstructure:"log_level" yaml:"log_level"`
	LogFormat         string  `mapstructure:"log_format" yaml:"log_format"` // json, text
	ServiceName       string  `mapstructure:"service_name" yaml:"service_name"`
	TracingEnabled    bool    `mapstructure:"tracing_enabled" yaml:"tracing_enabled"`
	TracingSampleRate float64 `mapstructure:"tracing_sample_rate" yaml:"tracing_sample_rate"`
	TracingEndpoint   string  `mapstructure:"tracing_endpoint" yaml:"tracing_endpoint"`
	TracingInsecure   bool    `mapstructure:"tracing_insecure" yaml:"tracing_insecure"`
}

// DefaultConfig returns a single-worker in-memory configuration.
func DefaultConfig() *Config {
	cal := calendar.DefaultConfig()
	return &Config{
		Service: ServiceConfig{
			Name:        "jobexec",
			Environment: "development",
		},
		Executor: ExecutorConfig{
			WorkerCount:         jobs.DefaultWorkerCount,
			IdleInterval:        jobs.DefaultIdleInterval,
			MaxIdleInterval:     jobs.DefaultMaxIdleInterval,
			MaxLockDuration:     jobs.DefaultMaxLockDuration,
			LockReclaimInterval: jobs.DefaultLockReclaimInterval,
			LockSafetyBuffer:    jobs.DefaultLockSafetyBuffer,
			DefaultRetries:      jobs.DefaultRetries,
			ReclaimBurst:        1,
			StopTimeout:         jobs.DefaultStopTimeout,
			StoreTimeout:        5 * time.Second,
		},
		Database: DatabaseConfig{
			Type:            DatabaseTypeMemory,
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
			QueryTimeout:    10 * time.Second,
		},
		Registry: RegistryConfig{
			Type:             RegistryTypeMemory,
			Prefix:           "jobexec:monitored",
			TTL:              2 * jobs.DefaultMaxIdleInterval,
			OperationTimeout: 2 * time.Second,
		},
		Calendar: CalendarConfig{
			BusinessHours: BusinessHoursConfig{Start: cal.DayStart, End: cal.DayEnd},
			Weekend:       cal.Weekend,
		},
		Events: EventsConfig{
			Type:           EventsTypeNone,
			Topic:          "jobexec.jobs",
			PublishTimeout: jobs.DefaultPublishTimeout,
		},
		Management: ManagementConfig{
			Enabled:      true,
			Address:      ":8081",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel:          "info",
			LogFormat:         "json",
			ServiceName:       "jobexec",
			TracingSampleRate: 0.1,
			TracingEndpoint:   "localhost:4317",
		},
	}
}

// CalendarSettings converts the calendar section for calendar.New.
func (c CalendarConfig) CalendarSettings() calendar.Config {
	return calendar.Config{
		DayStart: c.BusinessHours.Start,
		DayEnd:   c.BusinessHours.End,
		Weekend:  c.Weekend,
		Holidays: c.Holidays,
		Location: c.Location,
	}
}
