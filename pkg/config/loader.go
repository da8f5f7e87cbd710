package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// DefaultEnvPrefix is used when the loader is created without a prefix.
const DefaultEnvPrefix = "JOBEXEC"

// Loader defines the interface for loading configuration
type Loader interface {
	Load() (*Config, error)
	Validate(*Config) error
}

// ViperLoader implements Loader using Viper for configuration management
type ViperLoader struct {
	configFile string
	envPrefix  string
	flags      *pflag.FlagSet
}

// NewViperLoader creates a new ViperLoader
// configFile: path to configuration file (optional, can be empty)
// envPrefix: prefix for environment variables (e.g., "JOBEXEC")
func NewViperLoader(configFile, envPrefix string) *ViperLoader {
	return &ViperLoader{
		configFile: configFile,
		envPrefix:  envPrefix,
	}
}

// WithFlags binds the override flags registered by RegisterFlags.
// Flags only win over other sources when they were set explicitly.
func (l *ViperLoader) WithFlags(flags *pflag.FlagSet) *ViperLoader {
	if l == nil {
		return l
	}
	l.flags = flags
	return l
}

// Load loads configuration with precedence: flags > ENV > secrets file > file > defaults
func (l *ViperLoader) Load() (*Config, error) {
	cfg, _, err := l.LoadWithSecrets()
	return cfg, err
}

func (l *ViperLoader) newViper() (*viper.Viper, *Config, error) {
	v := viper.New()
	l.setDefaults(v, DefaultConfig())

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}

	secrets, err := l.mergeSecrets(v)
	if err != nil {
		return nil, nil, err
	}

	v.SetEnvPrefix(l.prefix())
	l.bindEnvVars(v)

	if err := l.bindFlags(v); err != nil {
		return nil, nil, err
	}
	return v, secrets, nil
}

// bindEnvVars explicitly binds environment variables for nested structs
func (l *ViperLoader) bindEnvVars(v *viper.Viper) {
	v.BindEnv("service.name", l.prefixedEnv("SERVICE_NAME"))
	v.BindEnv("service.environment", l.prefixedEnv("SERVICE_ENVIRONMENT"), l.prefixedEnv("ENVIRONMENT"))

	// Executor
	v.BindEnv("executor.name", l.prefixedEnv("EXECUTOR_NAME"))
	v.BindEnv("executor.worker_count", l.prefixedEnv("EXECUTOR_WORKER_COUNT"), l.prefixedEnv("WORKERS"))
	v.BindEnv("executor.idle_interval", l.prefixedEnv("EXECUTOR_IDLE_INTERVAL"))
	v.BindEnv("executor.max_idle_interval", l.prefixedEnv("EXECUTOR_MAX_IDLE_INTERVAL"))
	v.BindEnv("executor.max_lock_duration", l.prefixedEnv("EXECUTOR_MAX_LOCK_DURATION"))
	v.BindEnv("executor.lock_reclaim_interval", l.prefixedEnv("EXECUTOR_LOCK_RECLAIM_INTERVAL"))
	v.BindEnv("executor.lock_safety_buffer", l.prefixedEnv("EXECUTOR_LOCK_SAFETY_BUFFER"))
	v.BindEnv("executor.default_retries", l.prefixedEnv("EXECUTOR_DEFAULT_RETRIES"))
	v.BindEnv("executor.reclaim_rate", l.prefixedEnv("EXECUTOR_RECLAIM_RATE"))
	v.BindEnv("executor.reclaim_burst", l.prefixedEnv("EXECUTOR_RECLAIM_BURST"))
	v.BindEnv("executor.stop_timeout", l.prefixedEnv("EXECUTOR_STOP_TIMEOUT"))
	v.BindEnv("executor.store_timeout", l.prefixedEnv("EXECUTOR_STORE_TIMEOUT"))

	// Database
	v.BindEnv("database.type", l.prefixedEnv("DB_TYPE"))
	v.BindEnv("database.url", l.prefixedEnv("DB_URL"), "DATABASE_URL")
	v.BindEnv("database.max_open_conns", l.prefixedEnv("DB_MAX_OPEN_CONNS"))
	v.BindEnv("database.max_idle_conns", l.prefixedEnv("DB_MAX_IDLE_CONNS"))
	v.BindEnv("database.conn_max_lifetime", l.prefixedEnv("DB_CONN_MAX_LIFETIME"))
	v.BindEnv("database.conn_max_idle_time", l.prefixedEnv("DB_CONN_MAX_IDLE_TIME"))
	v.BindEnv("database.query_timeout", l.prefixedEnv("DB_QUERY_TIMEOUT"))
	v.BindEnv("database.migrate_on_start", l.prefixedEnv("DB_MIGRATE_ON_START"))

	// Monitored due date registry
	v.BindEnv("registry.type", l.prefixedEnv("REGISTRY_TYPE"))
	v.BindEnv("registry.redis_url", l.prefixedEnv("REGISTRY_REDIS_URL"), "REDIS_URL")
	v.BindEnv("registry.prefix", l.prefixedEnv("REGISTRY_PREFIX"))
	v.BindEnv("registry.ttl", l.prefixedEnv("REGISTRY_TTL"))
	v.BindEnv("registry.operation_timeout", l.prefixedEnv("REGISTRY_OPERATION_TIMEOUT"))

	// Calendar
	v.BindEnv("calendar.business_hours.start", l.prefixedEnv("CALENDAR_DAY_START"))
	v.BindEnv("calendar.business_hours.end", l.prefixedEnv("CALENDAR_DAY_END"))
	v.BindEnv("calendar.weekend", l.prefixedEnv("CALENDAR_WEEKEND"))
	v.BindEnv("calendar.holidays", l.prefixedEnv("CALENDAR_HOLIDAYS"))
	v.BindEnv("calendar.location", l.prefixedEnv("CALENDAR_LOCATION"))

	// Events
	v.BindEnv("events.type", l.prefixedEnv("EVENTS_TYPE"))
	v.BindEnv("events.brokers", l.prefixedEnv("EVENTS_BROKERS"))
	v.BindEnv("events.url", l.prefixedEnv("EVENTS_URL"))
	v.BindEnv("events.exchange", l.prefixedEnv("EVENTS_EXCHANGE"))
	v.BindEnv("events.topic", l.prefixedEnv("EVENTS_TOPIC"))
	v.BindEnv("events.queue_url", l.prefixedEnv("EVENTS_QUEUE_URL"))
	v.BindEnv("events.region", l.prefixedEnv("EVENTS_REGION"), "AWS_REGION")
	v.BindEnv("events.endpoint", l.prefixedEnv("EVENTS_ENDPOINT"))
	v.BindEnv("events.access_key_id", l.prefixedEnv("EVENTS_ACCESS_KEY_ID"))
	v.BindEnv("events.secret_access_key", l.prefixedEnv("EVENTS_SECRET_ACCESS_KEY"))
	v.BindEnv("events.session_token", l.prefixedEnv("EVENTS_SESSION_TOKEN"))
	v.BindEnv("events.publish_timeout", l.prefixedEnv("EVENTS_PUBLISH_TIMEOUT"))

	// Management
	v.BindEnv("management.enabled", l.prefixedEnv("MGMT_ENABLED"))
	v.BindEnv("management.address", l.prefixedEnv("MGMT_ADDRESS"))
	v.BindEnv("management.read_timeout", l.prefixedEnv("MGMT_READ_TIMEOUT"))
	v.BindEnv("management.write_timeout", l.prefixedEnv("MGMT_WRITE_TIMEOUT"))

	// Observability
	v.BindEnv("observability.log_level", l.prefixedEnv("LOG_LEVEL"))
	v.BindEnv("observability.log_format", l.prefixedEnv("LOG_FORMAT"))
	v.BindEnv("observability.service_name", l.prefixedEnv("OTEL_SERVICE_NAME"), "OTEL_SERVICE_NAME")
	v.BindEnv("observability.tracing_enabled", l.prefixedEnv("TRACING_ENABLED"))
	v.BindEnv("observability.tracing_sample_rate", l.prefixedEnv("TRACING_SAMPLE_RATE"))
	v.BindEnv("observability.tracing_endpoint", l.prefixedEnv("TRACING_ENDPOINT"), "OTEL_EXPORTER_OTLP_ENDPOINT")
	v.BindEnv("observability.tracing_insecure", l.prefixedEnv("TRACING_INSECURE"))
}

func (l *ViperLoader) bindFlags(v *viper.Viper) error {
	if l.flags == nil {
		return nil
	}
	for name, key := range flagKeys {
		flag := l.flags.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("failed to bind flag --%s: %w", name, err)
		}
	}
	return nil
}

func (l *ViperLoader) prefix() string {
	prefix := strings.TrimSpace(l.envPrefix)
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	return strings.ToUpper(prefix)
}

func (l *ViperLoader) prefixedEnv(suffix string) string {
	return fmt.Sprintf("%s_%s", l.prefix(), suffix)
}

func (l *ViperLoader) setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("service.name", cfg.Service.Name)
	v.SetDefault("service.environment", cfg.Service.Environment)

	// Executor defaults
	v.SetDefault("executor.name", cfg.Executor.Name)
	v.SetDefault("executor.worker_count", cfg.Executor.WorkerCount)
	v.SetDefault("executor.idle_interval", cfg.Executor.IdleInterval)
	v.SetDefault("executor.max_idle_interval", cfg.Executor.MaxIdleInterval)
	v.SetDefault("executor.max_lock_duration", cfg.Executor.MaxLockDuration)
	v.SetDefault("executor.lock_reclaim_interval", cfg.Executor.LockReclaimInterval)
	v.SetDefault("executor.lock_safety_buffer", cfg.Executor.LockSafetyBuffer)
	v.SetDefault("executor.default_retries", cfg.Executor.DefaultRetries)
	v.SetDefault("executor.reclaim_rate", cfg.Executor.ReclaimRate)
	v.SetDefault("executor.reclaim_burst", cfg.Executor.ReclaimBurst)
	v.SetDefault("executor.stop_timeout", cfg.Executor.StopTimeout)
	v.SetDefault("executor.store_timeout", cfg.Executor.StoreTimeout)

	// Database defaults
	v.SetDefault("database.type", cfg.Database.Type)
	v.SetDefault("database.url", cfg.Database.URL)
	v.SetDefault("database.max_open_conns", cfg.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", cfg.Database.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", cfg.Database.ConnMaxLifetime)
	v.SetDefault("database.conn_max_idle_time", cfg.Database.ConnMaxIdleTime)
	v.SetDefault("database.query_timeout", cfg.Database.QueryTimeout)
	v.SetDefault("database.migrate_on_start", cfg.Database.MigrateOnStart)

	// Registry defaults
	v.SetDefault("registry.type", cfg.Registry.Type)
	v.SetDefault("registry.redis_url", cfg.Registry.RedisURL)
	v.SetDefault("registry.prefix", cfg.Registry.Prefix)
	v.SetDefault("registry.ttl", cfg.Registry.TTL)
	v.SetDefault("registry.operation_timeout", cfg.Registry.OperationTimeout)

	// Calendar defaults
	v.SetDefault("calendar.business_hours.start", cfg.Calendar.BusinessHours.Start)
	v.SetDefault("calendar.business_hours.end", cfg.Calendar.BusinessHours.End)
	v.SetDefault("calendar.weekend", cfg.Calendar.Weekend)
	v.SetDefault("calendar.holidays", cfg.Calendar.Holidays)
	v.SetDefault("calendar.location", cfg.Calendar.Location)

	// Events defaults
	v.SetDefault("events.type", cfg.Events.Type)
	v.SetDefault("events.brokers", cfg.Events.Brokers)
	v.SetDefault("events.url", cfg.Events.URL)
	v.SetDefault("events.exchange", cfg.Events.Exchange)
	v.SetDefault("events.topic", cfg.Events.Topic)
	v.SetDefault("events.queue_url", cfg.Events.QueueURL)
	v.SetDefault("events.region", cfg.Events.Region)
	v.SetDefault("events.endpoint", cfg.Events.Endpoint)
	v.SetDefault("events.access_key_id", cfg.Events.AccessKeyID)
	v.SetDefault("events.secret_access_key", cfg.Events.SecretKey)
	v.SetDefault("events.session_token", cfg.Events.SessionToken)
	v.SetDefault("events.publish_timeout", cfg.Events.PublishTimeout)

	// Management defaults
	v.SetDefault("management.enabled", cfg.Management.Enabled)
	v.SetDefault("management.address", cfg.Management.Address)
	v.SetDefault("management.read_timeout", cfg.Management.ReadTimeout)
	v.SetDefault("management.write_timeout", cfg.Management.WriteTimeout)

	// Observability defaults
	v.SetDefault("observability.log_level", cfg.Observability.LogLevel)
	v.SetDefault("observability.log_format", cfg.Observability.LogFormat)
	v.SetDefault("observability.service_name", cfg.Observability.ServiceName)
	v.SetDefault("observability.tracing_enabled", cfg.Observability.TracingEnabled)
	v.SetDefault("observability.tracing_sample_rate", cfg.Observability.TracingSampleRate)
	v.SetDefault("observability.tracing_endpoint", cfg.Observability.TracingEndpoint)
	v.SetDefault("observability.tracing_insecure", cfg.Observability.TracingInsecure)
}

// Validate normalizes list values and validates the configuration.
func (l *ViperLoader) Validate(cfg *Config) error {
	cfg.Events.Brokers = normalizeStringSlice(cfg.Events.Brokers)
	cfg.Calendar.Weekend = normalizeStringSlice(cfg.Calendar.Weekend)
	cfg.Calendar.Holidays = normalizeStringSlice(cfg.Calendar.Holidays)
	cfg.Database.Type = strings.ToLower(strings.TrimSpace(cfg.Database.Type))
	cfg.Registry.Type = strings.ToLower(strings.TrimSpace(cfg.Registry.Type))
	cfg.Events.Type = strings.ToLower(strings.TrimSpace(cfg.Events.Type))
	return cfg.Validate()
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// normalizeStringSlice splits comma separated entries and drops blanks.
func normalizeStringSlice(values []string) []string {
	if len(values) == 0 {
		return values
	}
	out := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
