package config

import (
	"github.com/spf13/pflag"
)

// flagKeys maps override flag names to configuration keys.
var flagKeys = map[string]string{
	"workers":            "executor.worker_count",
	"executor-name":      "executor.name",
	"db-type":            "database.type",
	"db-url":             "database.url",
	"migrate":            "database.migrate_on_start",
	"registry":           "registry.type",
	"events":             "events.type",
	"management-address": "management.address",
	"log-level":          "observability.log_level",
	"log-format":         "observability.log_format",
}

// RegisterFlags adds the configuration override flags to flags.
// Defaults are zero values; unset flags never override other sources.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.Int("workers", 0, "number of executor workers")
	flags.String("executor-name", "", "worker name prefix")
	flags.String("db-type", "", "job store type (memory, postgres, mysql)")
	flags.String("db-url", "", "job store connection URL")
	flags.Bool("migrate", false, "apply job store migrations before starting")
	flags.String("registry", "", "monitored due date registry (memory, redis)")
	flags.String("events", "", "lifecycle event transport (none, kafka, rabbitmq, sqs)")
	flags.String("management-address", "", "management HTTP listen address")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (json, text)")
}
