// Command jobexec runs the job executor with the built-in handlers.
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/nimburion/jobexec/pkg/cli"
	"github.com/nimburion/jobexec/pkg/config"
	"github.com/nimburion/jobexec/pkg/jobs"
	"github.com/nimburion/jobexec/pkg/observability/logger"
	"github.com/nimburion/jobexec/pkg/store"
	"github.com/spf13/cobra"
)

func main() {
	cli.Execute(cli.NewCommand(cli.Options{
		Name:             "jobexec",
		Description:      "Durable multi-worker job executor",
		EnvPrefix:        config.DefaultEnvPrefix,
		RegisterHandlers: registerHandlers,
		CustomCommands:   []*cobra.Command{newEnqueueCommand()},
	}))
}

// registerHandlers installs the handlers available without application code:
// "log" writes the payload to the log, "noop" completes immediately.
func registerHandlers(_ *config.Config, log logger.Logger, handlers *jobs.HandlerRegistry) error {
	if err := handlers.Register("log", func(ctx context.Context, job *jobs.Job) (bool, error) {
		log.WithContext(ctx).Info("job payload",
			"job_id", job.ID,
			"process_instance_id", job.ProcessInstanceID,
			"data", string(job.Payload.Data),
		)
		return true, nil
	}); err != nil {
		return err
	}
	return handlers.Register("noop", func(context.Context, *jobs.Job) (bool, error) {
		return true, nil
	})
}

func newEnqueueCommand() *cobra.Command {
	var (
		handler   string
		instance  string
		delay     time.Duration
		exclusive bool
		retries   int
		data      string
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Schedule a one-shot task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config-file")
			secretFile, _ := cmd.Flags().GetString("secret-file")
			cfg, log, err := cli.LoadConfigAndLogger(cfgPath, config.DefaultEnvPrefix, secretFile, nil, cmd.Flags())
			if err != nil {
				return err
			}
			if cfg.Database.Type == config.DatabaseTypeMemory {
				return fmt.Errorf("enqueue needs a durable job store, database.type is %q", cfg.Database.Type)
			}

			jobStore, err := store.OpenJobStore(cfg.Database, log)
			if err != nil {
				return err
			}
			defer func() { _ = jobStore.Close() }()

			scheduler, err := jobs.NewScheduler(jobStore, log, jobs.SchedulerConfig{DefaultRetries: cfg.Executor.DefaultRetries})
			if err != nil {
				return err
			}
			spec := jobs.TaskSpec{
				Handler:           handler,
				ProcessInstanceID: instance,
				DueDate:           time.Now().Add(delay),
				Exclusive:         exclusive,
				Retries:           retries,
			}
			if data != "" {
				spec.Data = []byte(data)
			}
			job, err := scheduler.ScheduleTask(cmd.Context(), spec)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scheduled job %d due %s\n", job.ID, job.DueDate.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&handler, "handler", "log", "handler name")
	cmd.Flags().StringVar(&instance, "instance", "", "owning process instance id")
	cmd.Flags().DurationVar(&delay, "in", 0, "delay before the job is due")
	cmd.Flags().BoolVar(&exclusive, "exclusive", false, "serialize with other exclusive jobs of the instance")
	cmd.Flags().IntVar(&retries, "retries", 0, "retries (0 uses executor.default_retries)")
	cmd.Flags().StringVar(&data, "data", "", "opaque payload data")
	return cmd
}
