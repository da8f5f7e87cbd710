package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/nimburion/jobexec/pkg/calendar"
	"github.com/nimburion/jobexec/pkg/health"
	"github.com/nimburion/jobexec/pkg/jobs"
	"github.com/nimburion/jobexec/pkg/management"
	"github.com/nimburion/jobexec/pkg/migrate"
	"github.com/nimburion/jobexec/pkg/store"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newMigrateCommand(load configLoader) *cobra.Command {
	parent := withPolicy(&cobra.Command{
		Use:   "migrate",
		Short: "Job store schema migrations",
	}, migrationContext, PolicyMigration)

	step := func(use, short string, policy CommandPolicy) *cobra.Command {
		return withPolicy(&cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				sub, steps, err := migrate.ParseArgs(append([]string{cmd.Name()}, args...))
				if err != nil {
					return err
				}
				cfg, log, err := load(cmd.Flags())
				if err != nil {
					return err
				}
				js, err := store.OpenJobStore(cfg.Database, log)
				if err != nil {
					return fmt.Errorf("open job store: %w", err)
				}
				defer func() { _ = js.Close() }()

				err = js.Migrate(sub, steps, migrate.Options{
					ServiceName: cfg.Service.Name,
					Timeout:     defaultMigrationTimeout,
					Logger:      log,
				})
				if errors.Is(err, store.ErrNoSchema) {
					return fmt.Errorf("database.type %q has no schema: %w", cfg.Database.Type, err)
				}
				return err
			},
		}, migrationContext, policy)
	}

	parent.AddCommand(
		step("up", "Apply pending migrations", PolicyRun),
		step("down [steps]", "Revert applied migrations (default 1)", PolicyOnce),
		step("status", "Show migration status", PolicyRun),
	)
	return parent
}

// schedulerAction opens the job store, builds a scheduler on it and runs fn.
func schedulerAction(load configLoader, fn func(cmd *cobra.Command, args []string, s *jobs.Scheduler) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, log, err := load(cmd.Flags())
		if err != nil {
			return err
		}
		cal, err := calendar.New(cfg.Calendar.CalendarSettings())
		if err != nil {
			return fmt.Errorf("build calendar: %w", err)
		}
		js, err := store.OpenJobStore(cfg.Database, log)
		if err != nil {
			return fmt.Errorf("open job store: %w", err)
		}
		defer func() { _ = js.Close() }()

		s, err := jobs.NewScheduler(js, log, jobs.SchedulerConfig{DefaultRetries: cfg.Executor.DefaultRetries}, jobs.WithCalendar(cal))
		if err != nil {
			return err
		}
		return fn(cmd, args, s)
	}
}

func newJobsCommand(load configLoader) *cobra.Command {
	parent := withPolicy(&cobra.Command{
		Use:   "jobs",
		Short: "Operator actions on jobs",
	}, defaultPolicyContext, PolicyManual)

	var limit int
	failed := &cobra.Command{
		Use:   "failed",
		Short: "List parked jobs",
		Args:  cobra.NoArgs,
		RunE: schedulerAction(load, func(cmd *cobra.Command, _ []string, s *jobs.Scheduler) error {
			parked, err := s.FailedJobs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return writeYAML(cmd.OutOrStdout(), views(parked))
		}),
	}
	failed.Flags().IntVar(&limit, "limit", jobs.DefaultFailedJobsLimit, "maximum number of jobs to list")

	var retries int
	retry := &cobra.Command{
		Use:   "retry <id>",
		Short: "Restore the retries of a parked job",
		Args:  cobra.ExactArgs(1),
		RunE: byJobID(load, func(s *jobs.Scheduler, ctx context.Context, id int64) (*jobs.Job, error) {
			return s.RetryJob(ctx, id, retries)
		}),
	}
	retry.Flags().IntVar(&retries, "retries", 0, "retries to restore (0 uses executor.default_retries)")

	unlock := &cobra.Command{
		Use:   "unlock <id>",
		Short: "Release the lock of a stuck job",
		Args:  cobra.ExactArgs(1),
		RunE:  byJobID(load, (*jobs.Scheduler).UnlockJob),
	}

	suspend := &cobra.Command{
		Use:   "suspend <process-instance>",
		Short: "Stop the jobs of a process instance from being acquired",
		Args:  cobra.ExactArgs(1),
		RunE:  byInstance(load, "suspended", (*jobs.Scheduler).SuspendInstance),
	}
	resume := &cobra.Command{
		Use:   "resume <process-instance>",
		Short: "Make the suspended jobs of a process instance acquirable again",
		Args:  cobra.ExactArgs(1),
		RunE:  byInstance(load, "resumed", (*jobs.Scheduler).ResumeInstance),
	}

	for _, cmd := range []*cobra.Command{failed, retry, unlock, newScheduleCommand(load), suspend, resume} {
		parent.AddCommand(withPolicy(cmd, defaultPolicyContext, PolicyManual))
	}
	return parent
}

func newScheduleCommand(load configLoader) *cobra.Command {
	var (
		timer, in, repeat, instance, data string
		exclusive                         bool
		retries                           int
	)
	cmd := &cobra.Command{
		Use:   "schedule <handler>",
		Short: "Create a task job, or a timer job with --timer",
		Args:  cobra.ExactArgs(1),
		RunE: schedulerAction(load, func(cmd *cobra.Command, args []string, s *jobs.Scheduler) error {
			var (
				job *jobs.Job
				err error
			)
			if timer != "" {
				job, err = s.ScheduleTimer(cmd.Context(), jobs.TimerSpec{
					Name:              timer,
					Handler:           args[0],
					ProcessInstanceID: instance,
					DueIn:             in,
					Repeat:            repeat,
					Exclusive:         exclusive,
					Retries:           retries,
					Data:              []byte(data),
				})
			} else {
				if in != "" || repeat != "" {
					return fmt.Errorf("%w: --in and --repeat need --timer", jobs.ErrInvalidArgument)
				}
				job, err = s.ScheduleTask(cmd.Context(), jobs.TaskSpec{
					Handler:           args[0],
					ProcessInstanceID: instance,
					Exclusive:         exclusive,
					Retries:           retries,
					Data:              []byte(data),
				})
			}
			if err != nil {
				return err
			}
			return writeYAML(cmd.OutOrStdout(), management.NewJobView(job))
		}),
	}
	f := cmd.Flags()
	f.StringVar(&timer, "timer", "", "timer name; creates a timer job")
	f.StringVar(&in, "in", "", "due date as a calendar duration from now, e.g. \"2 business hours\"")
	f.StringVar(&repeat, "repeat", "", "timer repeat expression")
	f.StringVar(&instance, "instance", "", "owning process instance id")
	f.StringVar(&data, "data", "", "opaque handler payload")
	f.BoolVar(&exclusive, "exclusive", false, "serialize with the other exclusive jobs of the instance")
	f.IntVar(&retries, "retries", 0, "retry ceiling (0 uses executor.default_retries)")
	return cmd
}

func byJobID(load configLoader, action func(*jobs.Scheduler, context.Context, int64) (*jobs.Job, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		id, err := parseJobID(args[0])
		if err != nil {
			return err
		}
		return schedulerAction(load, func(cmd *cobra.Command, _ []string, s *jobs.Scheduler) error {
			job, err := action(s, cmd.Context(), id)
			if err != nil {
				return err
			}
			return writeYAML(cmd.OutOrStdout(), management.NewJobView(job))
		})(cmd, args)
	}
}

func byInstance(load configLoader, verb string, action func(*jobs.Scheduler, context.Context, string) (int, error)) func(*cobra.Command, []string) error {
	return schedulerAction(load, func(cmd *cobra.Command, args []string, s *jobs.Scheduler) error {
		n, err := action(s, cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d jobs %s\n", n, verb)
		return nil
	})
}

func newHealthcheckCommand(load configLoader) *cobra.Command {
	return alwaysAllowed(&cobra.Command{
		Use:   "healthcheck",
		Short: "Check connectivity to the job store, the due date registry and the event bus",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := load(cmd.Flags())
			if err != nil {
				return err
			}
			cfg.Management.Enabled = false
			rt, err := NewRuntime(cfg, log, RuntimeOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()
			return reportHealth(cmd.OutOrStdout(), rt.Health.Check(cmd.Context()))
		},
	})
}

// reportHealth prints failing checks first, then the rest by name.
func reportHealth(out io.Writer, report health.Report) error {
	ordered := make([]health.Result, 0, len(report.Checks))
	for _, pass := range []bool{false, true} {
		for _, r := range report.Checks {
			if (r.Status == health.StatusHealthy) == pass {
				ordered = append(ordered, r)
			}
		}
	}
	for _, r := range ordered {
		line := fmt.Sprintf("%-20s %s", r.Name, r.Status)
		if r.Error != "" {
			line += ": " + r.Error
		}
		fmt.Fprintln(out, line)
	}
	if !report.IsHealthy() {
		return fmt.Errorf("dependencies are %s", report.Status)
	}
	return nil
}

func views(list []*jobs.Job) []management.JobView {
	out := make([]management.JobView, 0, len(list))
	for _, job := range list {
		out = append(out, management.NewJobView(job))
	}
	return out
}

func parseJobID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid job id %q", jobs.ErrInvalidArgument, raw)
	}
	return id, nil
}

func writeYAML(out io.Writer, value any) error {
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(value); err != nil {
		return fmt.Errorf("encode yaml: %w", err)
	}
	return enc.Close()
}
