// Package cli assembles the jobexec command line: the executor process, schema
// migrations, operator actions and configuration tooling.
package cli

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nimburion/jobexec/pkg/config"
	"github.com/nimburion/jobexec/pkg/jobs"
	"github.com/nimburion/jobexec/pkg/observability/logger"
	"github.com/nimburion/jobexec/pkg/version"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Options defines the service-specific parts of the command.
type Options struct {
	Name        string
	Description string
	ConfigPath  string
	EnvPrefix   string

	// RegisterHandlers installs the handlers jobs are dispatched to. Required by run.
	RegisterHandlers func(cfg *config.Config, log logger.Logger, handlers *jobs.HandlerRegistry) error
	// TimerHooks connect timer jobs to the workflow layer.
	TimerHooks jobs.TimerHooks

	// ValidateConfig runs after the built-in validation.
	ValidateConfig func(cfg *config.Config) error

	CustomCommands []*cobra.Command
}

// globalFlags are the persistent flags shared by every subcommand.
type globalFlags struct {
	configFile  string
	secretFile  string
	serviceName string
}

type configLoader func(flags *pflag.FlagSet) (*config.Config, logger.Logger, error)

// NewCommand builds the root command. Without a subcommand it behaves as run.
func NewCommand(opts Options) *cobra.Command {
	if opts.Name == "" {
		opts.Name = "jobexec"
	}
	if opts.EnvPrefix == "" {
		opts.EnvPrefix = config.DefaultEnvPrefix
	}

	var g globalFlags
	root := alwaysAllowed(&cobra.Command{
		Use:           opts.Name,
		Short:         opts.Description,
		SilenceUsage:  true,
		SilenceErrors: true,
	})
	pf := root.PersistentFlags()
	pf.StringVarP(&g.configFile, "config-file", "c", opts.ConfigPath, "config file path")
	pf.StringVar(&g.secretFile, "secret-file", "", "path to secrets file (sets "+envPrefix(opts.EnvPrefix)+"_"+config.SecretsFileEnv+")")
	pf.StringVar(&g.serviceName, "service-name", "", "service name override")
	config.RegisterFlags(pf)

	load := func(flags *pflag.FlagSet) (*config.Config, logger.Logger, error) {
		cfg, log, err := LoadConfigAndLogger(g.configFile, opts.EnvPrefix, g.secretFile, opts.ValidateConfig, flags)
		if err != nil {
			return nil, nil, err
		}
		cfg.Service.Name = resolveServiceNameValue(cfg.Service.Name, opts.Name, g.serviceName)
		return cfg, log, nil
	}

	run := newRunCommand(opts, load)
	root.RunE = run.RunE
	root.AddCommand(
		newVersionCommand(opts.Name),
		run,
		newMigrateCommand(load),
		newJobsCommand(load),
		newHealthcheckCommand(load),
		newConfigCommand(opts, &g),
	)
	for _, custom := range opts.CustomCommands {
		ensureDefaultPolicy(custom)
		root.AddCommand(custom)
	}

	root.CompletionOptions.DisableDefaultCmd = false
	root.InitDefaultCompletionCmd()
	if completion, _, err := root.Find([]string{"completion"}); err == nil && completion != root {
		alwaysAllowed(completion)
	}
	return root
}

// Execute runs cmd and exits non-zero on error.
func Execute(cmd *cobra.Command) {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCommand(service string) *cobra.Command {
	return alwaysAllowed(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			info := version.Current(service)
			for _, row := range [][2]string{
				{"Service", info.Service},
				{"Version", info.Version},
				{"Commit", info.Commit},
				{"Build Time", info.BuildTime},
			} {
				fmt.Fprintf(cmd.OutOrStdout(), "%-11s %s\n", row[0]+":", row[1])
			}
		},
	})
}

func newRunCommand(opts Options, load configLoader) *cobra.Command {
	return withPolicy(&cobra.Command{
		Use:   "run",
		Short: "Run the job executor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := load(cmd.Flags())
			if err != nil {
				return err
			}
			if opts.RegisterHandlers == nil {
				return errors.New("no job handlers configured")
			}
			handlers := jobs.NewHandlerRegistry()
			if err := opts.RegisterHandlers(cfg, log, handlers); err != nil {
				return fmt.Errorf("register job handlers: %w", err)
			}

			rt, err := NewRuntime(cfg, log, RuntimeOptions{Handlers: handlers, TimerHooks: opts.TimerHooks})
			if err != nil {
				return err
			}
			defer func() {
				if err := rt.Close(); err != nil {
					log.Error("failed to close runtime", "error", err)
				}
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return rt.Run(ctx)
		},
	}, defaultPolicyContext, PolicyRun)
}
