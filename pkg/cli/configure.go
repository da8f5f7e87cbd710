package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nimburion/jobexec/pkg/config"
	"github.com/nimburion/jobexec/pkg/observability/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func newConfigCommand(opts Options, g *globalFlags) *cobra.Command {
	parent := alwaysAllowed(&cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
	})

	load := func(flags *pflag.FlagSet) (cfg, secrets *config.Config, err error) {
		if cfg, secrets, err = readConfig(g.configFile, opts.EnvPrefix, g.secretFile, flags); err != nil {
			return nil, nil, err
		}
		cfg.Service.Name = resolveServiceNameValue(cfg.Service.Name, opts.Name, g.serviceName)
		return cfg, secrets, nil
	}

	validate := alwaysAllowed(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := load(cmd.Flags())
			if err != nil {
				return err
			}
			if err := customValidation(opts.ValidateConfig, cfg); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	})

	var showSecrets bool
	show := alwaysAllowed(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, secrets, err := load(cmd.Flags())
			if err != nil {
				return err
			}
			if !showSecrets {
				cfg = cfg.Redacted(secrets)
			}
			return writeYAML(cmd.OutOrStdout(), cfg)
		},
	})
	show.Flags().BoolVar(&showSecrets, "show-secrets", false, "show secret values")

	parent.AddCommand(validate, show)
	return parent
}

// LoadConfigAndLogger reads and validates the configuration and builds the
// zap logger it describes.
func LoadConfigAndLogger(cfgPath, prefix, secretFile string, validate func(*config.Config) error, flags *pflag.FlagSet) (*config.Config, logger.Logger, error) {
	cfg, secrets, err := readConfig(cfgPath, prefix, secretFile, flags)
	if err != nil {
		return nil, nil, err
	}
	if err := customValidation(validate, cfg); err != nil {
		return nil, nil, err
	}
	log, err := logger.NewZapLogger(logger.Config{
		Level:   cfg.Observability.LogLevel,
		Format:  cfg.Observability.LogFormat,
		Service: cfg.Service.Name,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create logger: %w", err)
	}
	if strings.EqualFold(cfg.Observability.LogLevel, "debug") {
		log.Debug("effective configuration", "config", fmt.Sprintf("%+v", cfg.Redacted(secrets)))
	}
	return cfg, log, nil
}

func readConfig(cfgPath, prefix, secretFile string, flags *pflag.FlagSet) (*config.Config, *config.Config, error) {
	if err := applySecretFileFlag(prefix, secretFile); err != nil {
		return nil, nil, err
	}
	cfg, secrets, err := config.NewViperLoader(cfgPath, prefix).WithFlags(flags).LoadWithSecrets()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, secrets, nil
}

func customValidation(validate func(*config.Config) error, cfg *config.Config) error {
	if validate == nil {
		return nil
	}
	if err := validate(cfg); err != nil {
		return fmt.Errorf("custom validation failed: %w", err)
	}
	return nil
}

// applySecretFileFlag exports --secret-file as <PREFIX>_SECRETS_FILE for the loader.
func applySecretFileFlag(prefix, path string) error {
	if path == "" {
		return nil
	}
	switch info, err := os.Stat(path); {
	case err != nil:
		return fmt.Errorf("secret file %s is not accessible: %w", path, err)
	case info.IsDir():
		return fmt.Errorf("secret file %s must not be a directory", path)
	}
	return os.Setenv(envPrefix(prefix)+"_"+config.SecretsFileEnv, filepath.Clean(path))
}

func envPrefix(prefix string) string {
	if prefix = strings.TrimSpace(prefix); prefix == "" {
		return config.DefaultEnvPrefix
	}
	return strings.ToUpper(prefix)
}

// resolveServiceNameValue picks the --service-name override, then the
// configured name, then the command name.
func resolveServiceNameValue(configured, commandName, override string) string {
	for _, candidate := range []string{override, configured, commandName} {
		if candidate = strings.TrimSpace(candidate); candidate != "" {
			return candidate
		}
	}
	return "jobexec"
}
