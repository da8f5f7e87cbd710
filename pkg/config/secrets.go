package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// SecretsFileEnv is the variable, after the env prefix, naming the secrets file.
const SecretsFileEnv = "SECRETS_FILE"

// LoadWithSecrets is Load that also returns what the secrets file alone set,
// so callers can mask those values with Redacted. The secrets file sits
// between the config file and the environment in precedence.
//
// The file is <PREFIX>_SECRETS_FILE when that is set, otherwise
// secrets.<ext> next to the config file if it exists. A typical split keeps
// database.url and the event broker credentials out of config.yaml.
func (l *ViperLoader) LoadWithSecrets() (*Config, *Config, error) {
	v, secrets, err := l.newViper()
	if err != nil {
		return nil, nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := l.Validate(&cfg); err != nil {
		return nil, nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, secrets, nil
}

// mergeSecrets layers the secrets file over v and returns its own content.
func (l *ViperLoader) mergeSecrets(v *viper.Viper) (*Config, error) {
	path, err := l.secretsPath()
	if err != nil || path == "" {
		return nil, err
	}

	sv := viper.New()
	sv.SetConfigFile(path)
	if err := sv.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read secrets file %s: %w", path, err)
	}
	secrets := &Config{}
	if err := sv.Unmarshal(secrets); err != nil {
		return nil, fmt.Errorf("failed to unmarshal secrets file %s: %w", path, err)
	}
	if err := v.MergeConfigMap(sv.AllSettings()); err != nil {
		return nil, fmt.Errorf("failed to merge secrets: %w", err)
	}
	return secrets, nil
}

func (l *ViperLoader) secretsPath() (string, error) {
	env := l.prefixedEnv(SecretsFileEnv)
	if raw, ok := os.LookupEnv(env); ok {
		path := strings.TrimSpace(raw)
		if path == "" {
			return "", fmt.Errorf("%s is set but empty", env)
		}
		if err := requireFile(path); err != nil {
			return "", fmt.Errorf("%s: %w", env, err)
		}
		return path, nil
	}

	if l.configFile == "" {
		return "", nil
	}
	sibling := filepath.Join(filepath.Dir(l.configFile), "secrets"+filepath.Ext(l.configFile))
	if requireFile(sibling) != nil {
		return "", nil
	}
	return sibling, nil
}

func requireFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("secrets file %s is not accessible: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("secrets file %s is a directory", path)
	}
	return nil
}
