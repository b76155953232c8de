package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes viper configuration with the given config file path.
// If cfgFile is empty, it searches for sessionwarden.yaml in the standard
// locations.
func InitViper(cfgFile string) error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		if found := findConfigFile(); found != "" {
			viper.SetConfigFile(found)
		} else {
			viper.SetConfigName("sessionwarden")
			viper.SetConfigType("yaml")
			viper.AddConfigPath(".")
			if home, err := os.UserHomeDir(); err == nil {
				viper.AddConfigPath(filepath.Join(home, ".sessionwarden"))
			}
			viper.AddConfigPath("/etc/sessionwarden")
		}
	}

	viper.SetEnvPrefix("SESSIONWARDEN")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	bindNestedEnvKeys()

	return nil
}

// findConfigFile looks for sessionwarden.yaml or sessionwarden.yml in the
// standard search paths and returns the first match, or "".
func findConfigFile() string {
	paths := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".sessionwarden"))
	}
	paths = append(paths, "/etc/sessionwarden")

	for _, dir := range paths {
		for _, name := range []string{"sessionwarden.yaml", "sessionwarden.yml"} {
			candidate := filepath.Join(dir, name)
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				return candidate
			}
		}
	}
	return ""
}

// bindNestedEnvKeys explicitly binds nested configuration keys to their
// environment variables. AutomaticEnv alone does not resolve nested keys
// during Unmarshal, so every key the environment may override is bound here.
func bindNestedEnvKeys() {
	keys := []string{
		"server.http_addr",
		"server.log_level",
		"server.auth_token",
		"server.tls_cert_file",
		"server.tls_key_file",
		"backend.base_url",
		"backend.login_path",
		"backend.mfa_path",
		"backend.refresh_path",
		"backend.logout_path",
		"backend.timeout",
		"idle.budget",
		"idle.warning_window",
		"idle.tick",
		"idle.activity_min_interval",
		"storage.dir",
		"telemetry.enabled",
		"dev_mode",
	}
	for _, key := range keys {
		// BindEnv only fails on an empty key.
		_ = viper.BindEnv(key)
	}
}

// LoadConfig reads configuration from the configured sources, applies
// defaults and validates the result.
func LoadConfig() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file is fine, defaults plus environment apply.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// LoadConfigRaw reads and unmarshals configuration without applying defaults
// or validation. Used by commands that inspect the file as written.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// ConfigFileUsed returns the path of the config file viper loaded, if any.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
