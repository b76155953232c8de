// Package config provides configuration types for sessionwarden.
//
// The schema is file-based (YAML) with environment overrides. It covers the
// loopback API server, the upstream auth backend, the idle and warning
// timings, local persistence, and the named route guards.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration for sessionwarden.
type Config struct {
	// Server configures the loopback HTTP listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Backend configures the upstream auth backend. When BaseURL is empty
	// the daemon runs against the built-in in-memory backend (dev mode).
	Backend BackendConfig `yaml:"backend" mapstructure:"backend"`

	// Idle configures the inactivity budget and warning window.
	Idle IdleConfig `yaml:"idle" mapstructure:"idle"`

	// Storage configures local session persistence and the signal file.
	Storage StorageConfig `yaml:"storage" mapstructure:"storage"`

	// Prompt configures the warning prompt cues.
	Prompt PromptConfig `yaml:"prompt" mapstructure:"prompt"`

	// Guards maps route-guard names to boolean CEL expressions over the
	// session (permissions, profile, loaded).
	Guards map[string]string `yaml:"guards" mapstructure:"guards"`

	// Telemetry configures trace/metric export.
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`

	// DevMode enables development features (verbose logging, in-memory
	// backend defaults).
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the loopback HTTP server.
type ServerConfig struct {
	// HTTPAddr is the address to listen on. Defaults to "127.0.0.1:7465"
	// (localhost only) if empty.
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level.
	// Valid values: "debug", "info", "warn", "error".
	// Defaults to "info" if empty. DevMode=true overrides to "debug".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// AllowedOrigins are the presentation origins permitted to call the API
	// from a browser context. Empty blocks all requests carrying an Origin
	// header.
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins" validate:"omitempty,dive,url"`

	// AuthToken, when set, is required as a bearer token on API requests.
	AuthToken string `yaml:"auth_token" mapstructure:"auth_token"`

	// TLSCertFile and TLSKeyFile enable HTTPS when both are set.
	TLSCertFile string `yaml:"tls_cert_file" mapstructure:"tls_cert_file" validate:"omitempty,file"`
	TLSKeyFile  string `yaml:"tls_key_file" mapstructure:"tls_key_file" validate:"omitempty,file"`
}

// BackendConfig configures the upstream auth backend client.
type BackendConfig struct {
	// BaseURL is the backend's base URL (e.g. "https://auth.example.com").
	BaseURL string `yaml:"base_url" mapstructure:"base_url" validate:"omitempty,url"`

	// Paths for the individual auth operations. Defaults: /auth/login,
	// /auth/mfa, /auth/refresh, /auth/logout.
	LoginPath   string `yaml:"login_path" mapstructure:"login_path"`
	MFAPath     string `yaml:"mfa_path" mapstructure:"mfa_path"`
	RefreshPath string `yaml:"refresh_path" mapstructure:"refresh_path"`
	LogoutPath  string `yaml:"logout_path" mapstructure:"logout_path"`

	// Timeout for backend requests (e.g. "10s"). Defaults to "10s".
	Timeout string `yaml:"timeout" mapstructure:"timeout" validate:"omitempty,duration"`
}

// IdleConfig configures the inactivity lifecycle timings.
type IdleConfig struct {
	// Budget is the total inactivity allowance (e.g. "15m").
	// Defaults to "15m".
	Budget string `yaml:"budget" mapstructure:"budget" validate:"omitempty,duration"`

	// WarningWindow is the trailing portion of the budget during which the
	// warning prompt is shown (e.g. "2m"). Must be shorter than Budget.
	// Defaults to "2m".
	WarningWindow string `yaml:"warning_window" mapstructure:"warning_window" validate:"omitempty,duration"`

	// Tick is the evaluation period for the idle deadline (e.g. "250ms").
	// Must be shorter than WarningWindow. Defaults to "250ms".
	Tick string `yaml:"tick" mapstructure:"tick" validate:"omitempty,duration"`

	// ActivityMinInterval is the minimum spacing between accepted activity
	// events (e.g. "250ms"). "0" disables rate limiting.
	// Defaults to "250ms".
	ActivityMinInterval string `yaml:"activity_min_interval" mapstructure:"activity_min_interval" validate:"omitempty,duration"`
}

// StorageConfig configures local persistence.
type StorageConfig struct {
	// Dir is the directory holding the session database and the signal
	// file shared between instances. Defaults to "~/.sessionwarden".
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// PromptConfig configures the warning prompt.
type PromptConfig struct {
	// CueThresholds are the remaining-time marks at which attention cues
	// fire while the prompt is open (e.g. ["30s", "10s", "5s"]).
	// Empty selects the built-in defaults.
	CueThresholds []string `yaml:"cue_thresholds" mapstructure:"cue_thresholds" validate:"omitempty,dive,duration"`
}

// TelemetryConfig configures trace and metric export.
type TelemetryConfig struct {
	// Enabled turns span/metric export to stderr on. Default: false.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// SetDevDefaults applies permissive defaults for development mode.
// These defaults are applied BEFORE validation.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}

	if c.Server.LogLevel == "" || c.Server.LogLevel == "info" {
		c.Server.LogLevel = "debug"
	}

	// Allow the usual local dev servers unless explicitly configured.
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{
			"http://localhost:3000",
			"http://localhost:5173",
		}
	}
}

// SetDefaults applies sensible default values to the configuration.
func (c *Config) SetDefaults() {
	// Server defaults. Bind to localhost only.
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:7465"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}

	// Backend defaults
	if c.Backend.LoginPath == "" {
		c.Backend.LoginPath = "/auth/login"
	}
	if c.Backend.MFAPath == "" {
		c.Backend.MFAPath = "/auth/mfa"
	}
	if c.Backend.RefreshPath == "" {
		c.Backend.RefreshPath = "/auth/refresh"
	}
	if c.Backend.LogoutPath == "" {
		c.Backend.LogoutPath = "/auth/logout"
	}
	if c.Backend.Timeout == "" {
		c.Backend.Timeout = "10s"
	}

	// Idle defaults
	if c.Idle.Budget == "" {
		c.Idle.Budget = "15m"
	}
	if c.Idle.WarningWindow == "" {
		c.Idle.WarningWindow = "2m"
	}
	if c.Idle.Tick == "" {
		c.Idle.Tick = "250ms"
	}
	if c.Idle.ActivityMinInterval == "" {
		c.Idle.ActivityMinInterval = "250ms"
	}

	// Storage defaults
	if c.Storage.Dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.Storage.Dir = filepath.Join(home, ".sessionwarden")
		}
	}

	// Telemetry default is off; viper.IsSet distinguishes "not set" from
	// an explicit false, kept for symmetry with other boolean toggles.
	if !viper.IsSet("telemetry.enabled") {
		c.Telemetry.Enabled = false
	}
}

// The duration accessors below are only valid after Validate succeeded.

// IdleBudget returns the parsed inactivity budget.
func (c *Config) IdleBudget() time.Duration { return mustDuration(c.Idle.Budget) }

// WarningWindow returns the parsed warning window.
func (c *Config) WarningWindow() time.Duration { return mustDuration(c.Idle.WarningWindow) }

// Tick returns the parsed idle evaluation period.
func (c *Config) Tick() time.Duration { return mustDuration(c.Idle.Tick) }

// ActivityMinInterval returns the parsed activity spacing minimum.
func (c *Config) ActivityMinInterval() time.Duration {
	return mustDuration(c.Idle.ActivityMinInterval)
}

// BackendTimeout returns the parsed backend request timeout.
func (c *Config) BackendTimeout() time.Duration { return mustDuration(c.Backend.Timeout) }

// CueThresholds returns the parsed prompt cue thresholds, or nil for the
// built-in defaults.
func (c *Config) CueThresholds() []time.Duration {
	if len(c.Prompt.CueThresholds) == 0 {
		return nil
	}
	out := make([]time.Duration, 0, len(c.Prompt.CueThresholds))
	for _, s := range c.Prompt.CueThresholds {
		out = append(out, mustDuration(s))
	}
	return out
}

// SessionDBPath returns the path of the SQLite session database.
func (c *Config) SessionDBPath() string {
	return filepath.Join(c.Storage.Dir, "session.db")
}

// SignalFilePath returns the path of the cross-instance signal file.
func (c *Config) SignalFilePath() string {
	return filepath.Join(c.Storage.Dir, "signals.json")
}

func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		// Validate rejects unparseable durations before any accessor runs.
		panic("config: unvalidated duration " + s)
	}
	return d
}
