package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/sessionwarden/sessionwarden/internal/adapter/inbound/http"
	"github.com/sessionwarden/sessionwarden/internal/adapter/outbound/httpauth"
	"github.com/sessionwarden/sessionwarden/internal/adapter/outbound/memory"
	"github.com/sessionwarden/sessionwarden/internal/adapter/outbound/signalfile"
	"github.com/sessionwarden/sessionwarden/internal/adapter/outbound/sqlite"
	"github.com/sessionwarden/sessionwarden/internal/clock"
	"github.com/sessionwarden/sessionwarden/internal/config"
	"github.com/sessionwarden/sessionwarden/internal/domain/session"
	"github.com/sessionwarden/sessionwarden/internal/port/outbound"
	"github.com/sessionwarden/sessionwarden/internal/service"
	otelsetup "github.com/sessionwarden/sessionwarden/internal/telemetry/otel"
)

// devSessionTTL is the absolute session lifetime the in-memory dev backend
// issues. Long enough to stay out of the way while exercising the idle flow.
const devSessionTTL = 12 * time.Hour

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the session daemon",
	Long: `Start the sessionwarden daemon.

The daemon talks to the auth backend configured under backend.base_url.
Without one it requires dev mode, where a built-in in-memory backend with
a single "dev" user takes its place.

Examples:
  # Start with config file settings
  sessionwarden start

  # Start against the in-memory dev backend
  sessionwarden start --dev

  # Start with a specific config file
  sessionwarden --config /path/to/config.yaml start`,
	RunE: runStart,
}

var devMode bool

func init() {
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (verbose logging, in-memory backend)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	// Load without validation so the --dev flag can override first.
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if devMode {
		cfg.DevMode = true
	}
	cfg.SetDefaults()
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if cfg.Backend.BaseURL == "" && !cfg.DevMode {
		return fmt.Errorf("backend.base_url is required outside dev mode")
	}

	// Signal context for graceful shutdown. stop() restores default signal
	// handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop()
	}()

	logLevel := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	if cfg.Telemetry.Enabled {
		providers, err := otelsetup.NewProviders(ctx, "sessionwarden", os.Stderr)
		if err != nil {
			return fmt.Errorf("failed to set up telemetry: %w", err)
		}
		providers.SetGlobal()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := providers.Shutdown(shutdownCtx); err != nil {
				logger.Warn("telemetry shutdown failed", "error", err)
			}
		}()
	}

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}

	logger.Info("sessionwarden stopped")
	return nil
}

// run wires the storage, broadcast, backend, manager, and transport together
// and serves until ctx is canceled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	clk := clock.New()

	if err := os.MkdirAll(cfg.Storage.Dir, 0o700); err != nil {
		return fmt.Errorf("failed to create storage dir: %w", err)
	}

	store, err := sqlite.Open(cfg.SessionDBPath())
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer func() { _ = store.Close() }()
	logger.Info("session store opened", "path", cfg.SessionDBPath())

	channel, err := signalfile.Open(cfg.SignalFilePath(), logger)
	if err != nil {
		return fmt.Errorf("failed to open signal channel: %w", err)
	}
	defer func() { _ = channel.Close() }()

	backend, err := buildBackend(cfg, clk, logger)
	if err != nil {
		return err
	}

	guards, err := service.NewGuardRegistry(cfg.Guards)
	if err != nil {
		return fmt.Errorf("failed to compile route guards: %w", err)
	}
	logger.Info("route guards compiled", "guards", len(guards.Names()))

	registry := prometheus.NewRegistry()
	metrics := http.NewMetrics(registry)

	manager := service.NewSessionManager(service.Config{
		IdleBudget:          cfg.IdleBudget(),
		WarnWindow:          cfg.WarningWindow(),
		Tick:                cfg.Tick(),
		ActivityMinInterval: cfg.ActivityMinInterval(),
		CueThresholds:       cfg.CueThresholds(),
	}, service.Deps{
		Clock:   clk,
		Logger:  logger,
		Backend: backend,
		Store:   store,
		Channel: channel,
		Metrics: metrics,
		Cuer:    terminalCuer{logger: logger},
	})
	defer manager.Close()
	logger.Info("session manager ready",
		"instance", manager.InstanceID(),
		"idle_budget", cfg.IdleBudget(),
		"warning_window", cfg.WarningWindow(),
	)

	// Boot: restore a persisted session if the backend still honors it.
	manager.Boot(ctx)
	if snap := manager.SnapshotState(); snap.Authenticated {
		logger.Info("restored session", "username", snap.Profile.Username)
	}

	api := http.NewAPI(manager, guards)
	opts := []http.Option{
		http.WithAddr(cfg.Server.HTTPAddr),
		http.WithLogger(logger),
		http.WithMetrics(registry, metrics),
		http.WithAllowedOrigins(cfg.Server.AllowedOrigins),
		http.WithAuthToken(cfg.Server.AuthToken),
		http.WithHealthChecker(http.NewHealthChecker(store, Version)),
	}
	if cfg.Server.TLSCertFile != "" {
		opts = append(opts, http.WithTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile))
	}
	transport := http.NewTransport(api, opts...)

	logger.Info("listening", "addr", cfg.Server.HTTPAddr, "tls", cfg.Server.TLSCertFile != "")
	return transport.Start(ctx)
}

// buildBackend selects the HTTP auth backend, or the in-memory one in dev
// mode when no base URL is configured.
func buildBackend(cfg *config.Config, clk clock.Clock, logger *slog.Logger) (outbound.AuthBackend, error) {
	if cfg.Backend.BaseURL != "" {
		logger.Info("using HTTP auth backend", "base_url", cfg.Backend.BaseURL)
		return httpauth.New(httpauth.Config{
			BaseURL:     cfg.Backend.BaseURL,
			LoginPath:   cfg.Backend.LoginPath,
			MFAPath:     cfg.Backend.MFAPath,
			RefreshPath: cfg.Backend.RefreshPath,
			LogoutPath:  cfg.Backend.LogoutPath,
			Timeout:     cfg.BackendTimeout(),
		}), nil
	}

	password := os.Getenv("SESSIONWARDEN_DEV_PASSWORD")
	if password == "" {
		password = "sessionwarden-dev"
	}
	hash, err := memory.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to seed dev user: %w", err)
	}
	logger.Warn("using in-memory dev backend", "username", "dev")
	return memory.NewAuthBackend(clk, devSessionTTL, []memory.User{
		{
			Profile:      session.Profile{Username: "dev", DisplayName: "Dev User"},
			Permissions:  []string{"reports:read", "admin:read"},
			PasswordHash: hash,
		},
	}), nil
}

// terminalCuer rings the terminal bell and logs the cue. Cues are best
// effort; the prompt controller contains any failure.
type terminalCuer struct {
	logger *slog.Logger
}

func (c terminalCuer) Cue(remaining time.Duration) {
	fmt.Fprint(os.Stderr, "\a")
	c.logger.Info("session expiry cue", "remaining", remaining)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
