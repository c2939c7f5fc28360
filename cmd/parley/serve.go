package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/parleyhq/parley/internal/agent"
	"github.com/parleyhq/parley/internal/agent/providers"
	"github.com/parleyhq/parley/internal/auth"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/history"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/scheduler"
	"github.com/parleyhq/parley/internal/server"
	"github.com/parleyhq/parley/internal/tools"
	"github.com/parleyhq/parley/internal/uploads"
	"github.com/parleyhq/parley/pkg/models"
	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that starts the parley server.
// This is the primary command for running parley in production.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the parley server",
		Long: `Start the parley server with the configured provider and stores.

The server will:
1. Load configuration from the specified file (or parley.yaml)
2. Open the history store and upload storage
3. Initialize the LLM provider and register the builtin tools
4. Start the scheduler for any configured tasks
5. Start the HTTP server: chat SSE, uploads, confirmations, websocket feed

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  parley serve

  # Start with custom config
  parley serve --config /etc/parley/production.yaml

  # Start with debug logging
  parley serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

// runServe implements the serve command logic: configuration loading,
// dependency wiring, and graceful shutdown.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logCfg := observability.LogConfig{
		Level:          cfg.Logging.Level,
		Format:         cfg.Logging.Format,
		AddSource:      cfg.Logging.AddSource,
		RedactPatterns: cfg.Logging.RedactPatterns,
	}
	if debug {
		logCfg.Level = "debug"
	}
	logger := observability.NewLogger(logCfg)
	slog.SetDefault(logger)

	logger.Info("starting parley",
		"version", version,
		"commit", commit,
		"config", configLabel(configPath),
	)

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics()
	}

	_, stopTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "parley",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})

	store, err := buildStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open history store: %w", err)
	}
	defer store.Close()

	uploadService, err := buildUploads(ctx, cfg, logger)
	if err != nil {
		return err
	}

	provider, err := buildProvider(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize provider: %w", err)
	}

	// The hub exists before the runtime so the pending hook can point at
	// it; the runtime arrives as its decision sink right after.
	hub := server.NewHub(logger, metrics)

	_, entry := cfg.Provider.DefaultEntry()
	execCfg := agent.DefaultExecutorConfig()
	if cfg.Agent.ToolConcurrency > 0 {
		execCfg.MaxConcurrency = cfg.Agent.ToolConcurrency
	}
	if cfg.Agent.ToolTimeout > 0 {
		execCfg.DefaultTimeout = cfg.Agent.ToolTimeout
	}
	rt := agent.NewRuntimeWithOptions(provider, store, agent.RuntimeOptions{
		Model:          entry.Model,
		SystemPrompt:   cfg.Agent.SystemPrompt,
		MaxSteps:       cfg.Agent.MaxSteps,
		MaxTokens:      cfg.Agent.MaxTokens,
		HistoryLimit:   cfg.Agent.HistoryLimit,
		DecisionTTL:    cfg.Agent.DecisionTTL,
		ExecutorConfig: execCfg,
		OnPending:      hub.NotifyPending,
		Logger:         logger,
	})
	hub.BindDecisions(rt)

	if err := tools.Register(rt.Registry(), tools.Config{
		Workspace: cfg.Tools.Workspace,
		Disabled:  cfg.Tools.Disabled,
	}, logger); err != nil {
		return fmt.Errorf("failed to register tools: %w", err)
	}

	authService := auth.NewService(auth.Config{
		Token:       cfg.Auth.Token,
		JWTSecret:   cfg.Auth.JWTSecret,
		TokenExpiry: cfg.Auth.TokenExpiry,
	})

	sched, err := buildScheduler(cfg, rt, logger, metrics)
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
		Runtime:           rt,
		Store:             store,
		Uploads:           uploadService,
		Auth:              authService,
		Hub:               hub,
		Scheduler:         sched,
		Metrics:           metrics,
		MetricsEnabled:    cfg.Metrics.Enabled,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	// Cancel on shutdown signals. The scheduler loop and the tasks file
	// watcher hang off this context.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if sched != nil {
		sched.Start(ctx)
		if cfg.Tasks.Watch && cfg.Tasks.File != "" {
			if err := sched.WatchFile(ctx, cfg.Tasks.File, 0); err != nil {
				logger.Warn("tasks file watch failed", "path", cfg.Tasks.File, "error", err)
			}
		}
	}

	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	logger.Info("parley started",
		"addr", srv.Addr(),
		"provider", cfg.Provider.Default,
		"history", cfg.History.Backend,
		"auth", authService.Enabled(),
	)

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if sched != nil {
		if err := sched.Stop(shutdownCtx); err != nil {
			logger.Warn("scheduler stop timed out", "error", err)
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	if err := stopTracer(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown failed", "error", err)
	}

	logger.Info("parley stopped gracefully")
	return nil
}

func configLabel(path string) string {
	if path == "" {
		return "defaults"
	}
	return path
}

func buildStore(cfg *config.Config) (history.Store, error) {
	switch cfg.History.Backend {
	case "", "memory":
		return history.NewMemoryStore(), nil
	case "sqlite":
		return history.NewSQLiteStore(history.SQLiteConfig{Path: cfg.History.Path})
	case "postgres":
		pool := history.DefaultPostgresConfig()
		if cfg.History.MaxOpenConns > 0 {
			pool.MaxOpenConns = cfg.History.MaxOpenConns
		}
		if cfg.History.ConnMaxLifetime > 0 {
			pool.ConnMaxLifetime = cfg.History.ConnMaxLifetime
		}
		return history.NewPostgresStoreFromDSN(cfg.History.URL, pool)
	default:
		return nil, fmt.Errorf("unknown history backend %q", cfg.History.Backend)
	}
}

func buildUploads(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*uploads.Service, error) {
	var store uploads.BlobStore
	switch cfg.Uploads.Backend {
	case "":
		// Uploads stay unconfigured; the endpoints report a server error.
	case "local":
		local, err := uploads.NewLocalStore(cfg.Uploads.Dir)
		if err != nil {
			return nil, fmt.Errorf("failed to open upload directory: %w", err)
		}
		store = local
	case "s3":
		s3store, err := uploads.NewS3Store(ctx, uploads.S3Config{
			Bucket:          cfg.Uploads.S3.Bucket,
			Region:          cfg.Uploads.S3.Region,
			Endpoint:        cfg.Uploads.S3.Endpoint,
			Prefix:          cfg.Uploads.S3.Prefix,
			AccessKeyID:     cfg.Uploads.S3.AccessKeyID,
			SecretAccessKey: cfg.Uploads.S3.SecretAccessKey,
			UsePathStyle:    cfg.Uploads.S3.UsePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open s3 upload store: %w", err)
		}
		store = s3store
	default:
		return nil, fmt.Errorf("unknown uploads backend %q", cfg.Uploads.Backend)
	}

	return uploads.NewService(store, uploads.ServiceConfig{
		BaseURL:     cfg.Server.BaseURL,
		MaxFileSize: cfg.Uploads.MaxFileSize,
		Logger:      logger,
	}), nil
}

func buildProvider(cfg *config.Config) (agent.Provider, error) {
	name, entry := cfg.Provider.DefaultEntry()
	apiKey := entry.APIKey
	if apiKey == "" {
		apiKey = apiKeyFromEnv(name)
	}
	return providers.New(providers.Config{
		Name:       name,
		APIKey:     apiKey,
		BaseURL:    entry.BaseURL,
		Model:      entry.Model,
		MaxRetries: entry.MaxRetries,
		RetryDelay: entry.RetryDelay,
		Timeout:    entry.Timeout,
	})
}

// apiKeyFromEnv falls back to the conventional environment variable for
// providers whose config entry omits a key.
func apiKeyFromEnv(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "google", "gemini":
		return os.Getenv("GEMINI_API_KEY")
	}
	return ""
}

// buildScheduler merges inline task definitions with the tasks file and
// returns nil when neither is configured.
func buildScheduler(cfg *config.Config, rt *agent.Runtime, logger *slog.Logger, metrics *observability.Metrics) (*scheduler.Scheduler, error) {
	tasks := append([]models.ScheduledTask(nil), cfg.Tasks.Tasks...)
	if cfg.Tasks.File != "" {
		fromFile, err := scheduler.LoadTasksFile(cfg.Tasks.File)
		if err != nil {
			return nil, fmt.Errorf("failed to load tasks file: %w", err)
		}
		tasks = append(tasks, fromFile...)
	}
	if len(tasks) == 0 && cfg.Tasks.File == "" {
		return nil, nil
	}

	opts := []scheduler.Option{
		scheduler.WithLogger(logger),
		scheduler.WithMetrics(metrics),
	}
	if cfg.Tasks.RunTimeout > 0 {
		opts = append(opts, scheduler.WithRunTimeout(cfg.Tasks.RunTimeout))
	}
	return scheduler.NewScheduler(rt, tasks, opts...), nil
}
