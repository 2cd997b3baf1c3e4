package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/roundtablehq/roundtable/internal/borrow"
	"github.com/roundtablehq/roundtable/internal/broadcast"
	"github.com/roundtablehq/roundtable/internal/config"
	"github.com/roundtablehq/roundtable/internal/executor"
	"github.com/roundtablehq/roundtable/internal/jobs"
	"github.com/roundtablehq/roundtable/internal/metrics"
	"github.com/roundtablehq/roundtable/internal/provider"
	"github.com/roundtablehq/roundtable/internal/routing"
	"github.com/roundtablehq/roundtable/internal/scheduler"
	"github.com/roundtablehq/roundtable/internal/service"
	"github.com/roundtablehq/roundtable/internal/store"
	"github.com/roundtablehq/roundtable/internal/summary"
	"github.com/roundtablehq/roundtable/internal/tools"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Roundtable server",
		Long: `Start the orchestrator: open the database, connect providers,
launch the worker pool and initiation scheduler, and serve the HTTP API
and websocket event stream. Shuts down gracefully on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "roundtable.yaml",
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	st, err := store.OpenSQLite(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer st.Close()

	// Providers. OpenRouter is required; Anthropic is optional and only
	// unlocked when credentials are present.
	openrouter, err := provider.NewOpenRouterClient(provider.OpenRouterConfig{
		APIKey:  cfg.Providers.OpenRouter.APIKey,
		BaseURL: cfg.Providers.OpenRouter.BaseURL,
		AppName: cfg.Providers.OpenRouter.AppName,
		SiteURL: cfg.Providers.OpenRouter.SiteURL,
	}, logger)
	if err != nil {
		return err
	}
	providers := map[string]provider.Client{
		provider.NameOpenRouter: openrouter,
	}
	if cfg.Providers.Anthropic.APIKey != "" {
		providers[provider.NameAnthropic] = provider.NewAnthropicClient(
			cfg.Providers.Anthropic.APIKey, cfg.Providers.Anthropic.BaseURL, logger)
	}
	catalog := provider.NewCatalog(openrouter.ListModelIDs, logger)

	router := routing.NewRouter(routing.DefaultCapabilities(), map[string]routing.Prereq{
		routing.ProviderOpenRouter: routing.CredentialPrereq(cfg.Providers.OpenRouter.APIKey, "openrouter api key"),
		routing.ProviderAnthropic:  routing.CredentialPrereq(cfg.Providers.Anthropic.APIKey, "anthropic api key"),
	}, logger)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	hub := broadcast.NewHub(logger)
	defer hub.Close()

	// The queue's handler needs the executor and broker, which need the
	// queue for summary fan-out. Declare first, dispatch through the
	// variables after wiring.
	var (
		exec   *executor.Executor
		broker *summary.Broker
	)
	queue := jobs.NewInProcessQueue(jobs.PoolConfig{
		Workers:   cfg.Workers.Count,
		QueueSize: cfg.Workers.QueueSize,
		Logger:    logger,
		OnDepth:   func(depth int) { m.QueueDepth.Set(float64(depth)) },
		Handler: func(ctx context.Context, job jobs.Job) error {
			switch job.Kind {
			case jobs.KindActivation:
				_, err := exec.Execute(ctx, job.ConversationID, job.AgentID)
				return err
			case jobs.KindSummary:
				return broker.RegenerateIfStale(ctx, job.ConversationID, job.AgentID)
			default:
				return fmt.Errorf("unknown job kind %q", job.Kind)
			}
		},
	})

	broker = summary.NewBroker(st, openrouter, queue, m, summary.Config{
		Model:         cfg.Summary.Model,
		Cooldown:      cfg.Summary.Cooldown,
		HistoryLimit:  cfg.Summary.HistoryLimit,
		ContextWindow: cfg.Summary.ContextWindow,
		ContextLimit:  cfg.Summary.ContextLimit,
	}, logger)

	borrowService := borrow.NewService(st, logger)
	registry := tools.NewRegistry(
		tools.NewBorrowContextTool(borrowService),
		tools.NewCloseConversationTool(st),
	)

	exec = executor.New(executor.Options{
		Store:     st,
		Router:    router,
		Providers: providers,
		Catalog:   catalog,
		Registry:  registry,
		Events:    hub,
		Contexts:  broker,
		Summaries: broker,
		Metrics:   m,
		Config: executor.Config{
			MaxAttempts:   cfg.Executor.MaxAttempts,
			MaxToolRounds: cfg.Executor.MaxToolRounds,
			HistoryLimit:  cfg.Executor.HistoryLimit,
			MaxTokens:     cfg.Executor.MaxTokens,
			ContentFlush:  cfg.Streaming.ContentFlush(),
			ThinkingFlush: cfg.Streaming.ThinkingFlush(),
		},
		Logger: logger,
	})

	svc := service.New(st, queue, broker, m, logger)

	queue.Start()
	defer queue.Stop()

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched = scheduler.New(st, queue, scheduler.RecencyStrategy{}, m, scheduler.Config{
			Interval:       cfg.Scheduler.Interval,
			MaxContinuable: cfg.Scheduler.MaxContinuable,
		}, logger)
		sched.Start()
		defer sched.Stop()
	}

	api := newAPIServer(svc, st, hub, logger)
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort),
		Handler:           api.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http server listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		logger.Info("metrics server listening", "addr", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-ctx.Done():
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
	return nil
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
