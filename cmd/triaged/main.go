package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	apiPkg "github.com/h1v3-io/triage/internal/api"
	"github.com/h1v3-io/triage/internal/config"
	"github.com/h1v3-io/triage/internal/intake"
	"github.com/h1v3-io/triage/internal/logbuf"
	"github.com/h1v3-io/triage/internal/scheduler"
	"github.com/h1v3-io/triage/internal/triage"
)

const scheduledJob = "batch"

func main() {
	configPath := flag.String("config", os.Getenv("TRIAGE_CONFIG"), "Path to config file (.json, .yaml)")
	remoteURL := flag.String("config-url", os.Getenv("TRIAGE_CONFIG_URL"), "Fetch config from this URL")
	remoteKey := flag.String("config-key", os.Getenv("TRIAGE_CONFIG_KEY"), "Bearer key for --config-url")
	dataDir := flag.String("data-dir", os.Getenv("TRIAGE_DATA_DIR"), "Local data directory for --config-url")
	once := flag.Bool("once", false, "Run one batch, print its summary and exit")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	// Load config (3 modes: file, remote, env)
	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else if *remoteURL != "" {
		cfg, err = config.LoadFromURL(config.RemoteOptions{
			URL:     *remoteURL,
			APIKey:  *remoteKey,
			DataDir: *dataDir,
		})
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Set up logging
	logLevel := logbuf.ParseLevel(cfg.Log.Level)
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logBuf := logbuf.New(cfg.Log.BufferSize)
	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(logbuf.NewHandler(jsonHandler, logBuf))
	slog.SetDefault(logger)

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job, err := triage.New(cfg,
		triage.WithLogger(logger),
		triage.WithLogBuffer(logBuf),
		triage.WithBaseContext(ctx),
	)
	if err != nil {
		logger.Error("failed to initialize triage job", "error", err)
		os.Exit(1)
	}
	defer job.Close()

	if *once {
		sum, err := job.Run(ctx)
		if err != nil {
			logger.Error("triage run failed", "error", err)
			os.Exit(1)
		}
		out, _ := json.MarshalIndent(sum, "", "  ")
		fmt.Println(string(out))
		return
	}

	logger.Info("triaged starting",
		"workers", cfg.Pipeline.Workers,
		"max_turns", cfg.Pipeline.MaxTurns,
		"schedule", cfg.Schedule,
	)

	// 1. Cron schedule
	if cfg.Schedule != "" {
		sched := scheduler.New(func(ctx context.Context, name string) {
			if _, err := job.Run(ctx); err != nil {
				if errors.Is(err, apiPkg.ErrRunInProgress) {
					logger.Warn("scheduled run skipped", "job", name, "error", err)
					return
				}
				logger.Error("scheduled run failed", "job", name, "error", err)
			}
		}, logger.With("component", "scheduler"))
		if err := sched.AddJob(scheduledJob, cfg.Schedule); err != nil {
			logger.Error("invalid schedule", "schedule", cfg.Schedule, "error", err)
			os.Exit(1)
		}
		go safeGo(logger, "scheduler", func() { sched.Start(ctx) })
	}

	// 2. API server, with webhook intake when configured
	apiSrv := apiPkg.NewServer(job, apiPkg.Config{
		Host: cfg.API.Host,
		Port: cfg.API.Port,
		Key:  cfg.API.Key,
	}, logger.With("component", "api"), logBuf)

	if len(cfg.Webhooks) > 0 {
		endpoints := make(map[string]intake.EndpointConfig, len(cfg.Webhooks))
		for name, w := range cfg.Webhooks {
			endpoints[name] = intake.EndpointConfig{
				Secret:      w.Secret,
				BearerToken: w.BearerToken,
				SourceType:  w.SourceType,
			}
		}
		apiSrv.Mount("/api/webhook/", intake.New(intake.Config{Endpoints: endpoints}, job, logger.With("component", "intake")))
		logger.Info("webhook intake enabled", "endpoints", len(endpoints))
	}

	go safeGo(logger, "api-server", func() {
		if err := apiSrv.Start(ctx); err != nil {
			logger.Error("api server failed", "error", err)
			cancel()
		}
	})
	logger.Info("api server started", "port", cfg.API.Port)

	// 3. Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig)
	case <-ctx.Done():
	}
	cancel()
	logger.Info("triaged stopped")
}

// safeGo runs fn with panic recovery.
func safeGo(logger *slog.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("goroutine panicked", "name", name, "panic", fmt.Sprintf("%v", r))
		}
	}()
	fn()
}
