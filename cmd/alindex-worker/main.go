package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	temporalclient "go.temporal.io/sdk/client"

	"github.com/pungggi/bc-al-upgradeassistant-sub000/internal/cache"
	"github.com/pungggi/bc-al-upgradeassistant-sub000/internal/config"
	"github.com/pungggi/bc-al-upgradeassistant-sub000/internal/observability"
	"github.com/pungggi/bc-al-upgradeassistant-sub000/internal/reconcile"
	"github.com/pungggi/bc-al-upgradeassistant-sub000/internal/scan"
	temporalmod "github.com/pungggi/bc-al-upgradeassistant-sub000/internal/temporal"
)

func main() {
	_ = godotenv.Load()

	configPath := "alindex.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	slog.SetDefault(logger)
	for _, w := range cfg.Validate() {
		logger.Warn("config", "warning", w)
	}
	if !cfg.Index.Configured() {
		logger.Error("index.base_path is required for the worker")
		os.Exit(1)
	}

	tcfg := observability.DefaultTracingConfig()
	tcfg.ServiceName = "alindex-worker"
	tcfg.OTLPEndpoint = cfg.Tracing.Endpoint
	tcfg.SampleRate = cfg.Tracing.SampleRate
	tp, err := observability.InitTracing(context.Background(), tcfg)
	if err != nil {
		logger.Error("tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}()

	engine := reconcile.New(cfg.Index.BasePath,
		reconcile.WithLogger(logger),
		reconcile.WithCache(cache.New(cfg.Cache.Size, cfg.Cache.TTL)),
		reconcile.WithMetrics(observability.NewIndexMetrics()),
	)
	walker := scan.New(engine, scan.Options{
		Roots:       cfg.Index.ScanRoots(),
		Extensions:  cfg.Index.Extensions,
		Exclude:     cfg.Index.Exclude,
		BatchSize:   cfg.Index.BatchSize,
		Concurrency: cfg.Index.Concurrency,
	}, logger)
	temporalmod.SetDependencies(&temporalmod.Dependencies{Engine: engine, Walker: walker})

	c, err := temporalclient.Dial(temporalclient.Options{
		HostPort:  cfg.Temporal.Host,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		logger.Error("temporal client", "error", err)
		os.Exit(1)
	}
	defer c.Close()

	w, err := temporalmod.StartWorker(c, cfg.Temporal.TaskQueue)
	if err != nil {
		logger.Error("worker", "error", err)
		os.Exit(1)
	}
	logger.Info("worker started", "task_queue", cfg.Temporal.TaskQueue, "base_path", cfg.Index.BasePath)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	w.Stop()
	logger.Info("worker stopped")
}
