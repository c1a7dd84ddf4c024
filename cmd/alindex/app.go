package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/pungggi/bc-al-upgradeassistant-sub000/internal/cache"
	"github.com/pungggi/bc-al-upgradeassistant-sub000/internal/config"
	"github.com/pungggi/bc-al-upgradeassistant-sub000/internal/graph"
	"github.com/pungggi/bc-al-upgradeassistant-sub000/internal/graph/neo4j"
	"github.com/pungggi/bc-al-upgradeassistant-sub000/internal/observability"
	"github.com/pungggi/bc-al-upgradeassistant-sub000/internal/reconcile"
	"github.com/pungggi/bc-al-upgradeassistant-sub000/internal/scan"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	basePath   string
	logLevel   string
	jsonOutput bool
}

// app holds the components a command needs, built from configuration.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	tracing *observability.TracerProvider
	engine  *reconcile.Engine
	mirror  graph.Mirror
	// graphProbe is nil when no graph database is configured.
	graphProbe func(ctx context.Context) error
}

func newApp(ctx context.Context, flags *globalFlags) (*app, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.basePath != "" {
		cfg.Index.BasePath = flags.basePath
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}

	logger := observability.NewLogger(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	slog.SetDefault(logger)
	for _, w := range cfg.Validate() {
		logger.Warn("config", "warning", w)
	}

	tcfg := observability.DefaultTracingConfig()
	tcfg.OTLPEndpoint = cfg.Tracing.Endpoint
	tcfg.SampleRate = cfg.Tracing.SampleRate
	tp, err := observability.InitTracing(ctx, tcfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, tracing: tp, mirror: graph.Nop{}}
	if cfg.Graph.URI != "" {
		m, err := neo4j.NewNeo4j(ctx, cfg.Graph.URI, cfg.Graph.Username, cfg.Graph.Password, cfg.Graph.Database)
		if err != nil {
			logger.Warn("graph mirror disabled", "uri", cfg.Graph.URI, "error", err)
		} else {
			a.mirror = m
			a.graphProbe = m.VerifyConnectivity
		}
	}

	a.engine = reconcile.New(cfg.Index.BasePath,
		reconcile.WithLogger(logger),
		reconcile.WithMirror(a.mirror),
		reconcile.WithCache(cache.New(cfg.Cache.Size, cfg.Cache.TTL)),
		reconcile.WithMetrics(observability.NewIndexMetrics()),
	)
	return a, nil
}

func (a *app) walker() *scan.Walker {
	return scan.New(a.engine, scan.Options{
		Roots:       a.cfg.Index.ScanRoots(),
		Extensions:  a.cfg.Index.Extensions,
		Exclude:     a.cfg.Index.Exclude,
		BatchSize:   a.cfg.Index.BatchSize,
		Concurrency: a.cfg.Index.Concurrency,
	}, a.logger)
}

func (a *app) close(ctx context.Context) {
	if err := a.mirror.Close(ctx); err != nil {
		a.logger.Warn("closing graph mirror", "error", err)
	}
	if err := a.tracing.Shutdown(ctx); err != nil {
		a.logger.Warn("shutting down tracing", "error", err)
	}
}
