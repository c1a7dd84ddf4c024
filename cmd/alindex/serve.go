package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	temporalclient "go.temporal.io/sdk/client"

	"github.com/pungggi/bc-al-upgradeassistant-sub000/internal/index"
	"github.com/pungggi/bc-al-upgradeassistant-sub000/internal/server"
)

func serveCmd(flags *globalFlags) *cobra.Command {
	var (
		addr      string
		withWatch bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the index read API, health probes and metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			a, err := newApp(ctx, flags)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = a.cfg.Server.Addr
			}

			health := server.NewHealth(version)
			health.RegisterCheck("index", server.IndexHealthChecker(a.cfg.Index.BasePath, index.DirName))
			health.RegisterCheck("graph", server.DependencyHealthChecker("neo4j", a.graphProbe))
			health.RegisterCheck("temporal", server.DependencyHealthChecker("temporal", temporalProbe(a)))

			srv := server.New(a.engine, health, a.engine.Metrics().Handler(), a.logger)

			shutdown := server.NewShutdownHandler(&server.ShutdownConfig{
				Timeout: 15 * time.Second,
				Signals: server.DefaultShutdownConfig().Signals,
				Logger:  a.logger,
			})
			shutdown.Add(server.HTTPServerShutdownHook("index-api", srv.Shutdown))
			shutdown.Add(server.TracingShutdownHook(a.tracing.Shutdown))
			shutdown.Add(server.GraphShutdownHook(a.mirror.Close))

			if withWatch && a.cfg.Index.Configured() {
				w, err := newWatcher(a)
				if err != nil {
					return err
				}
				watchCtx, stopWatch := context.WithCancel(ctx)
				shutdown.Add(server.WatcherShutdownHook(stopWatch))
				go func() {
					if err := w.Run(watchCtx); err != nil {
						a.logger.Error("watcher stopped", "error", err)
					}
				}()
			}

			shutdown.Start()
			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe(addr) }()

			select {
			case err := <-errCh:
				shutdown.Shutdown()
				shutdown.Wait()
				if err != nil {
					return fmt.Errorf("index API: %w", err)
				}
				return nil
			case <-shutdown.Done():
				return <-errCh
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&withWatch, "watch", false, "Also keep the index in sync with file changes")
	return cmd
}

// temporalProbe returns nil when no Temporal host is configured.
func temporalProbe(a *app) func(ctx context.Context) error {
	if a.cfg.Temporal.Host == "" {
		return nil
	}
	return func(ctx context.Context) error {
		c, err := temporalclient.Dial(temporalclient.Options{
			HostPort:  a.cfg.Temporal.Host,
			Namespace: a.cfg.Temporal.Namespace,
		})
		if err != nil {
			return err
		}
		defer c.Close()
		_, err = c.CheckHealth(ctx, &temporalclient.CheckHealthRequest{})
		return err
	}
}
