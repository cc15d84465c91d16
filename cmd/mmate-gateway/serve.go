package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	mmate "github.com/glimte/mmate-gateway"
	"github.com/glimte/mmate-gateway/health"
	"github.com/glimte/mmate-gateway/internal/api"
	"github.com/glimte/mmate-gateway/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if port != 0 {
				cfg.Server.Port = port
			}
			logger := setupLogger(cfg)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			metrics := telemetry.NewMetrics(reg)

			client, err := newClient(cfg, logger,
				mmate.WithObserver(metrics),
				mmate.WithStateListener(metrics),
			)
			if err != nil {
				return err
			}
			defer client.Close()

			registry := health.NewRegistry()
			registry.Register(health.NewBrokerChecker(client.Connection()))
			registry.Register(health.NewPendingChecker(client.Bridge(), cfg.Bridge.PendingWarn))
			registry.Register(health.NewRuntimeChecker(10000, 50000))
			registry.SetMetadata("version", version)
			registry.SetMetadata("broker", client.Connection().Endpoint())
			registry.SetMetadata("correlationMode", client.Bridge().Mode().String())

			server := api.NewServer(client,
				api.WithLogger(logger),
				api.WithRouteOverrides(cfg),
				api.WithHealthRegistry(registry),
				api.WithMetrics(metrics, reg),
			)

			httpServer := &http.Server{
				Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
				Handler:      server.Router(),
				ReadTimeout:  cfg.Server.ReadTimeout,
				WriteTimeout: cfg.Server.WriteTimeout,
			}

			g, gctx := errgroup.WithContext(ctx)

			// The first request retries the connection if this attempt fails.
			g.Go(func() error {
				connectCtx, cancel := context.WithTimeout(gctx, client.Connection().ConnectTimeout())
				defer cancel()
				if err := client.Connect(connectCtx); err != nil {
					logger.Warn("initial broker connection failed", "endpoint", client.Connection().Endpoint(), "error", err)
					return nil
				}
				logger.Info("connected to broker", "endpoint", client.Connection().Endpoint())
				return nil
			})

			g.Go(func() error {
				logger.Info("gateway listening",
					"port", cfg.Server.Port,
					"broker", client.Connection().Endpoint(),
					"mode", client.Bridge().Mode().String())
				if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			})

			g.Go(func() error {
				<-gctx.Done()
				logger.Info("shutting down", "pending", client.Bridge().PendingCount())
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
				defer cancel()
				if err := httpServer.Shutdown(shutdownCtx); err != nil {
					logger.Error("graceful shutdown failed", "error", err)
				}
				return nil
			})

			return g.Wait()
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "HTTP port, overrides SERVER_PORT")
	return cmd
}
