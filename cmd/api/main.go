package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"sunbed/internal/api"
	"sunbed/internal/metrics"
	"sunbed/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "sunbed",
		Short:         "Sunbed reservations, payments and lock access",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (defaults to $CONFIG_PATH or configs/config.yaml)")

	root.AddCommand(newServeCmd(&configPath), newSweepCmd(&configPath))
	return root
}

func resolveConfigPath(flag string) string {
	if flag != "" {
		return flag
	}
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "configs/config.yaml"
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background sweeps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap(resolveConfigPath(*configPath))
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, a)
		},
	}
}

func newSweepCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:       "sweep <job>",
		Short:     "Run one background sweep and exit",
		Long:      "Jobs: " + strings.Join(allJobs(), ", "),
		Args:      cobra.ExactArgs(1),
		ValidArgs: allJobs(),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(resolveConfigPath(*configPath))
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.scheduler.RunOnce(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			a.drain()
			fmt.Fprintf(cmd.OutOrStdout(), "%s: processed %d\n", args[0], n)
			return nil
		},
	}
}

func allJobs() []string {
	return []string{
		worker.JobBookingCleanup,
		worker.JobBookingAutocomplete,
		worker.JobBookingOverdue,
		worker.JobAutoRefundOverdue,
	}
}

func serve(ctx context.Context, a *app) error {
	logger := a.component("api-main")

	if a.cfg.Monitoring.PrometheusEnabled {
		metrics.Register()
		port := a.cfg.Monitoring.PrometheusPort
		if port == 0 {
			port = 9090
		}
		go startMetricsServer(ctx, port, logger)
	}

	httpServer := api.NewHTTPServer(a.cfg.API, a.cfg.Location(), api.Services{
		Bookings: a.bookings,
		Payments: a.payments,
		Webhooks: a.reconcile,
		Refunds:  a.refunds,
		Sunbeds:  a.db,
		Locks:    a.locks,
		DB:       a.db,
	}, a.logger)

	errCh := make(chan error, 1)
	if a.cfg.API.HTTP.Enabled {
		go func() {
			errCh <- httpServer.Start()
		}()
	} else {
		logger.Warn().Msg("HTTP API is disabled in config")
	}

	if a.cfg.Scheduler.Enabled {
		a.scheduler.Start()
	}

	logger.Info().
		Int("http_port", a.cfg.API.HTTP.Port).
		Bool("scheduler", a.cfg.Scheduler.Enabled).
		Str("db_driver", a.db.Driver()).
		Msg("sunbed server started")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case runErr = <-errCh:
		if runErr != nil {
			logger.Error().Err(runErr).Msg("http server stopped")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.API.HTTP.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	if a.cfg.Scheduler.Enabled {
		if err := a.scheduler.Stop(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("scheduler did not stop in time")
		}
	}
	if err := a.bookings.Drain(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("pending PIN revocations abandoned")
	}

	logger.Info().Msg("sunbed server stopped")
	return runErr
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
