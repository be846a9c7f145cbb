package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/sourcing-cli/internal/api"
	"github.com/sells-group/sourcing-cli/internal/monitoring"
	"github.com/sells-group/sourcing-cli/internal/scheduler"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sourcing REST server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		// Jobs left behind by a previous process can never finish.
		if _, err := env.Sourcing.ReapStale(ctx); err != nil {
			zap.L().Warn("startup reap failed", zap.Error(err))
		}

		sched := scheduler.New(ctx, time.Minute)
		refreshRates := func(ctx context.Context) error {
			_, err := env.Rates.Refresh(ctx)
			return err
		}
		reap := func(ctx context.Context) error {
			_, err := env.Sourcing.ReapStale(ctx)
			return err
		}
		if err := sched.Add("currency-refresh", cfg.Currency.RefreshCron, refreshRates); err != nil {
			return err
		}
		if err := sched.Add("stale-reaper", cfg.Sourcing.ReaperCron, reap); err != nil {
			return err
		}
		if cfg.Monitoring.Enabled {
			checker := monitoring.NewChecker(env.Collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring.LookbackWindowHours)
			check := func(ctx context.Context) error {
				_, err := checker.Check(ctx)
				return err
			}
			if err := sched.Add("health-alerts", cfg.Monitoring.CheckCron, check); err != nil {
				return err
			}
		}
		sched.Start()
		go sched.RunNow("currency-warmup", refreshRates)

		handler := api.NewRouter(api.Deps{
			Jobs:       env.Sourcing,
			Rates:      env.Rates,
			Calculator: env.Calculator,
			Platforms:  env.Platforms,
			Stats:      env.Collector,
			Health:     env.Store,
		}, api.Options{
			APIKey:               cfg.Server.APIKey,
			CORSOrigins:          cfg.Server.CORSOrigins,
			DefaultLookbackHours: cfg.Monitoring.LookbackWindowHours,
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			zap.L().Info("starting server", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- eris.Wrap(err, "server listen")
			}
			close(errCh)
		}()

		select {
		case <-ctx.Done():
		case err := <-errCh:
			if err != nil {
				return err
			}
		}

		// Graceful shutdown: stop intake, then drain jobs.
		timeout := time.Duration(cfg.Server.ShutdownTimeout) * time.Second
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()

		zap.L().Info("shutting down server")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			zap.L().Warn("server shutdown", zap.Error(err))
		}
		sched.Stop(shutdownCtx)
		if err := env.Sourcing.Shutdown(shutdownCtx); err != nil {
			zap.L().Warn("sourcing shutdown", zap.Error(err))
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
