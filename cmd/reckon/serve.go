package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/dukerupert/reckon/internal/handler"
	"github.com/dukerupert/reckon/internal/handler/cron"
	"github.com/dukerupert/reckon/internal/handler/webhook"
	"github.com/dukerupert/reckon/internal/middleware"
	"github.com/dukerupert/reckon/internal/router"
	"github.com/dukerupert/reckon/internal/routes"
	"github.com/dukerupert/reckon/internal/telemetry"
	"github.com/dukerupert/reckon/internal/worker"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

var serveMigrate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook and cron HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", true, "run database migrations before serving (postgres store only)")
}

func runServe(ctx context.Context) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	if serveMigrate && cfg.Store == "postgres" {
		if err := migrate(ctx, cfg.DatabaseURL); err != nil {
			return err
		}
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	telemetry.InitBusinessMetrics("reckon")
	httpMetrics := middleware.NewMetrics("reckon", nil, routes.Paths...)

	r := router.New(
		middleware.RequestID,
		middleware.WithRequestLogger(logger),
		router.Recovery(),
		router.Logger(),
		httpMetrics.Middleware,
	)

	routes.RegisterWebhookRoutes(r, routes.WebhookDeps{
		StripeHandler: webhook.NewStripeHandler(a.provider, a.processor).HandleWebhook,
	})
	cronLimiter := middleware.NewRateLimiter(middleware.CronRateLimiterConfig())
	defer cronLimiter.Stop()

	routes.RegisterCronRoutes(r, routes.CronDeps{
		ReconcileHandler: cron.NewReconcileHandler(a.reconciler),
		Secret:           cfg.Cron.Secret,
		RateLimit:        cronLimiter.Middleware,
	})
	routes.RegisterOpsRoutes(r, routes.OpsDeps{
		HealthHandler:  handler.NewHealthHandler(a.health),
		MetricsHandler: httpMetrics.Handler(),
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().
			Str("addr", srv.Addr).
			Str("env", cfg.Env).
			Str("store", cfg.Store).
			Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info().Msg("Server shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.Sweep.Interval > 0 {
		w := worker.NewWorker(a.reconciler, worker.Config{Interval: cfg.Sweep.Interval})
		g.Go(func() error {
			if err := w.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	return g.Wait()
}
