package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dukerupert/reckon/internal"
	"github.com/dukerupert/reckon/internal/billing"
	"github.com/dukerupert/reckon/internal/catalog"
	"github.com/dukerupert/reckon/internal/domain"
	"github.com/dukerupert/reckon/internal/handler"
	"github.com/dukerupert/reckon/internal/memory"
	"github.com/dukerupert/reckon/internal/postgres"
	"github.com/dukerupert/reckon/internal/publish"
	"github.com/dukerupert/reckon/internal/service"
	"github.com/dukerupert/reckon/internal/telemetry"
	"github.com/rs/zerolog"
)

// app holds the wired services shared by the serve and sweep commands.
type app struct {
	cfg        *internal.Config
	logger     zerolog.Logger
	catalog    *catalog.Catalog
	provider   *billing.StripeProvider
	ledger     *service.TokenLedger
	subs       *service.SubscriptionService
	processor  *service.WebhookProcessor
	reconciler *service.Reconciler
	health     handler.Pinger

	closers []func()
}

// loadConfig reads configuration and installs the process logger.
func loadConfig() (*internal.Config, zerolog.Logger, error) {
	cfg, err := internal.NewConfig()
	if err != nil {
		return nil, zerolog.Logger{}, fmt.Errorf("config initialization failed: %w", err)
	}
	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)
	return cfg, logger, nil
}

// newApp connects to the datastore, the payment provider and the message
// bus, and wires the services on top of them.
func newApp(ctx context.Context, cfg *internal.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	flush, err := telemetry.InitSentry(telemetry.SentryConfig{
		DSN:         cfg.Sentry.DSN,
		Environment: cfg.Sentry.Environment,
		Release:     cfg.Sentry.Release,
		SampleRate:  cfg.Sentry.SampleRate,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, flush)

	var (
		subStore    domain.SubscriptionStore
		ledgerStore domain.LedgerStore
		eventStore  domain.WebhookEventStore
	)
	switch cfg.Store {
	case "memory":
		logger.Warn().Msg("using the in-memory store; state is lost on restart")
		mem := memory.New()
		subStore, ledgerStore, eventStore = mem, mem, mem
		a.health = mem
	default:
		logger.Info().Msg("Connecting to database...")
		pool, err := postgres.Connect(ctx, postgres.PoolConfig{
			URL:           cfg.DatabaseURL,
			RetryAttempts: 5,
			RetryInterval: time.Second,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		logger.Info().Msg("Database connection established")

		events := postgres.NewWebhookEventStore(pool)
		subStore = postgres.NewSubscriptionStore(pool)
		ledgerStore = postgres.NewLedgerStore(pool)
		eventStore = events
		a.health = events
	}

	var pub publish.Publisher = publish.NopPublisher{}
	if cfg.NATS.URL != "" {
		nc, err := publish.NewNATSPublisher(cfg.NATS.URL)
		if err != nil {
			a.Close()
			return nil, err
		}
		pub = nc
		logger.Info().Str("url", cfg.NATS.URL).Msg("publishing entitlement changes to NATS")
	}
	a.closers = append(a.closers, func() {
		if err := pub.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close publisher")
		}
	})
	notifier := publish.NewNotifier(pub, cfg.NATS.SubjectPrefix)

	stripeConfig := billing.StripeConfig{
		SecretKey:     cfg.Stripe.SecretKey,
		WebhookSecret: cfg.Stripe.WebhookSecret,
		CancelTimeout: cfg.Stripe.CancelTimeout,
		APIURL:        cfg.Stripe.APIURL,
	}
	provider, err := billing.NewStripeProvider(stripeConfig)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize Stripe provider: %w", err)
	}
	a.provider = provider
	logger.Info().Bool("test_mode", stripeConfig.IsTestMode()).Msg("Stripe billing provider initialized")

	a.catalog = catalog.New(cfg.Catalog)
	a.ledger = service.NewTokenLedger(ledgerStore, a.catalog, notifier)
	a.subs = service.NewSubscriptionService(subStore, a.ledger, provider, a.catalog, notifier, cfg.Stripe.CancelTimeout)
	a.processor = service.NewWebhookProcessor(eventStore, provider, a.ledger, a.subs)
	a.reconciler = service.NewReconciler(subStore, a.subs, a.ledger, cfg.Sweep.BatchSize, cfg.Sweep.Concurrency)

	return a, nil
}

// Close releases connections in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
