package routes

import (
	"net/http"
)

// WebhookDeps contains dependencies for webhook routes
type WebhookDeps struct {
	StripeHandler http.HandlerFunc
}

// CronDeps contains dependencies for scheduler-triggered routes
type CronDeps struct {
	ReconcileHandler http.Handler

	// Secret is the bearer token the scheduler presents.
	Secret string

	// RateLimit runs ahead of auth when set.
	RateLimit func(http.Handler) http.Handler
}

// OpsDeps contains dependencies for operational endpoints
type OpsDeps struct {
	HealthHandler  http.Handler
	MetricsHandler http.Handler
}
