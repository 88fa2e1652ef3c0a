package routes

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dukerupert/reckon/internal/middleware"
	"github.com/dukerupert/reckon/internal/router"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func status(code int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(code) }
}

func newTestRouter() *router.Router {
	metrics := middleware.NewMetrics("routes_test", prometheus.NewRegistry(), Paths...)
	r := router.New(middleware.RequestID, metrics.Middleware)

	RegisterWebhookRoutes(r, WebhookDeps{StripeHandler: status(http.StatusOK)})
	RegisterCronRoutes(r, CronDeps{ReconcileHandler: status(http.StatusOK), Secret: "cron-secret"})
	RegisterOpsRoutes(r, OpsDeps{HealthHandler: status(http.StatusOK), MetricsHandler: metrics.Handler()})
	return r
}

func TestRoutes(t *testing.T) {
	r := newTestRouter()

	tests := []struct {
		name   string
		method string
		path   string
		auth   string
		want   int
	}{
		{"webhook accepts POST", http.MethodPost, "/webhooks/stripe", "", http.StatusOK},
		{"webhook rejects GET", http.MethodGet, "/webhooks/stripe", "", http.StatusMethodNotAllowed},
		{"cron requires auth", http.MethodPost, "/cron/reconcile", "", http.StatusUnauthorized},
		{"cron rejects wrong secret", http.MethodPost, "/cron/reconcile", "Bearer nope", http.StatusUnauthorized},
		{"cron POST with secret", http.MethodPost, "/cron/reconcile", "Bearer cron-secret", http.StatusOK},
		{"cron GET with secret", http.MethodGet, "/cron/reconcile", "Bearer cron-secret", http.StatusOK},
		{"health", http.MethodGet, "/health", "", http.StatusOK},
		{"metrics", http.MethodGet, "/metrics", "", http.StatusOK},
		{"unknown path", http.MethodGet, "/admin", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rec := httptest.NewRecorder()

			r.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestCronRoutes_RateLimitRunsBeforeAuth(t *testing.T) {
	r := router.New()
	limited := func(next http.Handler) http.Handler {
		return status(http.StatusTooManyRequests)
	}
	RegisterCronRoutes(r, CronDeps{ReconcileHandler: status(http.StatusOK), Secret: "cron-secret", RateLimit: limited})

	req := httptest.NewRequest(http.MethodPost, "/cron/reconcile", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}
