package routes

import (
	"net/http"

	"github.com/dukerupert/reckon/internal/router"
)

// Paths are the routes known to the HTTP metrics middleware. Anything else
// is recorded as "other".
var Paths = []string{"/webhooks/stripe", "/cron/reconcile", "/health", "/metrics"}

// RegisterOpsRoutes registers health and metrics endpoints.
func RegisterOpsRoutes(r *router.Router, deps OpsDeps) {
	r.Handle(http.MethodGet, "/health", deps.HealthHandler)
	if deps.MetricsHandler != nil {
		r.Handle(http.MethodGet, "/metrics", deps.MetricsHandler)
	}
}
