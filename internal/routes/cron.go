package routes

import (
	"net/http"

	"github.com/dukerupert/reckon/internal/middleware"
	"github.com/dukerupert/reckon/internal/router"
)

// RegisterCronRoutes registers routes called by the external scheduler.
// Every route requires the shared bearer secret.
func RegisterCronRoutes(r *router.Router, deps CronDeps) {
	var mw []router.Middleware
	if deps.RateLimit != nil {
		mw = append(mw, deps.RateLimit)
	}
	mw = append(mw, middleware.BearerAuth(deps.Secret))
	cron := r.Group(mw...)

	cron.Handle(http.MethodGet, "/cron/reconcile", deps.ReconcileHandler)
	cron.Handle(http.MethodPost, "/cron/reconcile", deps.ReconcileHandler)
}
