// Package cron is the HTTP edge for scheduler-triggered jobs.
package cron

import (
	"context"
	"net/http"

	"github.com/dukerupert/reckon/internal/domain"
	"github.com/dukerupert/reckon/internal/handler"
	"github.com/dukerupert/reckon/internal/middleware"
)

// TriggerHTTP labels sweeps started through this handler.
const TriggerHTTP = "http"

// Sweeper runs one reconciliation pass.
type Sweeper interface {
	Sweep(ctx context.Context, trigger string) (domain.SweepSummary, error)
}

// ReconcileHandler runs the reconciliation sweep on demand. Authentication is
// applied by the router.
type ReconcileHandler struct {
	sweeper Sweeper
}

// NewReconcileHandler creates a ReconcileHandler.
func NewReconcileHandler(sweeper Sweeper) *ReconcileHandler {
	return &ReconcileHandler{sweeper: sweeper}
}

// ServeHTTP runs a sweep and writes its summary. Per-user failures are part
// of a 200 response; only a failure to list due subscriptions is an error.
func (h *ReconcileHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	summary, err := h.sweeper.Sweep(r.Context(), TriggerHTTP)
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	middleware.GetLogger(r.Context()).Info().
		Int("processed", summary.Processed).
		Int("failed", summary.Failed).
		Msg("reconcile triggered")

	handler.WriteJSON(w, http.StatusOK, summary)
}
