package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/dukerupert/reckon/internal/domain"
)

const healthTimeout = 2 * time.Second

// Pinger reports datastore connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler reports whether the service can reach its datastore.
type HealthHandler struct {
	store Pinger
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(store Pinger) *HealthHandler {
	return &HealthHandler{store: store}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		ErrorResponse(w, r, domain.WrapError(err, domain.EUNAVAILABLE, "health.ping", "datastore unavailable"))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
