// Package webhook is the HTTP edge for payment provider webhooks.
package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/dukerupert/reckon/internal/billing"
	"github.com/dukerupert/reckon/internal/domain"
	"github.com/dukerupert/reckon/internal/handler"
	"github.com/dukerupert/reckon/internal/middleware"
)

// SignatureHeader carries the provider's HMAC signature.
const SignatureHeader = "Stripe-Signature"

// Verifier authenticates a raw webhook delivery.
type Verifier interface {
	VerifyWebhook(payload []byte, signature string) (*domain.VerifiedEvent, error)
}

// Processor handles a verified event exactly once.
type Processor interface {
	Process(ctx context.Context, ev *domain.VerifiedEvent) (domain.ProcessResult, error)
}

// StripeHandler handles Stripe webhook events
type StripeHandler struct {
	verifier  Verifier
	processor Processor
}

// NewStripeHandler creates a new Stripe webhook handler
func NewStripeHandler(verifier Verifier, processor Processor) *StripeHandler {
	return &StripeHandler{
		verifier:  verifier,
		processor: processor,
	}
}

// HandleWebhook verifies and processes one delivery.
//
// Responses:
//   - 400 when the body cannot be read or the signature is missing or invalid
//   - 500 when processing failed; the provider redelivers
//   - 200 with an empty body when processed or already processed
//
// Stripe CLI testing:
//
//	stripe listen --forward-to localhost:3000/webhooks/stripe
//	stripe trigger checkout.session.completed
func (h *StripeHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	logger := middleware.GetLogger(r.Context())

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to read webhook body")
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			handler.WriteJSON(w, http.StatusRequestEntityTooLarge, errorPayload(domain.EINVALID, "Request body too large"))
			return
		}
		handler.WriteJSON(w, http.StatusBadRequest, errorPayload(domain.EINVALID, "Error reading request body"))
		return
	}

	event, err := h.verifier.VerifyWebhook(payload, r.Header.Get(SignatureHeader))
	if err != nil {
		message := "Invalid signature"
		if errors.Is(err, billing.ErrMissingSignature) {
			message = "Missing signature"
		}
		logger.Warn().Err(err).Int("payload_bytes", len(payload)).Msg("webhook signature verification failed")
		handler.WriteJSON(w, http.StatusBadRequest, errorPayload(domain.EINVALID, message))
		return
	}

	result, err := h.processor.Process(r.Context(), event)
	if err != nil {
		if domain.ErrorCode(err) == domain.EINVALID && event.ID == "" {
			handler.WriteJSON(w, http.StatusBadRequest, errorPayload(domain.EINVALID, "Event id is required"))
			return
		}
		handler.InternalErrorResponse(w, r, err)
		return
	}

	logger.Debug().
		Str("event_id", result.EventID).
		Str("event_type", result.Type).
		Bool("duplicate", result.Duplicate).
		Msg("webhook acknowledged")
	w.WriteHeader(http.StatusOK)
}

func errorPayload(code, message string) map[string]any {
	return map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
}
