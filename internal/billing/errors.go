package billing

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/dukerupert/reckon/internal/domain"
	"github.com/stripe/stripe-go/v82"
)

var (
	// ErrInvalidWebhookSignature is returned when webhook signature verification fails.
	ErrInvalidWebhookSignature = errors.New("billing: invalid webhook signature")

	// ErrMissingSignature is returned when the signature header is empty.
	ErrMissingSignature = errors.New("billing: missing webhook signature")

	// ErrSubscriptionNotFound is returned when the provider has no such subscription.
	ErrSubscriptionNotFound = errors.New("billing: subscription not found")
)

// StripeError wraps a Stripe API error with additional context.
type StripeError struct {
	Message       string // Human-readable error message
	Code          string // Stripe error code (e.g., "resource_missing")
	Type          string // Stripe error type (e.g., "invalid_request_error")
	HTTPStatus    int    // HTTP status code from Stripe
	RequestID     string // Stripe request ID for debugging
	OriginalError error  // Original error from Stripe SDK
}

func (e *StripeError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("stripe: %s (code: %s)", e.Message, e.Code)
	}
	return fmt.Sprintf("stripe: %s", e.Message)
}

func (e *StripeError) Unwrap() error {
	return e.OriginalError
}

// IsNotFound returns true if the requested object does not exist.
func (e *StripeError) IsNotFound() bool {
	return e.Code == "resource_missing" || e.HTTPStatus == http.StatusNotFound
}

// IsTemporary returns true if error is likely transient and retryable.
func (e *StripeError) IsTemporary() bool {
	return e.Code == "rate_limit" ||
		e.Type == "api_error" ||
		e.HTTPStatus == http.StatusTooManyRequests ||
		e.HTTPStatus >= http.StatusInternalServerError
}

// wrapStripeError converts an SDK error into a domain error carrying a
// *StripeError, so callers can match on either.
func wrapStripeError(err error, op string) error {
	if err == nil {
		return nil
	}

	var se *stripe.Error
	if !errors.As(err, &se) {
		return domain.WrapError(err, domain.EUNAVAILABLE, op, "payment provider unavailable")
	}

	wrapped := &StripeError{
		Message:       se.Msg,
		Code:          string(se.Code),
		Type:          string(se.Type),
		HTTPStatus:    se.HTTPStatusCode,
		RequestID:     se.RequestID,
		OriginalError: err,
	}
	switch {
	case wrapped.IsNotFound():
		return domain.WrapError(fmt.Errorf("%w: %w", ErrSubscriptionNotFound, wrapped), domain.ENOTFOUND, op, "provider subscription not found")
	case wrapped.IsTemporary():
		return domain.WrapError(wrapped, domain.EUNAVAILABLE, op, "payment provider unavailable")
	default:
		return domain.WrapError(wrapped, domain.EINTERNAL, op, "payment provider request failed")
	}
}
