package billing

import (
	"errors"
	"strings"
	"time"
)

// DefaultCancelTimeout bounds the best-effort cancel of a superseded subscription.
const DefaultCancelTimeout = 10 * time.Second

// StripeConfig contains configuration for the Stripe provider.
type StripeConfig struct {
	// SecretKey is the Stripe secret key (sk_test_... or sk_live_...)
	SecretKey string

	// WebhookSecret is the webhook signing secret (whsec_...)
	// Used to verify webhook signatures from Stripe
	WebhookSecret string

	// CancelTimeout bounds CancelSubscription calls.
	// Default: 10s
	CancelTimeout time.Duration

	// MaxNetworkRetries is passed to the Stripe backend.
	// Default: 2
	MaxNetworkRetries int64

	// APIURL overrides the Stripe API base URL. Tests point it at httptest.
	APIURL string
}

// Validate checks that required configuration is present.
func (c *StripeConfig) Validate() error {
	if c.SecretKey == "" {
		return errors.New("stripe: secret key is required")
	}
	if c.WebhookSecret == "" {
		return errors.New("stripe: webhook secret is required")
	}
	return nil
}

// IsTestMode returns true if using test mode API keys.
func (c *StripeConfig) IsTestMode() bool {
	return strings.HasPrefix(c.SecretKey, "sk_test_")
}
