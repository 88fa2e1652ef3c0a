package billing

import (
	"context"
	"strings"
	"time"

	"github.com/dukerupert/reckon/internal/domain"
	"github.com/dukerupert/reckon/internal/telemetry"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"
)

const defaultMaxNetworkRetries = 2

// StripeProvider implements domain.BillingProvider using Stripe.
type StripeProvider struct {
	sc            *client.API
	webhookSecret string
	cancelTimeout time.Duration
}

var _ domain.BillingProvider = (*StripeProvider)(nil)

// NewStripeProvider creates a new Stripe billing provider.
func NewStripeProvider(cfg StripeConfig) (*StripeProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	retries := cfg.MaxNetworkRetries
	if retries <= 0 {
		retries = defaultMaxNetworkRetries
	}
	backendCfg := &stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(retries),
	}
	if cfg.APIURL != "" {
		backendCfg.URL = stripe.String(cfg.APIURL)
	}
	backends := &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendCfg),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendCfg),
	}

	timeout := cfg.CancelTimeout
	if timeout <= 0 {
		timeout = DefaultCancelTimeout
	}

	return &StripeProvider{
		sc:            client.New(cfg.SecretKey, backends),
		webhookSecret: cfg.WebhookSecret,
		cancelTimeout: timeout,
	}, nil
}

// VerifyWebhook checks the Stripe-Signature header against the raw payload.
// Any failure is reported as ErrInvalidWebhookSignature; the payload is not
// inspected further.
func (s *StripeProvider) VerifyWebhook(payload []byte, signature string) (*domain.VerifiedEvent, error) {
	if strings.TrimSpace(signature) == "" {
		return nil, ErrMissingSignature
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, ErrInvalidWebhookSignature
	}

	ev := &domain.VerifiedEvent{
		ID:      event.ID,
		Type:    string(event.Type),
		Created: time.Unix(event.Created, 0).UTC(),
		Payload: payload,
	}
	if event.Data != nil {
		ev.Object = event.Data.Raw
	}
	return ev, nil
}

// DecodeEvent turns a verified Stripe event into a typed domain event.
func (s *StripeProvider) DecodeEvent(ev *domain.VerifiedEvent) (domain.ProviderEvent, error) {
	return DecodeEvent(ev)
}

// GetSubscription retrieves a subscription with its first item's price and period.
func (s *StripeProvider) GetSubscription(ctx context.Context, id string) (*domain.ProviderSubscription, error) {
	const op = "stripe.get_subscription"

	if id == "" {
		return nil, domain.Invalid(op, "subscription id is required")
	}

	params := &stripe.SubscriptionParams{}
	params.Context = ctx

	start := time.Now()
	sub, err := s.sc.Subscriptions.Get(id, params)
	observeAPI("get_subscription", start)
	if err != nil {
		return nil, wrapStripeError(err, op)
	}
	return toProviderSubscription(sub), nil
}

// CancelSubscription cancels a subscription immediately. Canceling one that
// no longer exists is not an error.
func (s *StripeProvider) CancelSubscription(ctx context.Context, id string) error {
	const op = "stripe.cancel_subscription"

	if id == "" {
		return domain.Invalid(op, "subscription id is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.cancelTimeout)
	defer cancel()

	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx

	start := time.Now()
	_, err := s.sc.Subscriptions.Cancel(id, params)
	observeAPI("cancel_subscription", start)
	if err != nil {
		wrapped := wrapStripeError(err, op)
		if domain.ErrorCode(wrapped) == domain.ENOTFOUND {
			return nil
		}
		return wrapped
	}
	return nil
}

func toProviderSubscription(sub *stripe.Subscription) *domain.ProviderSubscription {
	ps := &domain.ProviderSubscription{
		ID:     sub.ID,
		Status: mapStatus(string(sub.Status)),
	}
	if sub.Customer != nil {
		ps.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		ps.CurrentPeriodStart = unixTime(item.CurrentPeriodStart)
		ps.CurrentPeriodEnd = unixTime(item.CurrentPeriodEnd)
		if item.Price != nil {
			ps.PriceID = item.Price.ID
			if item.Price.Recurring != nil {
				ps.Interval, _ = domain.ParseInterval(string(item.Price.Recurring.Interval))
			}
		}
	}
	return ps
}

func observeAPI(operation string, start time.Time) {
	if telemetry.Business != nil {
		telemetry.Business.ProviderAPILatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}

// mapStatus folds Stripe's subscription statuses into the three the service
// tracks. Unknown statuses map to "" and leave the stored status unchanged.
func mapStatus(s string) domain.Status {
	switch s {
	case "active", "trialing":
		return domain.StatusActive
	case "past_due", "unpaid", "incomplete":
		return domain.StatusPastDue
	case "canceled", "incomplete_expired":
		return domain.StatusCanceled
	default:
		return ""
	}
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
