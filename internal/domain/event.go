package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Provider event type names handled by the processor.
const (
	EventCheckoutSessionCompleted      = "checkout.session.completed"
	EventCheckoutAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
	EventInvoicePaid                   = "invoice.paid"
	EventInvoicePaymentSucceeded       = "invoice.payment_succeeded"
	EventInvoicePaymentFailed          = "invoice.payment_failed"
	EventSubscriptionUpdated           = "customer.subscription.updated"
	EventSubscriptionDeleted           = "customer.subscription.deleted"
)

// BillingReasonCycle marks a renewal invoice.
const BillingReasonCycle = "subscription_cycle"

// VerifiedEvent is a provider notification whose signature has been checked
// but whose payload has not been interpreted yet.
type VerifiedEvent struct {
	ID      string
	Type    string
	Created time.Time
	Object  json.RawMessage
	Payload []byte
}

// ProviderEvent is the closed set of provider notifications the processor
// understands. Every variant embeds EventHeader.
type ProviderEvent interface {
	Header() EventHeader
	providerEvent()
}

// EventHeader carries identity shared by all variants.
type EventHeader struct {
	ID      string
	Type    string
	Created time.Time
}

func (h EventHeader) Header() EventHeader { return h }
func (EventHeader) providerEvent()        {}

// TokenPurchaseCompleted is a paid one-time checkout for a token pack.
type TokenPurchaseCompleted struct {
	EventHeader
	SessionID   string
	UserID      string
	CustomerID  string
	TokenAmount int64
}

// SubscriptionCheckoutCompleted is a paid checkout that started a provider subscription.
type SubscriptionCheckoutCompleted struct {
	EventHeader
	SessionID              string
	UserID                 string
	PlanID                 PlanID
	Market                 string
	Interval               Interval // empty when the checkout carried no interval
	ProviderSubscriptionID string
	ProviderCustomerID     string
}

// InvoicePaid reports a successful invoice payment.
type InvoicePaid struct {
	EventHeader
	InvoiceID              string
	ProviderSubscriptionID string
	ProviderCustomerID     string
	BillingReason          string
	PeriodStart            time.Time
	PeriodEnd              time.Time
}

// IsRenewal reports whether the invoice renews an existing subscription.
func (e InvoicePaid) IsRenewal() bool {
	return e.BillingReason == BillingReasonCycle
}

// InvoicePaymentFailed reports a failed invoice payment.
type InvoicePaymentFailed struct {
	EventHeader
	InvoiceID              string
	ProviderSubscriptionID string
	ProviderCustomerID     string
}

// SubscriptionUpdated reports a provider-side change to a subscription.
type SubscriptionUpdated struct {
	EventHeader
	ProviderSubscriptionID string
	ProviderCustomerID     string
	Status                 Status
	CurrentPeriodStart     time.Time
	CurrentPeriodEnd       time.Time
}

// SubscriptionDeleted reports that a provider subscription ended.
type SubscriptionDeleted struct {
	EventHeader
	ProviderSubscriptionID string
	ProviderCustomerID     string
}

// UnknownEvent is any notification with no handler. It is recorded and ignored.
type UnknownEvent struct {
	EventHeader
}

// ProviderSubscription is the provider's view of a subscription.
type ProviderSubscription struct {
	ID                 string
	CustomerID         string
	Status             Status
	PriceID            string
	Interval           Interval
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
}

// BillingProvider is the payment provider as seen by this service.
type BillingProvider interface {
	// VerifyWebhook checks the signature and returns the event envelope.
	VerifyWebhook(payload []byte, signature string) (*VerifiedEvent, error)

	// DecodeEvent turns a verified envelope into a typed variant.
	// Malformed metadata is reported as a *ValidationError.
	DecodeEvent(ev *VerifiedEvent) (ProviderEvent, error)

	GetSubscription(ctx context.Context, id string) (*ProviderSubscription, error)
	CancelSubscription(ctx context.Context, id string) error
}

// ProcessResult summarizes how the processor handled one delivery.
type ProcessResult struct {
	EventID   string
	Type      string
	Duplicate bool
	Status    WebhookStatus
}

// SweepSummary is the reconciliation report returned to the scheduler.
type SweepSummary struct {
	Processed int      `json:"processed"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors"`
}
