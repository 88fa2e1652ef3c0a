package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dukerupert/reckon/internal/domain"
)

// MockProvider is a mock billing provider for testing.
// Simulates provider subscriptions without calling the Stripe API.
type MockProvider struct {
	// VerifyWebhookFunc allows customizing webhook verification behavior
	VerifyWebhookFunc func(payload []byte, signature string) (*domain.VerifiedEvent, error)

	// GetSubscriptionFunc allows customizing subscription retrieval behavior
	GetSubscriptionFunc func(ctx context.Context, id string) (*domain.ProviderSubscription, error)

	// CancelSubscriptionFunc allows customizing cancel behavior
	CancelSubscriptionFunc func(ctx context.Context, id string) error

	// Subscriptions stores provider subscriptions for retrieval
	Subscriptions map[string]*domain.ProviderSubscription

	// Canceled records canceled subscription ids
	Canceled []string

	// CallLog tracks method calls for test assertions
	CallLog []string

	mu sync.Mutex
}

var _ domain.BillingProvider = (*MockProvider)(nil)

// NewMockProvider creates a new mock billing provider.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Subscriptions: make(map[string]*domain.ProviderSubscription),
		CallLog:       []string{},
	}
}

// AddSubscription registers a provider subscription with a one-period window
// starting at start.
func (m *MockProvider) AddSubscription(id, customerID string, interval domain.Interval, start time.Time) *domain.ProviderSubscription {
	end := start.AddDate(0, 1, 0)
	if interval == domain.IntervalAnnual {
		end = start.AddDate(1, 0, 0)
	}
	ps := &domain.ProviderSubscription{
		ID:                 id,
		CustomerID:         customerID,
		Status:             domain.StatusActive,
		Interval:           interval,
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   end,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.Subscriptions[id] = ps
	return ps
}

// VerifyWebhook accepts any non-empty signature and reads the event envelope
// from the payload.
func (m *MockProvider) VerifyWebhook(payload []byte, signature string) (*domain.VerifiedEvent, error) {
	m.log("VerifyWebhook(%d bytes)", len(payload))

	if m.VerifyWebhookFunc != nil {
		return m.VerifyWebhookFunc(payload, signature)
	}
	if signature == "" {
		return nil, ErrMissingSignature
	}
	return ParseEnvelope(payload)
}

// DecodeEvent uses the real Stripe decoder.
func (m *MockProvider) DecodeEvent(ev *domain.VerifiedEvent) (domain.ProviderEvent, error) {
	return DecodeEvent(ev)
}

// GetSubscription retrieves a mock subscription.
func (m *MockProvider) GetSubscription(ctx context.Context, id string) (*domain.ProviderSubscription, error) {
	m.log("GetSubscription(%s)", id)

	if m.GetSubscriptionFunc != nil {
		return m.GetSubscriptionFunc(ctx, id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.Subscriptions[id]
	if !ok {
		return nil, domain.WrapError(ErrSubscriptionNotFound, domain.ENOTFOUND, "mock.get_subscription", "provider subscription not found")
	}
	cp := *ps
	return &cp, nil
}

// CancelSubscription marks a mock subscription canceled.
func (m *MockProvider) CancelSubscription(ctx context.Context, id string) error {
	m.log("CancelSubscription(%s)", id)

	if m.CancelSubscriptionFunc != nil {
		return m.CancelSubscriptionFunc(ctx, id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.Canceled = append(m.Canceled, id)
	if ps, ok := m.Subscriptions[id]; ok {
		ps.Status = domain.StatusCanceled
	}
	return nil
}

// Calls returns a copy of the call log.
func (m *MockProvider) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.CallLog...)
}

// CanceledIDs returns a copy of the canceled subscription ids.
func (m *MockProvider) CanceledIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Canceled...)
}

func (m *MockProvider) log(format string, args ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallLog = append(m.CallLog, fmt.Sprintf(format, args...))
}
