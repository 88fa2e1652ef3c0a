package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/dukerupert/reckon/internal/billing"
	"github.com/dukerupert/reckon/internal/catalog"
	"github.com/dukerupert/reckon/internal/domain"
	"github.com/dukerupert/reckon/internal/memory"
	"github.com/stretchr/testify/require"
)

// testClock is a settable clock shared by every service in a harness.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// recordingNotifier captures notifications for assertions.
type recordingNotifier struct {
	mu            sync.Mutex
	balances      []domain.LedgerEntry
	subscriptions []domain.Subscription
}

func (n *recordingNotifier) BalanceChanged(_ context.Context, e *domain.LedgerEntry) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.balances = append(n.balances, *e)
}

func (n *recordingNotifier) SubscriptionChanged(_ context.Context, s *domain.Subscription) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subscriptions = append(n.subscriptions, *s.Clone())
}

type harness struct {
	clock      *testClock
	store      *memory.Store
	provider   *billing.MockProvider
	catalog    *catalog.Catalog
	notifier   *recordingNotifier
	ledger     *TokenLedger
	subs       *SubscriptionService
	processor  *WebhookProcessor
	reconciler *Reconciler
}

var testStart = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithLedgerStore(t, nil)
}

// newHarnessWithLedgerStore lets a test wrap the ledger store; nil uses the
// memory store directly.
func newHarnessWithLedgerStore(t *testing.T, wrap func(domain.LedgerStore) domain.LedgerStore) *harness {
	t.Helper()

	h := &harness{
		clock:    &testClock{t: testStart},
		store:    memory.New(),
		provider: billing.NewMockProvider(),
		notifier: &recordingNotifier{},
		catalog: catalog.New(catalog.Config{
			Markets: map[string]catalog.PriceTable{
				"us": {
					domain.PlanTier1: {domain.IntervalMonthly: "price_t1_m", domain.IntervalAnnual: "price_t1_y"},
					domain.PlanTier2: {domain.IntervalMonthly: "price_t2_m", domain.IntervalAnnual: "price_t2_y"},
				},
			},
		}),
	}

	var ledgerStore domain.LedgerStore = h.store
	if wrap != nil {
		ledgerStore = wrap(h.store)
	}

	h.ledger = NewTokenLedger(ledgerStore, h.catalog, h.notifier)
	h.ledger.now = h.clock.Now

	h.subs = NewSubscriptionService(h.store, h.ledger, h.provider, h.catalog, h.notifier, time.Second)
	h.subs.now = h.clock.Now

	h.processor = NewWebhookProcessor(h.store, h.provider, h.ledger, h.subs)
	h.processor.now = h.clock.Now

	h.reconciler = NewReconciler(h.store, h.subs, h.ledger, 0, 4)
	h.reconciler.now = h.clock.Now

	return h
}

// deliver runs one event through the processor.
func (h *harness) deliver(t *testing.T, eventID, eventType string, object any) (domain.ProcessResult, error) {
	t.Helper()

	raw, err := json.Marshal(object)
	require.NoError(t, err)
	payload, err := json.Marshal(map[string]any{
		"id":      eventID,
		"type":    eventType,
		"created": h.clock.Now().Unix(),
		"data":    map[string]json.RawMessage{"object": raw},
	})
	require.NoError(t, err)

	ev, err := billing.ParseEnvelope(payload)
	require.NoError(t, err)
	return h.processor.Process(context.Background(), ev)
}

func (h *harness) mustDeliver(t *testing.T, eventID, eventType string, object any) domain.ProcessResult {
	t.Helper()
	res, err := h.deliver(t, eventID, eventType, object)
	require.NoError(t, err)
	return res
}

func (h *harness) subscription(t *testing.T, userID string) *domain.Subscription {
	t.Helper()
	sub, err := h.subs.Get(context.Background(), userID)
	require.NoError(t, err)
	return sub
}

func (h *harness) balance(t *testing.T, userID string) int64 {
	t.Helper()
	b, err := h.ledger.Balance(context.Background(), userID)
	require.NoError(t, err)
	return b
}

// subscribe registers a provider subscription and delivers its checkout.
func (h *harness) subscribe(t *testing.T, userID string, plan domain.PlanID, interval domain.Interval, providerSubID string) {
	t.Helper()
	h.provider.AddSubscription(providerSubID, "cus_"+userID, interval, h.clock.Now())
	h.mustDeliver(t, "evt_checkout_"+providerSubID, domain.EventCheckoutSessionCompleted,
		subscriptionCheckout("cs_"+providerSubID, userID, plan, interval, providerSubID))
}

func purchaseCheckout(sessionID, userID string, amount string) map[string]any {
	return map[string]any{
		"id":             sessionID,
		"mode":           "payment",
		"payment_status": "paid",
		"customer":       "cus_" + userID,
		"metadata":       map[string]string{"user_id": userID, "token_amount": amount},
	}
}

func subscriptionCheckout(sessionID, userID string, plan domain.PlanID, interval domain.Interval, providerSubID string) map[string]any {
	md := map[string]string{"user_id": userID, "plan_id": string(plan), "market": "us"}
	if interval != "" {
		md["billing_interval"] = string(interval)
	}
	return map[string]any{
		"id":             sessionID,
		"mode":           "subscription",
		"payment_status": "paid",
		"customer":       "cus_" + userID,
		"subscription":   providerSubID,
		"metadata":       md,
	}
}

func invoice(invoiceID, userID, providerSubID, reason string, start, end time.Time) map[string]any {
	return map[string]any{
		"id":             invoiceID,
		"customer":       "cus_" + userID,
		"billing_reason": reason,
		"parent": map[string]any{
			"subscription_details": map[string]any{"subscription": providerSubID},
		},
		"lines": map[string]any{
			"data": []map[string]any{
				{"period": map[string]int64{"start": start.Unix(), "end": end.Unix()}},
			},
		},
	}
}

func providerSubscription(providerSubID, userID, status string) map[string]any {
	return map[string]any{
		"id":       providerSubID,
		"customer": "cus_" + userID,
		"status":   status,
	}
}
