package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/dukerupert/reckon/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookProcessor_TokenPurchase(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.mustDeliver(t, "evt_1", domain.EventCheckoutSessionCompleted, purchaseCheckout("cs_1", "user-1", "250"))
	assert.Equal(t, domain.WebhookProcessed, res.Status)
	assert.False(t, res.Duplicate)
	assert.Equal(t, int64(250), h.balance(t, "user-1"))

	t.Run("redelivery of the same event is skipped", func(t *testing.T) {
		res := h.mustDeliver(t, "evt_1", domain.EventCheckoutSessionCompleted, purchaseCheckout("cs_1", "user-1", "250"))
		assert.True(t, res.Duplicate)
		assert.Equal(t, int64(250), h.balance(t, "user-1"))

		ev, err := h.store.GetWebhookEvent(ctx, "evt_1")
		require.NoError(t, err)
		assert.Equal(t, 1, ev.Attempts)
	})

	t.Run("async success for the same session credits nothing more", func(t *testing.T) {
		res := h.mustDeliver(t, "evt_2", domain.EventCheckoutAsyncPaymentSucceeded, purchaseCheckout("cs_1", "user-1", "250"))
		assert.False(t, res.Duplicate)
		assert.Equal(t, int64(250), h.balance(t, "user-1"))
	})

	entries, err := h.ledger.Entries(ctx, "user-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.ReasonPurchase, entries[0].Reason)
	assert.Equal(t, "cs_1", entries[0].Metadata[domain.MetaCheckoutSessionID])
	assert.Equal(t, "evt_1", entries[0].Metadata[domain.MetaEventID])
}

func TestWebhookProcessor_ConcurrentRedeliveries(t *testing.T) {
	h := newHarness(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.deliver(t, "evt_1", domain.EventCheckoutSessionCompleted, purchaseCheckout("cs_1", "user-1", "40"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(40), h.balance(t, "user-1"))
}

func TestWebhookProcessor_FailureIsRecordedAndRetried(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.provider.GetSubscriptionFunc = func(context.Context, string) (*domain.ProviderSubscription, error) {
		return nil, errors.New("stripe: 503 service unavailable")
	}
	checkout := subscriptionCheckout("cs_1", "user-1", domain.PlanTier1, domain.IntervalMonthly, "sub_1")

	res, err := h.deliver(t, "evt_1", domain.EventCheckoutSessionCompleted, checkout)
	require.Error(t, err)
	assert.Equal(t, domain.WebhookFailed, res.Status)

	ev, err := h.store.GetWebhookEvent(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookFailed, ev.Status)
	assert.Equal(t, 1, ev.Attempts)
	assert.Contains(t, ev.ErrorMessage, "503")
	assert.NotEmpty(t, ev.RawPayload)

	processed, err := h.store.IsProcessed(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, processed, "failed events stay eligible for redelivery")

	// The provider recovers and redelivers.
	h.provider.GetSubscriptionFunc = nil
	h.provider.AddSubscription("sub_1", "cus_user-1", domain.IntervalMonthly, testStart)

	res = h.mustDeliver(t, "evt_1", domain.EventCheckoutSessionCompleted, checkout)
	assert.Equal(t, domain.WebhookProcessed, res.Status)
	assert.False(t, res.Duplicate)

	ev, err = h.store.GetWebhookEvent(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookProcessed, ev.Status)
	assert.Equal(t, 2, ev.Attempts)
	assert.Equal(t, domain.PlanTier1, h.subscription(t, "user-1").PlanID)
	assert.Equal(t, int64(100), h.balance(t, "user-1"))
}

func TestWebhookProcessor_InvalidMetadataFails(t *testing.T) {
	h := newHarness(t)

	res, err := h.deliver(t, "evt_1", domain.EventCheckoutSessionCompleted, purchaseCheckout("cs_1", "", "10"))
	require.Error(t, err)
	assert.NotNil(t, domain.GetValidationFields(err))
	assert.Equal(t, domain.WebhookFailed, res.Status)
}

func TestWebhookProcessor_UnknownEventIsProcessed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.mustDeliver(t, "evt_1", "customer.created", map[string]any{"id": "cus_1"})
	assert.Equal(t, domain.WebhookProcessed, res.Status)

	ev, err := h.store.GetWebhookEvent(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, "customer.created", ev.Type)
	assert.Equal(t, domain.WebhookProcessed, ev.Status)

	res = h.mustDeliver(t, "evt_1", "customer.created", map[string]any{"id": "cus_1"})
	assert.True(t, res.Duplicate)
}

func TestWebhookProcessor_RequiresEventID(t *testing.T) {
	h := newHarness(t)
	_, err := h.processor.Process(context.Background(), &domain.VerifiedEvent{Type: domain.EventInvoicePaid})
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
}
