package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dukerupert/reckon/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenLedger_AdjustValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		userID string
		delta  int64
		reason domain.Reason
	}{
		{"missing user", "", 10, domain.ReasonAdjustment},
		{"zero delta", "user-1", 0, domain.ReasonAdjustment},
		{"unknown reason", "user-1", 10, domain.Reason("gift")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.ledger.Adjust(ctx, tt.userID, tt.delta, tt.reason, nil)
			assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
		})
	}

	_, err := h.ledger.AdjustOnce(ctx, "", "user-1", 10, domain.ReasonPurchase, nil)
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
}

func TestTokenLedger_InsufficientBalance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.ledger.Adjust(ctx, "user-1", 50, domain.ReasonPurchase, nil)
	require.NoError(t, err)
	require.True(t, res.Success)

	res, err = h.ledger.Adjust(ctx, "user-1", -80, domain.ReasonGenerationSpend, map[string]string{domain.MetaJobID: "job-1"})
	require.NoError(t, err, "insufficient balance is an outcome, not an error")
	assert.False(t, res.Success)
	assert.Equal(t, int64(50), res.Balance)
	assert.Nil(t, res.Entry)

	entries, err := h.ledger.Entries(ctx, "user-1", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "rejected debit writes no entry")

	res, err = h.ledger.Adjust(ctx, "user-1", -50, domain.ReasonGenerationSpend, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(0), res.Balance)
}

func TestTokenLedger_ConcurrentDebitsNeverGoNegative(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.ledger.Adjust(ctx, "user-1", 100, domain.ReasonPurchase, nil)
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.ledger.Adjust(ctx, "user-1", -10, domain.ReasonGenerationSpend, nil)
			assert.NoError(t, err)
			if res.Success {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	assert.Equal(t, int64(0), h.balance(t, "user-1"))
}

func TestTokenLedger_EntriesSumToBalance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.ledger.Adjust(ctx, "user-1", 300, domain.ReasonPurchase, nil)
	require.NoError(t, err)
	_, err = h.ledger.Adjust(ctx, "user-1", -120, domain.ReasonGenerationSpend, nil)
	require.NoError(t, err)
	_, err = h.ledger.ResetForInvoice(ctx, "user-1", "in_1", domain.PlanTier2, domain.ReasonMonthlyReset)
	require.NoError(t, err)
	_, err = h.ledger.Adjust(ctx, "user-1", -7, domain.ReasonGenerationSpend, nil)
	require.NoError(t, err)
	_, err = h.ledger.Adjust(ctx, "user-1", 2, domain.ReasonRefund, nil)
	require.NoError(t, err)

	entries, err := h.ledger.Entries(ctx, "user-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 5)

	var sum int64
	for _, e := range entries {
		sum += e.Change
		assert.GreaterOrEqual(t, e.BalanceAfter, int64(0))
	}
	assert.Equal(t, h.balance(t, "user-1"), sum)
	assert.Equal(t, int64(495), sum)

	// Newest first, and each entry continues from the one before it.
	assert.Equal(t, entries[0].BalanceAfter, sum)
	for i := 0; i < len(entries)-1; i++ {
		assert.Equal(t, entries[i+1].BalanceAfter+entries[i].Change, entries[i].BalanceAfter)
	}

	limited, err := h.ledger.Entries(ctx, "user-1", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
	assert.Equal(t, domain.ReasonRefund, limited[0].Reason)
}

func TestTokenLedger_AdjustOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.ledger.AdjustOnce(ctx, "checkout:cs_1", "user-1", 250, domain.ReasonPurchase, nil)
	require.NoError(t, err)
	assert.True(t, first.Success)
	assert.False(t, first.Duplicate)

	second, err := h.ledger.AdjustOnce(ctx, "checkout:cs_1", "user-1", 250, domain.ReasonPurchase, nil)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, int64(250), second.Balance)

	// Keys are scoped per user.
	other, err := h.ledger.AdjustOnce(ctx, "checkout:cs_1", "user-2", 250, domain.ReasonPurchase, nil)
	require.NoError(t, err)
	assert.False(t, other.Duplicate)
}

func TestTokenLedger_ResetForInvoiceIsAtMostOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.ledger.ResetForInvoice(ctx, "user-1", "in_1", domain.PlanTier1, domain.ReasonMonthlyReset)
			assert.NoError(t, err)
			if !res.AlreadyProcessed {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	assert.Equal(t, int64(100), h.balance(t, "user-1"))

	_, err := h.ledger.ResetForInvoice(ctx, "user-1", "", domain.PlanTier1, domain.ReasonMonthlyReset)
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
}

// seedAnnual stores an active annual subscription whose token reset is due at due.
func seedAnnual(t *testing.T, h *harness, userID string, plan domain.PlanID, due time.Time) {
	t.Helper()
	sub := domain.NewFreeSubscription(userID, testStart)
	sub.PlanID = plan
	sub.BillingInterval = domain.IntervalAnnual
	sub.ProviderSubscriptionID = "sub_" + userID
	sub.ProviderCustomerID = "cus_" + userID
	sub.NextTokenResetAt = &due
	require.NoError(t, h.store.CreateSubscription(context.Background(), sub))
}

func TestTokenLedger_ClaimIsAtMostOncePerCycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedAnnual(t, h, "user-1", domain.PlanTier2, testStart.Add(-time.Hour))

	_, err := h.ledger.Adjust(ctx, "user-1", 40, domain.ReasonPurchase, nil)
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.ledger.ResetWithNextSchedule(ctx, "user-1", domain.PlanTier2, domain.ReasonMonthlyReset, true)
			assert.NoError(t, err)
			if !res.AlreadyClaimed {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	assert.Equal(t, int64(500), h.balance(t, "user-1"))

	sub := h.subscription(t, "user-1")
	require.NotNil(t, sub.NextTokenResetAt)
	assert.True(t, sub.NextTokenResetAt.Equal(testStart.AddDate(0, 1, 0)))
	require.NotNil(t, sub.LastTokenResetAt)
	assert.True(t, sub.LastTokenResetAt.Equal(testStart))
}

func TestTokenLedger_ResetWithoutClaimCheck(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedAnnual(t, h, "user-1", domain.PlanTier1, testStart.AddDate(0, 0, 10))

	res, err := h.ledger.ResetWithNextSchedule(ctx, "user-1", domain.PlanTier1, domain.ReasonMonthlyReset, true)
	require.NoError(t, err)
	assert.True(t, res.AlreadyClaimed, "not due yet")

	res, err = h.ledger.ResetWithNextSchedule(ctx, "user-1", domain.PlanTier1, domain.ReasonAdjustment, false)
	require.NoError(t, err)
	assert.False(t, res.AlreadyClaimed)
	assert.Equal(t, int64(100), res.Balance)
	require.NotNil(t, res.Entry)
	assert.Equal(t, "schedule", res.Entry.Metadata[domain.MetaSource])
}

func TestTokenLedger_ForcedResetKeepsMonthlyUnscheduled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.subscribe(t, "user-1", domain.PlanTier1, domain.IntervalMonthly, "sub_1")

	_, err := h.ledger.Adjust(ctx, "user-1", -30, domain.ReasonGenerationSpend, nil)
	require.NoError(t, err)

	res, err := h.ledger.ResetWithNextSchedule(ctx, "user-1", domain.PlanTier1, domain.ReasonAdjustment, false)
	require.NoError(t, err)
	assert.False(t, res.AlreadyClaimed)
	assert.Equal(t, int64(100), res.Balance)
	assert.Nil(t, res.NextResetAt)

	sub := h.subscription(t, "user-1")
	assert.Nil(t, sub.NextTokenResetAt, "monthly subscriptions never carry a reset schedule")
	require.NotNil(t, sub.LastTokenResetAt)
	assert.True(t, sub.LastTokenResetAt.Equal(testStart))
}

func TestTokenLedger_NotifiesAppliedChangesOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.ledger.AdjustOnce(ctx, "checkout:cs_1", "user-1", 10, domain.ReasonPurchase, nil)
		require.NoError(t, err)
	}
	_, err := h.ledger.Adjust(ctx, "user-1", -500, domain.ReasonGenerationSpend, nil)
	require.NoError(t, err)

	h.notifier.mu.Lock()
	defer h.notifier.mu.Unlock()
	require.Len(t, h.notifier.balances, 1, fmt.Sprintf("%+v", h.notifier.balances))
	assert.Equal(t, int64(10), h.notifier.balances[0].BalanceAfter)
}
