package cron

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dukerupert/reckon/internal/billing"
	"github.com/dukerupert/reckon/internal/catalog"
	"github.com/dukerupert/reckon/internal/domain"
	"github.com/dukerupert/reckon/internal/memory"
	"github.com/dukerupert/reckon/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newReconciler(t *testing.T, store *memory.Store) (*service.Reconciler, *service.TokenLedger) {
	t.Helper()
	cat := catalog.New(catalog.Config{})
	ledger := service.NewTokenLedger(store, cat, nil)
	subs := service.NewSubscriptionService(store, ledger, billing.NewMockProvider(), cat, nil, time.Second)
	return service.NewReconciler(store, subs, ledger, 0, 0), ledger
}

func seedDueAnnual(t *testing.T, store *memory.Store, userID string, plan domain.PlanID) {
	t.Helper()
	now := time.Now()
	due := now.Add(-time.Hour)
	sub := domain.NewFreeSubscription(userID, now.AddDate(-1, 0, 0))
	sub.PlanID = plan
	sub.BillingInterval = domain.IntervalAnnual
	sub.ProviderSubscriptionID = "sub_" + userID
	sub.ProviderCustomerID = "cus_" + userID
	sub.NextTokenResetAt = &due
	require.NoError(t, store.CreateSubscription(context.Background(), sub))
}

func TestReconcileHandler(t *testing.T) {
	store := memory.New()
	reconciler, ledger := newReconciler(t, store)
	seedDueAnnual(t, store, "user_a", domain.PlanTier1)
	seedDueAnnual(t, store, "user_b", domain.PlanTier2)

	h := NewReconcileHandler(reconciler)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/cron/reconcile", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var summary domain.SweepSummary
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&summary))
	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 0, summary.Failed)
	assert.Empty(t, summary.Errors)

	balance, err := ledger.Balance(context.Background(), "user_b")
	require.NoError(t, err)
	assert.Equal(t, catalog.DefaultAllotments[domain.PlanTier2], balance)

	t.Run("second run finds nothing due", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/cron/reconcile", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var summary domain.SweepSummary
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&summary))
		assert.Equal(t, 0, summary.Processed)
		assert.NotNil(t, summary.Errors)
	})
}

type failingSweeper struct{}

func (failingSweeper) Sweep(context.Context, string) (domain.SweepSummary, error) {
	return domain.SweepSummary{}, domain.WrapError(errors.New("connection reset"), domain.EUNAVAILABLE, "subscription.list_due", "datastore unavailable")
}

func TestReconcileHandler_ListingFails(t *testing.T) {
	h := NewReconcileHandler(failingSweeper{})

	req := httptest.NewRequest(http.MethodPost, "/cron/reconcile", nil)
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection reset")
}
