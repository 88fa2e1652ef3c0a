package billing

import (
	"testing"
	"time"

	"github.com/dukerupert/reckon/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func verified(typ, object string) *domain.VerifiedEvent {
	return &domain.VerifiedEvent{
		ID:      "evt_1",
		Type:    typ,
		Created: time.Unix(1700000000, 0).UTC(),
		Object:  []byte(object),
	}
}

func TestDecodeEvent_Checkout(t *testing.T) {
	tests := []struct {
		name       string
		object     string
		want       domain.ProviderEvent
		wantFields []string
	}{
		{
			name:   "token purchase",
			object: `{"id":"cs_1","mode":"payment","payment_status":"paid","customer":"cus_1","metadata":{"user_id":"user-1","token_amount":"250"}}`,
			want: domain.TokenPurchaseCompleted{
				SessionID:   "cs_1",
				UserID:      "user-1",
				CustomerID:  "cus_1",
				TokenAmount: 250,
			},
		},
		{
			name:   "subscription checkout with expanded customer",
			object: `{"id":"cs_2","mode":"subscription","payment_status":"paid","customer":{"id":"cus_2","object":"customer"},"subscription":"sub_2","metadata":{"user_id":"user-2","plan_id":"Tier2","market":"EU","billing_interval":"annual"}}`,
			want: domain.SubscriptionCheckoutCompleted{
				SessionID:              "cs_2",
				UserID:                 "user-2",
				PlanID:                 domain.PlanTier2,
				Market:                 "eu",
				Interval:               domain.IntervalAnnual,
				ProviderSubscriptionID: "sub_2",
				ProviderCustomerID:     "cus_2",
			},
		},
		{
			name:   "subscription checkout without interval",
			object: `{"id":"cs_3","mode":"subscription","payment_status":"paid","customer":"cus_3","subscription":"sub_3","metadata":{"user_id":"user-3","plan_id":"tier1"}}`,
			want: domain.SubscriptionCheckoutCompleted{
				SessionID:              "cs_3",
				UserID:                 "user-3",
				PlanID:                 domain.PlanTier1,
				ProviderSubscriptionID: "sub_3",
				ProviderCustomerID:     "cus_3",
			},
		},
		{
			name:   "unpaid checkout is ignored",
			object: `{"id":"cs_4","mode":"payment","payment_status":"unpaid","metadata":{"user_id":"user-4","token_amount":"10"}}`,
			want:   domain.UnknownEvent{},
		},
		{
			name:   "setup mode is ignored",
			object: `{"id":"cs_5","mode":"setup","payment_status":"no_payment_required"}`,
			want:   domain.UnknownEvent{},
		},
		{
			name:       "purchase without user",
			object:     `{"id":"cs_6","mode":"payment","payment_status":"paid","metadata":{"token_amount":"10"}}`,
			wantFields: []string{MetaUserID},
		},
		{
			name:       "purchase with non-positive amount",
			object:     `{"id":"cs_7","mode":"payment","payment_status":"paid","metadata":{"user_id":"u","token_amount":"0"}}`,
			wantFields: []string{MetaTokenAmount},
		},
		{
			name:       "purchase with non-numeric amount",
			object:     `{"id":"cs_8","mode":"payment","payment_status":"paid","metadata":{"user_id":"u","token_amount":"lots"}}`,
			wantFields: []string{MetaTokenAmount},
		},
		{
			name:       "subscription with free plan and no subscription",
			object:     `{"id":"cs_9","mode":"subscription","payment_status":"paid","metadata":{"user_id":"u","plan_id":"free"}}`,
			wantFields: []string{MetaPlanID, "subscription"},
		},
		{
			name:       "subscription with bad interval",
			object:     `{"id":"cs_10","mode":"subscription","payment_status":"paid","subscription":"sub_10","metadata":{"user_id":"u","plan_id":"tier3","billing_interval":"weekly"}}`,
			wantFields: []string{MetaBillingInterval},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeEvent(verified(domain.EventCheckoutSessionCompleted, tt.object))

			if tt.wantFields != nil {
				require.Error(t, err)
				require.NotNil(t, domain.GetValidationFields(err), "want validation error, got %v", err)
				fields := domain.GetValidationFields(err)
				for _, f := range tt.wantFields {
					assert.Contains(t, fields, f)
				}
				assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
				return
			}

			require.NoError(t, err)
			assert.Equal(t, "evt_1", got.Header().ID)

			switch want := tt.want.(type) {
			case domain.TokenPurchaseCompleted:
				want.EventHeader = got.Header()
				assert.Equal(t, want, got)
			case domain.SubscriptionCheckoutCompleted:
				want.EventHeader = got.Header()
				assert.Equal(t, want, got)
			case domain.UnknownEvent:
				assert.IsType(t, domain.UnknownEvent{}, got)
			}
		})
	}
}

func TestDecodeEvent_AsyncPaymentSucceeded(t *testing.T) {
	got, err := DecodeEvent(verified(domain.EventCheckoutAsyncPaymentSucceeded,
		`{"id":"cs_1","mode":"payment","payment_status":"paid","metadata":{"user_id":"user-1","token_amount":"5"}}`))
	require.NoError(t, err)

	purchase, ok := got.(domain.TokenPurchaseCompleted)
	require.True(t, ok)
	assert.Equal(t, int64(5), purchase.TokenAmount)
}

func TestDecodeEvent_Invoice(t *testing.T) {
	t.Run("subscription id from parent details", func(t *testing.T) {
		got, err := DecodeEvent(verified(domain.EventInvoicePaid, `{
			"id": "in_1",
			"customer": "cus_1",
			"billing_reason": "subscription_cycle",
			"parent": {"type": "subscription_details", "subscription_details": {"subscription": "sub_1"}},
			"period_start": 1,
			"period_end": 2,
			"lines": {"data": [{"period": {"start": 1700000000, "end": 1702592000}}]}
		}`))
		require.NoError(t, err)

		inv, ok := got.(domain.InvoicePaid)
		require.True(t, ok)
		assert.Equal(t, "in_1", inv.InvoiceID)
		assert.Equal(t, "sub_1", inv.ProviderSubscriptionID)
		assert.Equal(t, "cus_1", inv.ProviderCustomerID)
		assert.True(t, inv.IsRenewal())
		assert.Equal(t, time.Unix(1700000000, 0).UTC(), inv.PeriodStart)
		assert.Equal(t, time.Unix(1702592000, 0).UTC(), inv.PeriodEnd)
	})

	t.Run("legacy top-level subscription", func(t *testing.T) {
		got, err := DecodeEvent(verified(domain.EventInvoicePaymentSucceeded,
			`{"id":"in_2","subscription":"sub_2","billing_reason":"subscription_create","period_start":1700000000,"period_end":1700000100}`))
		require.NoError(t, err)

		inv := got.(domain.InvoicePaid)
		assert.Equal(t, "sub_2", inv.ProviderSubscriptionID)
		assert.False(t, inv.IsRenewal())
		assert.Equal(t, time.Unix(1700000100, 0).UTC(), inv.PeriodEnd)
	})

	t.Run("payment failed", func(t *testing.T) {
		got, err := DecodeEvent(verified(domain.EventInvoicePaymentFailed, `{"id":"in_3","subscription":"sub_3","customer":"cus_3"}`))
		require.NoError(t, err)

		failed, ok := got.(domain.InvoicePaymentFailed)
		require.True(t, ok)
		assert.Equal(t, "sub_3", failed.ProviderSubscriptionID)
	})
}

func TestDecodeEvent_Subscription(t *testing.T) {
	t.Run("updated reads item period", func(t *testing.T) {
		got, err := DecodeEvent(verified(domain.EventSubscriptionUpdated, `{
			"id": "sub_1",
			"customer": "cus_1",
			"status": "past_due",
			"items": {"data": [{"current_period_start": 1700000000, "current_period_end": 1702592000}]}
		}`))
		require.NoError(t, err)

		upd, ok := got.(domain.SubscriptionUpdated)
		require.True(t, ok)
		assert.Equal(t, domain.StatusPastDue, upd.Status)
		assert.Equal(t, time.Unix(1702592000, 0).UTC(), upd.CurrentPeriodEnd)
	})

	t.Run("deleted", func(t *testing.T) {
		got, err := DecodeEvent(verified(domain.EventSubscriptionDeleted, `{"id":"sub_2","customer":"cus_2","status":"canceled"}`))
		require.NoError(t, err)

		del, ok := got.(domain.SubscriptionDeleted)
		require.True(t, ok)
		assert.Equal(t, "sub_2", del.ProviderSubscriptionID)
		assert.Equal(t, "cus_2", del.ProviderCustomerID)
	})
}

func TestDecodeEvent_Unknown(t *testing.T) {
	got, err := DecodeEvent(verified("customer.created", `{"id":"cus_1"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.UnknownEvent{EventHeader: got.Header()}, got)
	assert.Equal(t, "customer.created", got.Header().Type)
}

func TestDecodeEvent_Malformed(t *testing.T) {
	_, err := DecodeEvent(verified(domain.EventInvoicePaid, `{"id": 12`))
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))

	_, err = DecodeEvent(&domain.VerifiedEvent{ID: "evt_2", Type: domain.EventSubscriptionDeleted})
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
}

func TestParseEnvelope(t *testing.T) {
	ev, err := ParseEnvelope([]byte(`{"id":"evt_9","type":"invoice.paid","created":1700000000,"data":{"object":{"id":"in_9"}}}`))
	require.NoError(t, err)
	assert.Equal(t, "evt_9", ev.ID)
	assert.JSONEq(t, `{"id":"in_9"}`, string(ev.Object))

	_, err = ParseEnvelope([]byte(`{"type":"invoice.paid"}`))
	assert.Error(t, err)
}
