package domain

import (
	"context"
	"time"
)

// Subscription is the per-user entitlement record.
//
// Empty strings and nil times stand for absent values. Version is bumped by
// the store on every successful write and is used for compare-and-swap.
type Subscription struct {
	UserID          string
	PlanID          PlanID
	Status          Status
	BillingInterval Interval

	ProviderSubscriptionID string
	ProviderCustomerID     string

	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time

	// Deferred downgrade. Either all three are set or none.
	PendingPlanID                 PlanID
	PendingEffectiveDate          *time.Time
	PendingProviderSubscriptionID string

	LastTokenResetAt   *time.Time
	NextTokenResetAt   *time.Time
	LastResetInvoiceID string

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewFreeSubscription returns the record a user has before any purchase.
func NewFreeSubscription(userID string, now time.Time) *Subscription {
	return &Subscription{
		UserID:          userID,
		PlanID:          PlanFree,
		Status:          StatusActive,
		BillingInterval: IntervalMonthly,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// IsCurrent reports whether providerSubscriptionID refers to the provider
// subscription this record currently tracks. Events about any other
// subscription are stale and must not mutate the record.
func (s *Subscription) IsCurrent(providerSubscriptionID string) bool {
	return providerSubscriptionID != "" && s.ProviderSubscriptionID == providerSubscriptionID
}

// HasPending reports whether a deferred downgrade is recorded.
func (s *Subscription) HasPending() bool {
	return s.PendingPlanID != ""
}

// PendingDue reports whether the deferred downgrade should be applied at now.
func (s *Subscription) PendingDue(now time.Time) bool {
	return s.HasPending() && s.PendingEffectiveDate != nil && !now.Before(*s.PendingEffectiveDate)
}

// SetPending records a deferred downgrade, replacing any earlier one.
func (s *Subscription) SetPending(plan PlanID, effective time.Time, providerSubscriptionID string) {
	s.PendingPlanID = plan
	s.PendingEffectiveDate = &effective
	s.PendingProviderSubscriptionID = providerSubscriptionID
}

// ClearPending drops any deferred downgrade.
func (s *Subscription) ClearPending() {
	s.PendingPlanID = ""
	s.PendingEffectiveDate = nil
	s.PendingProviderSubscriptionID = ""
}

// ApplyDuePending adopts the pending plan when its effective date has passed.
// It returns true if the record changed.
func (s *Subscription) ApplyDuePending(now time.Time) bool {
	if !s.PendingDue(now) {
		return false
	}
	s.PlanID = s.PendingPlanID
	s.ClearPending()
	return true
}

// RevertToFree resets the record after its current provider subscription ended.
// The token balance is owned by the ledger and is not touched here.
func (s *Subscription) RevertToFree(now time.Time) {
	s.PlanID = PlanFree
	s.Status = StatusActive
	s.BillingInterval = IntervalMonthly
	s.ProviderSubscriptionID = ""
	s.ClearPending()
	s.NormalizeResetSchedule(now)
}

// NormalizeResetSchedule keeps NextTokenResetAt consistent with the plan:
// it is only set for active annual subscriptions. A newly required schedule
// continues from the last reset when there was one.
func (s *Subscription) NormalizeResetSchedule(now time.Time) {
	if s.BillingInterval != IntervalAnnual || s.Status != StatusActive || s.PlanID == PlanFree {
		s.NextTokenResetAt = nil
		return
	}
	if s.NextTokenResetAt != nil {
		return
	}
	next := NextMonth(now)
	if s.LastTokenResetAt != nil {
		next = NextMonth(*s.LastTokenResetAt)
	}
	s.NextTokenResetAt = &next
}

// Clone returns a deep copy, so callers can compare before and after a mutation.
func (s *Subscription) Clone() *Subscription {
	c := *s
	c.CurrentPeriodStart = cloneTime(s.CurrentPeriodStart)
	c.CurrentPeriodEnd = cloneTime(s.CurrentPeriodEnd)
	c.PendingEffectiveDate = cloneTime(s.PendingEffectiveDate)
	c.LastTokenResetAt = cloneTime(s.LastTokenResetAt)
	c.NextTokenResetAt = cloneTime(s.NextTokenResetAt)
	return &c
}

// NextMonth returns t advanced by one calendar month.
func NextMonth(t time.Time) time.Time {
	return t.AddDate(0, 1, 0)
}

// TimePtr returns a pointer to a copy of t, or nil for the zero time.
func TimePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// SubscriptionStore persists Subscription records.
//
// Update is a compare-and-swap on Version: it fails with ErrVersionConflict
// when the stored version differs from sub.Version, and on success it stores
// the incremented version back into sub.
type SubscriptionStore interface {
	GetSubscription(ctx context.Context, userID string) (*Subscription, error)
	FindByProviderSubscription(ctx context.Context, providerSubscriptionID string) (*Subscription, error)
	FindByProviderCustomer(ctx context.Context, providerCustomerID string) (*Subscription, error)
	CreateSubscription(ctx context.Context, sub *Subscription) error
	UpdateSubscription(ctx context.Context, sub *Subscription) error

	// ListDueAnnualResets returns up to limit active annual subscriptions
	// whose NextTokenResetAt is at or before now, ordered by user id and
	// starting after afterUserID.
	ListDueAnnualResets(ctx context.Context, now time.Time, afterUserID string, limit int) ([]Subscription, error)
}
