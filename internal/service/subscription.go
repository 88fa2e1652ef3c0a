package service

import (
	"context"
	"errors"
	"time"

	"github.com/dukerupert/reckon/internal/catalog"
	"github.com/dukerupert/reckon/internal/domain"
	"github.com/dukerupert/reckon/internal/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	maxWriteAttempts     = 5
	defaultCancelTimeout = 10 * time.Second
)

// errStale aborts a mutation whose event refers to a superseded provider subscription.
var errStale = errors.New("event refers to a superseded subscription")

// SubscriptionProvider is the part of the payment provider the state machine calls.
type SubscriptionProvider interface {
	GetSubscription(ctx context.Context, id string) (*domain.ProviderSubscription, error)
	CancelSubscription(ctx context.Context, id string) error
}

// PriceLookup maps a provider price back to a plan and interval.
type PriceLookup interface {
	LookupPrice(priceID string) (catalog.PriceRef, bool)
}

// SubscriptionService is the subscription state machine. Every write is a
// compare-and-swap on the record's version; on conflict the record is
// re-read and the transition re-applied.
type SubscriptionService struct {
	store         domain.SubscriptionStore
	ledger        *TokenLedger
	provider      SubscriptionProvider
	prices        PriceLookup
	notify        Notifier
	cancelTimeout time.Duration
	now           func() time.Time
}

// NewSubscriptionService creates a SubscriptionService. notify may be nil;
// a zero cancelTimeout uses the default.
func NewSubscriptionService(store domain.SubscriptionStore, ledger *TokenLedger, provider SubscriptionProvider, prices PriceLookup, notify Notifier, cancelTimeout time.Duration) *SubscriptionService {
	if notify == nil {
		notify = nopNotifier{}
	}
	if cancelTimeout <= 0 {
		cancelTimeout = defaultCancelTimeout
	}
	return &SubscriptionService{
		store:         store,
		ledger:        ledger,
		provider:      provider,
		prices:        prices,
		notify:        notify,
		cancelTimeout: cancelTimeout,
		now:           time.Now,
	}
}

// Get returns the user's subscription. Users without a record are on the free plan.
func (s *SubscriptionService) Get(ctx context.Context, userID string) (*domain.Subscription, error) {
	sub, err := s.store.GetSubscription(ctx, userID)
	if errors.Is(err, domain.ErrSubscriptionNotFound) {
		return domain.NewFreeSubscription(userID, s.now()), nil
	}
	return sub, err
}

// HandleCheckoutCompleted makes the checkout's provider subscription the
// authoritative one for the user and classifies the plan change.
//
// Flow:
//  1. Fetch period bounds and price from the provider
//  2. Ensure the user has a record
//  3. Compare plan ranks against the stored plan
//  4. Upgrade: switch plan
//     Downgrade: keep plan and balance, record the pending change
//     Lateral: update interval bookkeeping only
//  5. Once the record is written, grant the new allotment if the committed
//     change was an upgrade (keyed by checkout session)
//  6. Best-effort cancel of the superseded provider subscription
func (s *SubscriptionService) HandleCheckoutCompleted(ctx context.Context, ev domain.SubscriptionCheckoutCompleted) error {
	const op = "subscription.checkout_completed"

	if !ev.PlanID.Valid() || ev.PlanID == domain.PlanFree {
		return domain.NewValidationError(op, "plan_id", "must be a paid plan")
	}

	ps, err := s.provider.GetSubscription(ctx, ev.ProviderSubscriptionID)
	if err != nil {
		return domain.WrapError(err, domain.EUNAVAILABLE, op, "failed to fetch provider subscription")
	}
	interval := s.resolveInterval(ev, ps)

	if _, err := s.ensure(ctx, ev.UserID); err != nil {
		return err
	}

	var (
		prior  *domain.Subscription
		change domain.PlanChange
	)
	sub, err := s.mutate(ctx, ev.UserID, func(sub *domain.Subscription) error {
		prior = sub.Clone()
		change = domain.ClassifyChange(sub.PlanID, ev.PlanID)

		sub.ProviderSubscriptionID = ev.ProviderSubscriptionID
		if ev.ProviderCustomerID != "" {
			sub.ProviderCustomerID = ev.ProviderCustomerID
		}
		sub.Status = domain.StatusActive
		sub.BillingInterval = interval
		sub.CurrentPeriodStart = domain.TimePtr(ps.CurrentPeriodStart)
		sub.CurrentPeriodEnd = domain.TimePtr(ps.CurrentPeriodEnd)

		switch change {
		case domain.ChangeUpgrade:
			sub.PlanID = ev.PlanID
			sub.ClearPending()
		case domain.ChangeDowngrade:
			effective := s.now()
			if sub.CurrentPeriodEnd != nil {
				effective = *sub.CurrentPeriodEnd
			}
			sub.SetPending(ev.PlanID, effective, ev.ProviderSubscriptionID)
		default:
			sub.ClearPending()
		}
		return nil
	})
	if err != nil {
		return err
	}

	// The closure may run once per write attempt; only the committed
	// classification decides the grant.
	if change == domain.ChangeUpgrade {
		if err := s.grantUpgrade(ctx, ev); err != nil {
			return err
		}
	}

	kind := change.String()
	if change == domain.ChangeDowngrade {
		kind = "downgrade_scheduled"
	}
	if telemetry.Business != nil {
		telemetry.Business.PlanChanges.WithLabelValues(kind).Inc()
	}
	log.Info().
		Str("user_id", sub.UserID).
		Str("from_plan", string(prior.PlanID)).
		Str("to_plan", string(ev.PlanID)).
		Str("change", kind).
		Str("interval", string(sub.BillingInterval)).
		Str("provider_subscription_id", sub.ProviderSubscriptionID).
		Msg("subscription checkout applied")

	if prior.ProviderSubscriptionID != "" && prior.ProviderSubscriptionID != ev.ProviderSubscriptionID {
		s.cancelSuperseded(ctx, sub.UserID, prior.ProviderSubscriptionID)
	}
	return nil
}

func (s *SubscriptionService) grantUpgrade(ctx context.Context, ev domain.SubscriptionCheckoutCompleted) error {
	key := ev.SessionID
	if key == "" {
		key = ev.ID
	}
	_, err := s.ledger.AdjustOnce(ctx, "checkout:"+key, ev.UserID, s.ledger.Allotment(ev.PlanID), domain.ReasonPlanUpgrade, map[string]string{
		domain.MetaPlanID:                 string(ev.PlanID),
		domain.MetaProviderSubscriptionID: ev.ProviderSubscriptionID,
		domain.MetaCheckoutSessionID:      ev.SessionID,
		domain.MetaEventID:                ev.ID,
	})
	return err
}

// resolveInterval prefers checkout metadata, then the catalog's reverse price
// lookup, then the provider price's recurring interval.
func (s *SubscriptionService) resolveInterval(ev domain.SubscriptionCheckoutCompleted, ps *domain.ProviderSubscription) domain.Interval {
	if ev.Interval.Valid() {
		return ev.Interval
	}
	if s.prices != nil && ps.PriceID != "" {
		if ref, ok := s.prices.LookupPrice(ps.PriceID); ok && ref.Interval.Valid() {
			return ref.Interval
		}
	}
	if ps.Interval.Valid() {
		return ps.Interval
	}
	log.Warn().
		Str("user_id", ev.UserID).
		Str("price_id", ps.PriceID).
		Msg("could not determine billing interval, assuming monthly")
	return domain.IntervalMonthly
}

// cancelSuperseded cancels a provider subscription the user no longer uses.
// Failure is logged and does not affect the local record.
func (s *SubscriptionService) cancelSuperseded(ctx context.Context, userID, providerSubscriptionID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cancelTimeout)
	defer cancel()

	if err := s.provider.CancelSubscription(ctx, providerSubscriptionID); err != nil {
		log.Warn().
			Err(err).
			Str("user_id", userID).
			Str("provider_subscription_id", providerSubscriptionID).
			Msg("failed to cancel superseded subscription")
		if telemetry.Business != nil {
			telemetry.Business.ProviderCancelFails.Inc()
		}
		return
	}
	log.Info().
		Str("user_id", userID).
		Str("provider_subscription_id", providerSubscriptionID).
		Msg("canceled superseded subscription")
}

// HandleInvoicePaid refreshes the billing period. A monthly renewal also
// applies a due downgrade and resets the balance, once per invoice. Annual
// renewals only refresh dates; their resets belong to the sweep.
func (s *SubscriptionService) HandleInvoicePaid(ctx context.Context, ev domain.InvoicePaid) error {
	if ev.ProviderSubscriptionID == "" {
		log.Debug().Str("invoice_id", ev.InvoiceID).Msg("invoice not tied to a subscription, ignoring")
		return nil
	}

	found, err := s.locate(ctx, ev.ProviderSubscriptionID, ev.ProviderCustomerID)
	if err != nil {
		return ignoreMissing(err, ev.EventHeader)
	}

	var monthlyRenewal, downgraded bool
	sub, err := s.mutateCurrent(ctx, found.UserID, ev.EventHeader, ev.ProviderSubscriptionID, func(sub *domain.Subscription) error {
		sub.Status = domain.StatusActive
		if !ev.PeriodStart.IsZero() {
			sub.CurrentPeriodStart = domain.TimePtr(ev.PeriodStart)
		}
		if !ev.PeriodEnd.IsZero() {
			sub.CurrentPeriodEnd = domain.TimePtr(ev.PeriodEnd)
		}

		monthlyRenewal = ev.IsRenewal() && sub.BillingInterval == domain.IntervalMonthly
		if monthlyRenewal {
			at := s.now()
			if ev.PeriodStart.After(at) {
				at = ev.PeriodStart
			}
			downgraded = sub.ApplyDuePending(at)
		}
		return nil
	})
	if err != nil || sub == nil {
		return err
	}

	if downgraded {
		s.recordDowngradeApplied(sub)
	}
	if !monthlyRenewal {
		return nil
	}

	res, err := s.ledger.ResetForInvoice(ctx, sub.UserID, ev.InvoiceID, sub.PlanID, domain.ReasonMonthlyReset)
	if err != nil {
		return err
	}
	if res.AlreadyProcessed {
		return nil
	}

	_, err = s.mutateCurrent(ctx, sub.UserID, ev.EventHeader, ev.ProviderSubscriptionID, func(sub *domain.Subscription) error {
		now := s.now()
		sub.LastTokenResetAt = &now
		sub.LastResetInvoiceID = ev.InvoiceID
		return nil
	})
	return err
}

// HandlePaymentFailed marks the current subscription past due.
func (s *SubscriptionService) HandlePaymentFailed(ctx context.Context, ev domain.InvoicePaymentFailed) error {
	if ev.ProviderSubscriptionID == "" {
		return nil
	}

	found, err := s.locate(ctx, ev.ProviderSubscriptionID, ev.ProviderCustomerID)
	if err != nil {
		return ignoreMissing(err, ev.EventHeader)
	}

	sub, err := s.mutateCurrent(ctx, found.UserID, ev.EventHeader, ev.ProviderSubscriptionID, func(sub *domain.Subscription) error {
		sub.Status = domain.StatusPastDue
		return nil
	})
	if err == nil && sub != nil {
		log.Warn().Str("user_id", sub.UserID).Str("invoice_id", ev.InvoiceID).Msg("subscription payment failed, marked past due")
	}
	return err
}

// HandleSubscriptionUpdated refreshes status and current period end.
func (s *SubscriptionService) HandleSubscriptionUpdated(ctx context.Context, ev domain.SubscriptionUpdated) error {
	found, err := s.locate(ctx, ev.ProviderSubscriptionID, ev.ProviderCustomerID)
	if err != nil {
		return ignoreMissing(err, ev.EventHeader)
	}

	_, err = s.mutateCurrent(ctx, found.UserID, ev.EventHeader, ev.ProviderSubscriptionID, func(sub *domain.Subscription) error {
		if ev.Status.Valid() {
			sub.Status = ev.Status
		}
		if !ev.CurrentPeriodStart.IsZero() {
			sub.CurrentPeriodStart = domain.TimePtr(ev.CurrentPeriodStart)
		}
		if !ev.CurrentPeriodEnd.IsZero() {
			sub.CurrentPeriodEnd = domain.TimePtr(ev.CurrentPeriodEnd)
		}
		return nil
	})
	return err
}

// HandleSubscriptionDeleted reverts the user to the free plan when their
// current provider subscription ends. Earned tokens are kept.
func (s *SubscriptionService) HandleSubscriptionDeleted(ctx context.Context, ev domain.SubscriptionDeleted) error {
	found, err := s.locate(ctx, ev.ProviderSubscriptionID, ev.ProviderCustomerID)
	if err != nil {
		return ignoreMissing(err, ev.EventHeader)
	}

	sub, err := s.mutateCurrent(ctx, found.UserID, ev.EventHeader, ev.ProviderSubscriptionID, func(sub *domain.Subscription) error {
		sub.RevertToFree(s.now())
		return nil
	})
	if err != nil || sub == nil {
		return err
	}

	if telemetry.Business != nil {
		telemetry.Business.PlanChanges.WithLabelValues("reverted_to_free").Inc()
	}
	log.Info().
		Str("user_id", sub.UserID).
		Str("provider_subscription_id", ev.ProviderSubscriptionID).
		Msg("subscription ended, reverted to free plan")
	return nil
}

// ApplyDueDowngrade adopts the user's pending plan if its effective date has
// passed and returns the resulting record.
func (s *SubscriptionService) ApplyDueDowngrade(ctx context.Context, userID string) (*domain.Subscription, error) {
	var applied bool
	sub, err := s.mutate(ctx, userID, func(sub *domain.Subscription) error {
		applied = sub.ApplyDuePending(s.now())
		return nil
	})
	if err != nil {
		return nil, err
	}
	if applied {
		s.recordDowngradeApplied(sub)
	}
	return sub, nil
}

func (s *SubscriptionService) recordDowngradeApplied(sub *domain.Subscription) {
	if telemetry.Business != nil {
		telemetry.Business.PlanChanges.WithLabelValues("downgrade_applied").Inc()
	}
	log.Info().Str("user_id", sub.UserID).Str("plan", string(sub.PlanID)).Msg("pending downgrade applied")
}

// locate finds the record for a provider subscription, falling back to the
// provider customer so that events about superseded subscriptions still
// reach the race guard.
func (s *SubscriptionService) locate(ctx context.Context, providerSubscriptionID, providerCustomerID string) (*domain.Subscription, error) {
	sub, err := s.store.FindByProviderSubscription(ctx, providerSubscriptionID)
	if err == nil || !errors.Is(err, domain.ErrSubscriptionNotFound) || providerCustomerID == "" {
		return sub, err
	}
	return s.store.FindByProviderCustomer(ctx, providerCustomerID)
}

func (s *SubscriptionService) ensure(ctx context.Context, userID string) (*domain.Subscription, error) {
	sub, err := s.store.GetSubscription(ctx, userID)
	if !errors.Is(err, domain.ErrSubscriptionNotFound) {
		return sub, err
	}

	sub = domain.NewFreeSubscription(userID, s.now())
	err = s.store.CreateSubscription(ctx, sub)
	if errors.Is(err, domain.ErrSubscriptionExists) {
		return s.store.GetSubscription(ctx, userID)
	}
	return sub, err
}

// mutateCurrent runs fn under the race guard: if the record no longer tracks
// providerSubscriptionID, nothing is written and (nil, nil) is returned.
func (s *SubscriptionService) mutateCurrent(ctx context.Context, userID string, h domain.EventHeader, providerSubscriptionID string, fn func(*domain.Subscription) error) (*domain.Subscription, error) {
	sub, err := s.mutate(ctx, userID, func(sub *domain.Subscription) error {
		if !sub.IsCurrent(providerSubscriptionID) {
			log.Info().
				Str("event_id", h.ID).
				Str("event_type", h.Type).
				Str("user_id", sub.UserID).
				Str("event_subscription_id", providerSubscriptionID).
				Str("current_subscription_id", sub.ProviderSubscriptionID).
				Msg("ignoring event for superseded subscription")
			return errStale
		}
		return fn(sub)
	})
	if errors.Is(err, errStale) {
		if telemetry.Business != nil {
			telemetry.Business.WebhookStale.WithLabelValues(h.Type).Inc()
		}
		return nil, nil
	}
	return sub, err
}

// mutate loads the record, applies fn, keeps the reset schedule consistent
// and writes the result with compare-and-swap, retrying on version conflicts.
// Unchanged records are not written.
func (s *SubscriptionService) mutate(ctx context.Context, userID string, fn func(*domain.Subscription) error) (*domain.Subscription, error) {
	for attempt := 1; ; attempt++ {
		sub, err := s.store.GetSubscription(ctx, userID)
		if err != nil {
			return nil, err
		}

		before := sub.Clone()
		if err := fn(sub); err != nil {
			return nil, err
		}
		sub.NormalizeResetSchedule(s.now())
		if sameState(before, sub) {
			return sub, nil
		}

		err = s.store.UpdateSubscription(ctx, sub)
		if errors.Is(err, domain.ErrVersionConflict) && attempt < maxWriteAttempts {
			log.Debug().Str("user_id", userID).Int("attempt", attempt).Msg("subscription version conflict, retrying")
			continue
		}
		if err != nil {
			return nil, err
		}

		if entitlementChanged(before, sub) {
			s.notify.SubscriptionChanged(ctx, sub)
		}
		return sub, nil
	}
}

func ignoreMissing(err error, h domain.EventHeader) error {
	if errors.Is(err, domain.ErrSubscriptionNotFound) {
		log.Warn().Str("event_id", h.ID).Str("event_type", h.Type).Msg("no subscription record for event, ignoring")
		return nil
	}
	return err
}

func sameState(a, b *domain.Subscription) bool {
	return a.PlanID == b.PlanID &&
		a.Status == b.Status &&
		a.BillingInterval == b.BillingInterval &&
		a.ProviderSubscriptionID == b.ProviderSubscriptionID &&
		a.ProviderCustomerID == b.ProviderCustomerID &&
		sameTime(a.CurrentPeriodStart, b.CurrentPeriodStart) &&
		sameTime(a.CurrentPeriodEnd, b.CurrentPeriodEnd) &&
		a.PendingPlanID == b.PendingPlanID &&
		sameTime(a.PendingEffectiveDate, b.PendingEffectiveDate) &&
		a.PendingProviderSubscriptionID == b.PendingProviderSubscriptionID &&
		sameTime(a.LastTokenResetAt, b.LastTokenResetAt) &&
		sameTime(a.NextTokenResetAt, b.NextTokenResetAt) &&
		a.LastResetInvoiceID == b.LastResetInvoiceID
}

func entitlementChanged(a, b *domain.Subscription) bool {
	return a.PlanID != b.PlanID ||
		a.Status != b.Status ||
		a.BillingInterval != b.BillingInterval ||
		a.PendingPlanID != b.PendingPlanID
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
