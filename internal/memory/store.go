// Package memory is an in-process implementation of the domain stores.
// It backs tests and the "memory" store mode for local development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dukerupert/reckon/internal/domain"
	"github.com/google/uuid"
)

// Store implements domain.SubscriptionStore, domain.LedgerStore and
// domain.WebhookEventStore behind a single mutex, which gives every method
// the same per-user atomicity the PostgreSQL transactions provide.
type Store struct {
	mu       sync.Mutex
	subs     map[string]*domain.Subscription
	balances map[string]int64
	entries  map[string][]domain.LedgerEntry
	events   map[string]*domain.WebhookEvent
	now      func() time.Time
}

var (
	_ domain.SubscriptionStore = (*Store)(nil)
	_ domain.LedgerStore       = (*Store)(nil)
	_ domain.WebhookEventStore = (*Store)(nil)
)

// New creates an empty store.
func New() *Store {
	return &Store{
		subs:     make(map[string]*domain.Subscription),
		balances: make(map[string]int64),
		entries:  make(map[string][]domain.LedgerEntry),
		events:   make(map[string]*domain.WebhookEvent),
		now:      time.Now,
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// =============================================================================
// Subscriptions
// =============================================================================

func (s *Store) GetSubscription(_ context.Context, userID string) (*domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[userID]
	if !ok {
		return nil, notFound("memory.subscription.get")
	}
	return sub.Clone(), nil
}

func (s *Store) FindByProviderSubscription(_ context.Context, providerSubscriptionID string) (*domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sub := range s.subs {
		if providerSubscriptionID != "" && sub.ProviderSubscriptionID == providerSubscriptionID {
			return sub.Clone(), nil
		}
	}
	return nil, notFound("memory.subscription.find_by_provider_subscription")
}

func (s *Store) FindByProviderCustomer(_ context.Context, providerCustomerID string) (*domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found *domain.Subscription
	for _, sub := range s.subs {
		if providerCustomerID == "" || sub.ProviderCustomerID != providerCustomerID {
			continue
		}
		if found == nil || sub.UpdatedAt.After(found.UpdatedAt) {
			found = sub
		}
	}
	if found == nil {
		return nil, notFound("memory.subscription.find_by_provider_customer")
	}
	return found.Clone(), nil
}

func (s *Store) CreateSubscription(_ context.Context, sub *domain.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	const op = "memory.subscription.create"
	if _, ok := s.subs[sub.UserID]; ok {
		return &domain.Error{Code: domain.ECONFLICT, Op: op, Message: domain.ErrSubscriptionExists.Message}
	}
	if err := s.checkProviderLink(op, sub); err != nil {
		return err
	}

	now := s.now()
	sub.Version = 1
	sub.CreatedAt = now
	sub.UpdatedAt = now
	s.subs[sub.UserID] = sub.Clone()
	return nil
}

func (s *Store) UpdateSubscription(_ context.Context, sub *domain.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	const op = "memory.subscription.update"
	cur, ok := s.subs[sub.UserID]
	if !ok {
		return notFound(op)
	}
	if cur.Version != sub.Version {
		return &domain.Error{Code: domain.ECONFLICT, Op: op, Message: domain.ErrVersionConflict.Message}
	}
	if err := s.checkProviderLink(op, sub); err != nil {
		return err
	}

	sub.Version++
	sub.UpdatedAt = s.now()
	s.subs[sub.UserID] = sub.Clone()
	return nil
}

func (s *Store) checkProviderLink(op string, sub *domain.Subscription) error {
	if sub.ProviderSubscriptionID == "" {
		return nil
	}
	for userID, other := range s.subs {
		if userID != sub.UserID && other.ProviderSubscriptionID == sub.ProviderSubscriptionID {
			return domain.Conflict(op, "provider subscription already linked to another user")
		}
	}
	return nil
}

func (s *Store) ListDueAnnualResets(_ context.Context, now time.Time, afterUserID string, limit int) ([]domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []domain.Subscription
	for _, sub := range s.subs {
		if sub.UserID > afterUserID && isDue(sub, now) {
			due = append(due, *sub.Clone())
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].UserID < due[j].UserID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func isDue(sub *domain.Subscription, now time.Time) bool {
	return sub.BillingInterval == domain.IntervalAnnual &&
		sub.Status == domain.StatusActive &&
		sub.NextTokenResetAt != nil &&
		!sub.NextTokenResetAt.After(now)
}

// =============================================================================
// Ledger
// =============================================================================

func (s *Store) Adjust(_ context.Context, p domain.AdjustParams) (domain.AdjustResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	balance := s.balances[p.UserID]
	if p.IdempotencyKey != "" && s.hasEntry(p.UserID, domain.MetaIdempotencyKey, p.IdempotencyKey) {
		return domain.AdjustResult{Balance: balance, Success: true, Duplicate: true}, nil
	}

	next := balance + p.Delta
	if next < 0 {
		return domain.AdjustResult{Balance: balance}, nil
	}

	entry := s.record(p.UserID, p.Delta, next, p.Reason, p.Metadata, domain.MetaIdempotencyKey, p.IdempotencyKey)
	s.balances[p.UserID] = next
	return domain.AdjustResult{Balance: next, Success: true, Entry: entry}, nil
}

func (s *Store) ResetForInvoice(_ context.Context, p domain.ResetForInvoiceParams) (domain.ResetResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	balance := s.balances[p.UserID]
	if s.hasEntry(p.UserID, domain.MetaInvoiceID, p.InvoiceID) {
		return domain.ResetResult{Balance: balance, AlreadyProcessed: true}, nil
	}

	entry := s.record(p.UserID, p.Amount-balance, p.Amount, p.Reason, p.Metadata, domain.MetaInvoiceID, p.InvoiceID)
	s.balances[p.UserID] = p.Amount
	return domain.ResetResult{Balance: p.Amount, Entry: entry}, nil
}

func (s *Store) ClaimAndReset(_ context.Context, p domain.ClaimResetParams) (domain.ClaimResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	balance := s.balances[p.UserID]
	sub, ok := s.subs[p.UserID]
	if !ok || (p.ClaimCheck && !isDue(sub, p.Now)) {
		return domain.ClaimResult{Balance: balance, AlreadyClaimed: true}, nil
	}

	var next *time.Time
	if sub.BillingInterval == domain.IntervalAnnual && sub.Status == domain.StatusActive {
		t := p.NextResetAt
		next = &t
	}
	now := p.Now
	sub.NextTokenResetAt = next
	sub.LastTokenResetAt = &now
	sub.Version++
	sub.UpdatedAt = s.now()

	entry := s.record(p.UserID, p.Amount-balance, p.Amount, p.Reason, p.Metadata, "", "")
	s.balances[p.UserID] = p.Amount
	res := domain.ClaimResult{Balance: p.Amount, Entry: entry}
	if next != nil {
		res.NextResetAt = domain.TimePtr(*next)
	}
	return res, nil
}

func (s *Store) Balance(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[userID], nil
}

func (s *Store) Entries(_ context.Context, userID string, limit int) ([]domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.entries[userID]
	out := make([]domain.LedgerEntry, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, copyEntry(all[i]))
	}
	return out, nil
}

// record appends a ledger entry, tagging it with key=value when key and value
// are both set, and returns a copy. It must be called with mu held.
func (s *Store) record(userID string, change, balanceAfter int64, reason domain.Reason, metadata map[string]string, key, value string) *domain.LedgerEntry {
	md := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		md[k] = v
	}
	if key != "" && value != "" {
		md[key] = value
	}
	e := domain.LedgerEntry{
		ID:           uuid.New(),
		UserID:       userID,
		Change:       change,
		BalanceAfter: balanceAfter,
		Reason:       reason,
		Metadata:     md,
		CreatedAt:    s.now(),
	}
	s.entries[userID] = append(s.entries[userID], e)

	c := copyEntry(e)
	return &c
}

func (s *Store) hasEntry(userID, key, value string) bool {
	for _, e := range s.entries[userID] {
		if v, ok := e.Metadata[key]; ok && v == value {
			return true
		}
	}
	return false
}

func copyEntry(e domain.LedgerEntry) domain.LedgerEntry {
	md := make(map[string]string, len(e.Metadata))
	for k, v := range e.Metadata {
		md[k] = v
	}
	e.Metadata = md
	return e
}

// =============================================================================
// Webhook events
// =============================================================================

func (s *Store) IsProcessed(_ context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[eventID]
	return ok && ev.Status == domain.WebhookProcessed, nil
}

func (s *Store) MarkOutcome(_ context.Context, o domain.WebhookOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var msg string
	if o.Err != nil {
		msg = o.Err.Error()
	}

	ev, ok := s.events[o.EventID]
	if !ok {
		s.events[o.EventID] = &domain.WebhookEvent{
			EventID:      o.EventID,
			Type:         o.Type,
			Status:       o.Status,
			RawPayload:   append([]byte(nil), o.Payload...),
			ErrorMessage: msg,
			Attempts:     1,
			ProcessedAt:  o.At,
			CreatedAt:    s.now(),
		}
		return nil
	}

	ev.Attempts++
	ev.Type = o.Type
	ev.ProcessedAt = o.At
	if len(o.Payload) > 0 {
		ev.RawPayload = append([]byte(nil), o.Payload...)
	}
	if ev.Status != domain.WebhookProcessed {
		ev.Status = o.Status
		ev.ErrorMessage = msg
	}
	return nil
}

func (s *Store) GetWebhookEvent(_ context.Context, eventID string) (*domain.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[eventID]
	if !ok {
		return nil, &domain.Error{Code: domain.ENOTFOUND, Op: "memory.webhook_event.get", Message: domain.ErrWebhookEventNotFound.Message}
	}
	c := *ev
	c.RawPayload = append([]byte(nil), ev.RawPayload...)
	return &c, nil
}

func notFound(op string) error {
	return &domain.Error{Code: domain.ENOTFOUND, Op: op, Message: domain.ErrSubscriptionNotFound.Message}
}
