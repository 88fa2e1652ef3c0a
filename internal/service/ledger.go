package service

import (
	"context"
	"strconv"
	"time"

	"github.com/dukerupert/reckon/internal/domain"
	"github.com/dukerupert/reckon/internal/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	defaultEntriesLimit = 50
	maxEntriesLimit     = 500
)

// Allotments resolves the monthly token allotment of a plan.
type Allotments interface {
	Allotment(plan domain.PlanID) int64
}

// Notifier receives entitlement changes after they are committed.
// Implementations must not block for long and must not fail the caller.
type Notifier interface {
	BalanceChanged(ctx context.Context, entry *domain.LedgerEntry)
	SubscriptionChanged(ctx context.Context, sub *domain.Subscription)
}

type nopNotifier struct{}

func (nopNotifier) BalanceChanged(context.Context, *domain.LedgerEntry)        {}
func (nopNotifier) SubscriptionChanged(context.Context, *domain.Subscription) {}

// TokenLedger is the public contract for token balances. It validates input,
// delegates the atomic mutation to the store, and reports the outcome.
//
// Expected outcomes (insufficient balance, duplicate grant, invoice already
// applied, cycle already claimed) are result fields. Only I/O faults and
// invalid arguments are errors.
type TokenLedger struct {
	store      domain.LedgerStore
	allotments Allotments
	notify     Notifier
	now        func() time.Time
}

// NewTokenLedger creates a TokenLedger. notify may be nil.
func NewTokenLedger(store domain.LedgerStore, allotments Allotments, notify Notifier) *TokenLedger {
	if notify == nil {
		notify = nopNotifier{}
	}
	return &TokenLedger{
		store:      store,
		allotments: allotments,
		notify:     notify,
		now:        time.Now,
	}
}

// Allotment returns the monthly allotment of plan.
func (l *TokenLedger) Allotment(plan domain.PlanID) int64 {
	return l.allotments.Allotment(plan)
}

// Adjust applies delta to the user's balance. A debit larger than the balance
// returns Success=false without writing anything.
func (l *TokenLedger) Adjust(ctx context.Context, userID string, delta int64, reason domain.Reason, metadata map[string]string) (domain.AdjustResult, error) {
	return l.adjust(ctx, domain.AdjustParams{
		UserID:   userID,
		Delta:    delta,
		Reason:   reason,
		Metadata: metadata,
	})
}

// AdjustOnce is Adjust guarded by an idempotency key: a second call with the
// same key for the same user returns Duplicate=true and changes nothing.
func (l *TokenLedger) AdjustOnce(ctx context.Context, key, userID string, delta int64, reason domain.Reason, metadata map[string]string) (domain.AdjustResult, error) {
	if key == "" {
		return domain.AdjustResult{}, domain.Invalid("ledger.adjust_once", "idempotency key is required")
	}
	return l.adjust(ctx, domain.AdjustParams{
		UserID:         userID,
		Delta:          delta,
		Reason:         reason,
		Metadata:       metadata,
		IdempotencyKey: key,
	})
}

func (l *TokenLedger) adjust(ctx context.Context, p domain.AdjustParams) (domain.AdjustResult, error) {
	const op = "ledger.adjust"

	switch {
	case p.UserID == "":
		return domain.AdjustResult{}, domain.Invalid(op, "user id is required")
	case p.Delta == 0:
		return domain.AdjustResult{}, domain.Invalid(op, "delta must not be zero")
	case !p.Reason.Valid():
		return domain.AdjustResult{}, domain.Errorf(domain.EINVALID, op, "unknown reason: %q", p.Reason)
	}

	res, err := l.store.Adjust(ctx, p)
	if err != nil {
		return domain.AdjustResult{}, err
	}

	outcome := "applied"
	switch {
	case res.Duplicate:
		outcome = "duplicate"
		log.Info().Str("user_id", p.UserID).Str("idempotency_key", p.IdempotencyKey).Msg("token grant already applied")
	case !res.Success:
		outcome = "rejected"
		log.Info().
			Str("user_id", p.UserID).
			Int64("delta", p.Delta).
			Int64("balance", res.Balance).
			Str("reason", string(p.Reason)).
			Msg("debit rejected: insufficient balance")
	default:
		log.Info().
			Str("user_id", p.UserID).
			Int64("delta", p.Delta).
			Int64("balance", res.Balance).
			Str("reason", string(p.Reason)).
			Msg("balance adjusted")
		l.notify.BalanceChanged(ctx, res.Entry)
	}

	if telemetry.Business != nil {
		telemetry.Business.LedgerAdjustments.WithLabelValues(string(p.Reason), outcome).Inc()
		if outcome == "applied" && p.Delta > 0 {
			telemetry.Business.TokensGranted.WithLabelValues(string(p.Reason)).Add(float64(p.Delta))
		}
	}
	return res, nil
}

// ResetForInvoice sets the balance to the plan's allotment, once per invoice.
// A redelivered invoice returns AlreadyProcessed=true.
func (l *TokenLedger) ResetForInvoice(ctx context.Context, userID, invoiceID string, plan domain.PlanID, reason domain.Reason) (domain.ResetResult, error) {
	const op = "ledger.reset_for_invoice"

	switch {
	case userID == "":
		return domain.ResetResult{}, domain.Invalid(op, "user id is required")
	case invoiceID == "":
		return domain.ResetResult{}, domain.Invalid(op, "invoice id is required")
	case !plan.Valid():
		return domain.ResetResult{}, domain.Errorf(domain.EINVALID, op, "unknown plan: %q", plan)
	}

	res, err := l.store.ResetForInvoice(ctx, domain.ResetForInvoiceParams{
		UserID:    userID,
		InvoiceID: invoiceID,
		Amount:    l.allotments.Allotment(plan),
		Reason:    reason,
		Metadata:  map[string]string{domain.MetaPlanID: string(plan)},
	})
	if err != nil {
		return domain.ResetResult{}, err
	}

	outcome := "applied"
	if res.AlreadyProcessed {
		outcome = "already_processed"
		log.Info().Str("user_id", userID).Str("invoice_id", invoiceID).Msg("invoice reset already applied")
	} else {
		log.Info().
			Str("user_id", userID).
			Str("invoice_id", invoiceID).
			Str("plan", string(plan)).
			Int64("balance", res.Balance).
			Msg("balance reset for invoice")
		l.notify.BalanceChanged(ctx, res.Entry)
	}
	if telemetry.Business != nil {
		telemetry.Business.LedgerResets.WithLabelValues("invoice", outcome).Inc()
	}
	return res, nil
}

// ResetWithNextSchedule resets the balance to the plan's allotment and moves
// the user's next reset one month out, in one atomic step. With claimCheck
// set, only an execution that finds the cycle still due performs the reset;
// every other concurrent execution gets AlreadyClaimed=true.
func (l *TokenLedger) ResetWithNextSchedule(ctx context.Context, userID string, plan domain.PlanID, reason domain.Reason, claimCheck bool) (domain.ClaimResult, error) {
	const op = "ledger.reset_with_next_schedule"

	if userID == "" {
		return domain.ClaimResult{}, domain.Invalid(op, "user id is required")
	}
	if !plan.Valid() {
		return domain.ClaimResult{}, domain.Errorf(domain.EINVALID, op, "unknown plan: %q", plan)
	}

	now := l.now()
	res, err := l.store.ClaimAndReset(ctx, domain.ClaimResetParams{
		UserID:      userID,
		Amount:      l.allotments.Allotment(plan),
		Reason:      reason,
		Now:         now,
		NextResetAt: domain.NextMonth(now),
		ClaimCheck:  claimCheck,
		Metadata: map[string]string{
			domain.MetaPlanID: string(plan),
			domain.MetaSource: "schedule",
			"cycle_at":        strconv.FormatInt(now.Unix(), 10),
		},
	})
	if err != nil {
		return domain.ClaimResult{}, err
	}

	outcome := "applied"
	if res.AlreadyClaimed {
		outcome = "already_claimed"
		log.Info().Str("user_id", userID).Msg("token cycle already claimed")
	} else {
		evt := log.Info().
			Str("user_id", userID).
			Str("plan", string(plan)).
			Int64("balance", res.Balance)
		if res.NextResetAt != nil {
			evt = evt.Time("next_reset_at", *res.NextResetAt)
		}
		evt.Msg("balance reset for cycle")
		l.notify.BalanceChanged(ctx, res.Entry)
	}
	if telemetry.Business != nil {
		telemetry.Business.LedgerResets.WithLabelValues("schedule", outcome).Inc()
	}
	return res, nil
}

// Balance returns the user's current balance.
func (l *TokenLedger) Balance(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, domain.Invalid("ledger.balance", "user id is required")
	}
	return l.store.Balance(ctx, userID)
}

// Entries returns up to limit ledger entries for the user, newest first.
func (l *TokenLedger) Entries(ctx context.Context, userID string, limit int) ([]domain.LedgerEntry, error) {
	if userID == "" {
		return nil, domain.Invalid("ledger.entries", "user id is required")
	}
	if limit <= 0 {
		limit = defaultEntriesLimit
	}
	limit = min(limit, maxEntriesLimit)
	return l.store.Entries(ctx, userID, limit)
}
