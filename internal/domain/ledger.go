package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Reason labels why a token balance changed.
type Reason string

const (
	ReasonPurchase        Reason = "purchase"
	ReasonGenerationSpend Reason = "generation_spend"
	ReasonPlanUpgrade     Reason = "plan_upgrade"
	ReasonMonthlyReset    Reason = "monthly_reset"
	ReasonRefund          Reason = "refund"
	ReasonAdjustment      Reason = "adjustment"
)

// Valid reports whether r is a known reason.
func (r Reason) Valid() bool {
	switch r {
	case ReasonPurchase, ReasonGenerationSpend, ReasonPlanUpgrade, ReasonMonthlyReset, ReasonRefund, ReasonAdjustment:
		return true
	}
	return false
}

// Well-known ledger metadata keys.
const (
	MetaInvoiceID              = "invoice_id"
	MetaIdempotencyKey         = "idempotency_key"
	MetaEventID                = "event_id"
	MetaJobID                  = "job_id"
	MetaPlanID                 = "plan_id"
	MetaProviderSubscriptionID = "provider_subscription_id"
	MetaCheckoutSessionID      = "checkout_session_id"
	MetaSource                 = "source"
)

// LedgerEntry is an immutable record of one balance change.
type LedgerEntry struct {
	ID           uuid.UUID         `json:"id"`
	UserID       string            `json:"user_id"`
	Change       int64             `json:"change"`
	BalanceAfter int64             `json:"balance_after"`
	Reason       Reason            `json:"reason"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// InvoiceID returns the invoice tag of the entry, if any.
func (e LedgerEntry) InvoiceID() string {
	return e.Metadata[MetaInvoiceID]
}

// IdempotencyKey returns the grant key of the entry, if any.
func (e LedgerEntry) IdempotencyKey() string {
	return e.Metadata[MetaIdempotencyKey]
}

// AdjustParams describes a signed balance change.
// A non-empty IdempotencyKey makes the adjustment apply at most once per user.
type AdjustParams struct {
	UserID         string
	Delta          int64
	Reason         Reason
	Metadata       map[string]string
	IdempotencyKey string
}

// AdjustResult is the outcome of an adjustment.
// Success is false when a debit would take the balance below zero; in that
// case nothing was written. Duplicate is true when the idempotency key had
// already been applied.
type AdjustResult struct {
	Balance   int64
	Success   bool
	Duplicate bool
	Entry     *LedgerEntry
}

// ResetForInvoiceParams sets a balance to Amount, tagged with InvoiceID.
type ResetForInvoiceParams struct {
	UserID    string
	InvoiceID string
	Amount    int64
	Reason    Reason
	Metadata  map[string]string
}

// ResetResult is the outcome of an invoice-tagged reset.
type ResetResult struct {
	Balance          int64
	AlreadyProcessed bool
	Entry            *LedgerEntry
}

// ClaimResetParams sets a balance to Amount and advances the subscription's
// NextTokenResetAt to NextResetAt in the same unit of work. With ClaimCheck
// set, the reset only happens if NextTokenResetAt is still due at Now.
// Without it, subscriptions that are not annual and active get their balance
// reset but keep no schedule.
type ClaimResetParams struct {
	UserID      string
	Amount      int64
	Reason      Reason
	Metadata    map[string]string
	Now         time.Time
	NextResetAt time.Time
	ClaimCheck  bool
}

// ClaimResult is the outcome of a claim-and-reset.
type ClaimResult struct {
	Balance        int64
	AlreadyClaimed bool
	NextResetAt    *time.Time
	Entry          *LedgerEntry
}

// LedgerStore owns token balances and their append-only history.
// Every method is atomic with respect to concurrent calls for the same user.
type LedgerStore interface {
	Adjust(ctx context.Context, params AdjustParams) (AdjustResult, error)
	ResetForInvoice(ctx context.Context, params ResetForInvoiceParams) (ResetResult, error)
	ClaimAndReset(ctx context.Context, params ClaimResetParams) (ClaimResult, error)
	Balance(ctx context.Context, userID string) (int64, error)

	// Entries returns the user's ledger history, newest first.
	Entries(ctx context.Context, userID string, limit int) ([]LedgerEntry, error)
}
