package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/dukerupert/reckon/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// LedgerStore implements domain.LedgerStore using PostgreSQL.
//
// Every mutation runs in one transaction that first locks the user's
// token_balances row with SELECT ... FOR UPDATE. Dedupe checks happen under
// that lock, and the partial unique indexes on token_ledger_entries back them up.
type LedgerStore struct {
	pool *pgxpool.Pool
}

var _ domain.LedgerStore = (*LedgerStore)(nil)

// NewLedgerStore creates a LedgerStore.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

// lockBalance creates the balance row if needed and locks it for the transaction.
func lockBalance(ctx context.Context, tx pgx.Tx, userID string) (int64, error) {
	if _, err := tx.Exec(ctx, `
		INSERT INTO token_balances (user_id, balance) VALUES ($1, 0)
		ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
		return 0, err
	}

	var balance int64
	err := tx.QueryRow(ctx, `SELECT balance FROM token_balances WHERE user_id = $1 FOR UPDATE`, userID).Scan(&balance)
	return balance, err
}

func entryExists(ctx context.Context, tx pgx.Tx, userID, key, value string) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM token_ledger_entries
			WHERE user_id = $1 AND metadata ? $2 AND metadata->>$2 = $3
		)`, userID, key, value).Scan(&exists)
	return exists, err
}

func setBalance(ctx context.Context, tx pgx.Tx, userID string, balance int64) error {
	_, err := tx.Exec(ctx, `UPDATE token_balances SET balance = $2, updated_at = NOW() WHERE user_id = $1`, userID, balance)
	return err
}

func insertEntry(ctx context.Context, tx pgx.Tx, e *domain.LedgerEntry) error {
	if e.Metadata == nil {
		e.Metadata = map[string]string{}
	}
	return tx.QueryRow(ctx, `
		INSERT INTO token_ledger_entries (id, user_id, change, balance_after, reason, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		e.ID, e.UserID, e.Change, e.BalanceAfter, string(e.Reason), e.Metadata,
	).Scan(&e.CreatedAt)
}

func newEntry(userID string, change, balanceAfter int64, reason domain.Reason, metadata map[string]string) *domain.LedgerEntry {
	md := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		md[k] = v
	}
	return &domain.LedgerEntry{
		ID:           uuid.New(),
		UserID:       userID,
		Change:       change,
		BalanceAfter: balanceAfter,
		Reason:       reason,
		Metadata:     md,
	}
}

// Adjust applies a signed delta. A debit that would go below zero returns
// Success=false and writes nothing.
func (s *LedgerStore) Adjust(ctx context.Context, p domain.AdjustParams) (domain.AdjustResult, error) {
	const op = "postgres.ledger.adjust"

	var res domain.AdjustResult
	err := inTx(ctx, s.pool, func(tx pgx.Tx) error {
		balance, err := lockBalance(ctx, tx, p.UserID)
		if err != nil {
			return err
		}
		res.Balance = balance

		if p.IdempotencyKey != "" {
			dup, err := entryExists(ctx, tx, p.UserID, domain.MetaIdempotencyKey, p.IdempotencyKey)
			if err != nil {
				return err
			}
			if dup {
				res.Success = true
				res.Duplicate = true
				return nil
			}
		}

		next := balance + p.Delta
		if next < 0 {
			return nil
		}

		entry := newEntry(p.UserID, p.Delta, next, p.Reason, p.Metadata)
		if p.IdempotencyKey != "" {
			entry.Metadata[domain.MetaIdempotencyKey] = p.IdempotencyKey
		}
		if err := setBalance(ctx, tx, p.UserID, next); err != nil {
			return err
		}
		if err := insertEntry(ctx, tx, entry); err != nil {
			return err
		}

		res.Balance = next
		res.Success = true
		res.Entry = entry
		return nil
	})
	if isUniqueViolation(err, "idx_token_ledger_entries_idempotency_key") {
		return s.duplicateAdjust(ctx, p.UserID)
	}
	if err != nil {
		return domain.AdjustResult{}, domain.Internal(err, op, "failed to adjust balance")
	}
	return res, nil
}

func (s *LedgerStore) duplicateAdjust(ctx context.Context, userID string) (domain.AdjustResult, error) {
	balance, err := s.Balance(ctx, userID)
	if err != nil {
		return domain.AdjustResult{}, err
	}
	return domain.AdjustResult{Balance: balance, Success: true, Duplicate: true}, nil
}

// ResetForInvoice sets the balance to p.Amount unless an entry tagged with
// p.InvoiceID already exists.
func (s *LedgerStore) ResetForInvoice(ctx context.Context, p domain.ResetForInvoiceParams) (domain.ResetResult, error) {
	const op = "postgres.ledger.reset_for_invoice"

	var res domain.ResetResult
	err := inTx(ctx, s.pool, func(tx pgx.Tx) error {
		balance, err := lockBalance(ctx, tx, p.UserID)
		if err != nil {
			return err
		}
		res.Balance = balance

		done, err := entryExists(ctx, tx, p.UserID, domain.MetaInvoiceID, p.InvoiceID)
		if err != nil {
			return err
		}
		if done {
			res.AlreadyProcessed = true
			return nil
		}

		entry := newEntry(p.UserID, p.Amount-balance, p.Amount, p.Reason, p.Metadata)
		entry.Metadata[domain.MetaInvoiceID] = p.InvoiceID
		if err := setBalance(ctx, tx, p.UserID, p.Amount); err != nil {
			return err
		}
		if err := insertEntry(ctx, tx, entry); err != nil {
			return err
		}

		res.Balance = p.Amount
		res.Entry = entry
		return nil
	})
	if isUniqueViolation(err, "idx_token_ledger_entries_invoice") {
		balance, berr := s.Balance(ctx, p.UserID)
		if berr != nil {
			return domain.ResetResult{}, berr
		}
		return domain.ResetResult{Balance: balance, AlreadyProcessed: true}, nil
	}
	if err != nil {
		return domain.ResetResult{}, domain.Internal(err, op, "failed to reset balance")
	}
	return res, nil
}

// ClaimAndReset advances the subscription's reset schedule and resets the
// balance in one transaction. The schedule update is the claim: it only
// matches while the cycle is still due, so a concurrent execution that lost
// finds no row and reports AlreadyClaimed.
func (s *LedgerStore) ClaimAndReset(ctx context.Context, p domain.ClaimResetParams) (domain.ClaimResult, error) {
	const op = "postgres.ledger.claim_and_reset"

	claimSQL := `
		UPDATE subscriptions
		SET next_token_reset_at = CASE
		        WHEN billing_interval = 'annual' AND status = 'active' THEN $2::timestamptz
		    END,
		    last_token_reset_at = $3, version = version + 1, updated_at = NOW()
		WHERE user_id = $1`
	if p.ClaimCheck {
		claimSQL += `
		  AND billing_interval = 'annual'
		  AND status = 'active'
		  AND next_token_reset_at IS NOT NULL
		  AND next_token_reset_at <= $3`
	}
	claimSQL += ` RETURNING next_token_reset_at`

	var res domain.ClaimResult
	err := inTx(ctx, s.pool, func(tx pgx.Tx) error {
		var next *time.Time
		err := tx.QueryRow(ctx, claimSQL, p.UserID, p.NextResetAt, p.Now).Scan(&next)
		if errors.Is(err, pgx.ErrNoRows) {
			res.AlreadyClaimed = true
			return nil
		}
		if err != nil {
			return err
		}
		res.NextResetAt = next

		balance, err := lockBalance(ctx, tx, p.UserID)
		if err != nil {
			return err
		}

		entry := newEntry(p.UserID, p.Amount-balance, p.Amount, p.Reason, p.Metadata)
		if err := setBalance(ctx, tx, p.UserID, p.Amount); err != nil {
			return err
		}
		if err := insertEntry(ctx, tx, entry); err != nil {
			return err
		}

		res.Balance = p.Amount
		res.Entry = entry
		return nil
	})
	if err != nil {
		return domain.ClaimResult{}, domain.Internal(err, op, "failed to claim token reset")
	}

	if res.AlreadyClaimed {
		balance, err := s.Balance(ctx, p.UserID)
		if err != nil {
			return domain.ClaimResult{}, err
		}
		res.Balance = balance
	}
	return res, nil
}

// Balance returns the user's current balance; users without a row have zero.
func (s *LedgerStore) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx, `SELECT balance FROM token_balances WHERE user_id = $1`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, domain.Internal(err, "postgres.ledger.balance", "failed to load balance")
	}
	return balance, nil
}

// Entries returns the user's ledger history, newest first.
func (s *LedgerStore) Entries(ctx context.Context, userID string, limit int) ([]domain.LedgerEntry, error) {
	const op = "postgres.ledger.entries"

	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, change, balance_after, reason, metadata, created_at
		FROM token_ledger_entries
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to list ledger entries")
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var (
			e      domain.LedgerEntry
			reason string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Change, &e.BalanceAfter, &reason, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, domain.Internal(err, op, "failed to scan ledger entry")
		}
		e.Reason = domain.Reason(reason)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Internal(err, op, "failed to iterate ledger entries")
	}
	return entries, nil
}
