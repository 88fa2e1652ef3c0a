package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/dukerupert/reckon/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SubscriptionStore implements domain.SubscriptionStore using PostgreSQL.
type SubscriptionStore struct {
	pool *pgxpool.Pool
}

var _ domain.SubscriptionStore = (*SubscriptionStore)(nil)

// NewSubscriptionStore creates a SubscriptionStore.
func NewSubscriptionStore(pool *pgxpool.Pool) *SubscriptionStore {
	return &SubscriptionStore{pool: pool}
}

const subscriptionColumns = `user_id, plan_id, status, billing_interval,
	provider_subscription_id, provider_customer_id,
	current_period_start, current_period_end,
	pending_plan_id, pending_effective_date, pending_provider_subscription_id,
	last_token_reset_at, next_token_reset_at, last_reset_invoice_id,
	version, created_at, updated_at`

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var (
		sub                                   domain.Subscription
		plan, status, interval                string
		providerSub, providerCustomer         *string
		pendingPlan, pendingProviderSub, last *string
	)

	err := row.Scan(
		&sub.UserID, &plan, &status, &interval,
		&providerSub, &providerCustomer,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd,
		&pendingPlan, &sub.PendingEffectiveDate, &pendingProviderSub,
		&sub.LastTokenResetAt, &sub.NextTokenResetAt, &last,
		&sub.Version, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	sub.PlanID = domain.PlanID(plan)
	sub.Status = domain.Status(status)
	sub.BillingInterval = domain.Interval(interval)
	sub.ProviderSubscriptionID = deref(providerSub)
	sub.ProviderCustomerID = deref(providerCustomer)
	sub.PendingPlanID = domain.PlanID(deref(pendingPlan))
	sub.PendingProviderSubscriptionID = deref(pendingProviderSub)
	sub.LastResetInvoiceID = deref(last)

	return &sub, nil
}

func (s *SubscriptionStore) getOne(ctx context.Context, op, where string, arg any) (*domain.Subscription, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE `+where+` LIMIT 1`, arg)

	sub, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.Error{Code: domain.ENOTFOUND, Op: op, Message: domain.ErrSubscriptionNotFound.Message}
	}
	if err != nil {
		return nil, domain.Internal(err, op, "failed to load subscription")
	}
	return sub, nil
}

// GetSubscription loads a subscription by user id.
func (s *SubscriptionStore) GetSubscription(ctx context.Context, userID string) (*domain.Subscription, error) {
	return s.getOne(ctx, "postgres.subscription.get", "user_id = $1", userID)
}

// FindByProviderSubscription loads the subscription currently tracking a provider subscription.
func (s *SubscriptionStore) FindByProviderSubscription(ctx context.Context, providerSubscriptionID string) (*domain.Subscription, error) {
	return s.getOne(ctx, "postgres.subscription.find_by_provider_subscription", "provider_subscription_id = $1", providerSubscriptionID)
}

// FindByProviderCustomer loads the most recently updated subscription for a provider customer.
func (s *SubscriptionStore) FindByProviderCustomer(ctx context.Context, providerCustomerID string) (*domain.Subscription, error) {
	return s.getOne(ctx, "postgres.subscription.find_by_provider_customer",
		"provider_customer_id = $1 ORDER BY updated_at DESC", providerCustomerID)
}

// CreateSubscription inserts a new record. It fails with ErrSubscriptionExists
// when the user already has one.
func (s *SubscriptionStore) CreateSubscription(ctx context.Context, sub *domain.Subscription) error {
	const op = "postgres.subscription.create"

	err := s.pool.QueryRow(ctx, `
		INSERT INTO subscriptions (
			user_id, plan_id, status, billing_interval,
			provider_subscription_id, provider_customer_id,
			current_period_start, current_period_end,
			pending_plan_id, pending_effective_date, pending_provider_subscription_id,
			last_token_reset_at, next_token_reset_at, last_reset_invoice_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (user_id) DO NOTHING
		RETURNING version, created_at, updated_at`,
		sub.UserID, string(sub.PlanID), string(sub.Status), string(sub.BillingInterval),
		nullString(sub.ProviderSubscriptionID), nullString(sub.ProviderCustomerID),
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
		nullString(string(sub.PendingPlanID)), sub.PendingEffectiveDate, nullString(sub.PendingProviderSubscriptionID),
		sub.LastTokenResetAt, sub.NextTokenResetAt, nullString(sub.LastResetInvoiceID),
	).Scan(&sub.Version, &sub.CreatedAt, &sub.UpdatedAt)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return &domain.Error{Code: domain.ECONFLICT, Op: op, Message: domain.ErrSubscriptionExists.Message}
	case isUniqueViolation(err, "idx_subscriptions_provider_subscription"):
		return domain.Conflict(op, "provider subscription already linked to another user")
	case err != nil:
		return domain.Internal(err, op, "failed to create subscription")
	}
	return nil
}

// UpdateSubscription writes sub if its version still matches the stored row.
func (s *SubscriptionStore) UpdateSubscription(ctx context.Context, sub *domain.Subscription) error {
	const op = "postgres.subscription.update"

	err := s.pool.QueryRow(ctx, `
		UPDATE subscriptions SET
			plan_id = $3,
			status = $4,
			billing_interval = $5,
			provider_subscription_id = $6,
			provider_customer_id = $7,
			current_period_start = $8,
			current_period_end = $9,
			pending_plan_id = $10,
			pending_effective_date = $11,
			pending_provider_subscription_id = $12,
			last_token_reset_at = $13,
			next_token_reset_at = $14,
			last_reset_invoice_id = $15,
			version = version + 1,
			updated_at = NOW()
		WHERE user_id = $1 AND version = $2
		RETURNING version, updated_at`,
		sub.UserID, sub.Version,
		string(sub.PlanID), string(sub.Status), string(sub.BillingInterval),
		nullString(sub.ProviderSubscriptionID), nullString(sub.ProviderCustomerID),
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
		nullString(string(sub.PendingPlanID)), sub.PendingEffectiveDate, nullString(sub.PendingProviderSubscriptionID),
		sub.LastTokenResetAt, sub.NextTokenResetAt, nullString(sub.LastResetInvoiceID),
	).Scan(&sub.Version, &sub.UpdatedAt)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM subscriptions WHERE user_id = $1)`, sub.UserID).Scan(&exists); err != nil {
			return domain.Internal(err, op, "failed to check subscription")
		}
		if !exists {
			return &domain.Error{Code: domain.ENOTFOUND, Op: op, Message: domain.ErrSubscriptionNotFound.Message}
		}
		return &domain.Error{Code: domain.ECONFLICT, Op: op, Message: domain.ErrVersionConflict.Message}
	case isUniqueViolation(err, "idx_subscriptions_provider_subscription"):
		return domain.Conflict(op, "provider subscription already linked to another user")
	case err != nil:
		return domain.Internal(err, op, "failed to update subscription")
	}
	return nil
}

// ListDueAnnualResets returns one page of active annual subscriptions due for
// a token reset, keyed by user id.
func (s *SubscriptionStore) ListDueAnnualResets(ctx context.Context, now time.Time, afterUserID string, limit int) ([]domain.Subscription, error) {
	const op = "postgres.subscription.list_due"

	rows, err := s.pool.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE billing_interval = 'annual'
		  AND status = 'active'
		  AND next_token_reset_at IS NOT NULL
		  AND next_token_reset_at <= $1
		  AND user_id > $2
		ORDER BY user_id
		LIMIT $3`, now, afterUserID, limit)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to list due subscriptions")
	}
	defer rows.Close()

	var subs []domain.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, domain.Internal(err, op, "failed to scan subscription")
		}
		subs = append(subs, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Internal(err, op, "failed to iterate subscriptions")
	}
	return subs, nil
}
