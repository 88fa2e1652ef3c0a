package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dukerupert/reckon/internal/domain"
	"github.com/dukerupert/reckon/internal/telemetry"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	defaultSweepBatchSize   = 500
	defaultSweepConcurrency = 4
)

// Reconciler advances the token cycle of annually billed subscriptions.
// Overlapping runs are safe: each user's reset is claimed atomically.
type Reconciler struct {
	store         domain.SubscriptionStore
	subscriptions *SubscriptionService
	ledger        *TokenLedger
	batchSize     int
	concurrency   int
	now           func() time.Time
}

// NewReconciler creates a Reconciler. Non-positive sizes use defaults.
func NewReconciler(store domain.SubscriptionStore, subscriptions *SubscriptionService, ledger *TokenLedger, batchSize, concurrency int) *Reconciler {
	if batchSize <= 0 {
		batchSize = defaultSweepBatchSize
	}
	if concurrency <= 0 {
		concurrency = defaultSweepConcurrency
	}
	return &Reconciler{
		store:         store,
		subscriptions: subscriptions,
		ledger:        ledger,
		batchSize:     batchSize,
		concurrency:   concurrency,
		now:           time.Now,
	}
}

// Sweep resets every subscription whose annual token reset was due when the
// run started, paging through them batchSize users at a time. Each user gets
// any due downgrade applied, then a claim-and-reset. Per-user failures are
// collected in the summary and not retried within the run; a failed listing
// or a canceled context stops the sweep and is returned with the partial
// summary.
func (r *Reconciler) Sweep(ctx context.Context, trigger string) (domain.SweepSummary, error) {
	start := r.now()
	summary := domain.SweepSummary{Errors: []string{}}
	tally := &sweepTally{summary: &summary}

	var (
		cursor string
		err    error
	)
	for {
		if err = ctx.Err(); err != nil {
			break
		}

		var due []domain.Subscription
		due, err = r.store.ListDueAnnualResets(ctx, start, cursor, r.batchSize)
		if err != nil {
			break
		}
		r.sweepBatch(ctx, due, tally)

		if len(due) < r.batchSize {
			break
		}
		cursor = due[len(due)-1].UserID
	}

	if telemetry.Business != nil {
		telemetry.Business.SweepRuns.WithLabelValues(trigger).Inc()
		telemetry.Business.SweepDuration.Observe(r.now().Sub(start).Seconds())
	}
	if err != nil {
		log.Error().Err(err).Str("trigger", trigger).Int("processed", summary.Processed).Msg("reconciliation sweep aborted")
		return summary, err
	}
	log.Info().
		Str("trigger", trigger).
		Int("processed", summary.Processed).
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Int("already_claimed", tally.claimed).
		Dur("duration", r.now().Sub(start)).
		Msg("reconciliation sweep finished")

	return summary, nil
}

type sweepTally struct {
	mu      sync.Mutex
	summary *domain.SweepSummary
	claimed int
}

func (t *sweepTally) record(userID string, alreadyClaimed bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.summary.Processed++
	outcome := "reset"
	switch {
	case err != nil:
		outcome = "failed"
		t.summary.Failed++
		t.summary.Errors = append(t.summary.Errors, fmt.Sprintf("%s: %v", userID, err))
		log.Error().Err(err).Str("user_id", userID).Msg("sweep failed for user")
		telemetry.CaptureError(err, map[string]string{"user_id": userID, "component": "sweep"})
	case alreadyClaimed:
		outcome = "already_claimed"
		t.claimed++
		t.summary.Succeeded++
	default:
		t.summary.Succeeded++
	}
	if telemetry.Business != nil {
		telemetry.Business.SweepUsers.WithLabelValues(outcome).Inc()
	}
}

// sweepBatch reconciles one page of users with bounded concurrency.
func (r *Reconciler) sweepBatch(ctx context.Context, due []domain.Subscription, tally *sweepTally) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for _, sub := range due {
		g.Go(func() error {
			alreadyClaimed, err := r.reconcileUser(gctx, sub.UserID)
			tally.record(sub.UserID, alreadyClaimed, err)
			// Per-user failures never cancel the rest of the batch.
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Reconciler) reconcileUser(ctx context.Context, userID string) (bool, error) {
	sub, err := r.subscriptions.ApplyDueDowngrade(ctx, userID)
	if err != nil {
		return false, err
	}

	res, err := r.ledger.ResetWithNextSchedule(ctx, userID, sub.PlanID, domain.ReasonMonthlyReset, true)
	if err != nil {
		return false, err
	}
	return res.AlreadyClaimed, nil
}
