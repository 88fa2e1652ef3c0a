// Package worker runs the reconciliation sweep on an in-process schedule.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/dukerupert/reckon/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// TriggerSchedule labels sweeps started by the worker.
const TriggerSchedule = "schedule"

// Sweeper runs one reconciliation pass.
type Sweeper interface {
	Sweep(ctx context.Context, trigger string) (domain.SweepSummary, error)
}

// Config holds worker configuration
type Config struct {
	// WorkerID uniquely identifies this worker instance in logs
	WorkerID string

	// Interval is how often to run a sweep
	Interval time.Duration

	// RunTimeout bounds a single sweep. Zero means Interval.
	RunTimeout time.Duration

	// RunOnStart runs a sweep immediately instead of waiting one interval
	RunOnStart bool
}

// Worker runs the sweep periodically. A tick that arrives while the previous
// sweep is still running is skipped.
type Worker struct {
	config  Config
	sweeper Sweeper
	logger  zerolog.Logger
	busy    chan struct{}
}

// NewWorker creates a new sweep worker
func NewWorker(sweeper Sweeper, config Config) *Worker {
	// Set defaults
	if config.WorkerID == "" {
		config.WorkerID = fmt.Sprintf("worker-%s", uuid.New().String()[:8])
	}
	if config.Interval <= 0 {
		config.Interval = time.Hour
	}
	if config.RunTimeout <= 0 {
		config.RunTimeout = config.Interval
	}

	return &Worker{
		config:  config,
		sweeper: sweeper,
		logger:  log.With().Str("component", "worker").Str("worker_id", config.WorkerID).Logger(),
		busy:    make(chan struct{}, 1),
	}
}

// Start runs sweeps until the context is cancelled, then waits for an
// in-flight sweep to finish.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info().
		Dur("interval", w.config.Interval).
		Bool("run_on_start", w.config.RunOnStart).
		Msg("worker starting")

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	if w.config.RunOnStart {
		w.tryRun(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("worker shutting down")
			// Wait for the in-flight sweep, if any
			w.busy <- struct{}{}
			return ctx.Err()

		case <-ticker.C:
			w.tryRun(ctx)
		}
	}
}

// tryRun starts a sweep unless one is already running.
func (w *Worker) tryRun(ctx context.Context) {
	select {
	case w.busy <- struct{}{}:
		go func() {
			defer func() { <-w.busy }()
			w.run(ctx)
		}()
	default:
		w.logger.Warn().Msg("previous sweep still running, skipping tick")
	}
}

func (w *Worker) run(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, w.config.RunTimeout)
	defer cancel()

	summary, err := w.sweeper.Sweep(runCtx, TriggerSchedule)
	if err != nil {
		w.logger.Error().Err(err).Msg("scheduled sweep failed")
		return
	}
	if summary.Failed > 0 {
		w.logger.Warn().
			Int("processed", summary.Processed).
			Int("failed", summary.Failed).
			Strs("errors", summary.Errors).
			Msg("scheduled sweep finished with failures")
	}
}
