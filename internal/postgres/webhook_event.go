package postgres

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/dukerupert/reckon/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const maxErrorMessage = 2000

// WebhookEventStore implements domain.WebhookEventStore using PostgreSQL.
type WebhookEventStore struct {
	pool *pgxpool.Pool
}

var _ domain.WebhookEventStore = (*WebhookEventStore)(nil)

// NewWebhookEventStore creates a WebhookEventStore.
func NewWebhookEventStore(pool *pgxpool.Pool) *WebhookEventStore {
	return &WebhookEventStore{pool: pool}
}

// IsProcessed reports whether the event already completed successfully.
func (s *WebhookEventStore) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM webhook_events WHERE event_id = $1`, eventID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, domain.Internal(err, "postgres.webhook_event.is_processed", "failed to load webhook event")
	}
	return status == string(domain.WebhookProcessed), nil
}

// MarkOutcome upserts the event record. A processed record never flips back
// to failed.
func (s *WebhookEventStore) MarkOutcome(ctx context.Context, o domain.WebhookOutcome) error {
	var errMsg *string
	if o.Err != nil {
		msg := o.Err.Error()
		if len(msg) > maxErrorMessage {
			msg = msg[:maxErrorMessage]
		}
		errMsg = &msg
	}

	var payload any
	if len(o.Payload) > 0 && json.Valid(o.Payload) {
		payload = json.RawMessage(o.Payload)
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_events (event_id, type, status, raw_payload, error_message, attempts, processed_at)
		VALUES ($1, $2, $3, $4, $5, 1, $6)
		ON CONFLICT (event_id) DO UPDATE SET
			type = EXCLUDED.type,
			status = CASE WHEN webhook_events.status = 'processed' THEN 'processed' ELSE EXCLUDED.status END,
			raw_payload = COALESCE(EXCLUDED.raw_payload, webhook_events.raw_payload),
			error_message = CASE WHEN webhook_events.status = 'processed' THEN webhook_events.error_message ELSE EXCLUDED.error_message END,
			attempts = webhook_events.attempts + 1,
			processed_at = EXCLUDED.processed_at`,
		o.EventID, o.Type, string(o.Status), payload, errMsg, o.At,
	)
	if err != nil {
		return domain.Internal(err, "postgres.webhook_event.mark_outcome", "failed to record webhook outcome")
	}
	return nil
}

// GetWebhookEvent loads an event record.
func (s *WebhookEventStore) GetWebhookEvent(ctx context.Context, eventID string) (*domain.WebhookEvent, error) {
	const op = "postgres.webhook_event.get"

	var (
		ev      domain.WebhookEvent
		status  string
		payload []byte
		errMsg  *string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT event_id, type, status, raw_payload, error_message, attempts, processed_at, created_at
		FROM webhook_events WHERE event_id = $1`, eventID,
	).Scan(&ev.EventID, &ev.Type, &status, &payload, &errMsg, &ev.Attempts, &ev.ProcessedAt, &ev.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.Error{Code: domain.ENOTFOUND, Op: op, Message: domain.ErrWebhookEventNotFound.Message}
	}
	if err != nil {
		return nil, domain.Internal(err, op, "failed to load webhook event")
	}

	ev.Status = domain.WebhookStatus(status)
	ev.RawPayload = payload
	ev.ErrorMessage = deref(errMsg)
	return &ev, nil
}

// Ping checks connectivity for health reporting.
func (s *WebhookEventStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
