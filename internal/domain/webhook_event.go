package domain

import (
	"context"
	"encoding/json"
	"time"
)

// WebhookStatus is the recorded outcome of a webhook attempt.
type WebhookStatus string

const (
	WebhookProcessed WebhookStatus = "processed"
	WebhookFailed    WebhookStatus = "failed"
)

// WebhookEvent is the idempotency record for one provider event.
type WebhookEvent struct {
	EventID      string
	Type         string
	Status       WebhookStatus
	RawPayload   json.RawMessage
	ErrorMessage string
	Attempts     int
	ProcessedAt  time.Time
	CreatedAt    time.Time
}

// WebhookOutcome is written once at the end of every attempt.
type WebhookOutcome struct {
	EventID string
	Type    string
	Payload []byte
	Status  WebhookStatus
	Err     error
	At      time.Time
}

// WebhookEventStore records per-event processing outcomes.
type WebhookEventStore interface {
	// IsProcessed is true only if an earlier attempt finished with WebhookProcessed.
	IsProcessed(ctx context.Context, eventID string) (bool, error)

	// MarkOutcome upserts the record and increments its attempt count.
	MarkOutcome(ctx context.Context, outcome WebhookOutcome) error

	GetWebhookEvent(ctx context.Context, eventID string) (*WebhookEvent, error)
}
