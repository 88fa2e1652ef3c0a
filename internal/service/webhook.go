package service

import (
	"context"
	"fmt"
	"time"

	"github.com/dukerupert/reckon/internal/domain"
	"github.com/dukerupert/reckon/internal/telemetry"
	"github.com/rs/zerolog/log"
)

// EventDecoder turns a verified provider envelope into a typed event.
type EventDecoder interface {
	DecodeEvent(ev *domain.VerifiedEvent) (domain.ProviderEvent, error)
}

// WebhookProcessor gates verified provider events on their id, dispatches
// them to the ledger and the subscription state machine, and records the
// outcome once per attempt.
type WebhookProcessor struct {
	events        domain.WebhookEventStore
	decoder       EventDecoder
	ledger        *TokenLedger
	subscriptions *SubscriptionService
	now           func() time.Time
}

// NewWebhookProcessor creates a WebhookProcessor.
func NewWebhookProcessor(events domain.WebhookEventStore, decoder EventDecoder, ledger *TokenLedger, subscriptions *SubscriptionService) *WebhookProcessor {
	return &WebhookProcessor{
		events:        events,
		decoder:       decoder,
		ledger:        ledger,
		subscriptions: subscriptions,
		now:           time.Now,
	}
}

// Process handles one verified delivery. A returned error means the attempt
// failed and the provider should redeliver; the failure has already been
// recorded when possible.
func (p *WebhookProcessor) Process(ctx context.Context, ev *domain.VerifiedEvent) (domain.ProcessResult, error) {
	const op = "webhook.process"

	result := domain.ProcessResult{EventID: ev.ID, Type: ev.Type}
	if ev.ID == "" {
		return result, domain.Invalid(op, "event id is required")
	}

	start := p.now()
	logger := log.With().Str("event_id", ev.ID).Str("event_type", ev.Type).Logger()

	if telemetry.Business != nil {
		telemetry.Business.WebhookReceived.WithLabelValues(ev.Type).Inc()
		defer func() {
			telemetry.Business.WebhookLatency.WithLabelValues(ev.Type).Observe(p.now().Sub(start).Seconds())
		}()
	}

	processed, err := p.events.IsProcessed(ctx, ev.ID)
	if err != nil {
		return result, err
	}
	if processed {
		logger.Info().Msg("webhook already processed, skipping")
		if telemetry.Business != nil {
			telemetry.Business.WebhookDuplicate.WithLabelValues(ev.Type).Inc()
		}
		result.Duplicate = true
		result.Status = domain.WebhookProcessed
		return result, nil
	}

	handleErr := p.handle(ctx, ev)

	result.Status = domain.WebhookProcessed
	if handleErr != nil {
		result.Status = domain.WebhookFailed
	}

	markErr := p.events.MarkOutcome(ctx, domain.WebhookOutcome{
		EventID: ev.ID,
		Type:    ev.Type,
		Payload: ev.Payload,
		Status:  result.Status,
		Err:     handleErr,
		At:      p.now(),
	})

	if handleErr != nil {
		logger.Error().Err(handleErr).Str("op", domain.ErrorOp(handleErr)).Msg("webhook handler failed")
		telemetry.CaptureError(handleErr, map[string]string{"event_id": ev.ID, "event_type": ev.Type})
		if telemetry.Business != nil {
			telemetry.Business.WebhookFailed.WithLabelValues(ev.Type).Inc()
		}
		if markErr != nil {
			logger.Error().Err(markErr).Msg("failed to record webhook failure")
		}
		return result, handleErr
	}
	if markErr != nil {
		// Handlers are idempotent, so letting the provider redeliver is safe.
		logger.Error().Err(markErr).Msg("failed to record webhook outcome")
		return result, markErr
	}

	if telemetry.Business != nil {
		telemetry.Business.WebhookProcessed.WithLabelValues(ev.Type).Inc()
	}
	logger.Info().Dur("duration", p.now().Sub(start)).Msg("webhook processed")
	return result, nil
}

func (p *WebhookProcessor) handle(ctx context.Context, ev *domain.VerifiedEvent) error {
	decoded, err := p.decoder.DecodeEvent(ev)
	if err != nil {
		return err
	}
	return p.dispatch(ctx, decoded)
}

// dispatch routes each event variant to exactly one handler.
func (p *WebhookProcessor) dispatch(ctx context.Context, ev domain.ProviderEvent) error {
	switch e := ev.(type) {
	case domain.TokenPurchaseCompleted:
		return p.handleTokenPurchase(ctx, e)
	case domain.SubscriptionCheckoutCompleted:
		return p.subscriptions.HandleCheckoutCompleted(ctx, e)
	case domain.InvoicePaid:
		return p.subscriptions.HandleInvoicePaid(ctx, e)
	case domain.InvoicePaymentFailed:
		return p.subscriptions.HandlePaymentFailed(ctx, e)
	case domain.SubscriptionUpdated:
		return p.subscriptions.HandleSubscriptionUpdated(ctx, e)
	case domain.SubscriptionDeleted:
		return p.subscriptions.HandleSubscriptionDeleted(ctx, e)
	case domain.UnknownEvent:
		log.Debug().Str("event_id", e.ID).Str("event_type", e.Type).Msg("no handler for event type")
		return nil
	default:
		return domain.Internal(fmt.Errorf("unhandled event variant %T", ev), "webhook.dispatch", "unhandled event")
	}
}

// handleTokenPurchase credits a paid token pack, once per checkout session.
func (p *WebhookProcessor) handleTokenPurchase(ctx context.Context, e domain.TokenPurchaseCompleted) error {
	const op = "webhook.token_purchase"

	if e.UserID == "" {
		return domain.NewValidationError(op, "user_id", "is required")
	}
	if e.TokenAmount <= 0 {
		return domain.NewValidationError(op, "token_amount", "must be positive")
	}

	key := e.SessionID
	if key == "" {
		key = e.ID
	}
	res, err := p.ledger.AdjustOnce(ctx, "checkout:"+key, e.UserID, e.TokenAmount, domain.ReasonPurchase, map[string]string{
		domain.MetaCheckoutSessionID: e.SessionID,
		domain.MetaEventID:           e.ID,
	})
	if err != nil {
		return err
	}
	if !res.Success {
		return domain.Internal(fmt.Errorf("credit of %d tokens rejected", e.TokenAmount), op, "failed to credit purchase")
	}
	return nil
}
