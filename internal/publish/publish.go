// Package publish emits entitlement change notifications for downstream
// consumers such as the token-spending pipeline.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dukerupert/reckon/internal/domain"
	"github.com/dukerupert/reckon/internal/telemetry"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Subject suffixes, appended to the configured prefix.
const (
	SubjectBalanceChanged      = "ledger.balance_changed"
	SubjectSubscriptionChanged = "subscription.changed"
)

// Publisher sends an encoded message to a subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Close() error
}

// NATSPublisher publishes over a NATS connection.
type NATSPublisher struct {
	conn *nats.Conn
}

// NewNATSPublisher connects to url. The connection reconnects indefinitely.
func NewNATSPublisher(url string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("reckon"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &NATSPublisher{conn: conn}, nil
}

func (p *NATSPublisher) Publish(_ context.Context, subject string, data []byte) error {
	return p.conn.Publish(subject, data)
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}

// NopPublisher drops every message.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, []byte) error { return nil }
func (NopPublisher) Close() error                                  { return nil }

// BalanceChanged is published after every ledger mutation.
type BalanceChanged struct {
	UserID  string            `json:"user_id"`
	Balance int64             `json:"balance"`
	Change  int64             `json:"change"`
	Reason  domain.Reason     `json:"reason"`
	EntryID string            `json:"entry_id"`
	Meta    map[string]string `json:"metadata,omitempty"`
	At      time.Time         `json:"at"`
}

// SubscriptionChanged is published after a plan, status or interval change.
type SubscriptionChanged struct {
	UserID        string          `json:"user_id"`
	PlanID        domain.PlanID   `json:"plan_id"`
	Status        domain.Status   `json:"status"`
	Interval      domain.Interval `json:"billing_interval"`
	PendingPlanID domain.PlanID   `json:"pending_plan_id,omitempty"`
	At            time.Time       `json:"at"`
}

// Notifier encodes entitlement changes and publishes them best-effort:
// failures are logged and counted but never returned.
type Notifier struct {
	pub    Publisher
	prefix string
}

// NewNotifier creates a Notifier publishing under prefix (e.g. "reckon").
func NewNotifier(pub Publisher, prefix string) *Notifier {
	if pub == nil {
		pub = NopPublisher{}
	}
	return &Notifier{pub: pub, prefix: prefix}
}

// BalanceChanged publishes a ledger entry and the resulting balance.
func (n *Notifier) BalanceChanged(ctx context.Context, entry *domain.LedgerEntry) {
	if entry == nil {
		return
	}
	n.publish(ctx, SubjectBalanceChanged, BalanceChanged{
		UserID:  entry.UserID,
		Balance: entry.BalanceAfter,
		Change:  entry.Change,
		Reason:  entry.Reason,
		EntryID: entry.ID.String(),
		Meta:    entry.Metadata,
		At:      entry.CreatedAt,
	})
}

// SubscriptionChanged publishes the current entitlement of a subscription.
func (n *Notifier) SubscriptionChanged(ctx context.Context, sub *domain.Subscription) {
	if sub == nil {
		return
	}
	n.publish(ctx, SubjectSubscriptionChanged, SubscriptionChanged{
		UserID:        sub.UserID,
		PlanID:        sub.PlanID,
		Status:        sub.Status,
		Interval:      sub.BillingInterval,
		PendingPlanID: sub.PendingPlanID,
		At:            sub.UpdatedAt,
	})
}

func (n *Notifier) publish(ctx context.Context, suffix string, v any) {
	subject := suffix
	if n.prefix != "" {
		subject = n.prefix + "." + suffix
	}

	data, err := json.Marshal(v)
	if err == nil {
		err = n.pub.Publish(ctx, subject, data)
	}
	if err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("failed to publish notification")
		if telemetry.Business != nil {
			telemetry.Business.NotificationsFailed.WithLabelValues(subject).Inc()
		}
	}
}
