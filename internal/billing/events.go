package billing

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dukerupert/reckon/internal/domain"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Checkout metadata keys written by the checkout creator.
const (
	MetaUserID          = "user_id"
	MetaTokenAmount     = "token_amount"
	MetaPlanID          = "plan_id"
	MetaMarket          = "market"
	MetaBillingInterval = "billing_interval"
)

// stripeID accepts either a bare id or an expanded object with an id.
type stripeID string

func (s *stripeID) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*s = ""
		return nil
	}
	if len(b) > 0 && b[0] == '{' {
		var obj struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(b, &obj); err != nil {
			return err
		}
		*s = stripeID(obj.ID)
		return nil
	}
	var id string
	if err := json.Unmarshal(b, &id); err != nil {
		return err
	}
	*s = stripeID(id)
	return nil
}

type stripeCheckoutSession struct {
	ID            string            `json:"id"`
	Mode          string            `json:"mode"`
	PaymentStatus string            `json:"payment_status"`
	Customer      stripeID          `json:"customer"`
	Subscription  stripeID          `json:"subscription"`
	Metadata      map[string]string `json:"metadata"`
}

type stripePeriod struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

type stripeInvoice struct {
	ID            string   `json:"id"`
	Customer      stripeID `json:"customer"`
	Subscription  stripeID `json:"subscription"`
	BillingReason string   `json:"billing_reason"`
	PeriodStart   int64    `json:"period_start"`
	PeriodEnd     int64    `json:"period_end"`
	Parent        *struct {
		SubscriptionDetails *struct {
			Subscription stripeID `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Period stripePeriod `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

// subscriptionID prefers the newer parent.subscription_details location.
func (inv stripeInvoice) subscriptionID() string {
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil && inv.Parent.SubscriptionDetails.Subscription != "" {
		return string(inv.Parent.SubscriptionDetails.Subscription)
	}
	return string(inv.Subscription)
}

// period returns the service period of the invoice's subscription line, or
// the invoice's own period when no line carries one.
func (inv stripeInvoice) period() (time.Time, time.Time) {
	for _, line := range inv.Lines.Data {
		if line.Period.End > 0 {
			return unixTime(line.Period.Start), unixTime(line.Period.End)
		}
	}
	return unixTime(inv.PeriodStart), unixTime(inv.PeriodEnd)
}

type stripeSubscription struct {
	ID                 string   `json:"id"`
	Customer           stripeID `json:"customer"`
	Status             string   `json:"status"`
	CurrentPeriodStart int64    `json:"current_period_start"`
	CurrentPeriodEnd   int64    `json:"current_period_end"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

// period reads the item-level period, falling back to the legacy top-level fields.
func (s stripeSubscription) period() (time.Time, time.Time) {
	if len(s.Items.Data) > 0 && s.Items.Data[0].CurrentPeriodEnd > 0 {
		return unixTime(s.Items.Data[0].CurrentPeriodStart), unixTime(s.Items.Data[0].CurrentPeriodEnd)
	}
	return unixTime(s.CurrentPeriodStart), unixTime(s.CurrentPeriodEnd)
}

type purchaseMetadata struct {
	UserID      string `validate:"required"`
	TokenAmount int64  `validate:"gt=0"`
}

type subscriptionMetadata struct {
	UserID         string `validate:"required"`
	PlanID         string `validate:"required,oneof=tier1 tier2 tier3"`
	Market         string `validate:"omitempty,alpha,max=8"`
	SubscriptionID string `validate:"required"`
}

// DecodeEvent interprets a verified Stripe event. Event types without a
// handler, and checkouts that are not paid yet, decode to domain.UnknownEvent.
// Missing or malformed checkout metadata is a *domain.ValidationError.
func DecodeEvent(ev *domain.VerifiedEvent) (domain.ProviderEvent, error) {
	h := domain.EventHeader{ID: ev.ID, Type: ev.Type, Created: ev.Created}

	switch ev.Type {
	case domain.EventCheckoutSessionCompleted, domain.EventCheckoutAsyncPaymentSucceeded:
		var session stripeCheckoutSession
		if err := decodeObject(ev, &session); err != nil {
			return nil, err
		}
		return decodeCheckout(h, session)

	case domain.EventInvoicePaid, domain.EventInvoicePaymentSucceeded:
		var inv stripeInvoice
		if err := decodeObject(ev, &inv); err != nil {
			return nil, err
		}
		start, end := inv.period()
		return domain.InvoicePaid{
			EventHeader:            h,
			InvoiceID:              inv.ID,
			ProviderSubscriptionID: inv.subscriptionID(),
			ProviderCustomerID:     string(inv.Customer),
			BillingReason:          inv.BillingReason,
			PeriodStart:            start,
			PeriodEnd:              end,
		}, nil

	case domain.EventInvoicePaymentFailed:
		var inv stripeInvoice
		if err := decodeObject(ev, &inv); err != nil {
			return nil, err
		}
		return domain.InvoicePaymentFailed{
			EventHeader:            h,
			InvoiceID:              inv.ID,
			ProviderSubscriptionID: inv.subscriptionID(),
			ProviderCustomerID:     string(inv.Customer),
		}, nil

	case domain.EventSubscriptionUpdated:
		var sub stripeSubscription
		if err := decodeObject(ev, &sub); err != nil {
			return nil, err
		}
		start, end := sub.period()
		return domain.SubscriptionUpdated{
			EventHeader:            h,
			ProviderSubscriptionID: sub.ID,
			ProviderCustomerID:     string(sub.Customer),
			Status:                 mapStatus(sub.Status),
			CurrentPeriodStart:     start,
			CurrentPeriodEnd:       end,
		}, nil

	case domain.EventSubscriptionDeleted:
		var sub stripeSubscription
		if err := decodeObject(ev, &sub); err != nil {
			return nil, err
		}
		return domain.SubscriptionDeleted{
			EventHeader:            h,
			ProviderSubscriptionID: sub.ID,
			ProviderCustomerID:     string(sub.Customer),
		}, nil
	}

	return domain.UnknownEvent{EventHeader: h}, nil
}

func decodeCheckout(h domain.EventHeader, session stripeCheckoutSession) (domain.ProviderEvent, error) {
	const op = "stripe.decode_checkout"

	if session.PaymentStatus != "paid" && session.PaymentStatus != "no_payment_required" {
		log.Info().
			Str("event_id", h.ID).
			Str("session_id", session.ID).
			Str("payment_status", session.PaymentStatus).
			Msg("checkout not paid yet, ignoring")
		return domain.UnknownEvent{EventHeader: h}, nil
	}

	md := session.Metadata
	switch session.Mode {
	case "payment":
		amount, err := strconv.ParseInt(strings.TrimSpace(md[MetaTokenAmount]), 10, 64)
		if err != nil {
			return nil, domain.NewValidationError(op, MetaTokenAmount, "must be an integer")
		}
		meta := purchaseMetadata{
			UserID:      strings.TrimSpace(md[MetaUserID]),
			TokenAmount: amount,
		}
		if err := validateMetadata(op, meta); err != nil {
			return nil, err
		}
		return domain.TokenPurchaseCompleted{
			EventHeader: h,
			SessionID:   session.ID,
			UserID:      meta.UserID,
			CustomerID:  string(session.Customer),
			TokenAmount: meta.TokenAmount,
		}, nil

	case "subscription":
		meta := subscriptionMetadata{
			UserID:         strings.TrimSpace(md[MetaUserID]),
			PlanID:         strings.ToLower(strings.TrimSpace(md[MetaPlanID])),
			Market:         strings.ToLower(strings.TrimSpace(md[MetaMarket])),
			SubscriptionID: string(session.Subscription),
		}
		if err := validateMetadata(op, meta); err != nil {
			return nil, err
		}

		var interval domain.Interval
		if raw := md[MetaBillingInterval]; raw != "" {
			parsed, err := domain.ParseInterval(raw)
			if err != nil {
				return nil, domain.NewValidationError(op, MetaBillingInterval, "must be monthly or annual")
			}
			interval = parsed
		}

		return domain.SubscriptionCheckoutCompleted{
			EventHeader:            h,
			SessionID:              session.ID,
			UserID:                 meta.UserID,
			PlanID:                 domain.PlanID(meta.PlanID),
			Market:                 meta.Market,
			Interval:               interval,
			ProviderSubscriptionID: meta.SubscriptionID,
			ProviderCustomerID:     string(session.Customer),
		}, nil
	}

	log.Debug().Str("event_id", h.ID).Str("mode", session.Mode).Msg("checkout mode not handled")
	return domain.UnknownEvent{EventHeader: h}, nil
}

func decodeObject(ev *domain.VerifiedEvent, v any) error {
	if len(ev.Object) == 0 {
		return domain.Errorf(domain.EINVALID, "stripe.decode", "%s event has no data object", ev.Type)
	}
	if err := json.Unmarshal(ev.Object, v); err != nil {
		return domain.WrapError(fmt.Errorf("decode %s: %w", ev.Type, err), domain.EINVALID, "stripe.decode", "malformed event object")
	}
	return nil
}

// metadataFields maps struct fields to the metadata keys reported to operators.
var metadataFields = map[string]string{
	"UserID":         MetaUserID,
	"TokenAmount":    MetaTokenAmount,
	"PlanID":         MetaPlanID,
	"Market":         MetaMarket,
	"SubscriptionID": "subscription",
}

func validateMetadata(op string, v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return domain.Internal(err, op, "metadata validation failed")
	}

	ve := &domain.ValidationError{Op: op, Fields: make(map[string]string, len(verrs))}
	for _, fe := range verrs {
		field := metadataFields[fe.Field()]
		if field == "" {
			field = fe.Field()
		}
		ve.Fields[field] = fieldMessage(fe)
	}
	return ve
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return "must be greater than " + fe.Param()
	case "oneof":
		return "must be one of " + fe.Param()
	default:
		return "is invalid"
	}
}

// ParseEnvelope reads a Stripe event envelope without checking a signature.
// Only callers that have already authenticated the payload may use it.
func ParseEnvelope(payload []byte) (*domain.VerifiedEvent, error) {
	var env struct {
		ID      string `json:"id"`
		Type    string `json:"type"`
		Created int64  `json:"created"`
		Data    struct {
			Object json.RawMessage `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, domain.WrapError(err, domain.EINVALID, "stripe.parse_envelope", "malformed event payload")
	}
	if env.ID == "" || env.Type == "" {
		return nil, domain.Invalid("stripe.parse_envelope", "event id and type are required")
	}
	return &domain.VerifiedEvent{
		ID:      env.ID,
		Type:    env.Type,
		Created: unixTime(env.Created),
		Object:  env.Data.Object,
		Payload: payload,
	}, nil
}
