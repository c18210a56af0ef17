package payment

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
)

var (
	// ErrInvalidSignature is returned when a webhook payload fails signature verification.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrMalformedEvent is returned when a correctly signed event cannot be decoded.
	ErrMalformedEvent = errors.New("malformed webhook event")
)

// EventType is a Stripe event type this service understands.
type EventType string

const (
	EventCheckoutCompleted     = EventType(stripe.EventTypeCheckoutSessionCompleted)
	EventAsyncPaymentSucceeded = EventType(stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded)
	EventAsyncPaymentFailed    = EventType(stripe.EventTypeCheckoutSessionAsyncPaymentFailed)
	EventCheckoutExpired       = EventType(stripe.EventTypeCheckoutSessionExpired)
)

// Event is a verified webhook delivery. Session is set for checkout.session.* events.
type Event struct {
	ID      string
	Type    EventType
	Created time.Time
	Session *CheckoutSession
}

// ParseWebhook verifies the Stripe-Signature header against the raw payload and
// decodes the event. The payload must be the exact bytes Stripe sent.
func ParseWebhook(payload []byte, signature, secret string) (Event, error) {
	evt, err := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
		Tolerance:                webhook.DefaultTolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if isSignatureError(err) {
			return Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return decodeEvent(evt)
}

// DecodeStoredEvent rebuilds an Event from a payload that was verified when it was
// first received, e.g. when replaying the webhook event log.
func DecodeStoredEvent(payload []byte) (Event, error) {
	var evt stripe.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return decodeEvent(evt)
}

func decodeEvent(evt stripe.Event) (Event, error) {
	out := Event{
		ID:      evt.ID,
		Type:    EventType(evt.Type),
		Created: time.Unix(evt.Created, 0).UTC(),
	}
	if !strings.HasPrefix(string(evt.Type), "checkout.session.") {
		return out, nil
	}
	if evt.Data == nil || len(evt.Data.Raw) == 0 {
		return out, fmt.Errorf("%w: %s has no data.object", ErrMalformedEvent, evt.Type)
	}

	var sess stripe.CheckoutSession
	if err := json.Unmarshal(evt.Data.Raw, &sess); err != nil {
		return out, fmt.Errorf("%w: decode checkout session: %v", ErrMalformedEvent, err)
	}
	out.Session = fromStripeSession(&sess)
	return out, nil
}

func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrTooOld)
}
