package reconcile

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v76"

	"github.com/vaultpay/server/internal/mirror"
)

// EventType enumerates the webhook event types the reconciler handles.
type EventType string

const (
	EventSaveIntentSucceeded   EventType = "setup_intent.succeeded"
	EventChargeIntentSucceeded EventType = "payment_intent.succeeded"
	EventChargeIntentFailed    EventType = "payment_intent.payment_failed"
	EventInstrumentAttached    EventType = "payment_method.attached"
	EventCustomerCreated       EventType = "customer.created"
	EventCustomerDeleted       EventType = "customer.deleted"
)

// Event is a verified webhook event with its decoded payload.
type Event struct {
	// ID is provider-assigned and globally unique; it is the
	// deduplication key because providers redeliver on timeout.
	ID         string
	Type       EventType
	Payload    Payload
	ReceivedAt time.Time
}

// Payload is the tagged variant decoded per event type. Unknown types
// decode to Unknown and are explicitly ignored.
type Payload interface {
	isPayload()
}

// SaveIntentSucceeded reports a completed save intent.
type SaveIntentSucceeded struct {
	IntentID     string
	CustomerID   string
	InstrumentID string
}

// ChargeIntentSucceeded reports a completed charge intent.
type ChargeIntentSucceeded struct {
	IntentID     string
	CustomerID   string
	InstrumentID string
	Amount       int64
	Currency     string
	// SaveRequested is true when the charge asked for the instrument to
	// be vaulted for future use.
	SaveRequested bool
}

// ChargeIntentFailed reports a terminally failed charge attempt.
type ChargeIntentFailed struct {
	IntentID string
	Reason   string
	Message  string
}

// InstrumentAttached reports an instrument attached to a customer.
type InstrumentAttached struct {
	Instrument mirror.Instrument
}

// CustomerCreated reports a newly created customer.
type CustomerCreated struct {
	Customer mirror.Customer
}

// CustomerDeleted reports a deleted customer. Applying it cascades to
// every instrument the customer owned.
type CustomerDeleted struct {
	CustomerID string
}

// Unknown is any event type outside the handled set; accepted and
// ignored for forward compatibility.
type Unknown struct {
	RawType string
}

func (SaveIntentSucceeded) isPayload()   {}
func (ChargeIntentSucceeded) isPayload() {}
func (ChargeIntentFailed) isPayload()    {}
func (InstrumentAttached) isPayload()    {}
func (CustomerCreated) isPayload()       {}
func (CustomerDeleted) isPayload()       {}
func (Unknown) isPayload()               {}

// decodeEvent parses a raw provider event into a tagged variant.
func decodeEvent(raw *stripe.Event) (*Event, error) {
	event := &Event{
		ID:         raw.ID,
		Type:       EventType(raw.Type),
		ReceivedAt: time.Now(),
	}

	switch event.Type {
	case EventSaveIntentSucceeded:
		var si stripe.SetupIntent
		if err := json.Unmarshal(raw.Data.Raw, &si); err != nil {
			return nil, fmt.Errorf("unmarshal setup intent: %w", err)
		}
		payload := SaveIntentSucceeded{IntentID: si.ID}
		if si.Customer != nil {
			payload.CustomerID = si.Customer.ID
		}
		if si.PaymentMethod != nil {
			payload.InstrumentID = si.PaymentMethod.ID
		}
		event.Payload = payload

	case EventChargeIntentSucceeded:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(raw.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("unmarshal payment intent: %w", err)
		}
		payload := ChargeIntentSucceeded{
			IntentID:      pi.ID,
			Amount:        pi.Amount,
			Currency:      string(pi.Currency),
			SaveRequested: pi.SetupFutureUsage != "",
		}
		if pi.Customer != nil {
			payload.CustomerID = pi.Customer.ID
		}
		if pi.PaymentMethod != nil {
			payload.InstrumentID = pi.PaymentMethod.ID
		}
		event.Payload = payload

	case EventChargeIntentFailed:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(raw.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("unmarshal payment intent: %w", err)
		}
		payload := ChargeIntentFailed{IntentID: pi.ID}
		if pi.LastPaymentError != nil {
			payload.Reason = string(pi.LastPaymentError.Code)
			payload.Message = pi.LastPaymentError.Msg
		}
		event.Payload = payload

	case EventInstrumentAttached:
		var pm stripe.PaymentMethod
		if err := json.Unmarshal(raw.Data.Raw, &pm); err != nil {
			return nil, fmt.Errorf("unmarshal payment method: %w", err)
		}
		inst := mirror.Instrument{
			ID:        pm.ID,
			CreatedAt: time.Unix(pm.Created, 0),
		}
		if pm.Customer != nil {
			inst.CustomerID = pm.Customer.ID
		}
		if pm.Card != nil {
			inst.Brand = string(pm.Card.Brand)
			inst.Last4 = pm.Card.Last4
			inst.ExpMonth = int(pm.Card.ExpMonth)
			inst.ExpYear = int(pm.Card.ExpYear)
		}
		event.Payload = InstrumentAttached{Instrument: inst}

	case EventCustomerCreated:
		var c stripe.Customer
		if err := json.Unmarshal(raw.Data.Raw, &c); err != nil {
			return nil, fmt.Errorf("unmarshal customer: %w", err)
		}
		event.Payload = CustomerCreated{Customer: mirror.Customer{
			ID:          c.ID,
			Email:       c.Email,
			DisplayName: c.Name,
			CreatedAt:   time.Unix(c.Created, 0),
		}}

	case EventCustomerDeleted:
		var c stripe.Customer
		if err := json.Unmarshal(raw.Data.Raw, &c); err != nil {
			return nil, fmt.Errorf("unmarshal customer: %w", err)
		}
		event.Payload = CustomerDeleted{CustomerID: c.ID}

	default:
		event.Payload = Unknown{RawType: string(raw.Type)}
	}

	return event, nil
}
