package intent

import (
	"time"
)

// Kind distinguishes save intents from charge intents.
type Kind string

const (
	KindSave   Kind = "save"
	KindCharge Kind = "charge"
)

// State is the lifecycle state of an intent.
type State string

const (
	StateCreated                State = "created"
	StateAwaitingConfirmation   State = "awaiting_confirmation"
	StateAwaitingAuthentication State = "awaiting_authentication"
	StateSucceeded              State = "succeeded"
	StateFailed                 State = "failed"
	StateCanceled               State = "canceled"
)

// IsTerminal returns true if the state is terminal.
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCanceled
}

// CanTransitionTo returns true if the state can transition to target.
func (s State) CanTransitionTo(target State) bool {
	if s == target {
		// Reapplying the same state is a no-op, not a violation.
		return true
	}
	switch s {
	case StateCreated:
		return target == StateAwaitingConfirmation ||
			target == StateAwaitingAuthentication ||
			target == StateSucceeded ||
			target == StateFailed ||
			target == StateCanceled
	case StateAwaitingConfirmation:
		return target == StateAwaitingAuthentication ||
			target == StateSucceeded ||
			target == StateFailed ||
			target == StateCanceled
	case StateAwaitingAuthentication:
		return target == StateAwaitingConfirmation ||
			target == StateSucceeded ||
			target == StateFailed ||
			target == StateCanceled
	default:
		return false
	}
}

// Intent is a single attempted save or charge operation, tracked through
// a bounded state machine. Intents live in process memory; only the
// minimal pending record for off-session retries is persisted.
type Intent struct {
	ID           string `json:"id"`
	Kind         Kind   `json:"kind"`
	CustomerID   string `json:"customer_id,omitempty"`
	InstrumentID string `json:"instrument_id,omitempty"`
	Amount       int64  `json:"amount,omitempty"`
	Currency     string `json:"currency,omitempty"`
	State        State  `json:"state"`

	// OnSession is true when the cardholder is present and can complete
	// interactive authentication.
	OnSession bool `json:"on_session"`

	// SaveInstrument requests vaulting the instrument on success
	// (implied for save intents).
	SaveInstrument bool `json:"save_instrument"`

	// ClientSecret is handed to the client-side collection widget for
	// confirmation or authentication steps.
	ClientSecret string `json:"client_secret,omitempty"`

	// FailureReason carries the normalized card failure classification
	// once the intent is failed.
	FailureReason string `json:"failure_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WantsVaulting returns true when success must upsert the instrument
// into the local mirror before the caller observes the result.
func (i *Intent) WantsVaulting() bool {
	return i.Kind == KindSave || i.SaveInstrument
}
