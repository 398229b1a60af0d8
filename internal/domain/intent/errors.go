package intent

import "errors"

var (
	// ErrIntentNotFound is returned when no intent with the given id is known.
	ErrIntentNotFound = errors.New("intent not found")

	// ErrCustomerNotFound is returned when the referenced customer does not exist.
	ErrCustomerNotFound = errors.New("customer not found")

	// ErrInvalidAmount is returned for non-positive charge amounts.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrMissingCurrency is returned for charges without a currency.
	ErrMissingCurrency = errors.New("currency is required")

	// ErrInvalidStateTransition is returned when an operation is not
	// valid for the intent's current state.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrIntentTerminal is returned when mutating an already terminal intent.
	ErrIntentTerminal = errors.New("intent already in terminal state")

	// ErrRetryNotCharge is returned when retrying a non-charge intent.
	ErrRetryNotCharge = errors.New("only charge intents can be retried")
)
