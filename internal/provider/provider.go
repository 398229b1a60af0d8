package provider

import (
	"context"
	"time"

	"github.com/stripe/stripe-go/v76"
)

// OutcomeStatus is the normalized status of a save or charge intent
// as reported by the gateway.
type OutcomeStatus string

const (
	StatusSucceeded              OutcomeStatus = "succeeded"
	StatusRequiresConfirmation   OutcomeStatus = "requires_confirmation"
	StatusRequiresAction         OutcomeStatus = "requires_action"
	StatusRequiresPaymentMethod  OutcomeStatus = "requires_payment_method"
	StatusProcessing             OutcomeStatus = "processing"
	StatusCanceled               OutcomeStatus = "canceled"
)

// Customer represents a customer at the gateway.
type Customer struct {
	ID        string
	Email     string
	Name      string
	CreatedAt time.Time
}

// Instrument represents a saved payment method at the gateway.
// Only tokenized references and display metadata, never raw card data.
type Instrument struct {
	ID         string
	CustomerID string
	Brand      string
	Last4      string
	ExpMonth   int
	ExpYear    int
	CreatedAt  time.Time
	IsDefault  bool
}

// IntentResult is the gateway's view of a save or charge intent.
type IntentResult struct {
	ID           string
	ClientSecret string
	Status       OutcomeStatus
	Amount       int64
	Currency     string
	CustomerID   string
	// Instrument is populated when the gateway expanded the payment
	// method on the intent, nil otherwise.
	Instrument *Instrument
}

// ChargeParams describes a charge-intent creation request.
type ChargeParams struct {
	CustomerID     string
	InstrumentID   string
	Amount         int64
	Currency       string
	OnSession      bool
	SaveInstrument bool
	Metadata       map[string]string
}

// Gateway defines the typed operations against the payment provider.
// Implementations hold no local state; side effects are entirely remote.
type Gateway interface {
	Name() string

	// Customers
	CreateCustomer(ctx context.Context, email, name string) (*Customer, error)
	GetCustomer(ctx context.Context, customerID string) (*Customer, error)
	DeleteCustomer(ctx context.Context, customerID string) error

	// Save intents (vaulting an instrument for later use)
	CreateSaveIntent(ctx context.Context, customerID string, onSession bool) (*IntentResult, error)
	GetSaveIntent(ctx context.Context, intentID string) (*IntentResult, error)

	// Charge intents
	CreateChargeIntent(ctx context.Context, params ChargeParams) (*IntentResult, error)
	GetChargeIntent(ctx context.Context, intentID string) (*IntentResult, error)
	ConfirmChargeIntent(ctx context.Context, intentID string) (*IntentResult, error)
	CancelChargeIntent(ctx context.Context, intentID string) error

	// Instruments
	ListInstruments(ctx context.Context, customerID string) ([]*Instrument, error)
	AttachInstrument(ctx context.Context, instrumentID, customerID string) (*Instrument, error)
	DetachInstrument(ctx context.Context, instrumentID string) error
	SetDefaultInstrument(ctx context.Context, customerID, instrumentID string) error

	// Webhooks
	VerifyWebhookSignature(payload []byte, signature string) (*stripe.Event, error)
}
