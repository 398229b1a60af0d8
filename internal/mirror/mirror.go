// Package mirror keeps a local, read-cache view of customer and
// instrument state. The payment gateway remains the source of truth;
// the mirror never invents data and every write originates from a
// direct gateway response or a verified webhook event.
package mirror

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned for reads of missing records.
	ErrNotFound = errors.New("mirror: record not found")
)

// Customer is the locally mirrored view of a gateway customer.
type Customer struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// Instrument is the locally mirrored view of a saved payment method.
type Instrument struct {
	ID         string    `json:"id"`
	CustomerID string    `json:"customer_id"`
	Brand      string    `json:"brand"`
	Last4      string    `json:"last4"`
	ExpMonth   int       `json:"exp_month"`
	ExpYear    int       `json:"exp_year"`
	CreatedAt  time.Time `json:"created_at"`
	IsDefault  bool      `json:"is_default"`
}

// Store is the key-value contract for the local state mirror.
//
// Writes are last-writer-wins by record id and idempotent on identical
// (id, content) pairs. Writes touching the same customer are serialized
// per customer id; unrelated customers proceed independently.
type Store interface {
	// Customers
	GetCustomer(ctx context.Context, id string) (*Customer, error)
	PutCustomer(ctx context.Context, c *Customer) error
	ListCustomers(ctx context.Context) ([]*Customer, error)
	// DeleteCustomer removes a customer and cascades to every
	// instrument owned by it in the same logical operation.
	DeleteCustomer(ctx context.Context, id string) error

	// Instruments
	GetInstrument(ctx context.Context, id string) (*Instrument, error)
	// PutInstrument upserts card metadata. For an existing record the
	// default flag is left untouched; only SetDefaultInstrument and
	// ClearDefaultsForCustomer mutate it.
	PutInstrument(ctx context.Context, inst *Instrument) error
	DeleteInstrument(ctx context.Context, id string) error
	ListInstrumentsByCustomer(ctx context.Context, customerID string) ([]*Instrument, error)

	// ClearDefaultsForCustomer unsets the default flag on every
	// instrument owned by the customer.
	ClearDefaultsForCustomer(ctx context.Context, customerID string) error

	// SetDefaultInstrument atomically clears the previous default and
	// marks the given instrument as default, preserving the invariant
	// that at most one instrument per customer is default.
	SetDefaultInstrument(ctx context.Context, customerID, instrumentID string) error
}
