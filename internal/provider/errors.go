package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/stripe/stripe-go/v76"
)

// Gateway error taxonomy. Every gateway operation fails with one of
// these classes (possibly wrapped).
var (
	// ErrNotFound means the referenced object no longer exists at the gateway.
	ErrNotFound = errors.New("gateway: not found")

	// ErrInvalidRequest means the request was malformed or semantically
	// invalid; fixable by the caller, never retried automatically.
	ErrInvalidRequest = errors.New("gateway: invalid request")

	// ErrRateLimited means the gateway throttled the request.
	ErrRateLimited = errors.New("gateway: rate limited")

	// ErrUnavailable means a transient gateway failure or timeout.
	// Safe to retry with backoff; the remote side effect may still have
	// occurred, so webhook reconciliation remains the source of truth.
	ErrUnavailable = errors.New("gateway: unavailable")
)

// CardError is a terminal card-level failure for the current attempt
// (decline, expiry, CVC mismatch). The reason code is surfaced to the
// caller classified, never as raw provider text alone.
type CardError struct {
	Reason  string
	Message string
}

func (e *CardError) Error() string {
	return fmt.Sprintf("card error: %s", e.Reason)
}

// AsCardError extracts a CardError from an error chain.
func AsCardError(err error) (*CardError, bool) {
	var ce *CardError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// classify maps a raw stripe-go error into the gateway taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		// The provider-side effect may have still occurred.
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}

	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}

	switch {
	case stripeErr.Type == stripe.ErrorTypeCard:
		reason := string(stripeErr.Code)
		if reason == "" {
			reason = string(stripeErr.DeclineCode)
		}
		return fmt.Errorf("%s: %w", op, &CardError{Reason: reason, Message: stripeErr.Msg})

	case stripeErr.HTTPStatusCode == http.StatusTooManyRequests || stripeErr.Code == stripe.ErrorCodeRateLimit:
		return fmt.Errorf("%s: %w", op, ErrRateLimited)

	case stripeErr.HTTPStatusCode == http.StatusNotFound || stripeErr.Code == stripe.ErrorCodeResourceMissing:
		return fmt.Errorf("%s: %w", op, ErrNotFound)

	case stripeErr.Type == stripe.ErrorTypeInvalidRequest:
		return fmt.Errorf("%s: %w: %s", op, ErrInvalidRequest, stripeErr.Msg)

	default:
		return fmt.Errorf("%s: %w: %s", op, ErrUnavailable, stripeErr.Msg)
	}
}
