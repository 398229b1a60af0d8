package provider

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stripe/stripe-go/v76"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyNil(t *testing.T) {
	assert.NoError(t, classify("op", nil))
}

func TestClassifyCardDecline(t *testing.T) {
	err := classify("create charge intent", &stripe.Error{
		Type: stripe.ErrorTypeCard,
		Code: stripe.ErrorCodeCardDeclined,
		Msg:  "Your card was declined.",
	})

	cardErr, ok := AsCardError(err)
	require.True(t, ok)
	assert.Equal(t, "card_declined", cardErr.Reason)
	assert.Equal(t, "Your card was declined.", cardErr.Message)
}

func TestClassifyCardDeclineFallsBackToDeclineCode(t *testing.T) {
	err := classify("create charge intent", &stripe.Error{
		Type:        stripe.ErrorTypeCard,
		DeclineCode: stripe.DeclineCodeInsufficientFunds,
	})

	cardErr, ok := AsCardError(err)
	require.True(t, ok)
	assert.Equal(t, "insufficient_funds", cardErr.Reason)
}

func TestClassifyRateLimit(t *testing.T) {
	err := classify("op", &stripe.Error{HTTPStatusCode: http.StatusTooManyRequests})
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestClassifyNotFound(t *testing.T) {
	err := classify("op", &stripe.Error{
		Type: stripe.ErrorTypeInvalidRequest,
		Code: stripe.ErrorCodeResourceMissing,
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClassifyInvalidRequest(t *testing.T) {
	err := classify("op", &stripe.Error{
		Type: stripe.ErrorTypeInvalidRequest,
		Msg:  "Missing required param: amount.",
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestClassifyTimeoutIsUnavailable(t *testing.T) {
	err := classify("op", context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestClassifyUnknownErrorIsUnavailable(t *testing.T) {
	err := classify("op", errors.New("connection reset by peer"))
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestClassifyServerErrorIsUnavailable(t *testing.T) {
	err := classify("op", &stripe.Error{
		Type:           stripe.ErrorTypeAPI,
		HTTPStatusCode: http.StatusInternalServerError,
		Msg:            "An unknown error occurred",
	})
	assert.ErrorIs(t, err, ErrUnavailable)
}
