package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stripe/stripe-go/v76"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func withStubBackend(t *testing.T, handler http.HandlerFunc) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(server.URL),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	stripe.SetBackend(stripe.APIBackend, backend)
	t.Cleanup(func() { stripe.SetBackend(stripe.APIBackend, nil) })
}

func TestListInstrumentsLogsDefaultResolutionFailure(t *testing.T) {
	withStubBackend(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/v1/customers/"):
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":{"type":"api_error","message":"boom"}}`))
		case r.URL.Path == "/v1/payment_methods":
			_, _ = w.Write([]byte(`{
				"object": "list",
				"url": "/v1/payment_methods",
				"has_more": false,
				"data": [{
					"id": "pm_1",
					"object": "payment_method",
					"type": "card",
					"customer": {"id": "cus_1"},
					"card": {"brand": "visa", "last4": "4242", "exp_month": 12, "exp_year": 2030}
				}]
			}`))
		default:
			http.NotFound(w, r)
		}
	})

	core, logs := observer.New(zap.WarnLevel)
	g := NewStripeGateway(&StripeConfig{APIKey: "sk_test_x", WebhookSecret: "whsec_x"}, zap.New(core))

	insts, err := g.ListInstruments(context.Background(), "cus_1")
	require.NoError(t, err)
	require.Len(t, insts, 1)
	assert.Equal(t, "pm_1", insts[0].ID)
	assert.False(t, insts[0].IsDefault)

	assert.Equal(t, 1, logs.FilterMessage("failed to resolve default payment method").Len(),
		"a failed default lookup must be logged, not swallowed")
}

func TestListInstrumentsMarksDefaultFromCustomer(t *testing.T) {
	withStubBackend(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/v1/customers/"):
			_, _ = w.Write([]byte(`{
				"id": "cus_1",
				"object": "customer",
				"invoice_settings": {"default_payment_method": {"id": "pm_2"}}
			}`))
		case r.URL.Path == "/v1/payment_methods":
			_, _ = w.Write([]byte(`{
				"object": "list",
				"url": "/v1/payment_methods",
				"has_more": false,
				"data": [
					{"id": "pm_1", "object": "payment_method", "type": "card",
						"card": {"brand": "visa", "last4": "4242", "exp_month": 12, "exp_year": 2030}},
					{"id": "pm_2", "object": "payment_method", "type": "card",
						"card": {"brand": "mastercard", "last4": "4444", "exp_month": 6, "exp_year": 2031}}
				]
			}`))
		default:
			http.NotFound(w, r)
		}
	})

	g := NewStripeGateway(&StripeConfig{APIKey: "sk_test_x", WebhookSecret: "whsec_x"}, zap.NewNop())

	insts, err := g.ListInstruments(context.Background(), "cus_1")
	require.NoError(t, err)
	require.Len(t, insts, 2)

	byID := map[string]bool{}
	for _, inst := range insts {
		byID[inst.ID] = inst.IsDefault
	}
	assert.False(t, byID["pm_1"])
	assert.True(t, byID["pm_2"])
}
