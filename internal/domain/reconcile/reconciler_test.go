package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stripe/stripe-go/v76"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vaultpay/server/internal/mirror"
	"github.com/vaultpay/server/internal/provider"
)

// fakeGateway verifies any payload signed with "valid" and serves
// canned intent lookups.
type fakeGateway struct {
	saveIntents   map[string]*provider.IntentResult
	chargeIntents map[string]*provider.IntentResult
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		saveIntents:   make(map[string]*provider.IntentResult),
		chargeIntents: make(map[string]*provider.IntentResult),
	}
}

func (f *fakeGateway) Name() string { return "fake" }

func (f *fakeGateway) CreateCustomer(context.Context, string, string) (*provider.Customer, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeGateway) GetCustomer(context.Context, string) (*provider.Customer, error) {
	return nil, provider.ErrNotFound
}

func (f *fakeGateway) DeleteCustomer(context.Context, string) error { return nil }

func (f *fakeGateway) CreateSaveIntent(context.Context, string, bool) (*provider.IntentResult, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeGateway) GetSaveIntent(_ context.Context, id string) (*provider.IntentResult, error) {
	if res, ok := f.saveIntents[id]; ok {
		return res, nil
	}
	return nil, provider.ErrNotFound
}

func (f *fakeGateway) CreateChargeIntent(context.Context, provider.ChargeParams) (*provider.IntentResult, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeGateway) GetChargeIntent(_ context.Context, id string) (*provider.IntentResult, error) {
	if res, ok := f.chargeIntents[id]; ok {
		return res, nil
	}
	return nil, provider.ErrNotFound
}

func (f *fakeGateway) ConfirmChargeIntent(context.Context, string) (*provider.IntentResult, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeGateway) CancelChargeIntent(context.Context, string) error { return nil }

func (f *fakeGateway) ListInstruments(context.Context, string) ([]*provider.Instrument, error) {
	return nil, nil
}

func (f *fakeGateway) AttachInstrument(context.Context, string, string) (*provider.Instrument, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeGateway) DetachInstrument(context.Context, string) error { return nil }

func (f *fakeGateway) SetDefaultInstrument(context.Context, string, string) error { return nil }

func (f *fakeGateway) VerifyWebhookSignature(payload []byte, signature string) (*stripe.Event, error) {
	if signature != "valid" {
		return nil, errors.New("signature mismatch")
	}
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

// failingStore wraps a mirror store and fails PutCustomer a fixed
// number of times.
type failingStore struct {
	mirror.Store
	failures int
	calls    int
}

func (s *failingStore) PutCustomer(ctx context.Context, c *mirror.Customer) error {
	s.calls++
	if s.calls <= s.failures {
		return errors.New("transient store failure")
	}
	return s.Store.PutCustomer(ctx, c)
}

func eventBody(t *testing.T, id, eventType string, object any) []byte {
	t.Helper()
	raw, err := json.Marshal(object)
	require.NoError(t, err)
	body, err := json.Marshal(map[string]any{
		"id":   id,
		"type": eventType,
		"data": map[string]json.RawMessage{"object": raw},
	})
	require.NoError(t, err)
	return body
}

func newTestReconciler(gateway provider.Gateway, store mirror.Store) (*Reconciler, *MemoryEventStore) {
	events := NewMemoryEventStore()
	cfg := Config{MaxApplyAttempts: 3, ApplyBackoff: time.Millisecond}
	return NewReconciler(gateway, store, events, nil, nil, zap.NewNop(), cfg), events
}

func TestHandleRejectsInvalidSignature(t *testing.T) {
	store := mirror.NewMemoryStore()
	r, events := newTestReconciler(newFakeGateway(), store)

	body := eventBody(t, "evt_1", "customer.created", map[string]any{"id": "cus_1"})
	err := r.Handle(context.Background(), body, "forged")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	exists, err := events.Exists(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.False(t, exists, "rejected event must leave no trace")
}

func TestHandleIgnoresUnknownEventType(t *testing.T) {
	r, _ := newTestReconciler(newFakeGateway(), mirror.NewMemoryStore())

	body := eventBody(t, "evt_2", "invoice.finalized", map[string]any{"id": "in_1"})
	err := r.Handle(context.Background(), body, "valid")
	assert.NoError(t, err)
}

func TestHandleCustomerCreated(t *testing.T) {
	store := mirror.NewMemoryStore()
	r, _ := newTestReconciler(newFakeGateway(), store)

	body := eventBody(t, "evt_3", "customer.created", map[string]any{
		"id":    "cus_1",
		"email": "a@example.com",
		"name":  "Ada",
	})
	require.NoError(t, r.Handle(context.Background(), body, "valid"))

	c, err := store.GetCustomer(context.Background(), "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", c.Email)
	assert.Equal(t, "Ada", c.DisplayName)
}

func TestHandleDuplicateEventAppliesOnce(t *testing.T) {
	store := mirror.NewMemoryStore()
	r, events := newTestReconciler(newFakeGateway(), store)

	body := eventBody(t, "evt_4", "customer.created", map[string]any{
		"id": "cus_1", "email": "a@example.com",
	})
	require.NoError(t, r.Handle(context.Background(), body, "valid"))

	// Overwrite the mirror to detect a second application.
	require.NoError(t, store.PutCustomer(context.Background(), &mirror.Customer{
		ID: "cus_1", Email: "changed@example.com",
	}))

	require.NoError(t, r.Handle(context.Background(), body, "valid"))

	c, err := store.GetCustomer(context.Background(), "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "changed@example.com", c.Email, "duplicate must be a no-op")

	exists, err := events.Exists(context.Background(), "evt_4")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestHandleCustomerDeletedCascades(t *testing.T) {
	store := mirror.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.PutCustomer(ctx, &mirror.Customer{ID: "cus_1"}))
	require.NoError(t, store.PutInstrument(ctx, &mirror.Instrument{ID: "pm_1", CustomerID: "cus_1"}))
	require.NoError(t, store.PutInstrument(ctx, &mirror.Instrument{ID: "pm_2", CustomerID: "cus_1"}))

	r, _ := newTestReconciler(newFakeGateway(), store)
	body := eventBody(t, "evt_5", "customer.deleted", map[string]any{"id": "cus_1"})
	require.NoError(t, r.Handle(ctx, body, "valid"))

	_, err := store.GetCustomer(ctx, "cus_1")
	assert.ErrorIs(t, err, mirror.ErrNotFound)
	insts, err := store.ListInstrumentsByCustomer(ctx, "cus_1")
	require.NoError(t, err)
	assert.Empty(t, insts)

	// Redelivery of the delete stays idempotent.
	require.NoError(t, r.Handle(ctx, body, "valid"))
}

func TestHandleSaveIntentSucceededVaultsInstrument(t *testing.T) {
	gateway := newFakeGateway()
	gateway.saveIntents["seti_1"] = &provider.IntentResult{
		ID:         "seti_1",
		Status:     provider.StatusSucceeded,
		CustomerID: "cus_1",
		Instrument: &provider.Instrument{
			ID: "pm_1", CustomerID: "cus_1", Brand: "visa", Last4: "4242",
			ExpMonth: 12, ExpYear: 2030,
		},
	}
	store := mirror.NewMemoryStore()
	r, _ := newTestReconciler(gateway, store)

	body := eventBody(t, "evt_6", "setup_intent.succeeded", map[string]any{
		"id":             "seti_1",
		"customer":       map[string]any{"id": "cus_1"},
		"payment_method": map[string]any{"id": "pm_1"},
	})
	require.NoError(t, r.Handle(context.Background(), body, "valid"))

	inst, err := store.GetInstrument(context.Background(), "pm_1")
	require.NoError(t, err)
	assert.Equal(t, "visa", inst.Brand)
	assert.Equal(t, "4242", inst.Last4)
}

func TestHandleChargeSucceededVaultsOnlyWhenRequested(t *testing.T) {
	gateway := newFakeGateway()
	gateway.chargeIntents["pi_1"] = &provider.IntentResult{
		ID:         "pi_1",
		Status:     provider.StatusSucceeded,
		CustomerID: "cus_1",
		Instrument: &provider.Instrument{ID: "pm_9", CustomerID: "cus_1", Brand: "mastercard", Last4: "4444"},
	}
	store := mirror.NewMemoryStore()
	r, _ := newTestReconciler(gateway, store)
	ctx := context.Background()

	plain := eventBody(t, "evt_7", "payment_intent.succeeded", map[string]any{
		"id":       "pi_1",
		"amount":   1500,
		"currency": "usd",
		"customer": map[string]any{"id": "cus_1"},
	})
	require.NoError(t, r.Handle(ctx, plain, "valid"))
	_, err := store.GetInstrument(ctx, "pm_9")
	assert.ErrorIs(t, err, mirror.ErrNotFound, "charge without save request must not vault")

	saved := eventBody(t, "evt_8", "payment_intent.succeeded", map[string]any{
		"id":                 "pi_1",
		"amount":             1500,
		"currency":           "usd",
		"customer":           map[string]any{"id": "cus_1"},
		"setup_future_usage": "off_session",
	})
	require.NoError(t, r.Handle(ctx, saved, "valid"))
	inst, err := store.GetInstrument(ctx, "pm_9")
	require.NoError(t, err)
	assert.Equal(t, "mastercard", inst.Brand)
}

func TestHandleAttachedPreservesDefaultFlag(t *testing.T) {
	ctx := context.Background()
	store := mirror.NewMemoryStore()
	r, _ := newTestReconciler(newFakeGateway(), store)

	require.NoError(t, store.PutInstrument(ctx, &mirror.Instrument{
		ID: "pm_1", CustomerID: "cus_1", Brand: "visa", Last4: "4242",
		ExpMonth: 12, ExpYear: 2030,
	}))
	require.NoError(t, store.SetDefaultInstrument(ctx, "cus_1", "pm_1"))

	body := eventBody(t, "evt_attach_1", "payment_method.attached", map[string]any{
		"id":       "pm_1",
		"customer": map[string]any{"id": "cus_1"},
		"card":     map[string]any{"brand": "visa", "last4": "4242", "exp_month": 12, "exp_year": 2030},
	})
	require.NoError(t, r.Handle(ctx, body, "valid"))

	inst, err := store.GetInstrument(ctx, "pm_1")
	require.NoError(t, err)
	assert.True(t, inst.IsDefault, "remote-sourced upsert must not clear the locally authoritative default flag")
}

func TestDirectAndWebhookUpsertsConvergeInEitherOrder(t *testing.T) {
	ctx := context.Background()
	created := time.Unix(1700000000, 0)

	directPut := func(store mirror.Store) {
		require.NoError(t, store.PutInstrument(ctx, &mirror.Instrument{
			ID: "pm_1", CustomerID: "cus_1", Brand: "visa", Last4: "4242",
			ExpMonth: 12, ExpYear: 2030, CreatedAt: created,
		}))
	}
	webhookPut := func(store mirror.Store, eventID string) {
		r, _ := newTestReconciler(newFakeGateway(), store)
		body := eventBody(t, eventID, "payment_method.attached", map[string]any{
			"id":       "pm_1",
			"customer": map[string]any{"id": "cus_1"},
			"created":  created.Unix(),
			"card":     map[string]any{"brand": "visa", "last4": "4242", "exp_month": 12, "exp_year": 2030},
		})
		require.NoError(t, r.Handle(ctx, body, "valid"))
	}

	directFirst := mirror.NewMemoryStore()
	directPut(directFirst)
	require.NoError(t, directFirst.SetDefaultInstrument(ctx, "cus_1", "pm_1"))
	webhookPut(directFirst, "evt_conv_1")

	webhookFirst := mirror.NewMemoryStore()
	webhookPut(webhookFirst, "evt_conv_2")
	require.NoError(t, webhookFirst.SetDefaultInstrument(ctx, "cus_1", "pm_1"))
	directPut(webhookFirst)

	a, err := directFirst.GetInstrument(ctx, "pm_1")
	require.NoError(t, err)
	b, err := webhookFirst.GetInstrument(ctx, "pm_1")
	require.NoError(t, err)

	assert.True(t, a.IsDefault)
	assert.Equal(t, a, b, "mirror state must not depend on write arrival order")
}

func TestHandleRetriesTransientFailure(t *testing.T) {
	store := &failingStore{Store: mirror.NewMemoryStore(), failures: 2}
	r, events := newTestReconciler(newFakeGateway(), store)

	body := eventBody(t, "evt_9", "customer.created", map[string]any{"id": "cus_1"})
	require.NoError(t, r.Handle(context.Background(), body, "valid"))

	_, err := store.GetCustomer(context.Background(), "cus_1")
	assert.NoError(t, err, "third attempt should have succeeded")

	exists, err := events.Exists(context.Background(), "evt_9")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestHandleParksAfterExhaustingRetries(t *testing.T) {
	store := &failingStore{Store: mirror.NewMemoryStore(), failures: 10}
	r, events := newTestReconciler(newFakeGateway(), store)

	body := eventBody(t, "evt_10", "customer.created", map[string]any{"id": "cus_1"})
	require.NoError(t, r.Handle(context.Background(), body, "valid"),
		"parked deliveries are still acknowledged")

	parked, err := events.ListParked(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, "evt_10", parked[0].EventID)
	assert.Contains(t, parked[0].LastError, "transient store failure")

	// A parked event counts as handled; redelivery is skipped.
	require.NoError(t, r.Handle(context.Background(), body, "valid"))
	assert.Equal(t, 3, store.calls, "redelivery of a parked event must not reapply")
}

func TestHandleParksUndecodableEvent(t *testing.T) {
	ctx := context.Background()
	store := mirror.NewMemoryStore()
	r, events := newTestReconciler(newFakeGateway(), store)

	// Signature-valid, but the payload does not decode as a setup
	// intent. Redelivery cannot fix it, so the delivery is acked and
	// the raw body parked.
	body := eventBody(t, "evt_bad", "setup_intent.succeeded", "garbage")
	require.NoError(t, r.Handle(ctx, body, "valid"))

	parked, err := events.ListParked(ctx, 10)
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, "evt_bad", parked[0].EventID)

	// Redelivery is a duplicate of the parked record.
	require.NoError(t, r.Handle(ctx, body, "valid"))
	parked, err = events.ListParked(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, parked, 1)
}

func TestRedisDeduperRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	d := NewRedisDeduper(client, time.Hour)
	ctx := context.Background()

	seen, err := d.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, d.MarkProcessed(ctx, "evt_1"))
	seen, err = d.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestHandleWithRedisDedupFastPath(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := mirror.NewMemoryStore()
	events := NewMemoryEventStore()
	dedup := NewRedisDeduper(client, time.Hour)
	r := NewReconciler(newFakeGateway(), store, events, dedup, nil, zap.NewNop(),
		Config{MaxApplyAttempts: 2, ApplyBackoff: time.Millisecond})

	ctx := context.Background()
	body := eventBody(t, "evt_11", "customer.created", map[string]any{
		"id": "cus_1", "email": "a@example.com",
	})
	require.NoError(t, r.Handle(ctx, body, "valid"))

	seen, err := dedup.Seen(ctx, "evt_11")
	require.NoError(t, err)
	assert.True(t, seen, "processed events land in the fast path")

	require.NoError(t, store.PutCustomer(ctx, &mirror.Customer{ID: "cus_1", Email: "changed@example.com"}))
	require.NoError(t, r.Handle(ctx, body, "valid"))
	c, err := store.GetCustomer(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "changed@example.com", c.Email)
}

func TestDecodeChargeFailedCarriesReason(t *testing.T) {
	raw := &stripe.Event{
		ID:   "evt_12",
		Type: "payment_intent.payment_failed",
	}
	payload := `{"id":"pi_1","last_payment_error":{"code":"card_declined","message":"Your card was declined."}}`
	raw.Data = &stripe.EventData{Raw: json.RawMessage(payload)}

	event, err := decodeEvent(raw)
	require.NoError(t, err)
	failed, ok := event.Payload.(ChargeIntentFailed)
	require.True(t, ok)
	assert.Equal(t, "pi_1", failed.IntentID)
	assert.Equal(t, "card_declined", failed.Reason)
	assert.Equal(t, "Your card was declined.", failed.Message)
}
