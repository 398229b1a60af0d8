package mirror

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCustomer(id string) *Customer {
	return &Customer{
		ID:          id,
		Email:       id + "@example.com",
		DisplayName: "Test " + id,
		CreatedAt:   time.Now(),
	}
}

func testInstrument(id, customerID string) *Instrument {
	return &Instrument{
		ID:         id,
		CustomerID: customerID,
		Brand:      "visa",
		Last4:      "4242",
		ExpMonth:   12,
		ExpYear:    2030,
		CreatedAt:  time.Now(),
	}
}

func TestMemoryStore_CustomerRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.GetCustomer(ctx, "cus_1")
	assert.ErrorIs(t, err, ErrNotFound)

	c := testCustomer("cus_1")
	require.NoError(t, store.PutCustomer(ctx, c))

	got, err := store.GetCustomer(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, c.Email, got.Email)

	// Last-writer-wins by id.
	c2 := testCustomer("cus_1")
	c2.Email = "new@example.com"
	require.NoError(t, store.PutCustomer(ctx, c2))

	got, err = store.GetCustomer(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", got.Email)
}

func TestMemoryStore_IdempotentPut(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	inst := testInstrument("pm_1", "cus_1")
	require.NoError(t, store.PutInstrument(ctx, inst))
	require.NoError(t, store.PutInstrument(ctx, inst))

	list, err := store.ListInstrumentsByCustomer(ctx, "cus_1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "pm_1", list[0].ID)
}

func TestMemoryStore_ListCustomers(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	list, err := store.ListCustomers(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	base := time.Now()
	older := testCustomer("cus_b")
	older.CreatedAt = base.Add(-time.Hour)
	newer := testCustomer("cus_a")
	newer.CreatedAt = base

	require.NoError(t, store.PutCustomer(ctx, newer))
	require.NoError(t, store.PutCustomer(ctx, older))

	list, err = store.ListCustomers(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "cus_b", list[0].ID)
	assert.Equal(t, "cus_a", list[1].ID)
}

func TestMemoryStore_DeleteCustomerCascades(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.PutCustomer(ctx, testCustomer("cus_1")))
	require.NoError(t, store.PutCustomer(ctx, testCustomer("cus_2")))
	require.NoError(t, store.PutInstrument(ctx, testInstrument("pm_1", "cus_1")))
	require.NoError(t, store.PutInstrument(ctx, testInstrument("pm_2", "cus_1")))
	require.NoError(t, store.PutInstrument(ctx, testInstrument("pm_other", "cus_2")))

	require.NoError(t, store.DeleteCustomer(ctx, "cus_1"))

	_, err := store.GetCustomer(ctx, "cus_1")
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := store.ListInstrumentsByCustomer(ctx, "cus_1")
	require.NoError(t, err)
	assert.Empty(t, list)

	// Unrelated customer untouched.
	list, err = store.ListInstrumentsByCustomer(ctx, "cus_2")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	assert.ErrorIs(t, store.DeleteCustomer(ctx, "cus_1"), ErrNotFound)
}

func TestMemoryStore_SetDefaultInstrument(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.PutInstrument(ctx, testInstrument("pm_1", "cus_1")))
	require.NoError(t, store.PutInstrument(ctx, testInstrument("pm_2", "cus_1")))

	require.NoError(t, store.SetDefaultInstrument(ctx, "cus_1", "pm_1"))
	require.NoError(t, store.SetDefaultInstrument(ctx, "cus_1", "pm_2"))

	list, err := store.ListInstrumentsByCustomer(ctx, "cus_1")
	require.NoError(t, err)
	require.Len(t, list, 2)

	byID := map[string]*Instrument{}
	for _, inst := range list {
		byID[inst.ID] = inst
	}
	assert.False(t, byID["pm_1"].IsDefault)
	assert.True(t, byID["pm_2"].IsDefault)

	// Unknown instrument or wrong owner.
	assert.ErrorIs(t, store.SetDefaultInstrument(ctx, "cus_1", "pm_missing"), ErrNotFound)
	assert.ErrorIs(t, store.SetDefaultInstrument(ctx, "cus_other", "pm_1"), ErrNotFound)
}

func TestMemoryStore_DefaultInvariantUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	const instruments = 8
	ids := make([]string, 0, instruments)
	for i := 0; i < instruments; i++ {
		id := fmt.Sprintf("pm_%d", i)
		require.NoError(t, store.PutInstrument(ctx, testInstrument(id, "cus_1")))
		ids = append(ids, id)
	}

	var wg sync.WaitGroup
	for round := 0; round < 20; round++ {
		for _, id := range ids {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_ = store.SetDefaultInstrument(ctx, "cus_1", id)
			}(id)
		}
	}
	wg.Wait()

	list, err := store.ListInstrumentsByCustomer(ctx, "cus_1")
	require.NoError(t, err)

	defaults := 0
	for _, inst := range list {
		if inst.IsDefault {
			defaults++
		}
	}
	assert.Equal(t, 1, defaults, "exactly one default instrument must survive concurrent toggles")
}

func TestMemoryStore_UpsertPreservesDefaultFlag(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.PutInstrument(ctx, testInstrument("pm_1", "cus_1")))
	require.NoError(t, store.SetDefaultInstrument(ctx, "cus_1", "pm_1"))

	// A metadata refresh carries no flag; it must not clear the
	// locally authoritative default.
	refresh := testInstrument("pm_1", "cus_1")
	refresh.ExpYear = 2031
	require.NoError(t, store.PutInstrument(ctx, refresh))

	inst, err := store.GetInstrument(ctx, "pm_1")
	require.NoError(t, err)
	assert.True(t, inst.IsDefault)
	assert.Equal(t, 2031, inst.ExpYear)
}

func TestMemoryStore_ClearDefaults(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.PutInstrument(ctx, testInstrument("pm_1", "cus_1")))
	require.NoError(t, store.SetDefaultInstrument(ctx, "cus_1", "pm_1"))
	require.NoError(t, store.ClearDefaultsForCustomer(ctx, "cus_1"))

	inst, err := store.GetInstrument(ctx, "pm_1")
	require.NoError(t, err)
	assert.False(t, inst.IsDefault)
}

func TestMemoryStore_DeleteInstrument(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.PutInstrument(ctx, testInstrument("pm_1", "cus_1")))
	require.NoError(t, store.DeleteInstrument(ctx, "pm_1"))

	_, err := store.GetInstrument(ctx, "pm_1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.DeleteInstrument(ctx, "pm_1"), ErrNotFound)
}
