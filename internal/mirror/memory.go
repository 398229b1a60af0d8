package mirror

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store implementation used in tests and
// single-process deployments.
type MemoryStore struct {
	mu          sync.RWMutex
	customers   map[string]Customer
	instruments map[string]Instrument

	customerLocks *keyedMutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		customers:     make(map[string]Customer),
		instruments:   make(map[string]Instrument),
		customerLocks: newKeyedMutex(),
	}
}

func (s *MemoryStore) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.customers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (s *MemoryStore) PutCustomer(ctx context.Context, c *Customer) error {
	unlock := s.customerLocks.Lock(c.ID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.customers[c.ID] = *c
	return nil
}

func (s *MemoryStore) ListCustomers(ctx context.Context) ([]*Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Customer, 0, len(s.customers))
	for _, c := range s.customers {
		copied := c
		result = append(result, &copied)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt) ||
			(result[i].CreatedAt.Equal(result[j].CreatedAt) && result[i].ID < result[j].ID)
	})
	return result, nil
}

func (s *MemoryStore) DeleteCustomer(ctx context.Context, id string) error {
	unlock := s.customerLocks.Lock(id)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.customers[id]; !ok {
		return ErrNotFound
	}
	delete(s.customers, id)

	// Cascade: no instrument referencing the customer survives.
	for instID, inst := range s.instruments {
		if inst.CustomerID == id {
			delete(s.instruments, instID)
		}
	}
	return nil
}

func (s *MemoryStore) GetInstrument(ctx context.Context, id string) (*Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instruments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &inst, nil
}

func (s *MemoryStore) PutInstrument(ctx context.Context, inst *Instrument) error {
	unlock := s.customerLocks.Lock(inst.CustomerID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := *inst
	// The default flag is owned by SetDefaultInstrument and
	// ClearDefaultsForCustomer; upserts keep whatever is already set.
	if existing, ok := s.instruments[inst.ID]; ok {
		rec.IsDefault = existing.IsDefault
	}
	s.instruments[inst.ID] = rec
	return nil
}

func (s *MemoryStore) DeleteInstrument(ctx context.Context, id string) error {
	s.mu.Lock()
	inst, ok := s.instruments[id]
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	unlock := s.customerLocks.Lock(inst.CustomerID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instruments[id]; !ok {
		return ErrNotFound
	}
	delete(s.instruments, id)
	return nil
}

func (s *MemoryStore) ListInstrumentsByCustomer(ctx context.Context, customerID string) ([]*Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Instrument
	for _, inst := range s.instruments {
		if inst.CustomerID == customerID {
			copied := inst
			result = append(result, &copied)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt) ||
			(result[i].CreatedAt.Equal(result[j].CreatedAt) && result[i].ID < result[j].ID)
	})
	return result, nil
}

func (s *MemoryStore) ClearDefaultsForCustomer(ctx context.Context, customerID string) error {
	unlock := s.customerLocks.Lock(customerID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.clearDefaultsLocked(customerID)
	return nil
}

func (s *MemoryStore) SetDefaultInstrument(ctx context.Context, customerID, instrumentID string) error {
	unlock := s.customerLocks.Lock(customerID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instruments[instrumentID]
	if !ok || inst.CustomerID != customerID {
		return ErrNotFound
	}

	s.clearDefaultsLocked(customerID)
	inst.IsDefault = true
	s.instruments[instrumentID] = inst
	return nil
}

func (s *MemoryStore) clearDefaultsLocked(customerID string) {
	for id, inst := range s.instruments {
		if inst.CustomerID == customerID && inst.IsDefault {
			inst.IsDefault = false
			s.instruments[id] = inst
		}
	}
}
