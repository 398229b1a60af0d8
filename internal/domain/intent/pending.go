package intent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// PendingIntent is the minimal durable record of an off-session intent
// awaiting out-of-band authentication. It survives process restarts so
// an explicit retry can resolve the prior intent id.
type PendingIntent struct {
	ID             string    `json:"id"`
	Kind           Kind      `json:"kind"`
	CustomerID     string    `json:"customer_id,omitempty"`
	InstrumentID   string    `json:"instrument_id,omitempty"`
	Amount         int64     `json:"amount,omitempty"`
	Currency       string    `json:"currency,omitempty"`
	SaveInstrument bool      `json:"save_instrument"`
	CreatedAt      time.Time `json:"created_at"`
}

// PendingStore persists pending-intent records.
type PendingStore interface {
	Put(ctx context.Context, p *PendingIntent) error
	Get(ctx context.Context, id string) (*PendingIntent, error)
	Delete(ctx context.Context, id string) error
}

const pendingKeyPrefix = "vaultpay:pending_intent:"

// RedisPendingStore keeps pending intents in Redis with a TTL.
type RedisPendingStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisPendingStore creates a Redis-backed pending store.
func NewRedisPendingStore(client redis.UniversalClient, ttl time.Duration) *RedisPendingStore {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &RedisPendingStore{client: client, ttl: ttl}
}

func (s *RedisPendingStore) Put(ctx context.Context, p *PendingIntent) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pending intent: %w", err)
	}
	return s.client.Set(ctx, pendingKeyPrefix+p.ID, data, s.ttl).Err()
}

func (s *RedisPendingStore) Get(ctx context.Context, id string) (*PendingIntent, error) {
	data, err := s.client.Get(ctx, pendingKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrIntentNotFound
	}
	if err != nil {
		return nil, err
	}

	var p PendingIntent
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal pending intent: %w", err)
	}
	return &p, nil
}

func (s *RedisPendingStore) Delete(ctx context.Context, id string) error {
	return s.client.Del(ctx, pendingKeyPrefix+id).Err()
}
