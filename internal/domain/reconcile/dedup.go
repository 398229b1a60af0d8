package reconcile

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const dedupKeyPrefix = "vaultpay:webhook_event:"

// Deduper is the fast-path check for already-processed events. It is
// advisory: a miss falls through to the durable EventStore, so losing
// the cache never causes a duplicate application.
type Deduper interface {
	// Seen reports whether the event was already recorded as processed.
	Seen(ctx context.Context, eventID string) (bool, error)
	// MarkProcessed records the event as processed.
	MarkProcessed(ctx context.Context, eventID string) error
}

// RedisDeduper keeps processed event ids in Redis with a TTL well past
// the provider's redelivery window.
type RedisDeduper struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisDeduper returns a Deduper backed by the given client.
func NewRedisDeduper(client redis.UniversalClient, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &RedisDeduper{client: client, ttl: ttl}
}

func (d *RedisDeduper) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := d.client.Exists(ctx, dedupKeyPrefix+eventID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (d *RedisDeduper) MarkProcessed(ctx context.Context, eventID string) error {
	return d.client.Set(ctx, dedupKeyPrefix+eventID, 1, d.ttl).Err()
}
