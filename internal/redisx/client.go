package redisx

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

func New(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr})
}

// Deduper tracks processed event ids per consuming service. Mark is called
// only after an event was handled successfully, so redeliveries of a failed
// event are processed again.
type Deduper struct {
	R       *redis.Client
	Service string
}

func (d *Deduper) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := d.R.Exists(ctx, fmt.Sprintf(KeyDedup, d.Service, eventID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (d *Deduper) Mark(ctx context.Context, eventID string) error {
	return d.R.Set(ctx, fmt.Sprintf(KeyDedup, d.Service, eventID), "1", TTLDedup).Err()
}

// StatusCache caches order status documents for the read path. Stock counts
// are never cached here.
type StatusCache struct {
	R *redis.Client
}

func (c *StatusCache) GetStatus(ctx context.Context, orderID string) (string, error) {
	return c.R.Get(ctx, fmt.Sprintf(KeyOrderStatus, orderID)).Result()
}

func (c *StatusCache) SetStatus(ctx context.Context, orderID, doc string) error {
	return c.R.Set(ctx, fmt.Sprintf(KeyOrderStatus, orderID), doc, TTLStatusCache).Err()
}

func (c *StatusCache) SetIdempotency(ctx context.Context, externalID, orderID string) error {
	return c.R.Set(ctx, fmt.Sprintf(KeyIdemOrderCreate, externalID), orderID, TTLIdempotency).Err()
}
