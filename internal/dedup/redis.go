package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Set shared by every process pointing at the same Redis, so a
// recipient reconnecting to another instance keeps its history of seen ids.
type Redis struct {
	client redis.Cmdable
	prefix string
	window time.Duration
}

// NewRedis returns a Set storing keys as prefix+id with the given window as TTL.
func NewRedis(client redis.Cmdable, prefix string, window time.Duration) *Redis {
	return &Redis{client: client, prefix: prefix, window: window}
}

// Add implements Set using SET NX so concurrent instances agree on the first.
func (r *Redis) Add(ctx context.Context, id string) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.prefix+id, 1, r.window).Result()
	if err != nil {
		return false, fmt.Errorf("dedup: setnx %s: %w", id, err)
	}
	return ok, nil
}
