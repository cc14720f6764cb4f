package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Cache shared by every server pointed at the same Redis.
type Redis struct {
	client *redis.Client
	prefix string
	window time.Duration
}

// NewRedis returns a Redis-backed cache. Keys are stored as prefix+key.
func NewRedis(client *redis.Client, prefix string, window time.Duration) *Redis {
	return &Redis{client: client, prefix: prefix, window: window}
}

// DialRedis connects to addr and verifies the connection with PING.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("dedup: redis ping %s: %w", addr, err)
	}
	return client, nil
}

// Claim implements Cache with SET NX PX.
func (r *Redis) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.prefix+key, 1, r.window).Result()
	if err != nil {
		return false, fmt.Errorf("dedup: redis setnx: %w", err)
	}
	return ok, nil
}
