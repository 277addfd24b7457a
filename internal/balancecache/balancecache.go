// Package balancecache keeps a short-lived copy of wallet balances in Redis
// so the hot GET /api/wallet path skips the database. The ledger remains the
// source of truth; every state-changing operation invalidates the cached row.
package balancecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/socialflowhq/creditledger/pkg/ledger"
)

const defaultTTL = 30 * time.Second

// ErrMiss reports that no cached balance exists for the user.
var ErrMiss = errors.New("balancecache: miss")

// Cache is a read-through balance cache. A nil *Cache is valid and behaves
// as a permanent miss, so callers need no branching when Redis is not
// configured.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// Connect dials Redis and verifies the connection.
func Connect(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// New wraps a Redis client. Zero ttl falls back to the default.
func New(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Cache{client: client, ttl: ttl}
}

type cachedBalance struct {
	Remaining int64 `json:"remaining"`
	Pending   int64 `json:"pending"`
}

// Get returns the cached balance or ErrMiss.
func (cache *Cache) Get(ctx context.Context, userID ledger.UserID) (ledger.Balance, error) {
	if cache == nil || cache.client == nil {
		return ledger.Balance{}, ErrMiss
	}
	raw, err := cache.client.Get(ctx, cacheKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ledger.Balance{}, ErrMiss
	}
	if err != nil {
		return ledger.Balance{}, fmt.Errorf("get cached balance: %w", err)
	}
	var cached cachedBalance
	if err := json.Unmarshal(raw, &cached); err != nil {
		return ledger.Balance{}, ErrMiss
	}
	return ledger.Balance{Remaining: cached.Remaining, Pending: cached.Pending}, nil
}

// Set stores the balance under the cache TTL.
func (cache *Cache) Set(ctx context.Context, userID ledger.UserID, balance ledger.Balance) error {
	if cache == nil || cache.client == nil {
		return nil
	}
	raw, err := json.Marshal(cachedBalance{Remaining: balance.Remaining, Pending: balance.Pending})
	if err != nil {
		return fmt.Errorf("encode cached balance: %w", err)
	}
	return cache.client.Set(ctx, cacheKey(userID), raw, cache.ttl).Err()
}

// Invalidate drops the cached balance after a ledger mutation.
func (cache *Cache) Invalidate(ctx context.Context, userID ledger.UserID) error {
	if cache == nil || cache.client == nil {
		return nil
	}
	return cache.client.Del(ctx, cacheKey(userID)).Err()
}

func cacheKey(userID ledger.UserID) string {
	return "wallet:balance:" + userID.String()
}
