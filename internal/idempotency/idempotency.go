// Package idempotency implements the idempotency cache (spec.md §4.6):
// de-duplication of mutating requests keyed by (clientKey, method, path,
// principal), with single-flight semantics for concurrent identical keys.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/exotic-travel-booking/itinerary-engine/internal/itinerary"
)

// TTL is how long a captured response is replayable.
const TTL = 24 * time.Hour

// WaitTimeout is how long a losing request waits for the winner to finish
// before failing IDEMPOTENCY_RACE (spec.md §4.6: T_wait = 5s).
const WaitTimeout = 5 * time.Second

// Result is the captured outcome of an idempotent operation.
type Result struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// Store is the backing key/value contract this package needs. cache.Cache
// satisfies it directly; tests use an in-memory stub.
type Store interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
}

// Cache de-duplicates mutating requests. It is safe for concurrent use.
type Cache struct {
	store Store

	mu       sync.Mutex
	inflight map[string]chan struct{}
}

// New constructs a Cache backed by store.
func New(store Store) *Cache {
	return &Cache{store: store, inflight: make(map[string]chan struct{})}
}

// Key derives the cache key for (clientKey, method, path, principal) via
// SHA-256, per spec.md §6 ("combined with method+path+principal SHA-256 as
// cache key").
func Key(clientKey, method, path, principal string) string {
	h := sha256.New()
	h.Write([]byte(clientKey))
	h.Write([]byte{0})
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write([]byte(principal))
	return hex.EncodeToString(h.Sum(nil))
}

// Execute runs fn under idempotency protection for the given key. On a
// cache hit it returns the prior result verbatim without calling fn. On a
// miss, exactly one concurrent caller for the same key runs fn; others wait
// up to WaitTimeout and then fail with itinerary.ErrIdempotencyRace. A
// successful (2xx) result is cached for TTL; an error result is not cached,
// matching spec.md §4.6's "on error, does not cache."
func (c *Cache) Execute(ctx context.Context, key string, fn func(ctx context.Context) (*Result, error)) (*Result, error) {
	var cached Result
	if err := c.store.Get(ctx, key, &cached); err == nil {
		return &cached, nil
	}

	c.mu.Lock()
	if done, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		select {
		case <-done:
			var result Result
			if err := c.store.Get(ctx, key, &result); err == nil {
				return &result, nil
			}
			return nil, itinerary.NewError(itinerary.ErrIdempotencyRace, "executor finished without a cached result", nil)
		case <-time.After(WaitTimeout):
			return nil, itinerary.NewError(itinerary.ErrIdempotencyRace, "timed out waiting for in-flight request", nil)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	done := make(chan struct{})
	c.inflight[key] = done
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.inflight, key)
		c.mu.Unlock()
		close(done)
	}()

	result, err := fn(ctx)
	if err != nil {
		return nil, err
	}
	if result.Status >= 200 && result.Status < 300 {
		_ = c.store.Set(ctx, key, result, TTL)
	}
	return result, nil
}
