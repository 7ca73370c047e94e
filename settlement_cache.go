package paywall

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// SettlementCache keeps settlements that are not pay-per-request so repeated
// calls to the same resource reuse them until their validUntil. It also tracks
// in-flight payments so concurrent requests for one resource pay only once.
type SettlementCache struct {
	mu       sync.Mutex
	results  map[string]*Settlement
	inFlight map[string]chan struct{}
	now      func() time.Time
}

// SettlementCacheOption configures a SettlementCache
type SettlementCacheOption func(*SettlementCache)

// WithCacheClock replaces time.Now for expiry checks
func WithCacheClock(now func() time.Time) SettlementCacheOption {
	return func(c *SettlementCache) {
		if now != nil {
			c.now = now
		}
	}
}

// NewSettlementCache creates an empty settlement cache
func NewSettlementCache(opts ...SettlementCacheOption) *SettlementCache {
	c := &SettlementCache{
		results:  make(map[string]*Settlement),
		inFlight: make(map[string]chan struct{}),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GenerateSettlementKey derives the cache key of a resource from its method and URL
func GenerateSettlementKey(method, url string) string {
	hash := sha256.Sum256([]byte(strings.ToUpper(method) + " " + url))
	return hex.EncodeToString(hash[:])
}

// CacheStatus represents the result of checking the cache.
type CacheStatus int

const (
	// CacheMiss means no reusable settlement and no in-flight payment.
	CacheMiss CacheStatus = iota
	// CacheHit means a reusable settlement was found.
	CacheHit
	// CacheInFlight means another request is currently paying for this resource.
	CacheInFlight
)

// CheckAndMark atomically checks the cache and marks the key as in-flight if needed.
// Returns:
// - CacheHit + settlement if a valid settlement is cached
// - CacheInFlight + wait channel if another request is paying
// - CacheMiss + done channel if this request should pay (now marked in-flight)
func (c *SettlementCache) CheckAndMark(key string) (CacheStatus, *Settlement, chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s := c.getLocked(key); s != nil {
		return CacheHit, s, nil
	}

	if done, exists := c.inFlight[key]; exists {
		return CacheInFlight, nil, done
	}

	done := make(chan struct{})
	c.inFlight[key] = done
	return CacheMiss, nil, done
}

// WaitForResult waits for an in-flight payment to complete, respecting context cancellation.
// Returns the cached settlement if available, or nil if the in-flight payment did not yield one.
func (c *SettlementCache) WaitForResult(ctx context.Context, key string, done chan struct{}) (*Settlement, error) {
	select {
	case <-done:
		return c.Get(key), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get returns the cached settlement for key if it is currently valid
func (c *SettlementCache) Get(key string) *Settlement {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

func (c *SettlementCache) getLocked(key string) *Settlement {
	s, ok := c.results[key]
	if !ok {
		return nil
	}
	now := c.now()
	if !s.ValidUntil.After(now) {
		delete(c.results, key)
		return nil
	}
	if s.ValidFrom != nil && s.ValidFrom.After(now) {
		return nil
	}
	return s
}

// Complete stores a reusable settlement, releases the in-flight marker and
// signals waiting goroutines. Pay-per-request or already expired settlements
// are not stored.
func (c *SettlementCache) Complete(key string, s *Settlement, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s != nil && !s.PayPerRequest && s.ValidUntil.After(c.now()) {
		c.results[key] = s
	}
	c.releaseLocked(key, done)
	c.cleanupExpiredLocked()
}

// Fail releases the in-flight marker without storing anything,
// allowing the next request to pay.
func (c *SettlementCache) Fail(key string, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseLocked(key, done)
}

// Invalidate drops the settlement cached under key, e.g. after the server rejected its token
func (c *SettlementCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.results, key)
}

// Len returns the number of stored settlements, expired ones included
func (c *SettlementCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.results)
}

func (c *SettlementCache) releaseLocked(key string, done chan struct{}) {
	if c.inFlight[key] == done {
		delete(c.inFlight, key)
	}
	if done == nil {
		return
	}
	select {
	case <-done:
	default:
		close(done)
	}
}

// cleanupExpiredLocked removes expired entries. Must be called with lock held.
func (c *SettlementCache) cleanupExpiredLocked() {
	now := c.now()
	for key, s := range c.results {
		if !s.ValidUntil.After(now) {
			delete(c.results, key)
		}
	}
}
