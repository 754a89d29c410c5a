package upstream

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/sessionrelay/internal/metrics"
	"github.com/nulpointcorp/sessionrelay/internal/store"
)

// defaultEntryTTL is used when NewClientCache is given a zero TTL.
const defaultEntryTTL = 5 * time.Minute

type cacheKey struct {
	providerID uuid.UUID
	csesidx    string
}

type cacheEntry struct {
	client    *Client
	expiresAt time.Time
}

// ClientFactory builds the upstream Client for a provider, decrypting its
// cookie bag. Separated from ClientCache so tests can substitute a stub.
type ClientFactory func(provider store.Provider) (*Client, error)

// ClientCache holds one upstream Client per (provider, csesidx) pair,
// avoiding a fresh token handshake on every request. Adapted from the
// gateway's in-process TTL cache idiom; this one is typed to *Client rather
// than []byte since client instances carry live HTTP transports and token
// state that should not be serialized.
type ClientCache struct {
	mu      sync.RWMutex
	items   map[cacheKey]cacheEntry
	build   ClientFactory
	ttl     time.Duration
	metrics *metrics.Registry

	done chan struct{}
}

// NewClientCache creates a ClientCache and starts its background cleanup
// loop. The loop stops when ctx is cancelled or Close is called. A zero ttl
// falls back to defaultEntryTTL.
func NewClientCache(ctx context.Context, build ClientFactory, ttl time.Duration, metricsReg *metrics.Registry) *ClientCache {
	if ttl <= 0 {
		ttl = defaultEntryTTL
	}
	c := &ClientCache{
		items:   make(map[cacheKey]cacheEntry),
		build:   build,
		ttl:     ttl,
		metrics: metricsReg,
		done:    make(chan struct{}),
	}
	go c.cleanup(ctx)
	return c
}

// Get returns the cached Client for provider, building and caching a new one
// on a miss or expiry.
func (c *ClientCache) Get(provider store.Provider) (*Client, error) {
	key := cacheKey{providerID: provider.ID, csesidx: provider.CSesIdx}

	c.mu.RLock()
	entry, ok := c.items[key]
	c.mu.RUnlock()

	if ok && time.Now().Before(entry.expiresAt) {
		c.record("hit")
		return entry.client, nil
	}
	c.record("miss")

	client, err := c.build(provider)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.items[key] = cacheEntry{client: client, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()

	return client, nil
}

// Invalidate drops the cached entry for provider, forcing the next Get to
// rebuild it. Used when a provider's credentials are rotated.
func (c *ClientCache) Invalidate(provider store.Provider) {
	key := cacheKey{providerID: provider.ID, csesidx: provider.CSesIdx}
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

// Len returns the number of entries currently held, including any expired
// but not yet swept.
func (c *ClientCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Close stops the background cleanup goroutine.
func (c *ClientCache) Close() {
	close(c.done)
}

func (c *ClientCache) record(op string) {
	if c.metrics != nil {
		c.metrics.RecordClientCache(op)
	}
}

func (c *ClientCache) cleanup(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.evictExpired()
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

func (c *ClientCache) evictExpired() {
	now := time.Now()

	c.mu.Lock()
	for k, v := range c.items {
		if now.After(v.expiresAt) {
			delete(c.items, k)
		}
	}
	c.mu.Unlock()
}
