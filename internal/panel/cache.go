package panel

import (
	"context"
	"sync"
	"time"

	"vpn-usage-engine/internal/metrics"
	"vpn-usage-engine/internal/models"

	"golang.org/x/sync/singleflight"
)

const allAccountsKey = "all_accounts"

type cacheEntry struct {
	readings  []models.AccountReading
	expiresAt time.Time
}

// Cache holds successful panel results for a short TTL. Concurrent misses
// for one key share a single fetch; failures are never stored.
type Cache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
	group   singleflight.Group
}

func NewCache(ttl time.Duration, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{
		ttl:     ttl,
		now:     now,
		entries: make(map[string]cacheEntry),
	}
}

// Get returns the cached readings for key while they are fresh.
func (c *Cache) Get(key string) ([]models.AccountReading, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || !c.now().Before(entry.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return entry.readings, true
}

// Do returns fresh cached readings or runs fetch to refresh them. The
// returned slice is shared between callers and must not be modified.
func (c *Cache) Do(ctx context.Context, key string, fetch func(ctx context.Context) ([]models.AccountReading, error)) ([]models.AccountReading, bool, error) {
	if readings, ok := c.Get(key); ok {
		return readings, true, nil
	}

	value, err, _ := c.group.Do(key, func() (any, error) {
		if readings, ok := c.Get(key); ok {
			return readings, nil
		}
		readings, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = cacheEntry{readings: readings, expiresAt: c.now().Add(c.ttl)}
		c.mu.Unlock()
		return readings, nil
	})
	if err != nil {
		return nil, false, err
	}
	return value.([]models.AccountReading), false, nil
}

type cachedAdapter struct {
	Adapter
	cache   *Cache
	metrics *metrics.Metrics
}

// NewCachedAdapter serves FetchAllAccounts from cache while it is fresh.
func NewCachedAdapter(adapter Adapter, cache *Cache, m *metrics.Metrics) Adapter {
	return &cachedAdapter{Adapter: adapter, cache: cache, metrics: m}
}

func (c *cachedAdapter) FetchAllAccounts(ctx context.Context) ([]models.AccountReading, error) {
	readings, hit, err := c.cache.Do(ctx, allAccountsKey, c.Adapter.FetchAllAccounts)
	c.metrics.ObserveCacheLookup(c.Name(), hit)
	return readings, err
}

// Uncached strips the result cache so a caller always reads the panel live.
func Uncached(adapter Adapter) Adapter {
	if cached, ok := adapter.(*cachedAdapter); ok {
		return cached.Adapter
	}
	return adapter
}
