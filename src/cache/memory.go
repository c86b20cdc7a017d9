package cache

import (
	"context"
	"sync"
	"time"

	"coinstream/src/logger"

	"github.com/goccy/go-json"
)

// -----------------------------------------------------------------------------

type memoryEntry struct {
	payload   []byte
	expiresAt time.Time
}

// MemoryCache is the in-process TTL cache backend. Values are stored as
// JSON so Get never aliases a value another goroutine may mutate.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	logger  *logger.Logger
	done    chan struct{}
	once    sync.Once
}

// -----------------------------------------------------------------------------

// NewMemoryCache creates a MemoryCache and starts its expiry janitor.
func NewMemoryCache(log *logger.Logger) *MemoryCache {
	c := &MemoryCache{
		entries: make(map[string]memoryEntry),
		logger:  log,
		done:    make(chan struct{}),
	}
	go c.janitor()
	return c
}

func (c *MemoryCache) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for key, entry := range c.entries {
				if now.After(entry.expiresAt) {
					delete(c.entries, key)
				}
			}
			c.mu.Unlock()
		case <-c.done:
			return
		}
	}
}

// -----------------------------------------------------------------------------

// Get implements interfaces.ICache. Expired entries count as misses even
// before the janitor sweeps them.
func (c *MemoryCache) Get(_ context.Context, key string, dest interface{}) bool {
	c.mu.RLock()
	entry, found := c.entries[key]
	c.mu.RUnlock()

	if !found || time.Now().After(entry.expiresAt) {
		return false
	}

	if err := json.Unmarshal(entry.payload, dest); err != nil {
		c.logger.Warning("Failed to decode cached value for key '%s': %v", key, err)
		return false
	}
	return true
}

// -----------------------------------------------------------------------------

// Set implements interfaces.ICache.
func (c *MemoryCache) Set(_ context.Context, key string, value interface{}, ttl time.Duration) {
	payload, err := json.Marshal(value)
	if err != nil {
		c.logger.Warning("Failed to encode value for cache key '%s': %v", key, err)
		return
	}

	c.mu.Lock()
	c.entries[key] = memoryEntry{payload: payload, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
}

// -----------------------------------------------------------------------------

// Delete implements interfaces.ICache.
func (c *MemoryCache) Delete(_ context.Context, key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// -----------------------------------------------------------------------------

// Close stops the janitor.
func (c *MemoryCache) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}
