// Package cache provides the TTL store used by the parameter resolver.
package cache

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

const (
	// DefaultTTL is used when Config.DefaultTTL is not set
	DefaultTTL = 5 * time.Minute

	minSweepInterval = 10 * time.Millisecond
)

// Config holds cache configuration
type Config struct {
	// DefaultTTL applies to entries stored without an explicit TTL
	DefaultTTL time.Duration

	// SweepInterval between background expiry sweeps (default: DefaultTTL/2)
	SweepInterval time.Duration

	// MaxEntries bounds the number of entries; 0 means unbounded.
	// When full, expired entries are swept first and then the oldest entry is evicted.
	MaxEntries int
}

// DefaultConfig returns the default cache configuration
func DefaultConfig() Config {
	return Config{
		DefaultTTL:    DefaultTTL,
		SweepInterval: DefaultTTL / 2,
	}
}

// ApplyDefaults fills unset fields
func (c *Config) ApplyDefaults() {
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = DefaultTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = c.DefaultTTL / 2
	}
	if c.SweepInterval < minSweepInterval {
		c.SweepInterval = minSweepInterval
	}
}

// Item is a single cached parameter value
type Item struct {
	Value      any
	Timestamp  time.Time
	ExpireTime time.Time
	ConfigHash string
}

func (i *Item) expired(now time.Time) bool {
	return !now.Before(i.ExpireTime)
}

// Stats is a snapshot of cache counters
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Entries   int
}

// ParamCache maps (param, config, context) keys to values with a TTL.
// Lookups expire entries lazily; Start runs a periodic sweep on top of that.
type ParamCache struct {
	config Config
	logger *zap.Logger

	mu    sync.Mutex
	items map[string]*Item

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	now func() time.Time

	sweepMu sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a parameter cache
func New(config Config, logger *zap.Logger) *ParamCache {
	config.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ParamCache{
		config: config,
		logger: logger,
		items:  make(map[string]*Item),
		now:    time.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (c *ParamCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now == nil {
		now = time.Now
	}
	c.now = now
}

// Config returns the effective configuration
func (c *ParamCache) Config() Config {
	return c.config
}

// Key builds a cache key from the three component hashes
func Key(paramName, configHash, contextHash string) string {
	return Hash(paramName) + ":" + configHash + ":" + contextHash
}

// Hash returns a short stable hex digest of s
func Hash(s string) string {
	return strconv.FormatUint(xxhash.Sum64String(s), 16)
}

// HashBytes returns a short stable hex digest of b
func HashBytes(b []byte) string {
	return strconv.FormatUint(xxhash.Sum64(b), 16)
}

// Get returns the cached value for key. An expired entry is evicted and reported as a miss.
func (c *ParamCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items[key]
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	if item.expired(c.now()) {
		delete(c.items, key)
		c.evictions.Add(1)
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	return cloneValue(item.Value), true
}

// GetItem returns the full cached item for key without touching hit counters
func (c *ParamCache) GetItem(key string) (*Item, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items[key]
	if !ok || item.expired(c.now()) {
		return nil, false
	}
	cp := *item
	cp.Value = cloneValue(item.Value)
	return &cp, true
}

// Put stores value under key for ttl. A non-positive ttl stores nothing.
func (c *ParamCache) Put(key string, value any, ttl time.Duration, configHash string) {
	if ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.items[key]; !exists && c.config.MaxEntries > 0 && len(c.items) >= c.config.MaxEntries {
		c.sweepLocked(now)
		if len(c.items) >= c.config.MaxEntries {
			c.evictOldestLocked()
		}
	}

	c.items[key] = &Item{
		Value:      cloneValue(value),
		Timestamp:  now,
		ExpireTime: now.Add(ttl),
		ConfigHash: configHash,
	}
}

// Delete removes a single entry
func (c *ParamCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Clear removes every entry and resets counters
func (c *ParamCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*Item)
	c.hits.Store(0)
	c.misses.Store(0)
	c.evictions.Store(0)
}

// Len returns the number of stored entries, expired or not
func (c *ParamCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// InvalidateExpired removes every expired entry and returns how many were removed
func (c *ParamCache) InvalidateExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked(c.now())
}

// Stats returns a snapshot of the cache counters
func (c *ParamCache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Entries:   c.Len(),
	}
}

// Start launches the background sweep. Calling Start on a running cache is a no-op.
func (c *ParamCache) Start(ctx context.Context) {
	c.sweepMu.Lock()
	defer c.sweepMu.Unlock()

	if c.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.sweepLoop(ctx, c.done)

	c.logger.Debug("Parameter cache sweep started",
		zap.Duration("interval", c.config.SweepInterval),
		zap.Duration("default_ttl", c.config.DefaultTTL))
}

// Stop halts the background sweep and waits for it to exit. Safe to call more than once.
func (c *ParamCache) Stop() {
	c.sweepMu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.sweepMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *ParamCache) sweepLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := c.InvalidateExpired(); removed > 0 {
				c.logger.Debug("Swept expired parameter cache entries", zap.Int("removed", removed))
			}
		}
	}
}

func (c *ParamCache) sweepLocked(now time.Time) int {
	removed := 0
	for key, item := range c.items {
		if item.expired(now) {
			delete(c.items, key)
			removed++
		}
	}
	if removed > 0 {
		c.evictions.Add(int64(removed))
	}
	return removed
}

func (c *ParamCache) evictOldestLocked() {
	var (
		oldestKey string
		oldest    time.Time
	)
	for key, item := range c.items {
		if oldestKey == "" || item.Timestamp.Before(oldest) {
			oldestKey, oldest = key, item.Timestamp
		}
	}
	if oldestKey != "" {
		delete(c.items, oldestKey)
		c.evictions.Add(1)
	}
}

// cloneValue deep-copies the JSON-shaped containers of v so callers never
// share maps or slices with the cache
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, item := range t {
			out[k] = item
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
