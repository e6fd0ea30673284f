package cache

import (
	"container/list"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kbukum/pipeguard/logger"
)

type entry[V any] struct {
	key          string
	value        V
	createdAt    time.Time
	expiresAt    time.Time
	lastAccessed time.Time
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Expirations uint64  `json:"expirations"`
	Size        int     `json:"size"`
	MaxSize     int     `json:"max_size"`
	HitRate     float64 `json:"hit_rate"`
	Utilization float64 `json:"utilization"`
}

// Cache is a bounded LRU cache with per-entry TTL. The zero value is not
// usable; construct with New.
type Cache[V any] struct {
	cfg Config
	now func() time.Time
	log *logger.Logger
	m   *metrics

	mu    sync.Mutex
	items map[string]*list.Element
	// order holds *entry[V]; front is most recently used.
	order *list.List

	hits, misses, evictions, expirations uint64

	flights singleflight.Group
}

// New creates a cache from cfg after applying defaults and validating it.
func New[V any](cfg Config) (*Cache[V], error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("cache %s: %w", cfg.Name, err)
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Get("cache")
	}
	return &Cache[V]{
		cfg:   cfg,
		now:   cfg.Now,
		log:   log.WithFields(logger.Fields("cache", cfg.Name)),
		m:     newMetrics(cfg.Meter, cfg.Name),
		items: make(map[string]*list.Element, cfg.MaxSize),
		order: list.New(),
	}, nil
}

// Name returns the configured cache name.
func (c *Cache[V]) Name() string { return c.cfg.Name }

// Config returns the effective configuration.
func (c *Cache[V]) Config() Config { return c.cfg }

// Get returns the value for key when present and unexpired. A hit marks the
// entry most recently used; an expired entry is removed and reported as a
// miss.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V
	now := c.now()

	c.mu.Lock()
	el, ok := c.items[key]
	if !ok {
		c.misses++
		c.mu.Unlock()
		c.m.miss()
		return zero, false
	}
	e := el.Value.(*entry[V])
	// Unreadable from expiresAt on.
	if !now.Before(e.expiresAt) {
		c.removeElement(el)
		c.expirations++
		c.misses++
		c.mu.Unlock()
		c.m.expired(1)
		c.m.miss()
		return zero, false
	}
	e.lastAccessed = now
	c.order.MoveToFront(el)
	c.hits++
	c.mu.Unlock()

	c.m.hit()
	return e.value, true
}

// peek is Get without statistics or recency changes.
func (c *Cache[V]) peek(key string) (V, bool) {
	var zero V
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return zero, false
	}
	e := el.Value.(*entry[V])
	if !c.now().Before(e.expiresAt) {
		return zero, false
	}
	return e.value, true
}

// Set stores value under key. A zero ttl uses DefaultTTL. Inserting a new key
// into a full cache evicts the least recently used entry first.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) error {
	ttl, err := c.resolveTTL(ttl)
	if err != nil {
		return err
	}
	now := c.now()

	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[V])
		e.value = value
		e.expiresAt = now.Add(ttl)
		e.lastAccessed = now
		c.order.MoveToFront(el)
		c.mu.Unlock()
		return nil
	}

	var evicted, expired int
	var evictedKey string
	for len(c.items) >= c.cfg.MaxSize {
		back := c.order.Back()
		if back == nil {
			break
		}
		old := back.Value.(*entry[V])
		c.removeElement(back)
		evictedKey = old.key
		if now.Before(old.expiresAt) {
			c.evictions++
			evicted++
		} else {
			c.expirations++
			expired++
		}
	}

	c.items[key] = c.order.PushFront(&entry[V]{
		key:          key,
		value:        value,
		createdAt:    now,
		expiresAt:    now.Add(ttl),
		lastAccessed: now,
	})
	c.mu.Unlock()

	if evicted > 0 {
		c.m.evicted(evicted)
		c.log.Debug("entry evicted", logger.Fields(logger.FieldCacheKey, evictedKey))
	}
	if expired > 0 {
		c.m.expired(expired)
	}
	return nil
}

// GetOrCompute returns the cached value for key, or runs compute and caches
// its result for ttl. Concurrent callers for the same missing key share one
// compute call, which runs with the first caller's context. A compute error
// is returned to every waiter and is not cached. A caller whose ctx ends
// while waiting gets ctx.Err(); the computation itself carries on.
func (c *Cache[V]) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func(ctx context.Context) (V, error)) (V, error) {
	var zero V
	if _, err := c.resolveTTL(ttl); err != nil {
		return zero, err
	}
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	ch := c.flights.DoChan(key, func() (interface{}, error) {
		// A flight that finished between our miss and this call already
		// stored the value.
		if v, ok := c.peek(key); ok {
			return v, nil
		}
		start := time.Now()
		v, err := safeCompute(ctx, compute)
		if err != nil {
			c.log.Debug("compute failed", logger.Fields(
				logger.FieldCacheKey, key,
				logger.FieldError, err.Error(),
			))
			return nil, err
		}
		if err := c.Set(key, v, ttl); err != nil {
			return nil, err
		}
		c.log.Debug("value computed", logger.Fields(
			logger.FieldCacheKey, key,
			logger.FieldDuration, time.Since(start).Milliseconds(),
		))
		return v, nil
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		v, _ := res.Val.(V)
		return v, nil
	}
}

// safeCompute turns a panic in compute into an error for every waiter.
func safeCompute[V any](ctx context.Context, compute func(ctx context.Context) (V, error)) (v V, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrComputePanicked, r)
		}
	}()
	return compute(ctx)
}

// Delete removes key, reporting whether it was present.
func (c *Cache[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return false
	}
	c.removeElement(el)
	return true
}

// Clear removes every entry and resets the eviction and expiration
// counters. Hit and miss history is kept.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	n := len(c.items)
	c.items = make(map[string]*list.Element, c.cfg.MaxSize)
	c.order.Init()
	c.evictions = 0
	c.expirations = 0
	c.mu.Unlock()

	if n > 0 {
		c.log.Info("cache cleared", logger.Fields("entries", n))
	}
}

// ResetStats zeroes every counter.
func (c *Cache[V]) ResetStats() {
	c.mu.Lock()
	c.hits, c.misses, c.evictions, c.expirations = 0, 0, 0, 0
	c.mu.Unlock()
}

// Sweep removes every expired entry and returns how many were removed.
func (c *Cache[V]) Sweep() int {
	now := c.now()

	c.mu.Lock()
	removed := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if !now.Before(el.Value.(*entry[V]).expiresAt) {
			c.removeElement(el)
			removed++
		}
		el = prev
	}
	c.expirations += uint64(removed)
	c.mu.Unlock()

	if removed > 0 {
		c.m.expired(removed)
		c.log.Debug("expired entries swept", logger.Fields("removed", removed))
	}
	return removed
}

// Len returns the number of entries, including expired ones not yet swept.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns current counters and derived rates as percentages.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
		Size:        len(c.items),
		MaxSize:     c.cfg.MaxSize,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total) * 100
	}
	s.Utilization = float64(s.Size) / float64(s.MaxSize) * 100
	return s
}

// removeElement unlinks el. Callers hold c.mu.
func (c *Cache[V]) removeElement(el *list.Element) {
	e := c.order.Remove(el).(*entry[V])
	delete(c.items, e.key)
}

func (c *Cache[V]) resolveTTL(ttl time.Duration) (time.Duration, error) {
	switch {
	case ttl < 0:
		return 0, ErrInvalidTTL
	case ttl == 0:
		return c.cfg.DefaultTTL, nil
	default:
		return ttl, nil
	}
}

// Key derives a cache key from free-form input: the prefix followed by the
// MD5 of the trimmed, lower-cased data, so equivalent queries share an entry.
func Key(prefix, data string) string {
	sum := md5.Sum([]byte(strings.ToLower(strings.TrimSpace(data))))
	return prefix + ":" + hex.EncodeToString(sum[:])
}
