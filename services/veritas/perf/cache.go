// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package perf provides the cross-cutting performance layer shared by the
// confidence pipeline: a bounded LRU+TTL cache with request coalescing, a
// per-key request batcher, and a resource monitor.
//
// These are the only components in Veritas that hold shared mutable state
// across concurrent evaluations; everything else is constructed per call.
package perf

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	cacheLookupTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "veritas",
		Subsystem: "perf",
		Name:      "cache_lookup_total",
		Help:      "Cache lookups by outcome: hit, miss, expired, bypass",
	}, []string{"outcome"})

	cacheEvictionTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "veritas",
		Subsystem: "perf",
		Name:      "cache_eviction_total",
		Help:      "Entries evicted because the cache reached its size bound",
	})
)

// =============================================================================
// Cache
// =============================================================================

// cacheEntry is a single cached value with its expiry and hit count.
// Owned exclusively by the cache; callers only ever see the data field.
type cacheEntry struct {
	key       string
	data      any
	expiresAt time.Time
	hits      int64
}

// Stats reports cumulative cache counters.
type Stats struct {
	// Hits is the number of lookups served from the cache.
	Hits int64

	// Misses is the number of lookups that fell through to the loader,
	// including TTL expiries.
	Misses int64

	// Entries is the current entry count.
	Entries int
}

// Cache is a size-bounded LRU cache with per-entry TTL and single-flight
// request coalescing.
//
// # Description
//
// Eviction is LRU by recency; TTL is checked on read, so an expired entry
// is treated as a miss and replaced. Concurrent misses for the same key
// coalesce into one loader call via singleflight — callers waiting on the
// same key all receive the first loader's result instead of issuing
// duplicate upstream calls.
//
// A disabled cache (Config cache.enabled=false or maxEntries<=0) passes
// every Do call straight through to the loader.
//
// # Thread Safety
//
// Safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List // front = most recently used

	maxEntries int
	defaultTTL time.Duration
	enabled    bool

	hits   int64
	misses int64

	group  singleflight.Group
	logger *slog.Logger
}

// NewCache creates a cache with the given bounds.
//
// # Inputs
//
//   - maxEntries: Size bound. Values <= 0 disable the cache entirely.
//   - defaultTTL: Entry lifetime used when Do is called with ttl 0.
//   - enabled: Master switch. False disables the cache entirely.
//   - logger: Logger for eviction diagnostics. May be nil.
//
// # Outputs
//
//   - *Cache: Ready-to-use cache. Never nil.
//
// # Thread Safety
//
// The returned cache is safe for concurrent use.
func NewCache(maxEntries int, defaultTTL time.Duration, enabled bool, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	return &Cache{
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
		maxEntries: maxEntries,
		defaultTTL: defaultTTL,
		enabled:    enabled && maxEntries > 0,
		logger:     logger,
	}
}

// Key builds a deterministic content-hash cache key from its parts.
//
// # Description
//
// SHA256 over the fmt representation of every part, newline-delimited.
// Used so cache keys stay bounded in length regardless of query size, and
// so equal (query, options) pairs always map to the same key.
//
// # Thread Safety
//
// Stateless. Safe for concurrent use.
func Key(parts ...any) string {
	h := sha256.New()
	for _, p := range parts {
		fmt.Fprintf(h, "%v\n", p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Do returns the cached value for key, or runs the loader exactly once for
// all concurrent callers and caches its result.
//
// # Description
//
// The single-flight group guarantees that concurrent misses on the same
// key issue one loader call; every waiter receives that call's result.
// A loader error is never cached — the next call retries. When the cache
// is disabled the loader runs unconditionally (cache failure or shutdown
// must never fail the request).
//
// # Inputs
//
//   - ctx: Context passed through to the loader.
//   - key: Cache key, typically built with Key().
//   - ttl: Entry lifetime. Zero uses the cache default.
//   - loader: Function producing the value on a miss. Must not be nil.
//
// # Outputs
//
//   - any: The cached or freshly loaded value.
//   - error: The loader's error, if it ran and failed.
//
// # Thread Safety
//
// Safe for concurrent use.
func (c *Cache) Do(ctx context.Context, key string, ttl time.Duration, loader func(context.Context) (any, error)) (any, error) {
	if !c.enabled {
		cacheLookupTotal.WithLabelValues("bypass").Inc()
		return loader(ctx)
	}

	if v, ok := c.Get(key); ok {
		return v, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// Re-check under the flight: another caller may have populated the
		// entry between our miss and acquiring the flight.
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(key, v, ttl)
		return v, nil
	})
	return v, err
}

// Get returns the value for key if present and unexpired.
//
// # Thread Safety
//
// Safe for concurrent use.
func (c *Cache) Get(key string) (any, bool) {
	if !c.enabled {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses++
		cacheLookupTotal.WithLabelValues("miss").Inc()
		return nil, false
	}

	entry := el.Value.(*cacheEntry)
	if time.Now().After(entry.expiresAt) {
		c.lru.Remove(el)
		delete(c.entries, key)
		c.misses++
		cacheLookupTotal.WithLabelValues("expired").Inc()
		return nil, false
	}

	c.lru.MoveToFront(el)
	entry.hits++
	c.hits++
	cacheLookupTotal.WithLabelValues("hit").Inc()
	return entry.data, true
}

// Set stores a value under key, evicting the least-recently-used entry
// when the cache is full.
//
// # Thread Safety
//
// Safe for concurrent use.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	if !c.enabled {
		return
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*cacheEntry)
		entry.data = value
		entry.expiresAt = time.Now().Add(ttl)
		c.lru.MoveToFront(el)
		return
	}

	for len(c.entries) >= c.maxEntries {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		evicted := oldest.Value.(*cacheEntry)
		c.lru.Remove(oldest)
		delete(c.entries, evicted.key)
		cacheEvictionTotal.Inc()
	}

	el := c.lru.PushFront(&cacheEntry{
		key:       key,
		data:      value,
		expiresAt: time.Now().Add(ttl),
	})
	c.entries[key] = el
}

// Clear drops every entry. Used by the resource monitor under memory
// pressure and by tests.
//
// # Thread Safety
//
// Safe for concurrent use.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.entries)
	c.entries = make(map[string]*list.Element)
	c.lru.Init()
	if n > 0 {
		c.logger.Debug("cache cleared", slog.Int("dropped_entries", n))
	}
}

// CacheStats returns a snapshot of the cache counters.
//
// # Thread Safety
//
// Safe for concurrent use.
func (c *Cache) CacheStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Hits: c.hits, Misses: c.misses, Entries: len(c.entries)}
}
