// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package classifier

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ResultCache caches Tier 3 results with LRU eviction and TTL expiry.
//
// Description:
//
//	Keys are a SHA-256 of the whitespace-normalized input, so raw user text
//	is not retained as a map key. Results are copied on Set and on Get.
//
// Thread Safety: This type is safe for concurrent use.
type ResultCache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
}

type cacheEntry struct {
	key       string
	result    Result
	expiresAt time.Time
}

// NewResultCache creates a cache.
//
// Inputs:
//
//	ttl - Lifetime of an entry. Must be > 0.
//	maxSize - Entry count before LRU eviction. Must be > 0.
//
// Outputs:
//
//	*ResultCache - Ready-to-use cache.
func NewResultCache(ttl time.Duration, maxSize int) *ResultCache {
	return &ResultCache{
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Get returns a copy of the cached result with Cached set, if present and
// not expired.
func (c *ResultCache) Get(input string) (*Result, bool) {
	key := cacheKey(input)

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	entry := elem.Value.(*cacheEntry)
	if c.now().After(entry.expiresAt) {
		c.removeElement(elem)
		c.misses.Add(1)
		return nil, false
	}
	c.lru.MoveToFront(elem)
	c.hits.Add(1)

	out := entry.result
	out.Cached = true
	return &out, true
}

// Set stores a copy of result, evicting the least recently used entry when
// full. Nil results are ignored.
func (c *ResultCache) Set(input string, result *Result) {
	if result == nil {
		return
	}
	key := cacheKey(input)
	stored := *result
	stored.Cached = false

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.result = stored
		entry.expiresAt = c.now().Add(c.ttl)
		c.lru.MoveToFront(elem)
		return
	}
	for c.lru.Len() >= c.maxSize {
		c.removeElement(c.lru.Back())
	}
	c.entries[key] = c.lru.PushFront(&cacheEntry{
		key:       key,
		result:    stored,
		expiresAt: c.now().Add(c.ttl),
	})
}

// Clear drops every entry. Hit and miss counters are kept.
func (c *ResultCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.lru.Init()
}

// Size returns the number of entries, including expired ones not yet
// collected.
func (c *ResultCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// HitRate returns hits / (hits + misses), or 0 before any lookup.
func (c *ResultCache) HitRate() float64 {
	hits, misses := c.hits.Load(), c.misses.Load()
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}

// removeElement must be called with mu held.
func (c *ResultCache) removeElement(elem *list.Element) {
	if elem == nil {
		return
	}
	delete(c.entries, elem.Value.(*cacheEntry).key)
	c.lru.Remove(elem)
}

func cacheKey(input string) string {
	sum := sha256.Sum256([]byte(normalizeInput(input)))
	return hex.EncodeToString(sum[:])
}

// normalizeInput collapses runs of whitespace and trims the ends.
func normalizeInput(input string) string {
	return strings.Join(strings.Fields(input), " ")
}
