// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package classifier

import (
	"testing"
	"time"
)

func TestResultCache_GetSet(t *testing.T) {
	cache := NewResultCache(time.Minute, 10)

	if _, ok := cache.Get("hello"); ok {
		t.Fatal("expected miss on empty cache")
	}

	cache.Set("hello", &Result{Category: CategoryAIChat, Confidence: 0.85})
	got, ok := cache.Get("hello")
	if !ok {
		t.Fatal("expected hit")
	}
	if !got.Cached {
		t.Error("cached result should have Cached=true")
	}
	if got.Category != CategoryAIChat {
		t.Errorf("Category = %v, want ai_chat", got.Category)
	}

	// Mutating the returned copy must not affect the cache.
	got.Category = CategoryFileOperations
	again, _ := cache.Get("hello")
	if again.Category != CategoryAIChat {
		t.Errorf("cache entry mutated through returned copy: %v", again.Category)
	}
}

func TestResultCache_TTL(t *testing.T) {
	cache := NewResultCache(time.Minute, 10)
	now := time.Now()
	cache.now = func() time.Time { return now }

	cache.Set("q", &Result{Category: CategoryAIChat})
	now = now.Add(2 * time.Minute)

	if _, ok := cache.Get("q"); ok {
		t.Error("expected expired entry to miss")
	}
	if cache.Size() != 0 {
		t.Errorf("expired entry should be removed, size = %d", cache.Size())
	}
}

func TestResultCache_LRUEviction(t *testing.T) {
	cache := NewResultCache(time.Minute, 2)

	cache.Set("a", &Result{Category: CategoryAIChat})
	cache.Set("b", &Result{Category: CategoryAIChat})
	cache.Get("a") // a is now most recent
	cache.Set("c", &Result{Category: CategoryAIChat})

	if _, ok := cache.Get("b"); ok {
		t.Error("b should have been evicted")
	}
	if _, ok := cache.Get("a"); !ok {
		t.Error("a should survive")
	}
	if _, ok := cache.Get("c"); !ok {
		t.Error("c should be present")
	}
}

func TestResultCache_HitRateAndClear(t *testing.T) {
	cache := NewResultCache(time.Minute, 10)
	if cache.HitRate() != 0 {
		t.Errorf("HitRate before lookups = %v", cache.HitRate())
	}

	cache.Set("x", &Result{})
	cache.Get("x")
	cache.Get("y")
	if got := cache.HitRate(); got != 0.5 {
		t.Errorf("HitRate = %v, want 0.5", got)
	}

	cache.Clear()
	if cache.Size() != 0 {
		t.Errorf("Size after Clear = %d", cache.Size())
	}
	cache.Set(" ignored ", nil)
	if cache.Size() != 0 {
		t.Error("nil results must not be cached")
	}
}

func TestCacheKey_NormalizesWhitespace(t *testing.T) {
	if cacheKey("a  b") != cacheKey(" a b ") {
		t.Error("keys should ignore incidental whitespace")
	}
	if cacheKey("a b") == cacheKey("A b") {
		t.Error("keys should be case-sensitive")
	}
}
