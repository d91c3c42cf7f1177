// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

package cache

import (
	"strings"
	"sync"
	"time"

	"keystorm.io/keystorm/internal/memory"
)

// localCache is the process-local LRU tier. It is bounded both by
// entry count and by the summed serialized bytes of its values.
type localCache struct {
	mu         sync.Mutex
	entries    map[string]*localEntry
	maxEntries int
	maxBytes   int64
	totalBytes int64
}

type localEntry struct {
	response     Response
	size         int64
	expiresAt    time.Time
	lastAccessed time.Time
}

func newLocalCache(maxEntries int, maxBytes memory.Size) *localCache {
	return &localCache{
		entries:    make(map[string]*localEntry),
		maxEntries: maxEntries,
		maxBytes:   maxBytes.Int64(),
	}
}

func (cache *localCache) get(key string) (Response, bool) {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	entry, ok := cache.entries[key]
	if !ok {
		return Response{}, false
	}
	if time.Now().After(entry.expiresAt) {
		cache.removeLocked(key, entry)
		return Response{}, false
	}
	entry.lastAccessed = time.Now()
	return entry.response, true
}

func (cache *localCache) put(key string, response Response, size int64, ttl time.Duration) {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	now := time.Now()
	if prev, ok := cache.entries[key]; ok {
		cache.totalBytes -= prev.size
	}
	cache.entries[key] = &localEntry{
		response:     response,
		size:         size,
		expiresAt:    now.Add(ttl),
		lastAccessed: now,
	}
	cache.totalBytes += size

	for len(cache.entries) > cache.maxEntries || cache.totalBytes > cache.maxBytes {
		if !cache.evictOldestLocked() {
			break
		}
	}
}

// invalidate removes all entries whose key contains pattern.
func (cache *localCache) invalidate(pattern string) int {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	removed := 0
	for key, entry := range cache.entries {
		if strings.Contains(key, pattern) {
			cache.removeLocked(key, entry)
			removed++
		}
	}
	return removed
}

func (cache *localCache) evictOldestLocked() bool {
	var oldestKey string
	var oldest *localEntry
	for key, entry := range cache.entries {
		if oldest == nil || entry.lastAccessed.Before(oldest.lastAccessed) {
			oldestKey, oldest = key, entry
		}
	}
	if oldest == nil {
		return false
	}
	cache.removeLocked(oldestKey, oldest)
	return true
}

func (cache *localCache) removeLocked(key string, entry *localEntry) {
	cache.totalBytes -= entry.size
	delete(cache.entries, key)
}

func (cache *localCache) stats() (entries int, bytes int64) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	return len(cache.entries), cache.totalBytes
}
