// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

// Package teststore implements an in-memory KeyValueStore for tests.
package teststore

import (
	"strings"
	"sync"
	"time"

	"keystorm.io/keystorm/storage"
)

// Client implements an in-memory key value store with expiry.
type Client struct {
	mu    sync.Mutex
	items map[storage.Key]entry

	CallCount struct {
		Get    int
		Put    int
		Delete int
		List   int
	}
}

type entry struct {
	value    storage.Value
	deadline time.Time
}

// New creates a new in-memory key-value store.
func New() *Client {
	return &Client{items: map[storage.Key]entry{}}
}

// Put adds a value to the store.
func (store *Client) Put(key storage.Key, value storage.Value, ttl time.Duration) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.CallCount.Put++

	if key.IsZero() {
		return storage.ErrEmptyKey.New("")
	}

	var deadline time.Time
	if ttl > 0 {
		deadline = time.Now().Add(ttl)
	}
	store.items[key] = entry{value: storage.CloneValue(value), deadline: deadline}
	return nil
}

// Get returns the value stored under key.
func (store *Client) Get(key storage.Key) (storage.Value, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.CallCount.Get++

	item, ok := store.items[key]
	if !ok || item.expired() {
		delete(store.items, key)
		return nil, storage.ErrKeyNotFound.New("%q", key)
	}
	return storage.CloneValue(item.value), nil
}

// Delete removes the key from the store.
func (store *Client) Delete(key storage.Key) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.CallCount.Delete++

	delete(store.items, key)
	return nil
}

// List returns up to limit keys with the given prefix.
func (store *Client) List(prefix storage.Key, limit int) (storage.Keys, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.CallCount.List++

	var keys storage.Keys
	for key, item := range store.items {
		if item.expired() {
			continue
		}
		if strings.HasPrefix(string(key), string(prefix)) {
			keys = append(keys, key)
			if limit > 0 && len(keys) >= limit {
				break
			}
		}
	}
	return keys, nil
}

// Close closes the store.
func (store *Client) Close() error { return nil }

func (item entry) expired() bool {
	return !item.deadline.IsZero() && time.Now().After(item.deadline)
}
