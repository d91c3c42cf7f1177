// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

// Package storage describes key/value stores like redis and boltdb.
package storage

import (
	"time"

	"github.com/zeebo/errs"
)

// Key is the type for the keys in a KeyValueStore.
type Key string

// Value is the type for the values in a KeyValueStore.
type Value []byte

// Keys is a slice of keys.
type Keys []Key

// ErrKeyNotFound is returned when a key is absent from the store.
var ErrKeyNotFound = errs.Class("key not found")

// ErrEmptyKey is returned when an empty key is used.
var ErrEmptyKey = errs.Class("empty key")

// KeyValueStore is an interface describing expiring key/value stores.
//
// A zero ttl means the entry does not expire.
type KeyValueStore interface {
	// Put adds a value under the provided key, overwriting any
	// previous value and resetting its ttl.
	Put(key Key, value Value, ttl time.Duration) error
	// Get returns the value stored under key.
	Get(key Key) (Value, error)
	// Delete removes key from the store. Deleting an absent key is
	// not an error.
	Delete(key Key) error
	// List returns up to limit keys with the given prefix.
	List(prefix Key, limit int) (Keys, error)
	// Close closes the store.
	Close() error
}

// IsZero returns whether the key is empty.
func (key Key) IsZero() bool { return len(key) == 0 }

// String implements the Stringer interface.
func (key Key) String() string { return string(key) }

// Strings converts keys to a string slice.
func (keys Keys) Strings() []string {
	result := make([]string, 0, len(keys))
	for _, key := range keys {
		result = append(result, string(key))
	}
	return result
}

// CloneValue creates a copy of the value.
func CloneValue(value Value) Value {
	return append(Value{}, value...)
}
