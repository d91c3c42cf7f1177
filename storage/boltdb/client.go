// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

// Package boltdb implements a bolt-backed KeyValueStore used as the
// durable local fallback for queue state when redis is unavailable.
package boltdb

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/boltdb/bolt"
	"github.com/zeebo/errs"

	"keystorm.io/keystorm/storage"
)

// Error is the default boltdb error class.
var Error = errs.Class("boltdb error")

var defaultTimeout = 1 * time.Second

const (
	// fileMode sets permissions so owner can read and write
	fileMode = 0600
	// deadlineSize is the value-envelope prefix holding the expiry
	deadlineSize = 8
)

// Client is the storage interface for the bolt database.
type Client struct {
	db     *bolt.DB
	Path   string
	Bucket []byte
}

// New instantiates a new bolt client at the given path, storing all
// entries in the named bucket.
func New(path, bucket string) (*Client, error) {
	db, err := bolt.Open(path, fileMode, &bolt.Options{Timeout: defaultTimeout})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, Error.Wrap(err)
	}

	return &Client{
		db:     db,
		Path:   path,
		Bucket: []byte(bucket),
	}, nil
}

// Put adds a value under the provided key. Expiry is stored in an
// 8-byte envelope prefix and enforced lazily on Get.
func (client *Client) Put(key storage.Key, value storage.Value, ttl time.Duration) error {
	if key.IsZero() {
		return storage.ErrEmptyKey.New("")
	}

	var deadline uint64
	if ttl > 0 {
		deadline = uint64(time.Now().Add(ttl).UnixNano())
	}
	data := make([]byte, deadlineSize+len(value))
	binary.BigEndian.PutUint64(data, deadline)
	copy(data[deadlineSize:], value)

	return Error.Wrap(client.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(client.Bucket).Put([]byte(key), data)
	}))
}

// Get returns the value stored under key.
func (client *Client) Get(key storage.Key) (storage.Value, error) {
	var value storage.Value
	expired := false
	err := client.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(client.Bucket).Get([]byte(key))
		if data == nil {
			return storage.ErrKeyNotFound.New("%q", key)
		}
		if deadlinePassed(data) {
			expired = true
			return storage.ErrKeyNotFound.New("%q", key)
		}
		value = storage.CloneValue(data[deadlineSize:])
		return nil
	})
	if expired {
		_ = client.Delete(key)
	}
	return value, err
}

// Delete removes the key from the store.
func (client *Client) Delete(key storage.Key) error {
	return Error.Wrap(client.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(client.Bucket).Delete([]byte(key))
	}))
}

// List returns up to limit keys with the given prefix in key order.
func (client *Client) List(prefix storage.Key, limit int) (storage.Keys, error) {
	var keys storage.Keys
	err := client.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(client.Bucket).Cursor()
		for k, v := cursor.Seek([]byte(prefix)); k != nil && bytes.HasPrefix(k, []byte(prefix)); k, v = cursor.Next() {
			if deadlinePassed(v) {
				continue
			}
			keys = append(keys, storage.Key(k))
			if limit > 0 && len(keys) >= limit {
				return nil
			}
		}
		return nil
	})
	return keys, Error.Wrap(err)
}

// Close closes the bolt client.
func (client *Client) Close() error {
	return Error.Wrap(client.db.Close())
}

func deadlinePassed(data []byte) bool {
	if len(data) < deadlineSize {
		return true
	}
	deadline := binary.BigEndian.Uint64(data)
	return deadline != 0 && time.Now().UnixNano() > int64(deadline)
}
