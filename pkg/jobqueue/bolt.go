// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

package jobqueue

import (
	"encoding/binary"
	"time"

	"github.com/boltdb/bolt"
)

// BoltBackend is the durable single-node fallback queue. Each queue is
// a bucket with monotonically increasing sequence keys, so jobs
// survive restarts even without redis.
type BoltBackend struct {
	db *bolt.DB
}

// NewBoltBackend opens (and if needed creates) the queue file.
func NewBoltBackend(path string) (*BoltBackend, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &BoltBackend{db: db}, nil
}

// Push implements Backend.
func (backend *BoltBackend) Push(queue string, data []byte) error {
	return Error.Wrap(backend.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(queue))
		if err != nil {
			return err
		}
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return bucket.Put(key, data)
	}))
}

// Pop implements Backend.
func (backend *BoltBackend) Pop(queue string) (data []byte, err error) {
	err = backend.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(queue))
		if bucket == nil {
			return ErrEmpty.New("%q", queue)
		}
		cursor := bucket.Cursor()
		key, value := cursor.First()
		if key == nil {
			return ErrEmpty.New("%q", queue)
		}
		data = append([]byte{}, value...)
		return bucket.Delete(key)
	})
	if ErrEmpty.Has(err) {
		return nil, err
	}
	return data, Error.Wrap(err)
}

// Len implements Backend.
func (backend *BoltBackend) Len(queue string) (length int64, err error) {
	err = backend.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(queue))
		if bucket == nil {
			return nil
		}
		length = int64(bucket.Stats().KeyN)
		return nil
	})
	return length, Error.Wrap(err)
}

// Close implements Backend.
func (backend *BoltBackend) Close() error {
	return Error.Wrap(backend.db.Close())
}
