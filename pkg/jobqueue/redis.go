// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

package jobqueue

import (
	"keystorm.io/keystorm/storage"
	"keystorm.io/keystorm/storage/redis"
)

// RedisBackend stores queues as redis lists shared by all instances.
type RedisBackend struct {
	db *redis.Client
}

// NewRedisBackend creates a redis-backed queue.
func NewRedisBackend(db *redis.Client) *RedisBackend {
	return &RedisBackend{db: db}
}

func queueKey(queue string) storage.Key {
	return storage.Key("jobs:" + queue)
}

// Push implements Backend.
func (backend *RedisBackend) Push(queue string, data []byte) error {
	return Error.Wrap(backend.db.ListPush(queueKey(queue), data))
}

// Pop implements Backend.
func (backend *RedisBackend) Pop(queue string) ([]byte, error) {
	data, err := backend.db.ListPop(queueKey(queue))
	if storage.ErrKeyNotFound.Has(err) {
		return nil, ErrEmpty.New("%q", queue)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return data, nil
}

// Len implements Backend.
func (backend *RedisBackend) Len(queue string) (int64, error) {
	length, err := backend.db.ListLen(queueKey(queue))
	return length, Error.Wrap(err)
}

// Close implements Backend. The shared client is owned by the caller.
func (backend *RedisBackend) Close() error { return nil }
