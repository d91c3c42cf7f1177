// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

package processor

import (
	"keystorm.io/keystorm/storage"
	"keystorm.io/keystorm/storage/redis"
)

// RedisVersions issues fleet-wide versions on shared redis counters so
// deltas stay ordered across processor instances.
type RedisVersions struct {
	db *redis.Client
}

// NewRedisVersions creates a redis-backed version counter.
func NewRedisVersions(db *redis.Client) *RedisVersions {
	return &RedisVersions{db: db}
}

// Next increments and returns the counter for key.
func (versions *RedisVersions) Next(key string) (int64, error) {
	value, err := versions.db.Incr(storage.Key(key))
	return value, Error.Wrap(err)
}
