// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

package boltdb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keystorm.io/keystorm/internal/testcontext"
	"keystorm.io/keystorm/storage"
)

func openClient(t *testing.T, ctx *testcontext.Context) *Client {
	client, err := New(ctx.File("bolt.db"), "test")
	require.NoError(t, err)
	return client
}

func TestPutGetDelete(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	client := openClient(t, ctx)
	defer ctx.Check(client.Close)

	require.NoError(t, client.Put("key", storage.Value("value"), 0))

	value, err := client.Get("key")
	require.NoError(t, err)
	assert.Equal(t, "value", string(value))

	require.NoError(t, client.Delete("key"))
	_, err = client.Get("key")
	assert.True(t, storage.ErrKeyNotFound.Has(err))

	// deleting an absent key is not an error
	assert.NoError(t, client.Delete("key"))

	err = client.Put("", storage.Value("value"), 0)
	assert.True(t, storage.ErrEmptyKey.Has(err))
}

func TestExpiry(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	client := openClient(t, ctx)
	defer ctx.Check(client.Close)

	require.NoError(t, client.Put("short", storage.Value("gone"), time.Millisecond))
	require.NoError(t, client.Put("long", storage.Value("kept"), time.Hour))

	time.Sleep(5 * time.Millisecond)

	_, err := client.Get("short")
	assert.True(t, storage.ErrKeyNotFound.Has(err))
	value, err := client.Get("long")
	require.NoError(t, err)
	assert.Equal(t, "kept", string(value))
}

func TestListByPrefix(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	client := openClient(t, ctx)
	defer ctx.Check(client.Close)

	for _, key := range []storage.Key{"race:1", "race:2", "race:3", "user:1"} {
		require.NoError(t, client.Put(key, storage.Value("x"), 0))
	}
	require.NoError(t, client.Put("race:expired", storage.Value("x"), time.Nanosecond))
	time.Sleep(time.Millisecond)

	keys, err := client.List("race:", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"race:1", "race:2", "race:3"}, keys.Strings())

	keys, err = client.List("race:", 2)
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}
