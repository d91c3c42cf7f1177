// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

package race_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keystorm.io/keystorm/internal/testcontext"
	"keystorm.io/keystorm/pkg/race"
)

func TestMemoryCacheVersionedPut(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	cache := race.NewMemoryCache()
	stored := &race.Race{RaceID: "race_1", Status: race.StatusWaiting, Version: 1}
	require.NoError(t, cache.PutRace(ctx, stored, time.Minute))

	// stale version loses
	stale := &race.Race{RaceID: "race_1", Status: race.StatusCountdown, Version: 1}
	err := cache.PutRace(ctx, stale, time.Minute)
	assert.Equal(t, race.ErrVersionConflict, err)

	// the next version wins
	next := &race.Race{RaceID: "race_1", Status: race.StatusCountdown, Version: 2}
	require.NoError(t, cache.PutRace(ctx, next, time.Minute))

	got, err := cache.GetRace(ctx, "race_1")
	require.NoError(t, err)
	assert.Equal(t, race.StatusCountdown, got.Status)
	assert.Equal(t, int64(2), got.Version)

	// skipping versions is a lost update too
	skipped := &race.Race{RaceID: "race_1", Version: 5}
	assert.Equal(t, race.ErrVersionConflict, cache.PutRace(ctx, skipped, time.Minute))
}

func TestMemoryCacheGetMissing(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	cache := race.NewMemoryCache()
	_, err := cache.GetRace(ctx, "nope")
	assert.True(t, race.ErrRoomNotFound.Has(err))
}

func TestMemoryCacheWaitingPool(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	cache := race.NewMemoryCache()
	require.NoError(t, cache.AddWaiting(ctx, "race_1"))
	require.NoError(t, cache.AddWaiting(ctx, "race_2"))

	waiting, err := cache.Waiting(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"race_1", "race_2"}, waiting)

	require.NoError(t, cache.RemoveWaiting(ctx, "race_1"))
	waiting, err = cache.Waiting(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"race_2"}, waiting)
}

func TestMemoryCacheKicked(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	cache := race.NewMemoryCache()

	kicked, err := cache.IsKicked(ctx, "race_1", "user-1")
	require.NoError(t, err)
	assert.False(t, kicked)

	require.NoError(t, cache.MarkKicked(ctx, "race_1", "user-1"))
	kicked, err = cache.IsKicked(ctx, "race_1", "user-1")
	require.NoError(t, err)
	assert.True(t, kicked)

	// kicks are per race
	kicked, err = cache.IsKicked(ctx, "race_2", "user-1")
	require.NoError(t, err)
	assert.False(t, kicked)
}

func TestMemoryCacheDeleteClearsSideState(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	cache := race.NewMemoryCache()
	stored := &race.Race{RaceID: "race_1", Version: 1}
	require.NoError(t, cache.PutRace(ctx, stored, time.Minute))
	require.NoError(t, cache.AddWaiting(ctx, "race_1"))
	require.NoError(t, cache.MarkKicked(ctx, "race_1", "user-1"))

	require.NoError(t, cache.DeleteRace(ctx, stored))

	_, err := cache.GetRace(ctx, "race_1")
	assert.Error(t, err)
	waiting, err := cache.Waiting(ctx)
	require.NoError(t, err)
	assert.Empty(t, waiting)
	kicked, err := cache.IsKicked(ctx, "race_1", "user-1")
	require.NoError(t, err)
	assert.False(t, kicked)
}
