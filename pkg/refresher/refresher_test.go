// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

package refresher_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"keystorm.io/keystorm/internal/testcontext"
	"keystorm.io/keystorm/pkg/leaderboard"
	"keystorm.io/keystorm/pkg/refresher"
)

// countingDB records refreshed views.
type countingDB struct {
	mu    sync.Mutex
	calls map[string]int
	order []leaderboard.Key
}

func newCountingDB() *countingDB {
	return &countingDB{calls: make(map[string]int)}
}

func (db *countingDB) RefreshView(ctx context.Context, key leaderboard.Key) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.calls[key.String()]++
	db.order = append(db.order, key)
	return nil
}

func (db *countingDB) count(key leaderboard.Key) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.calls[key.String()]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func dailyKey() leaderboard.Key {
	return leaderboard.Key{Mode: leaderboard.ModeGlobal, Timeframe: leaderboard.TimeframeDaily, Language: "en"}
}

func TestRefreshImmediate(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := newCountingDB()
	service := refresher.NewService(zaptest.NewLogger(t), db, refresher.Config{
		Interval: time.Hour,
		Debounce: time.Millisecond,
	})
	defer ctx.Check(service.Close)

	require.NoError(t, service.Refresh(ctx, dailyKey()))
	assert.Equal(t, 1, db.count(dailyKey()))
	assert.Equal(t, []leaderboard.Key{dailyKey()}, service.ActiveViews())
}

func TestTriggerCoalesces(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := newCountingDB()
	service := refresher.NewService(zaptest.NewLogger(t), db, refresher.Config{
		Interval: time.Hour,
		Debounce: 50 * time.Millisecond,
	})
	defer ctx.Check(service.Close)

	// a burst of triggers within the debounce window refreshes once
	for i := 0; i < 10; i++ {
		service.Trigger(dailyKey())
	}
	waitFor(t, func() bool { return db.count(dailyKey()) >= 1 })
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, db.count(dailyKey()))
}

func TestPeriodicRefreshShortTimeframesFirst(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := newCountingDB()
	service := refresher.NewService(zaptest.NewLogger(t), db, refresher.Config{
		Interval: 10 * time.Millisecond,
		Debounce: time.Millisecond,
	})

	allKey := dailyKey()
	allKey.Timeframe = leaderboard.TimeframeAll
	require.NoError(t, service.Refresh(ctx, allKey))
	require.NoError(t, service.Refresh(ctx, dailyKey()))

	ctx.Go(func() error {
		err := service.Run(ctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})

	waitFor(t, func() bool { return db.count(dailyKey()) >= 3 && db.count(allKey) >= 3 })
	require.NoError(t, service.Close())

	// within every periodic pass the daily view precedes the all-time one
	db.mu.Lock()
	defer db.mu.Unlock()
	var cycle []leaderboard.Key
	for _, key := range db.order[2:] {
		cycle = append(cycle, key)
		if len(cycle) == 2 {
			assert.Equal(t, leaderboard.TimeframeDaily, cycle[0].Timeframe)
			assert.Equal(t, leaderboard.TimeframeAll, cycle[1].Timeframe)
			cycle = cycle[:0]
		}
	}
}
