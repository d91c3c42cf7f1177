// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

package processor_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"keystorm.io/keystorm/internal/testcontext"
	"keystorm.io/keystorm/pkg/leaderboard"
	"keystorm.io/keystorm/pkg/processor"
	"keystorm.io/keystorm/pkg/scoredb"
)

// procDB fakes the relational side of the processor.
type procDB struct {
	mu        sync.Mutex
	submitted map[string]bool
	entries   []leaderboard.Entry
}

func newProcDB(entries ...leaderboard.Entry) *procDB {
	return &procDB{submitted: make(map[string]bool), entries: entries}
}

func (db *procDB) SubmitScore(ctx context.Context, event leaderboard.ScoreEvent) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.submitted[event.EventID] {
		return scoredb.ErrDuplicateEvent.New("%q", event.EventID)
	}
	db.submitted[event.EventID] = true
	return nil
}

func (db *procDB) GetPage(ctx context.Context, key leaderboard.Key, limit, offset int) ([]leaderboard.Entry, int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	end := offset + limit
	if end > len(db.entries) {
		end = len(db.entries)
	}
	if offset >= end {
		return nil, len(db.entries), nil
	}
	return append([]leaderboard.Entry{}, db.entries[offset:end]...), len(db.entries), nil
}

func (db *procDB) setEntries(entries ...leaderboard.Entry) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.entries = entries
}

func (db *procDB) submittedCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.submitted)
}

// procCache fakes the tiered cache.
type procCache struct {
	mu          sync.Mutex
	topN        map[string]*leaderboard.Snapshot
	invalidated []string
	warmed      []string
}

func newProcCache() *procCache {
	return &procCache{topN: make(map[string]*leaderboard.Snapshot)}
}

func (cache *procCache) GetTopN(ctx context.Context, key leaderboard.Key) (*leaderboard.Snapshot, error) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	snapshot, ok := cache.topN[key.String()]
	if !ok {
		return nil, leaderboard.Error.New("no snapshot for %s", key)
	}
	return snapshot, nil
}

func (cache *procCache) PutTopN(ctx context.Context, key leaderboard.Key, snapshot *leaderboard.Snapshot) error {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	cache.topN[key.String()] = snapshot
	return nil
}

func (cache *procCache) InvalidateView(ctx context.Context, mode leaderboard.Mode, language string) error {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	cache.invalidated = append(cache.invalidated, string(mode)+":"+language)
	return nil
}

func (cache *procCache) InvalidateAroundMe(ctx context.Context, userID string, mode leaderboard.Mode, language string) error {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	cache.invalidated = append(cache.invalidated, "around:"+userID)
	return nil
}

func (cache *procCache) WarmAroundMe(ctx context.Context, userID string, key leaderboard.Key) (*leaderboard.AroundMe, error) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	cache.warmed = append(cache.warmed, userID+":"+key.String())
	return &leaderboard.AroundMe{UserID: userID}, nil
}

// procRefresher records refreshed views.
type procRefresher struct {
	mu   sync.Mutex
	keys []leaderboard.Key
}

func (refresher *procRefresher) Refresh(ctx context.Context, key leaderboard.Key) error {
	refresher.mu.Lock()
	defer refresher.mu.Unlock()
	refresher.keys = append(refresher.keys, key)
	return nil
}

// procPublisher records published deltas.
type procPublisher struct {
	mu       sync.Mutex
	messages map[string][][]byte
}

func newProcPublisher() *procPublisher {
	return &procPublisher{messages: make(map[string][][]byte)}
}

func (pub *procPublisher) Publish(channel string, payload []byte) error {
	pub.mu.Lock()
	defer pub.mu.Unlock()
	pub.messages[channel] = append(pub.messages[channel], append([]byte{}, payload...))
	return nil
}

func (pub *procPublisher) deltas(t *testing.T, channel string) []leaderboard.Delta {
	t.Helper()
	pub.mu.Lock()
	defer pub.mu.Unlock()
	var deltas []leaderboard.Delta
	for _, payload := range pub.messages[channel] {
		var delta leaderboard.Delta
		require.NoError(t, json.Unmarshal(payload, &delta))
		deltas = append(deltas, delta)
	}
	return deltas
}

func rankedEntry(userID string, wpm float64, rank int) leaderboard.Entry {
	return leaderboard.Entry{
		UserID:   userID,
		Username: "racer-" + userID,
		WPM:      wpm,
		Accuracy: 95,
		Rank:     rank,
	}
}

func scoreEvent(eventID, userID string, wpm float64) leaderboard.ScoreEvent {
	return leaderboard.ScoreEvent{
		EventID:   eventID,
		UserID:    userID,
		Username:  "racer-" + userID,
		WPM:       wpm,
		Accuracy:  95,
		Duration:  60,
		Language:  "en",
		Mode:      leaderboard.ModeGlobal,
		Timestamp: time.Now().UnixNano() / int64(time.Millisecond),
	}
}

func testService(db *procDB, cache *procCache, refresher *procRefresher, pub *procPublisher, versions processor.Versions, t *testing.T) *processor.Service {
	return processor.NewService(zaptest.NewLogger(t), db, cache, refresher, versions, pub, nil, processor.Config{
		TopNSize:     100,
		WarmAroundMe: true,
	})
}

func dailyKey() leaderboard.Key {
	return leaderboard.Key{Mode: leaderboard.ModeGlobal, Timeframe: leaderboard.TimeframeDaily, Language: "en"}
}

func TestProcessPersistsRefreshesAndPublishes(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := newProcDB(rankedEntry("a", 120, 1), rankedEntry("b", 110, 2))
	cache := newProcCache()
	refresher := &procRefresher{}
	pub := newProcPublisher()
	service := testService(db, cache, refresher, pub, processor.NewLocalVersions(), t)

	err := service.Process(ctx, leaderboard.Batch{
		BatchID: "batch_1",
		Events:  []leaderboard.ScoreEvent{scoreEvent("evt-1", "a", 120), scoreEvent("evt-2", "b", 110)},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, db.submittedCount())
	assert.Len(t, refresher.keys, len(leaderboard.Timeframes))

	for _, timeframe := range leaderboard.Timeframes {
		key := leaderboard.Key{Mode: leaderboard.ModeGlobal, Timeframe: timeframe, Language: "en"}
		deltas := pub.deltas(t, leaderboard.UpdatesChannel(key))
		require.Len(t, deltas, 1, "one delta per timeframe")
		delta := deltas[0]
		assert.Equal(t, int64(1), delta.Version)
		assert.Equal(t, "batch_1", delta.BatchID)
		require.Len(t, delta.Changes, 2)
		assert.Equal(t, leaderboard.ChangeNew, delta.Changes[0].ChangeType)
		assert.Empty(t, delta.Removed)

		snapshot, err := cache.GetTopN(ctx, key)
		require.NoError(t, err)
		assert.Len(t, snapshot.Entries, 2)
	}
}

func TestProcessIdempotentUnderRedelivery(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := newProcDB(rankedEntry("a", 120, 1))
	service := testService(db, newProcCache(), &procRefresher{}, newProcPublisher(), processor.NewLocalVersions(), t)

	batch := leaderboard.Batch{
		BatchID: "batch_1",
		Events:  []leaderboard.ScoreEvent{scoreEvent("evt-1", "a", 120)},
	}
	require.NoError(t, service.Process(ctx, batch))
	require.NoError(t, service.Process(ctx, batch))

	assert.Equal(t, 1, db.submittedCount(), "redelivered events must not double-count")
}

func TestDeltaVersionsStrictlyIncrease(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := newProcDB(rankedEntry("a", 120, 1))
	cache := newProcCache()
	pub := newProcPublisher()
	service := testService(db, cache, &procRefresher{}, pub, processor.NewLocalVersions(), t)

	require.NoError(t, service.Process(ctx, leaderboard.Batch{
		BatchID: "batch_1",
		Events:  []leaderboard.ScoreEvent{scoreEvent("evt-1", "a", 120)},
	}))

	// a newcomer displaces the leader
	db.setEntries(rankedEntry("c", 140, 1), rankedEntry("a", 120, 2))
	require.NoError(t, service.Process(ctx, leaderboard.Batch{
		BatchID: "batch_2",
		Events:  []leaderboard.ScoreEvent{scoreEvent("evt-3", "c", 140)},
	}))

	deltas := pub.deltas(t, leaderboard.UpdatesChannel(dailyKey()))
	require.Len(t, deltas, 2)
	assert.True(t, deltas[1].Version > deltas[0].Version,
		"versions must increase: %d then %d", deltas[0].Version, deltas[1].Version)

	second := deltas[1]
	byUser := make(map[string]leaderboard.Change)
	for _, change := range second.Changes {
		byUser[change.UserID] = change
	}
	assert.Equal(t, leaderboard.ChangeNew, byUser["c"].ChangeType)
	assert.Equal(t, leaderboard.ChangeDropped, byUser["a"].ChangeType)
}

func TestNoDeltaWhenNothingChanged(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := newProcDB(rankedEntry("a", 120, 1))
	pub := newProcPublisher()
	service := testService(db, newProcCache(), &procRefresher{}, pub, processor.NewLocalVersions(), t)

	require.NoError(t, service.Process(ctx, leaderboard.Batch{
		BatchID: "batch_1",
		Events:  []leaderboard.ScoreEvent{scoreEvent("evt-1", "a", 120)},
	}))

	// a score outside the Top-N moves nothing
	require.NoError(t, service.Process(ctx, leaderboard.Batch{
		BatchID: "batch_2",
		Events:  []leaderboard.ScoreEvent{scoreEvent("evt-2", "z", 10)},
	}))

	deltas := pub.deltas(t, leaderboard.UpdatesChannel(dailyKey()))
	require.Len(t, deltas, 1)
	assert.Equal(t, "batch_1", deltas[0].BatchID)
}

func TestAroundMeWarmedPerBatchUser(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := newProcDB(rankedEntry("a", 120, 1))
	cache := newProcCache()
	service := testService(db, cache, &procRefresher{}, newProcPublisher(), processor.NewLocalVersions(), t)

	require.NoError(t, service.Process(ctx, leaderboard.Batch{
		BatchID: "batch_1",
		Events:  []leaderboard.ScoreEvent{scoreEvent("evt-1", "a", 120)},
	}))

	cache.mu.Lock()
	defer cache.mu.Unlock()
	assert.Contains(t, cache.invalidated, "around:a")
	assert.Len(t, cache.warmed, len(leaderboard.Timeframes))
}
