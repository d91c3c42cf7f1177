// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

// Package processor consumes score batches and turns them into
// leaderboard updates: it persists scores, refreshes the affected
// materialized views, recomputes the Top-N snapshots and publishes
// versioned rank deltas on the update channels.
package processor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"keystorm.io/keystorm/pkg/health"
	"keystorm.io/keystorm/pkg/leaderboard"
	"keystorm.io/keystorm/pkg/scoredb"
)

var (
	mon = monkit.Package()
	// Error is the default processor error class.
	Error = errs.Class("processor error")
)

// Config tunes batch processing.
type Config struct {
	TopNSize     int  `help:"entries recomputed and published per view" default:"100"`
	WarmAroundMe bool `help:"precompute around-me views for batch users" default:"true"`
}

// DB is the relational contract of the processor.
type DB interface {
	SubmitScore(ctx context.Context, event leaderboard.ScoreEvent) error
	GetPage(ctx context.Context, key leaderboard.Key, limit, offset int) ([]leaderboard.Entry, int, error)
}

// Refresher recomputes a materialized view on demand.
type Refresher interface {
	Refresh(ctx context.Context, key leaderboard.Key) error
}

// Cache is the tiered-cache contract of the processor.
type Cache interface {
	GetTopN(ctx context.Context, key leaderboard.Key) (*leaderboard.Snapshot, error)
	PutTopN(ctx context.Context, key leaderboard.Key, snapshot *leaderboard.Snapshot) error
	InvalidateView(ctx context.Context, mode leaderboard.Mode, language string) error
	InvalidateAroundMe(ctx context.Context, userID string, mode leaderboard.Mode, language string) error
	WarmAroundMe(ctx context.Context, userID string, key leaderboard.Key) (*leaderboard.AroundMe, error)
}

// Publisher fans deltas out to subscribed servers.
type Publisher interface {
	Publish(channel string, payload []byte) error
}

// Versions issues strictly increasing delta versions per view key.
type Versions interface {
	Next(key string) (int64, error)
}

// LocalVersions is the in-process Versions fallback. Versions restart
// from zero with the process, which single-instance subscribers
// tolerate because they reconnect with a fresh snapshot.
type LocalVersions struct {
	mu       sync.Mutex
	counters map[string]int64
}

// NewLocalVersions creates an in-process version counter.
func NewLocalVersions() *LocalVersions {
	return &LocalVersions{counters: make(map[string]int64)}
}

// Next increments and returns the counter for key.
func (versions *LocalVersions) Next(key string) (int64, error) {
	versions.mu.Lock()
	defer versions.mu.Unlock()
	versions.counters[key]++
	return versions.counters[key], nil
}

// Service is the batch processor.
type Service struct {
	log      *zap.Logger
	config   Config
	db       DB
	cache    Cache
	refresh  Refresher
	versions Versions
	pub      Publisher
	health   *health.Service
}

// NewService creates a batch processor.
func NewService(log *zap.Logger, db DB, cache Cache, refresh Refresher, versions Versions, pub Publisher, healthService *health.Service, config Config) *Service {
	return &Service{
		log:      log,
		config:   config,
		db:       db,
		cache:    cache,
		refresh:  refresh,
		versions: versions,
		pub:      pub,
		health:   healthService,
	}
}

// Process handles one deduplicated batch. It is registered as the
// stream batch consumer and must stay idempotent under redelivery.
func (service *Service) Process(ctx context.Context, batch leaderboard.Batch) (err error) {
	defer mon.Task()(&ctx)(&err)

	start := time.Now()
	defer func() {
		if service.health != nil {
			service.health.Observe(time.Since(start))
			service.health.Count("processed", int64(len(batch.Events)))
			if err != nil {
				service.health.Count("errors", 1)
			}
		}
	}()

	if err := service.persist(ctx, batch.Events); err != nil {
		return err
	}

	for view, events := range leaderboard.GroupByView(batch.Events) {
		if err := service.processView(ctx, batch.BatchID, view, events); err != nil {
			return err
		}
	}
	mon.Counter("batches_processed").Inc(1)
	return nil
}

func (service *Service) persist(ctx context.Context, events []leaderboard.ScoreEvent) error {
	for _, event := range events {
		err := service.db.SubmitScore(ctx, event)
		if scoredb.ErrDuplicateEvent.Has(err) {
			mon.Counter("duplicate_events").Inc(1)
			continue
		}
		if err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

// processView recomputes every timeframe of a (mode, language) view,
// short timeframes first, and publishes one delta per timeframe.
func (service *Service) processView(ctx context.Context, batchID string, view leaderboard.Key, events []leaderboard.ScoreEvent) error {
	batchUsers := make(map[string]bool, len(events))
	for _, event := range events {
		batchUsers[event.UserID] = true
	}

	// previous Top-Ns must be read before invalidation
	previous := make(map[leaderboard.Timeframe][]leaderboard.Entry)
	for _, timeframe := range leaderboard.Timeframes {
		key := leaderboard.Key{Mode: view.Mode, Timeframe: timeframe, Language: view.Language}
		if snapshot, err := service.cache.GetTopN(ctx, key); err == nil {
			previous[timeframe] = snapshot.Entries
		}
	}

	for _, timeframe := range leaderboard.Timeframes {
		key := leaderboard.Key{Mode: view.Mode, Timeframe: timeframe, Language: view.Language}
		if err := service.refresh.Refresh(ctx, key); err != nil {
			return Error.Wrap(err)
		}
	}
	if err := service.cache.InvalidateView(ctx, view.Mode, view.Language); err != nil {
		service.log.Debug("view invalidation failed", zap.Error(err))
	}

	for _, timeframe := range leaderboard.Timeframes {
		key := leaderboard.Key{Mode: view.Mode, Timeframe: timeframe, Language: view.Language}
		if err := service.publishDelta(ctx, batchID, key, previous[timeframe], batchUsers); err != nil {
			return err
		}
	}

	for userID := range batchUsers {
		if err := service.cache.InvalidateAroundMe(ctx, userID, view.Mode, view.Language); err != nil {
			service.log.Debug("around-me invalidation failed", zap.Error(err))
		}
		if !service.config.WarmAroundMe {
			continue
		}
		for _, timeframe := range leaderboard.Timeframes {
			key := leaderboard.Key{Mode: view.Mode, Timeframe: timeframe, Language: view.Language}
			if _, err := service.cache.WarmAroundMe(ctx, userID, key); err != nil {
				service.log.Debug("around-me warmup failed",
					zap.String("userID", userID), zap.Error(err))
			}
		}
	}
	return nil
}

func (service *Service) publishDelta(ctx context.Context, batchID string, key leaderboard.Key, previous []leaderboard.Entry, batchUsers map[string]bool) (err error) {
	defer mon.Task()(&ctx)(&err)

	entries, total, err := service.db.GetPage(ctx, key, service.config.TopNSize, 0)
	if err != nil {
		return Error.Wrap(err)
	}

	version, err := service.versions.Next(leaderboard.VersionKey(key))
	if err != nil {
		return Error.Wrap(err)
	}

	now := time.Now().UnixNano() / int64(time.Millisecond)
	snapshot := &leaderboard.Snapshot{
		Version:     version,
		Mode:        key.Mode,
		Timeframe:   key.Timeframe,
		Language:    key.Language,
		Entries:     entries,
		Total:       total,
		GeneratedAt: now,
		ExpiresAt:   now + time.Minute.Milliseconds(),
	}
	if err := service.cache.PutTopN(ctx, key, snapshot); err != nil {
		service.log.Debug("top-n write failed", zap.Error(err))
	}

	changes, removed := leaderboard.Diff(previous, entries, batchUsers)
	if len(changes) == 0 && len(removed) == 0 {
		return nil
	}

	delta := leaderboard.Delta{
		Version:   version,
		Mode:      key.Mode,
		Timeframe: key.Timeframe,
		Language:  key.Language,
		Changes:   changes,
		Removed:   removed,
		TopN:      service.config.TopNSize,
		BatchID:   batchID,
	}
	payload, err := json.Marshal(delta)
	if err != nil {
		return Error.Wrap(err)
	}
	if err := service.pub.Publish(leaderboard.UpdatesChannel(key), payload); err != nil {
		return Error.Wrap(err)
	}
	mon.Counter("deltas_published").Inc(1)
	return nil
}
