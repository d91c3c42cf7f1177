// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

// Package refresher keeps the materialized leaderboard views current.
// It runs a periodic full refresh of every view seen so far and
// coalesces event-driven refresh requests per view.
package refresher

import (
	"context"
	"sync"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"keystorm.io/keystorm/internal/sync2"
	"keystorm.io/keystorm/pkg/leaderboard"
)

var (
	mon = monkit.Package()
	// Error is the default refresher error class.
	Error = errs.Class("refresher error")
)

// Config tunes refresh cadence.
type Config struct {
	Interval time.Duration `help:"periodic refresh interval for active views" default:"30s"`
	Debounce time.Duration `help:"delay coalescing event driven refreshes" default:"500ms"`
}

// DB recomputes a single materialized view.
type DB interface {
	RefreshView(ctx context.Context, key leaderboard.Key) error
}

// Service refreshes leaderboard views periodically and on demand.
type Service struct {
	log    *zap.Logger
	db     DB
	config Config

	Loop     *sync2.Cycle
	debounce *sync2.Debouncer

	mu     sync.Mutex
	active map[leaderboard.Key]bool
}

// NewService creates a refresher.
func NewService(log *zap.Logger, db DB, config Config) *Service {
	service := &Service{
		log:    log,
		db:     db,
		config: config,
		Loop:   sync2.NewCycle(config.Interval),
		active: make(map[leaderboard.Key]bool),
	}
	service.debounce = sync2.NewDebouncer(config.Debounce, func(raw string) {
		key, err := leaderboard.ParseKey(raw)
		if err != nil {
			service.log.Error("debounced refresh with malformed key", zap.Error(err))
			return
		}
		if err := service.Refresh(context.Background(), key); err != nil {
			service.log.Error("debounced refresh failed",
				zap.Stringer("view", key), zap.Error(err))
		}
	})
	return service
}

// Run refreshes all active views on every cycle until ctx is canceled.
func (service *Service) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	return service.Loop.Run(ctx, service.refreshActive)
}

// Trigger schedules a coalesced refresh of the view.
func (service *Service) Trigger(key leaderboard.Key) {
	service.markActive(key)
	service.debounce.Trigger(key.String())
}

// Refresh recomputes the view immediately.
func (service *Service) Refresh(ctx context.Context, key leaderboard.Key) (err error) {
	defer mon.Task()(&ctx)(&err)

	service.markActive(key)
	start := time.Now()
	if err := service.db.RefreshView(ctx, key); err != nil {
		mon.Counter("refresh_errors").Inc(1)
		return Error.Wrap(err)
	}
	mon.Counter("refreshes").Inc(1)
	service.log.Debug("view refreshed",
		zap.Stringer("view", key), zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (service *Service) markActive(key leaderboard.Key) {
	service.mu.Lock()
	service.active[key] = true
	service.mu.Unlock()
}

// refreshActive refreshes every known view, short timeframes first so
// the most volatile boards are freshest.
func (service *Service) refreshActive(ctx context.Context) error {
	service.mu.Lock()
	views := make([]leaderboard.Key, 0, len(service.active))
	for key := range service.active {
		views = append(views, key)
	}
	service.mu.Unlock()

	byTimeframe := make(map[leaderboard.Timeframe][]leaderboard.Key)
	for _, key := range views {
		byTimeframe[key.Timeframe] = append(byTimeframe[key.Timeframe], key)
	}
	for _, timeframe := range leaderboard.Timeframes {
		for _, key := range byTimeframe[timeframe] {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := service.Refresh(ctx, key); err != nil {
				service.log.Error("periodic refresh failed",
					zap.Stringer("view", key), zap.Error(err))
			}
		}
	}
	return nil
}

// ActiveViews returns the views seen so far.
func (service *Service) ActiveViews() []leaderboard.Key {
	service.mu.Lock()
	defer service.mu.Unlock()
	views := make([]leaderboard.Key, 0, len(service.active))
	for key := range service.active {
		views = append(views, key)
	}
	return views
}

// Close stops the loop and pending debounced refreshes.
func (service *Service) Close() error {
	service.Loop.Stop()
	service.debounce.Close()
	return nil
}
