// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

// Package cache implements the tiered leaderboard cache: a process
// local LRU in front of the distributed Top-N, snapshot and around-me
// keys, with read-through to the relational view.
package cache

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"keystorm.io/keystorm/internal/memory"
	"keystorm.io/keystorm/pkg/leaderboard"
	"keystorm.io/keystorm/pkg/utils"
	"keystorm.io/keystorm/storage"
)

var (
	mon = monkit.Package()
	// Error is the default cache error class.
	Error = errs.Class("leaderboard cache error")
)

// Config tunes the tiers.
type Config struct {
	TopNSize      int           `help:"entries kept in the distributed Top-N" default:"100"`
	AroundMeRange int           `help:"entries kept on each side of the user" default:"10"`
	MaxEntries    int           `help:"maximum entries in the local LRU" default:"500"`
	MaxMemory     memory.Size   `help:"memory budget of the local LRU" default:"67108864"`
	TTL           time.Duration `help:"local ttl for leaderboard pages" default:"10s"`
	RatingTTL     time.Duration `help:"local ttl for rating pages" default:"30s"`
	AroundMeTTL   time.Duration `help:"ttl for around-me views" default:"5s"`
	SnapshotTTL   time.Duration `help:"ttl for distributed snapshots" default:"60s"`
}

// DB is the relational read contract the cache falls through to.
type DB interface {
	GetPage(ctx context.Context, key leaderboard.Key, limit, offset int) ([]leaderboard.Entry, int, error)
	AroundUser(ctx context.Context, userID string, key leaderboard.Key, around int) (int, []leaderboard.Entry, error)
}

// Request identifies a paginated leaderboard read.
type Request struct {
	Key    leaderboard.Key
	Limit  int
	Offset int
	UserID string
}

// Pagination describes the window of a response.
type Pagination struct {
	Total      int    `json:"total"`
	Limit      int    `json:"limit"`
	Offset     int    `json:"offset"`
	HasMore    bool   `json:"hasMore"`
	NextCursor string `json:"nextCursor,omitempty"`
	PrevCursor string `json:"prevCursor,omitempty"`
}

// Metadata describes freshness of a response.
type Metadata struct {
	CacheHit    bool                  `json:"cacheHit"`
	Timeframe   leaderboard.Timeframe `json:"timeframe"`
	LastUpdated int64                 `json:"lastUpdated"`
	ETag        string                `json:"etag"`
}

// Response is a paginated leaderboard read result.
type Response struct {
	Entries    []leaderboard.Entry `json:"entries"`
	Pagination Pagination          `json:"pagination"`
	Metadata   Metadata            `json:"metadata"`
}

// Service is the tiered cache.
type Service struct {
	log    *zap.Logger
	config Config
	db     DB
	shared storage.KeyValueStore
	local  *localCache
}

// NewService creates the tiered cache on top of the shared store and
// the relational view.
func NewService(log *zap.Logger, db DB, shared storage.KeyValueStore, config Config) *Service {
	return &Service{
		log:    log,
		config: config,
		db:     db,
		shared: shared,
		local:  newLocalCache(config.MaxEntries, config.MaxMemory),
	}
}

func (service *Service) requestKey(req Request) string {
	return fmt.Sprintf("page:%s:%d:%d:%s", req.Key, req.Limit, req.Offset, req.UserID)
}

func (service *Service) ttl(mode leaderboard.Mode) time.Duration {
	if mode == leaderboard.ModeRating {
		return service.config.RatingTTL
	}
	return service.config.TTL
}

// Get serves a paginated read: local LRU, then the distributed Top-N
// for offset-0 reads, then the relational view. On a storage failure a
// stale distributed snapshot is returned when one was seen.
func (service *Service) Get(ctx context.Context, req Request) (_ Response, err error) {
	defer mon.Task()(&ctx)(&err)

	if req.Limit <= 0 {
		req.Limit = service.config.TopNSize
	}
	localKey := service.requestKey(req)

	if response, ok := service.local.get(localKey); ok {
		mon.Counter("cache_local_hit").Inc(1)
		response.Metadata.CacheHit = true
		return response, nil
	}

	var stale *leaderboard.Snapshot
	if req.Offset == 0 && req.Limit <= service.config.TopNSize {
		snapshot, err := service.GetTopN(ctx, req.Key)
		if err == nil {
			stale = snapshot
			if time.Now().UnixNano()/int64(time.Millisecond) < snapshot.ExpiresAt {
				mon.Counter("cache_shared_hit").Inc(1)
				response := service.assemble(req, clampEntries(snapshot.Entries, req.Limit), snapshot.Total, snapshot.GeneratedAt, true)
				service.storeLocal(localKey, req, response)
				return response, nil
			}
		}
	}

	entries, total, err := service.db.GetPage(ctx, req.Key, req.Limit, req.Offset)
	if err != nil {
		if stale != nil {
			mon.Counter("cache_stale_served").Inc(1)
			service.log.Warn("serving stale snapshot after storage error", zap.Error(err))
			return service.assemble(req, clampEntries(stale.Entries, req.Limit), stale.Total, stale.GeneratedAt, true), nil
		}
		return Response{}, Error.Wrap(err)
	}

	now := time.Now().UnixNano() / int64(time.Millisecond)
	response := service.assemble(req, entries, total, now, false)
	service.storeLocal(localKey, req, response)

	if req.Offset == 0 {
		snapshot := &leaderboard.Snapshot{
			Mode:        req.Key.Mode,
			Timeframe:   req.Key.Timeframe,
			Language:    req.Key.Language,
			Entries:     entries,
			Total:       total,
			GeneratedAt: now,
			ExpiresAt:   now + service.config.SnapshotTTL.Milliseconds(),
		}
		if err := service.PutTopN(ctx, req.Key, snapshot); err != nil {
			service.log.Debug("top-n write failed", zap.Error(err))
		}
	}
	return response, nil
}

func (service *Service) assemble(req Request, entries []leaderboard.Entry, total int, lastUpdated int64, hit bool) Response {
	response := Response{
		Entries: entries,
		Pagination: Pagination{
			Total:   total,
			Limit:   req.Limit,
			Offset:  req.Offset,
			HasMore: req.Offset+len(entries) < total,
		},
		Metadata: Metadata{
			CacheHit:    hit,
			Timeframe:   req.Key.Timeframe,
			LastUpdated: lastUpdated,
		},
	}
	if response.Pagination.HasMore {
		response.Pagination.NextCursor = encodeCursor(req.Offset + req.Limit)
	}
	if req.Offset > 0 {
		prev := req.Offset - req.Limit
		if prev < 0 {
			prev = 0
		}
		response.Pagination.PrevCursor = encodeCursor(prev)
	}
	response.Metadata.ETag = ETag(response)
	return response
}

func (service *Service) storeLocal(localKey string, req Request, response Response) {
	data, err := json.Marshal(response)
	if err != nil {
		return
	}
	service.local.put(localKey, response, int64(len(data)), service.ttl(req.Key.Mode))
}

// GetTopN reads the distributed Top-N snapshot.
func (service *Service) GetTopN(ctx context.Context, key leaderboard.Key) (_ *leaderboard.Snapshot, err error) {
	defer mon.Task()(&ctx)(&err)

	data, err := service.shared.Get(storage.Key(leaderboard.TopNKey(key)))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	snapshot := &leaderboard.Snapshot{}
	if err := json.Unmarshal(data, snapshot); err != nil {
		return nil, Error.Wrap(err)
	}
	return snapshot, nil
}

// PutTopN writes the distributed Top-N snapshot and its anonymous
// snapshot twin.
func (service *Service) PutTopN(ctx context.Context, key leaderboard.Key, snapshot *leaderboard.Snapshot) (err error) {
	defer mon.Task()(&ctx)(&err)

	data, err := json.Marshal(snapshot)
	if err != nil {
		return Error.Wrap(err)
	}
	return utils.CombineErrors(
		service.shared.Put(storage.Key(leaderboard.TopNKey(key)), data, service.config.SnapshotTTL),
		service.shared.Put(storage.Key(leaderboard.SnapshotKey(key)), data, service.config.SnapshotTTL),
	)
}

// GetAroundMe serves the user-centric window, reading through the
// shared cache to the relational view.
func (service *Service) GetAroundMe(ctx context.Context, userID string, key leaderboard.Key) (_ *leaderboard.AroundMe, err error) {
	defer mon.Task()(&ctx)(&err)

	sharedKey := storage.Key(leaderboard.AroundMeKey(userID, key))
	if data, err := service.shared.Get(sharedKey); err == nil {
		around := &leaderboard.AroundMe{}
		if err := json.Unmarshal(data, around); err == nil {
			mon.Counter("cache_around_hit").Inc(1)
			return around, nil
		}
	}

	return service.WarmAroundMe(ctx, userID, key)
}

// WarmAroundMe recomputes and stores the user-centric window.
func (service *Service) WarmAroundMe(ctx context.Context, userID string, key leaderboard.Key) (_ *leaderboard.AroundMe, err error) {
	defer mon.Task()(&ctx)(&err)

	userRank, entries, err := service.db.AroundUser(ctx, userID, key, service.config.AroundMeRange)
	if err != nil {
		// callers match on the relational not-found
		return nil, err
	}

	now := time.Now().UnixNano() / int64(time.Millisecond)
	around := &leaderboard.AroundMe{
		UserID:    userID,
		UserRank:  userRank,
		Entries:   entries,
		Mode:      key.Mode,
		Timeframe: key.Timeframe,
		Language:  key.Language,
		CachedAt:  now,
		ExpiresAt: now + service.config.AroundMeTTL.Milliseconds(),
	}
	data, err := json.Marshal(around)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if err := service.shared.Put(storage.Key(leaderboard.AroundMeKey(userID, key)), data, service.config.AroundMeTTL); err != nil {
		service.log.Debug("around-me write failed", zap.Error(err))
	}
	return around, nil
}

// InvalidateView drops the cached pages of a (mode, language) across
// all timeframes: pattern-based locally, key-list in the shared store.
func (service *Service) InvalidateView(ctx context.Context, mode leaderboard.Mode, language string) (err error) {
	defer mon.Task()(&ctx)(&err)

	removed := service.local.invalidate(fmt.Sprintf("%s:", mode))
	mon.Counter("cache_local_invalidated").Inc(int64(removed))

	var failures []error
	for _, timeframe := range leaderboard.Timeframes {
		key := leaderboard.Key{Mode: mode, Timeframe: timeframe, Language: language}
		failures = append(failures,
			service.shared.Delete(storage.Key(leaderboard.TopNKey(key))),
			service.shared.Delete(storage.Key(leaderboard.SnapshotKey(key))))
	}
	return utils.CombineErrors(failures...)
}

// InvalidateAroundMe drops a user's around-me views on score
// submission.
func (service *Service) InvalidateAroundMe(ctx context.Context, userID string, mode leaderboard.Mode, language string) (err error) {
	defer mon.Task()(&ctx)(&err)

	var failures []error
	for _, timeframe := range leaderboard.Timeframes {
		key := leaderboard.Key{Mode: mode, Timeframe: timeframe, Language: language}
		failures = append(failures, service.shared.Delete(storage.Key(leaderboard.AroundMeKey(userID, key))))
	}
	return utils.CombineErrors(failures...)
}

// LocalStats reports the local LRU size for health gauges.
func (service *Service) LocalStats() (entries int, bytes int64) {
	return service.local.stats()
}

// ETag computes the stable entity tag of a response body: the first
// 16 hex characters of a fast hash over the serialized entries and
// pagination (metadata excluded so equivalent payloads match).
func ETag(response Response) string {
	hasher := fnv.New64a()
	body := struct {
		Entries    []leaderboard.Entry `json:"entries"`
		Pagination Pagination          `json:"pagination"`
	}{response.Entries, response.Pagination}
	data, _ := json.Marshal(body)
	_, _ = hasher.Write(data)
	return fmt.Sprintf("%016x", hasher.Sum64())
}

func encodeCursor(offset int) string {
	return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("offset:%d", offset)))
}

// DecodeCursor parses an opaque pagination cursor.
func DecodeCursor(cursor string) (offset int, err error) {
	data, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	if _, err := fmt.Sscanf(string(data), "offset:%d", &offset); err != nil {
		return 0, Error.New("malformed cursor")
	}
	return offset, nil
}

func clampEntries(entries []leaderboard.Entry, limit int) []leaderboard.Entry {
	if len(entries) > limit {
		return entries[:limit]
	}
	return entries
}
