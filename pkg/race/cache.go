// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

package race

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"keystorm.io/keystorm/storage"
	"keystorm.io/keystorm/storage/redis"
)

// Cache is the shared hot-state store for live races. Race writes are
// versioned compare-and-set so concurrent coordinators cannot clobber
// each other.
type Cache interface {
	// PutRace stores a race when its version is exactly one above the
	// stored version (or the race is new). A lost update returns
	// ErrVersionConflict.
	PutRace(ctx context.Context, race *Race, ttl time.Duration) error
	// GetRace returns a cached race.
	GetRace(ctx context.Context, raceID string) (*Race, error)
	// DeleteRace drops a race and its side keys.
	DeleteRace(ctx context.Context, race *Race) error
	// AddWaiting marks a public race as open for quick match.
	AddWaiting(ctx context.Context, raceID string) error
	// RemoveWaiting removes a race from the quick-match pool.
	RemoveWaiting(ctx context.Context, raceID string) error
	// Waiting lists public races open for quick match.
	Waiting(ctx context.Context) ([]string, error)
	// MarkKicked records that a user was kicked from a race.
	MarkKicked(ctx context.Context, raceID, userID string) error
	// IsKicked reports whether a user was kicked from a race.
	IsKicked(ctx context.Context, raceID, userID string) (bool, error)
}

// ErrVersionConflict is returned by PutRace on a lost update.
var ErrVersionConflict = Error.New("race version conflict")

func raceKey(raceID string) string { return "race:" + raceID }

func codeKey(code string) string { return "race:code:" + code }

func kickedKey(raceID string) string { return "race:" + raceID + ":kicked" }

const waitingKey = "race:waiting"

// putRaceScript stores the race JSON only when the submitted version
// is exactly one above the stored one.
const putRaceScript = `
local current = redis.call('GET', KEYS[1])
if current then
	local stored = cjson.decode(current)
	if tonumber(ARGV[2]) ~= stored.version + 1 then
		return 0
	end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return 1
`

// RedisCache implements Cache on the shared redis store.
type RedisCache struct {
	db *redis.Client
}

// NewRedisCache creates a redis-backed race cache.
func NewRedisCache(db *redis.Client) *RedisCache {
	return &RedisCache{db: db}
}

// PutRace implements Cache.
func (cache *RedisCache) PutRace(ctx context.Context, race *Race, ttl time.Duration) (err error) {
	defer mon.Task()(&ctx)(&err)

	data, err := json.Marshal(race)
	if err != nil {
		return Error.Wrap(err)
	}
	result, err := cache.db.Eval(putRaceScript,
		[]string{raceKey(race.RaceID)},
		string(data), race.Version, ttl.Milliseconds())
	if err != nil {
		return Error.Wrap(err)
	}
	if applied, ok := result.(int64); ok && applied == 0 {
		mon.Counter("race_version_conflicts").Inc(1)
		return ErrVersionConflict
	}
	if race.RoomCode != "" {
		return Error.Wrap(cache.db.Put(storage.Key(codeKey(race.RoomCode)), storage.Value(race.RaceID), ttl))
	}
	return nil
}

// GetRace implements Cache.
func (cache *RedisCache) GetRace(ctx context.Context, raceID string) (_ *Race, err error) {
	defer mon.Task()(&ctx)(&err)

	data, err := cache.db.Get(storage.Key(raceKey(raceID)))
	if err != nil {
		return nil, ErrRoomNotFound.New("race %q", raceID)
	}
	race := &Race{}
	if err := json.Unmarshal(data, race); err != nil {
		return nil, Error.Wrap(err)
	}
	return race, nil
}

// DeleteRace implements Cache.
func (cache *RedisCache) DeleteRace(ctx context.Context, race *Race) (err error) {
	defer mon.Task()(&ctx)(&err)

	keys := []storage.Key{
		storage.Key(raceKey(race.RaceID)),
		storage.Key(kickedKey(race.RaceID)),
	}
	if race.RoomCode != "" {
		keys = append(keys, storage.Key(codeKey(race.RoomCode)))
	}
	_ = cache.db.SetRemove(waitingKey, race.RaceID)
	return Error.Wrap(cache.db.DeleteAll(keys...))
}

// AddWaiting implements Cache.
func (cache *RedisCache) AddWaiting(ctx context.Context, raceID string) error {
	return Error.Wrap(cache.db.SetAdd(waitingKey, raceID))
}

// RemoveWaiting implements Cache.
func (cache *RedisCache) RemoveWaiting(ctx context.Context, raceID string) error {
	return Error.Wrap(cache.db.SetRemove(waitingKey, raceID))
}

// Waiting implements Cache.
func (cache *RedisCache) Waiting(ctx context.Context) ([]string, error) {
	races, err := cache.db.SetMembers(waitingKey)
	return races, Error.Wrap(err)
}

// MarkKicked implements Cache.
func (cache *RedisCache) MarkKicked(ctx context.Context, raceID, userID string) error {
	return Error.Wrap(cache.db.SetAdd(storage.Key(kickedKey(raceID)), userID))
}

// IsKicked implements Cache.
func (cache *RedisCache) IsKicked(ctx context.Context, raceID, userID string) (bool, error) {
	members, err := cache.db.SetMembers(storage.Key(kickedKey(raceID)))
	if err != nil {
		return false, Error.Wrap(err)
	}
	for _, member := range members {
		if member == userID {
			return true, nil
		}
	}
	return false, nil
}

// MemoryCache implements Cache in-process for fallback mode and tests.
type MemoryCache struct {
	mu      sync.Mutex
	races   map[string]*Race
	waiting map[string]bool
	kicked  map[string]map[string]bool
}

// NewMemoryCache creates an in-process race cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		races:   make(map[string]*Race),
		waiting: make(map[string]bool),
		kicked:  make(map[string]map[string]bool),
	}
}

// PutRace implements Cache.
func (cache *MemoryCache) PutRace(ctx context.Context, race *Race, ttl time.Duration) error {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	if stored, ok := cache.races[race.RaceID]; ok && race.Version != stored.Version+1 {
		return ErrVersionConflict
	}
	copied := *race
	cache.races[race.RaceID] = &copied
	return nil
}

// GetRace implements Cache.
func (cache *MemoryCache) GetRace(ctx context.Context, raceID string) (*Race, error) {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	race, ok := cache.races[raceID]
	if !ok {
		return nil, ErrRoomNotFound.New("race %q", raceID)
	}
	copied := *race
	return &copied, nil
}

// DeleteRace implements Cache.
func (cache *MemoryCache) DeleteRace(ctx context.Context, race *Race) error {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	delete(cache.races, race.RaceID)
	delete(cache.waiting, race.RaceID)
	delete(cache.kicked, race.RaceID)
	return nil
}

// AddWaiting implements Cache.
func (cache *MemoryCache) AddWaiting(ctx context.Context, raceID string) error {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	cache.waiting[raceID] = true
	return nil
}

// RemoveWaiting implements Cache.
func (cache *MemoryCache) RemoveWaiting(ctx context.Context, raceID string) error {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	delete(cache.waiting, raceID)
	return nil
}

// Waiting implements Cache.
func (cache *MemoryCache) Waiting(ctx context.Context) ([]string, error) {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	var races []string
	for raceID := range cache.waiting {
		races = append(races, raceID)
	}
	return races, nil
}

// MarkKicked implements Cache.
func (cache *MemoryCache) MarkKicked(ctx context.Context, raceID, userID string) error {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	if cache.kicked[raceID] == nil {
		cache.kicked[raceID] = make(map[string]bool)
	}
	cache.kicked[raceID][userID] = true
	return nil
}

// IsKicked implements Cache.
func (cache *MemoryCache) IsKicked(ctx context.Context, raceID, userID string) (bool, error) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	return cache.kicked[raceID][userID], nil
}
