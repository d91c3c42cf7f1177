// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

// Package keystorm wires the realtime leaderboard services into a
// single runnable peer: relational storage, the shared redis fabric
// with in-process fallbacks, the score pipeline and the websocket
// fleet member.
package keystorm

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"keystorm.io/keystorm/internal/keyid"
	"keystorm.io/keystorm/pkg/anticheat"
	"keystorm.io/keystorm/pkg/health"
	"keystorm.io/keystorm/pkg/jobqueue"
	"keystorm.io/keystorm/pkg/leaderboard/cache"
	"keystorm.io/keystorm/pkg/process"
	"keystorm.io/keystorm/pkg/processor"
	"keystorm.io/keystorm/pkg/pubsub"
	"keystorm.io/keystorm/pkg/race"
	"keystorm.io/keystorm/pkg/ratelimit"
	"keystorm.io/keystorm/pkg/realtime"
	"keystorm.io/keystorm/pkg/realtime/registry"
	"keystorm.io/keystorm/pkg/refresher"
	"keystorm.io/keystorm/pkg/scoredb"
	"keystorm.io/keystorm/pkg/stream"
	"keystorm.io/keystorm/pkg/utils"
	"keystorm.io/keystorm/storage"
	"keystorm.io/keystorm/storage/boltdb"
	"keystorm.io/keystorm/storage/redis"
)

var (
	mon = monkit.Package()
	// Error is the default peer error class.
	Error = errs.Class("keystorm error")
)

// Config is the peer configuration.
type Config struct {
	Address       string `help:"address for the http and websocket endpoints" default:":8080"`
	DataDir       string `help:"directory for local databases" default:"data"`
	Database      string `help:"sqlite database path, relative to data-dir when not absolute" default:"keystorm.db"`
	RedisAddress  string `help:"address of the shared redis, empty runs standalone" default:"localhost:6379"`
	RedisPassword string `help:"redis password"`
	RedisDB       int    `help:"redis database number" default:"0"`

	Log       process.LogConfig
	Stream    stream.Config
	Processor processor.Config
	Refresher refresher.Config
	Cache     cache.Config
	Registry  registry.Config
	Realtime  realtime.Config
	Race      race.Config
	Jobs      jobqueue.Config
	Health    health.Thresholds
	Retry     ratelimit.Backoff
}

// Peer owns every service of one keystorm instance.
type Peer struct {
	Log      *zap.Logger
	ServerID string
	Config   Config

	DB     *scoredb.DB
	Redis  *redis.Client
	Shared storage.KeyValueStore
	Fabric pubsub.PubSub

	Stream      stream.Stream
	Processor   *processor.Service
	Refresher   *refresher.Service
	Cache       *cache.Service
	Registry    registry.Registry
	Realtime    *realtime.Server
	Coordinator *race.Coordinator
	RaceCache   race.Cache
	Jobs        *jobqueue.Service
	Anticheat   *anticheat.Validator
	Health      *health.Service

	HTTP *http.Server

	standalone bool
}

// New creates a fully wired peer. When redis is unreachable the peer
// degrades to standalone mode: in-process pub/sub, an in-memory
// stream, bolt-backed shared state and a bolt-backed job queue.
func New(log *zap.Logger, config Config) (peer *Peer, err error) {
	peer = &Peer{
		Log:      log,
		ServerID: keyid.New("srv"),
		Config:   config,
	}

	if err := os.MkdirAll(config.DataDir, 0700); err != nil {
		return nil, Error.Wrap(err)
	}

	dbPath := config.Database
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(config.DataDir, dbPath)
	}
	peer.DB, err = scoredb.Open(log.Named("scoredb"), "sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	if config.RedisAddress != "" {
		peer.Redis, err = redis.NewClient(config.RedisAddress, config.RedisPassword, config.RedisDB)
		if err != nil {
			log.Warn("redis unreachable, degrading to standalone mode", zap.Error(err))
			peer.Redis = nil
		}
	}
	peer.standalone = peer.Redis == nil

	if err := peer.setupFabric(); err != nil {
		return nil, utils.CombineErrors(err, peer.DB.Close())
	}
	peer.setupServices(log)
	peer.setupHTTP()
	return peer, nil
}

func (peer *Peer) setupFabric() (err error) {
	config := peer.Config

	if peer.standalone {
		peer.Fabric = pubsub.NewMemory()
		peer.Shared, err = boltdb.New(filepath.Join(config.DataDir, "shared.db"), "shared")
		if err != nil {
			return Error.Wrap(err)
		}
		return nil
	}

	peer.Fabric, err = pubsub.NewRedis(config.RedisAddress, config.RedisPassword, config.RedisDB)
	if err != nil {
		return Error.Wrap(err)
	}
	peer.Shared = peer.Redis
	return nil
}

func (peer *Peer) setupServices(log *zap.Logger) {
	config := peer.Config

	peer.Health = health.NewService(config.Health)
	peer.Refresher = refresher.NewService(log.Named("refresher"), peer.DB, config.Refresher)
	peer.Cache = cache.NewService(log.Named("cache"), peer.DB, peer.Shared, config.Cache)
	peer.Anticheat = anticheat.NewValidator(log.Named("anticheat"), peer.DB)

	var versions processor.Versions
	if peer.standalone {
		versions = processor.NewLocalVersions()
	} else {
		versions = processor.NewRedisVersions(peer.Redis)
	}
	peer.Processor = processor.NewService(log.Named("processor"),
		peer.DB, peer.Cache, peer.Refresher, versions, peer.Fabric, peer.Health, config.Processor)

	streamConfig := config.Stream
	streamConfig.Retry = config.Retry
	if peer.standalone {
		peer.Stream = stream.NewMemory(log.Named("stream"), streamConfig)
	} else {
		redisStream, err := stream.NewRedis(log.Named("stream"), peer.Redis.DB(), peer.ServerID, streamConfig)
		if err != nil {
			log.Warn("redis stream unavailable, using in-memory stream", zap.Error(err))
			peer.Stream = stream.NewMemory(log.Named("stream"), streamConfig)
		} else {
			peer.Stream = redisStream
		}
	}
	peer.Stream.OnBatch(peer.Processor.Process)

	if peer.standalone {
		peer.Registry = registry.NewMemory(config.Registry)
	} else {
		peer.Registry = registry.NewRedis(log.Named("registry"), peer.Redis, config.Registry)
	}
	peer.Realtime = realtime.NewServer(log.Named("realtime"),
		peer.ServerID, peer.Registry, peer.Cache, peer.Fabric, config.Realtime)

	var jobBackend jobqueue.Backend
	if peer.standalone {
		backend, err := jobqueue.NewBoltBackend(filepath.Join(config.DataDir, "jobs.db"))
		if err != nil {
			log.Warn("bolt job queue unavailable, jobs run synchronously", zap.Error(err))
		} else {
			jobBackend = backend
		}
	} else {
		jobBackend = jobqueue.NewRedisBackend(peer.Redis)
	}
	peer.Jobs = jobqueue.NewService(log.Named("jobqueue"), jobBackend, peer.DB, config.Jobs)

	if peer.standalone {
		peer.RaceCache = race.NewMemoryCache()
	} else {
		peer.RaceCache = race.NewRedisCache(peer.Redis)
	}
	peer.Coordinator = race.NewCoordinator(log.Named("race"),
		peer.ServerID, peer.DB, peer.RaceCache, peer.Fabric, peer.Jobs, config.Race)

	peer.Jobs.Handle(jobqueue.TypeRaceCompletion, peer.raceCompletionJob)
	peer.Jobs.Handle(jobqueue.TypeLeaderboardUpdate, peer.leaderboardUpdateJob)
	peer.Jobs.Handle(jobqueue.TypeAchievementCheck, peer.achievementCheckJob)
}

// Run starts all services and blocks until ctx is canceled or a
// service fails.
func (peer *Peer) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error { return ignoreCancel(peer.Stream.Run(ctx)) })
	group.Go(func() error { return ignoreCancel(peer.Refresher.Run(ctx)) })
	group.Go(func() error { return ignoreCancel(peer.Realtime.Run(ctx)) })
	group.Go(func() error { return ignoreCancel(peer.Coordinator.Run(ctx)) })
	group.Go(func() error { return ignoreCancel(peer.Jobs.Run(ctx)) })
	group.Go(func() error {
		err := peer.HTTP.ListenAndServe()
		if err == http.ErrServerClosed {
			return nil
		}
		return Error.Wrap(err)
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return Error.Wrap(peer.HTTP.Shutdown(shutdownCtx))
	})

	peer.Log.Info("peer started",
		zap.String("serverID", peer.ServerID),
		zap.String("address", peer.Config.Address),
		zap.Bool("standalone", peer.standalone))
	return group.Wait()
}

func ignoreCancel(err error) error {
	if err == context.Canceled {
		return nil
	}
	return err
}

// Close shuts the services down in reverse dependency order.
func (peer *Peer) Close() error {
	var failures []error

	if peer.Realtime != nil {
		failures = append(failures, peer.Realtime.Close())
	}
	if peer.Coordinator != nil {
		failures = append(failures, peer.Coordinator.Close())
	}
	if peer.Jobs != nil {
		failures = append(failures, peer.Jobs.Close())
	}
	if peer.Stream != nil {
		failures = append(failures, peer.Stream.Close())
	}
	if peer.Refresher != nil {
		failures = append(failures, peer.Refresher.Close())
	}
	if peer.Fabric != nil {
		failures = append(failures, peer.Fabric.Close())
	}
	if peer.Shared != nil && peer.standalone {
		failures = append(failures, peer.Shared.Close())
	}
	if peer.Redis != nil {
		failures = append(failures, peer.Redis.Close())
	}
	if peer.DB != nil {
		failures = append(failures, peer.DB.Close())
	}
	return Error.Wrap(utils.CombineErrors(failures...))
}
