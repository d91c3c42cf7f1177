// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

package registry

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"keystorm.io/keystorm/pkg/leaderboard"
	"keystorm.io/keystorm/pkg/utils"
	"keystorm.io/keystorm/storage"
	"keystorm.io/keystorm/storage/redis"
)

// Redis implements Registry on the shared redis store.
type Redis struct {
	log    *zap.Logger
	db     *redis.Client
	config Config
}

// NewRedis creates a redis-backed registry.
func NewRedis(log *zap.Logger, db *redis.Client, config Config) *Redis {
	return &Redis{log: log, db: db, config: config}
}

// Register implements Registry.
func (registry *Redis) Register(ctx context.Context, conn Connection) (previous *Connection, err error) {
	defer mon.Task()(&ctx)(&err)

	if conn.UserID != "" {
		if data, err := registry.db.Get(storage.Key(userKey(conn.UserID))); err == nil {
			oldClientID := string(data)
			if oldClientID != "" && oldClientID != conn.ClientID {
				if old, err := registry.Lookup(ctx, oldClientID); err == nil {
					previous = old
				}
			}
		}
		err = registry.db.Put(storage.Key(userKey(conn.UserID)), storage.Value(conn.ClientID), registry.config.TTL)
		if err != nil {
			return nil, Error.Wrap(err)
		}
	}

	err = registry.db.HashSet(storage.Key(connKey(conn.ClientID)), map[string]interface{}{
		"serverId":    conn.ServerID,
		"userId":      conn.UserID,
		"connectedAt": conn.ConnectedAt,
		"mode":        string(conn.View.Mode),
		"timeframe":   string(conn.View.Timeframe),
		"language":    conn.View.Language,
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	err = utils.CombineErrors(
		registry.db.Expire(storage.Key(connKey(conn.ClientID)), registry.config.TTL),
		registry.db.SetAdd(storage.Key(serverKey(conn.ServerID)), conn.ClientID),
		registry.db.Expire(storage.Key(serverKey(conn.ServerID)), registry.config.TTL),
	)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if conn.UserID != "" {
		if err := registry.db.SortedAdd(activeUsersKey, conn.UserID, float64(time.Now().Unix())); err != nil {
			return nil, Error.Wrap(err)
		}
	}
	mon.Counter("registry_registered").Inc(1)
	return previous, nil
}

// Deregister implements Registry.
func (registry *Redis) Deregister(ctx context.Context, clientID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	conn, err := registry.Lookup(ctx, clientID)
	if ErrNotFound.Has(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var failures []error
	failures = append(failures,
		registry.db.SetRemove(storage.Key(serverKey(conn.ServerID)), clientID),
		registry.db.Delete(storage.Key(connKey(clientID))))
	if conn.View != (leaderboard.Key{}) {
		failures = append(failures,
			registry.db.SetRemove(storage.Key(subsKey(conn.View)), clientID))
	}
	if conn.UserID != "" {
		// only clear the user mapping if it still points at this client
		if data, err := registry.db.Get(storage.Key(userKey(conn.UserID))); err == nil && string(data) == clientID {
			failures = append(failures, registry.db.Delete(storage.Key(userKey(conn.UserID))))
		}
	}
	mon.Counter("registry_deregistered").Inc(1)
	return Error.Wrap(utils.CombineErrors(failures...))
}

// Lookup implements Registry.
func (registry *Redis) Lookup(ctx context.Context, clientID string) (_ *Connection, err error) {
	defer mon.Task()(&ctx)(&err)

	fields, err := registry.db.HashGetAll(storage.Key(connKey(clientID)))
	if storage.ErrKeyNotFound.Has(err) {
		return nil, ErrNotFound.New("client %q", clientID)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}

	connectedAt, _ := strconv.ParseInt(fields["connectedAt"], 10, 64)
	return &Connection{
		ClientID:    clientID,
		UserID:      fields["userId"],
		ServerID:    fields["serverId"],
		ConnectedAt: connectedAt,
		View: leaderboard.Key{
			Mode:      leaderboard.Mode(fields["mode"]),
			Timeframe: leaderboard.Timeframe(fields["timeframe"]),
			Language:  fields["language"],
		},
	}, nil
}

// Subscribe implements Registry.
func (registry *Redis) Subscribe(ctx context.Context, clientID string, view leaderboard.Key) (err error) {
	defer mon.Task()(&ctx)(&err)

	conn, err := registry.Lookup(ctx, clientID)
	if err != nil {
		return err
	}
	if conn.View != (leaderboard.Key{}) && conn.View != view {
		if err := registry.db.SetRemove(storage.Key(subsKey(conn.View)), clientID); err != nil {
			return Error.Wrap(err)
		}
	}

	return Error.Wrap(utils.CombineErrors(
		registry.db.SetAdd(storage.Key(subsKey(view)), clientID),
		registry.db.HashSet(storage.Key(connKey(clientID)), map[string]interface{}{
			"mode":      string(view.Mode),
			"timeframe": string(view.Timeframe),
			"language":  view.Language,
		}),
	))
}

// Subscribers implements Registry.
func (registry *Redis) Subscribers(ctx context.Context, view leaderboard.Key) (_ []string, err error) {
	defer mon.Task()(&ctx)(&err)

	members, err := registry.db.SetMembers(storage.Key(subsKey(view)))
	return members, Error.Wrap(err)
}

// Touch implements Registry.
func (registry *Redis) Touch(ctx context.Context, clientID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	conn, err := registry.Lookup(ctx, clientID)
	if err != nil {
		return err
	}

	var failures []error
	failures = append(failures,
		registry.db.Expire(storage.Key(connKey(clientID)), registry.config.TTL),
		registry.db.Expire(storage.Key(serverKey(conn.ServerID)), registry.config.TTL))
	if conn.UserID != "" {
		failures = append(failures,
			registry.db.Put(storage.Key(userKey(conn.UserID)), storage.Value(clientID), registry.config.TTL),
			registry.db.SortedAdd(activeUsersKey, conn.UserID, float64(time.Now().Unix())))
	}
	return Error.Wrap(utils.CombineErrors(failures...))
}

// CleanupServer implements Registry.
func (registry *Redis) CleanupServer(ctx context.Context, serverID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	clients, err := registry.db.SetMembers(storage.Key(serverKey(serverID)))
	if err != nil {
		return Error.Wrap(err)
	}
	var failures []error
	for _, clientID := range clients {
		failures = append(failures, registry.Deregister(ctx, clientID))
	}
	failures = append(failures, registry.db.Delete(storage.Key(serverKey(serverID))))
	if len(clients) > 0 {
		registry.log.Info("cleaned up stale connections",
			zap.String("serverID", serverID), zap.Int("count", len(clients)))
	}
	return Error.Wrap(utils.CombineErrors(failures...))
}

// ActiveUsers implements Registry.
func (registry *Redis) ActiveUsers(ctx context.Context) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	cutoff := float64(time.Now().Add(-registry.config.ActiveWindow).Unix())
	if err := registry.db.SortedTrimBefore(activeUsersKey, cutoff); err != nil {
		return 0, Error.Wrap(err)
	}
	count, err := registry.db.SortedCard(activeUsersKey)
	return count, Error.Wrap(err)
}
