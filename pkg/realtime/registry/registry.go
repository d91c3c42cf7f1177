// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

// Package registry tracks websocket connections across the server
// fleet: which server a client is on, which leaderboard view it
// subscribes to, and which user is connected where. The shared state
// carries TTLs so a crashed server's entries age out.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/zeebo/errs"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"keystorm.io/keystorm/pkg/leaderboard"
)

var (
	mon = monkit.Package()
	// Error is the default registry error class.
	Error = errs.Class("registry error")
	// ErrNotFound is returned for unknown client ids.
	ErrNotFound = errs.Class("connection not found")
)

// Config tunes registry entry lifetimes.
type Config struct {
	TTL          time.Duration `help:"lifetime of registry entries without a heartbeat" default:"1h"`
	ActiveWindow time.Duration `help:"window a user counts as active after last contact" default:"5m"`
}

// Connection describes a registered websocket client.
type Connection struct {
	ClientID    string
	UserID      string
	ServerID    string
	ConnectedAt int64
	View        leaderboard.Key
}

// Registry is the shared connection directory.
type Registry interface {
	// Register records a connection. When the user already has another
	// live connection its record is returned so the caller can
	// terminate it; the user mapping is repointed to the new client.
	Register(ctx context.Context, conn Connection) (previous *Connection, err error)
	// Deregister removes a connection and its subscriptions.
	Deregister(ctx context.Context, clientID string) error
	// Lookup returns a connection by client id.
	Lookup(ctx context.Context, clientID string) (*Connection, error)
	// Subscribe moves the client's subscription to the given view.
	Subscribe(ctx context.Context, clientID string, view leaderboard.Key) error
	// Subscribers lists the client ids subscribed to a view, fleet wide.
	Subscribers(ctx context.Context, view leaderboard.Key) ([]string, error)
	// Touch refreshes the connection's TTLs and activity timestamp.
	Touch(ctx context.Context, clientID string) error
	// CleanupServer removes every connection registered to a server,
	// used at startup to clear a previous generation's entries.
	CleanupServer(ctx context.Context, serverID string) error
	// ActiveUsers counts users seen within the active window.
	ActiveUsers(ctx context.Context) (int64, error)
}

func connKey(clientID string) string { return "connection:" + clientID }

func serverKey(serverID string) string { return "server:" + serverID + ":connections" }

func userKey(userID string) string { return "user:connection:" + userID }

func subsKey(view leaderboard.Key) string {
	return fmt.Sprintf("subs:%s:%s:%s", view.Mode, view.Timeframe, view.Language)
}

const activeUsersKey = "active_users"
