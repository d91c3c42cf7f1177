// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

// Package realtime implements the distributed websocket service. Each
// server keeps a local subscription index and bridges per-view pub/sub
// channels so deltas published by any processor reach every subscribed
// client in the fleet.
package realtime

import (
	"encoding/json"
	"time"

	"github.com/zeebo/errs"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"keystorm.io/keystorm/internal/memory"
	"keystorm.io/keystorm/pkg/leaderboard"
	"keystorm.io/keystorm/pkg/ratelimit"
	"keystorm.io/keystorm/pkg/realtime/msgqueue"
)

var (
	mon = monkit.Package()
	// Error is the default realtime error class.
	Error = errs.Class("realtime error")
)

// Config tunes the websocket service.
type Config struct {
	MaxMessageSize    memory.Size   `help:"read limit per websocket frame" default:"65536"`
	HeartbeatInterval time.Duration `help:"interval between server pings" default:"30s"`
	HeartbeatTimeout  time.Duration `help:"missed-heartbeat window before disconnect" default:"90s"`
	WriteTimeout      time.Duration `help:"deadline for a single frame write" default:"10s"`

	TierActiveInterval   time.Duration `help:"minimum delivery interval for active tier updates" default:"2s"`
	TierPassiveInterval  time.Duration `help:"minimum delivery interval for passive tier updates" default:"10s"`
	TierObserverInterval time.Duration `help:"minimum delivery interval for observer tier updates" default:"30s"`

	Queue msgqueue.Config
	IP    ratelimit.IPConfig
}

// client tiers ordered by update urgency. Anonymous connections start
// as observers, authenticated ones as passive; a score submission
// upgrades the user to active.
const (
	TierActive   = "active"
	TierPassive  = "passive"
	TierObserver = "observer"
)

// clientMessage is an inbound websocket frame.
type clientMessage struct {
	Type      string                `json:"type"`
	Mode      leaderboard.Mode      `json:"mode,omitempty"`
	Timeframe leaderboard.Timeframe `json:"timeframe,omitempty"`
	Language  string                `json:"language,omitempty"`
}

// serverMessage is an outbound websocket frame.
type serverMessage struct {
	Type       string                `json:"type"`
	ClientID   string                `json:"clientId,omitempty"`
	ServerID   string                `json:"serverId,omitempty"`
	Tier       string                `json:"tier,omitempty"`
	UpdateType string                `json:"updateType,omitempty"`
	Mode       leaderboard.Mode      `json:"mode,omitempty"`
	Timeframe  leaderboard.Timeframe `json:"timeframe,omitempty"`
	Language   string                `json:"language,omitempty"`
	Message    string                `json:"message,omitempty"`
	Data       json.RawMessage       `json:"data,omitempty"`
	Timestamp  int64                 `json:"timestamp,omitempty"`
}

func encodeMessage(message serverMessage) []byte {
	data, _ := json.Marshal(message)
	return data
}

func nowMillis() int64 {
	return time.Now().UnixNano() / int64(time.Millisecond)
}

// broadcastEnvelope wraps a payload on the cross-server bridge so the
// originating server can suppress its own echo.
type broadcastEnvelope struct {
	ServerID string          `json:"serverId"`
	Payload  json.RawMessage `json:"payload"`
}

// terminateRequest is the cross-server connection termination payload.
type terminateRequest struct {
	ClientID string `json:"clientId"`
	Reason   string `json:"reason"`
}
