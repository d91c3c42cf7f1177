// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

// Package leaderboard contains the domain types shared by the score
// pipeline: events, batches, snapshots, deltas and the channel naming
// scheme used on the pub/sub fabric.
package leaderboard

import (
	"fmt"
	"strings"

	"github.com/zeebo/errs"
)

// Error is the default leaderboard error class.
var Error = errs.Class("leaderboard error")

// Mode is a leaderboard mode.
type Mode string

// leaderboard modes
const (
	ModeGlobal    Mode = "global"
	ModeCode      Mode = "code"
	ModeStress    Mode = "stress"
	ModeDictation Mode = "dictation"
	ModeRating    Mode = "rating"
	ModeBook      Mode = "book"
)

// Modes lists all leaderboard modes.
var Modes = []Mode{ModeGlobal, ModeCode, ModeStress, ModeDictation, ModeRating, ModeBook}

// Valid returns whether the mode is known.
func (mode Mode) Valid() bool {
	for _, known := range Modes {
		if mode == known {
			return true
		}
	}
	return false
}

// Timeframe is a leaderboard aggregation window.
type Timeframe string

// leaderboard timeframes, in refresh priority order
const (
	TimeframeDaily   Timeframe = "daily"
	TimeframeWeekly  Timeframe = "weekly"
	TimeframeMonthly Timeframe = "monthly"
	TimeframeAll     Timeframe = "all"
)

// Timeframes lists all timeframes in refresh priority order.
var Timeframes = []Timeframe{TimeframeDaily, TimeframeWeekly, TimeframeMonthly, TimeframeAll}

// Valid returns whether the timeframe is known.
func (timeframe Timeframe) Valid() bool {
	switch timeframe {
	case TimeframeDaily, TimeframeWeekly, TimeframeMonthly, TimeframeAll:
		return true
	}
	return false
}

// Key identifies a single leaderboard view.
type Key struct {
	Mode      Mode
	Timeframe Timeframe
	Language  string
}

// String implements the Stringer interface.
func (key Key) String() string {
	return fmt.Sprintf("%s:%s:%s", key.Mode, key.Timeframe, key.Language)
}

// ParseKey parses the String form of a Key.
func ParseKey(s string) (Key, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return Key{}, Error.New("malformed key %q", s)
	}
	key := Key{Mode: Mode(parts[0]), Timeframe: Timeframe(parts[1]), Language: parts[2]}
	if !key.Mode.Valid() {
		return Key{}, Error.New("unknown mode %q", parts[0])
	}
	if !key.Timeframe.Valid() {
		return Key{}, Error.New("unknown timeframe %q", parts[1])
	}
	return key, nil
}

// UpdatesChannel is the pub/sub channel carrying deltas from the batch
// processor.
func UpdatesChannel(key Key) string {
	return fmt.Sprintf("leaderboard:updates:%s:%s:%s", key.Mode, key.Timeframe, key.Language)
}

// BroadcastChannel is the cross-server websocket fan-out bridge.
func BroadcastChannel(key Key) string {
	return fmt.Sprintf("leaderboard:broadcast:%s:%s:%s", key.Mode, key.Timeframe, key.Language)
}

// TerminateChannel carries cross-server connection termination
// requests addressed to a specific server.
func TerminateChannel(serverID string) string {
	return fmt.Sprintf("leaderboard:terminate:%s", serverID)
}

// RaceChannel carries lifecycle events for a single race.
func RaceChannel(raceID string) string {
	return fmt.Sprintf("race:%s:events", raceID)
}

// TopNKey is the distributed cache key of the Top-N snapshot.
func TopNKey(key Key) string {
	return fmt.Sprintf("leaderboard:top100:%s:%s:%s", key.Mode, key.Timeframe, key.Language)
}

// SnapshotKey is the distributed cache key of the anonymous snapshot.
func SnapshotKey(key Key) string {
	return fmt.Sprintf("leaderboard:snapshot:%s:%s:%s", key.Mode, key.Timeframe, key.Language)
}

// AroundMeKey is the distributed cache key of a user's around-me view.
func AroundMeKey(userID string, key Key) string {
	return fmt.Sprintf("leaderboard:around:%s:%s:%s:%s", userID, key.Mode, key.Timeframe, key.Language)
}

// VersionKey is the distributed counter producing strictly increasing
// delta versions per view.
func VersionKey(key Key) string {
	return fmt.Sprintf("leaderboard:version:%s:%s:%s", key.Mode, key.Timeframe, key.Language)
}
