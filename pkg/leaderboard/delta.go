// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

package leaderboard

import (
	"sort"
)

// Entry is a single ranked leaderboard row. Ranks are 1-based.
type Entry struct {
	UserID      string  `json:"userId"`
	Username    string  `json:"username"`
	WPM         float64 `json:"wpm"`
	Accuracy    float64 `json:"accuracy"`
	Rank        int     `json:"rank"`
	Timestamp   int64   `json:"timestamp,omitempty"`
	AvatarColor string  `json:"avatarColor,omitempty"`
	IsVerified  bool    `json:"isVerified,omitempty"`
}

// Snapshot is a full Top-N view of a leaderboard.
type Snapshot struct {
	Version     int64     `json:"version"`
	Mode        Mode      `json:"mode"`
	Timeframe   Timeframe `json:"timeframe"`
	Language    string    `json:"language"`
	Entries     []Entry   `json:"entries"`
	Total       int       `json:"total"`
	GeneratedAt int64     `json:"generatedAt"`
	ExpiresAt   int64     `json:"expiresAt"`
}

// ChangeType classifies a rank movement within a delta.
type ChangeType string

// delta change types
const (
	ChangeNew       ChangeType = "new"
	ChangeImproved  ChangeType = "improved"
	ChangeDropped   ChangeType = "dropped"
	ChangeUnchanged ChangeType = "unchanged"
)

// Change is a single rank movement. OldRank is nil for entries that
// were not in the previous Top-N.
type Change struct {
	UserID     string     `json:"userId"`
	Username   string     `json:"username"`
	WPM        float64    `json:"wpm"`
	Accuracy   float64    `json:"accuracy"`
	OldRank    *int       `json:"oldRank"`
	NewRank    int        `json:"newRank"`
	ChangeType ChangeType `json:"changeType"`
}

// Delta is the incremental rank-change payload published instead of a
// full Top-N. Version is strictly increasing per (mode, timeframe,
// language); subscribers must drop out-of-order versions.
type Delta struct {
	Version   int64     `json:"version"`
	Mode      Mode      `json:"mode"`
	Timeframe Timeframe `json:"timeframe"`
	Language  string    `json:"language"`
	Changes   []Change  `json:"changes"`
	Removed   []string  `json:"removed"`
	TopN      int       `json:"topN"`
	BatchID   string    `json:"batchId"`
}

// AroundMe is the cached user-centric window of a leaderboard.
type AroundMe struct {
	UserID    string    `json:"userId"`
	UserRank  int       `json:"userRank"`
	Entries   []Entry   `json:"entries"`
	Mode      Mode      `json:"mode"`
	Timeframe Timeframe `json:"timeframe"`
	Language  string    `json:"language"`
	CachedAt  int64     `json:"cachedAt"`
	ExpiresAt int64     `json:"expiresAt"`
}

// Rank orders entries by wpm desc, accuracy desc, earliest timestamp,
// and assigns 1-based ranks in place.
func Rank(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.WPM != b.WPM {
			return a.WPM > b.WPM
		}
		if a.Accuracy != b.Accuracy {
			return a.Accuracy > b.Accuracy
		}
		return a.Timestamp < b.Timestamp
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}
}

// Diff computes the changes between the previous and current Top-N.
// Users present in batchUsers are always included; unchanged users are
// included only when they appear in the batch. Removed lists users of
// the previous Top-N absent from the current one.
func Diff(previous, current []Entry, batchUsers map[string]bool) (changes []Change, removed []string) {
	prevRank := make(map[string]int, len(previous))
	for _, entry := range previous {
		prevRank[entry.UserID] = entry.Rank
	}

	seen := make(map[string]bool, len(current))
	for _, entry := range current {
		seen[entry.UserID] = true

		old, existed := prevRank[entry.UserID]
		change := Change{
			UserID:   entry.UserID,
			Username: entry.Username,
			WPM:      entry.WPM,
			Accuracy: entry.Accuracy,
			NewRank:  entry.Rank,
		}
		switch {
		case !existed:
			if !batchUsers[entry.UserID] {
				continue
			}
			change.ChangeType = ChangeNew
		case entry.Rank < old:
			oldCopy := old
			change.OldRank = &oldCopy
			change.ChangeType = ChangeImproved
		case entry.Rank > old:
			oldCopy := old
			change.OldRank = &oldCopy
			change.ChangeType = ChangeDropped
		default:
			if !batchUsers[entry.UserID] {
				continue
			}
			oldCopy := old
			change.OldRank = &oldCopy
			change.ChangeType = ChangeUnchanged
		}
		changes = append(changes, change)
	}

	for _, entry := range previous {
		if !seen[entry.UserID] {
			removed = append(removed, entry.UserID)
		}
	}
	return changes, removed
}
