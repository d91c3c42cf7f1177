// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

package leaderboard

import (
	"github.com/zeebo/errs"
)

// ErrInvalidEvent is returned by Publish for events failing schema
// validation (INGEST_INVALID).
var ErrInvalidEvent = errs.Class("invalid score event")

// ScoreEvent is a single submitted typing result. Events are immutable
// once appended to the stream.
type ScoreEvent struct {
	EventID      string  `json:"eventId"`
	UserID       string  `json:"userId"`
	Username     string  `json:"username"`
	WPM          float64 `json:"wpm"`
	Accuracy     float64 `json:"accuracy"`
	Duration     int     `json:"duration"` // seconds
	Language     string  `json:"language"`
	Mode         Mode    `json:"mode"`
	Timestamp    int64   `json:"timestamp"` // ms since epoch
	TestResultID string  `json:"testResultId,omitempty"`
	IsVerified   bool    `json:"isVerified,omitempty"`
	AvatarColor  string  `json:"avatarColor,omitempty"`
}

// Validate checks the required event fields.
func (event ScoreEvent) Validate() error {
	switch {
	case event.UserID == "":
		return ErrInvalidEvent.New("missing userId")
	case event.Username == "":
		return ErrInvalidEvent.New("missing username")
	case event.Language == "":
		return ErrInvalidEvent.New("missing language")
	case !event.Mode.Valid():
		return ErrInvalidEvent.New("unknown leaderboard mode %q", event.Mode)
	case event.WPM <= 0:
		return ErrInvalidEvent.New("wpm must be positive, got %v", event.WPM)
	case event.Accuracy < 0 || event.Accuracy > 100:
		return ErrInvalidEvent.New("accuracy must be within [0,100], got %v", event.Accuracy)
	}
	return nil
}

// Batch is a deduplicated window of score events. For every user only
// the best-wpm event of the window is retained.
type Batch struct {
	BatchID            string       `json:"batchId"`
	Events             []ScoreEvent `json:"events"`
	StartTime          int64        `json:"startTime"`
	EndTime            int64        `json:"endTime"`
	AffectedLanguages  []string     `json:"affectedLanguages"`
	AffectedTimeframes []Timeframe  `json:"affectedTimeframes"`
}

// Dedup keeps, for each user, only the highest-wpm event; wpm ties are
// broken by the later timestamp.
func Dedup(events []ScoreEvent) []ScoreEvent {
	best := make(map[string]ScoreEvent, len(events))
	order := make([]string, 0, len(events))
	for _, event := range events {
		prev, ok := best[event.UserID]
		if !ok {
			best[event.UserID] = event
			order = append(order, event.UserID)
			continue
		}
		if event.WPM > prev.WPM || (event.WPM == prev.WPM && event.Timestamp > prev.Timestamp) {
			best[event.UserID] = event
		}
	}

	deduped := make([]ScoreEvent, 0, len(best))
	for _, userID := range order {
		deduped = append(deduped, best[userID])
	}
	return deduped
}

// GroupByView groups events by (language, mode).
func GroupByView(events []ScoreEvent) map[Key][]ScoreEvent {
	groups := make(map[Key][]ScoreEvent)
	for _, event := range events {
		key := Key{Mode: event.Mode, Language: event.Language}
		groups[key] = append(groups[key], event)
	}
	return groups
}

// Languages returns the distinct languages of the events.
func Languages(events []ScoreEvent) []string {
	seen := make(map[string]bool)
	var languages []string
	for _, event := range events {
		if !seen[event.Language] {
			seen[event.Language] = true
			languages = append(languages, event.Language)
		}
	}
	return languages
}
