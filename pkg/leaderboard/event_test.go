// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

package leaderboard_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keystorm.io/keystorm/pkg/leaderboard"
)

func validEvent() leaderboard.ScoreEvent {
	return leaderboard.ScoreEvent{
		EventID:   "evt_1",
		UserID:    "user-1",
		Username:  "speedy",
		WPM:       95,
		Accuracy:  97.5,
		Duration:  60,
		Language:  "en",
		Mode:      leaderboard.ModeGlobal,
		Timestamp: 1700000000000,
	}
}

func TestScoreEventValidate(t *testing.T) {
	require.NoError(t, validEvent().Validate())

	event := validEvent()
	event.UserID = ""
	assert.True(t, leaderboard.ErrInvalidEvent.Has(event.Validate()))

	event = validEvent()
	event.Mode = "speedrun"
	assert.True(t, leaderboard.ErrInvalidEvent.Has(event.Validate()))

	event = validEvent()
	event.WPM = 0
	assert.True(t, leaderboard.ErrInvalidEvent.Has(event.Validate()))

	event = validEvent()
	event.Accuracy = 101
	assert.True(t, leaderboard.ErrInvalidEvent.Has(event.Validate()))
}

func TestDedupKeepsBestPerUser(t *testing.T) {
	mk := func(user string, wpm float64, ts int64) leaderboard.ScoreEvent {
		event := validEvent()
		event.UserID = user
		event.WPM = wpm
		event.Timestamp = ts
		return event
	}

	deduped := leaderboard.Dedup([]leaderboard.ScoreEvent{
		mk("a", 80, 1),
		mk("b", 60, 2),
		mk("a", 100, 3),
		mk("a", 90, 4),
		mk("b", 60, 5),
	})
	require.Len(t, deduped, 2)

	assert.Equal(t, "a", deduped[0].UserID)
	assert.Equal(t, 100.0, deduped[0].WPM)

	// wpm tie resolves to the later event
	assert.Equal(t, "b", deduped[1].UserID)
	assert.Equal(t, int64(5), deduped[1].Timestamp)
}

func TestParseKeyRoundTrip(t *testing.T) {
	key := leaderboard.Key{
		Mode:      leaderboard.ModeCode,
		Timeframe: leaderboard.TimeframeWeekly,
		Language:  "python",
	}
	parsed, err := leaderboard.ParseKey(key.String())
	require.NoError(t, err)
	assert.Equal(t, key, parsed)

	_, err = leaderboard.ParseKey("nope:weekly:en")
	assert.Error(t, err)
	_, err = leaderboard.ParseKey("global:hourly:en")
	assert.Error(t, err)
	_, err = leaderboard.ParseKey("global:weekly")
	assert.Error(t, err)
}

func TestGroupByView(t *testing.T) {
	english, python := validEvent(), validEvent()
	python.Language = "python"
	python.Mode = leaderboard.ModeCode

	groups := leaderboard.GroupByView([]leaderboard.ScoreEvent{english, python, english})
	require.Len(t, groups, 2)
	assert.Len(t, groups[leaderboard.Key{Mode: leaderboard.ModeGlobal, Language: "en"}], 2)
	assert.Len(t, groups[leaderboard.Key{Mode: leaderboard.ModeCode, Language: "python"}], 1)
}
