// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

package scoredb

import (
	"context"
	"database/sql"
	"time"

	"keystorm.io/keystorm/pkg/leaderboard"
	"keystorm.io/keystorm/pkg/utils"
)

// timeframe cutoffs relative to now; zero means unbounded
var timeframeWindow = map[leaderboard.Timeframe]time.Duration{
	leaderboard.TimeframeDaily:   24 * time.Hour,
	leaderboard.TimeframeWeekly:  7 * 24 * time.Hour,
	leaderboard.TimeframeMonthly: 30 * 24 * time.Hour,
	leaderboard.TimeframeAll:     0,
}

func cutoff(timeframe leaderboard.Timeframe, now time.Time) int64 {
	window := timeframeWindow[timeframe]
	if window == 0 {
		return 0
	}
	return now.Add(-window).UnixNano() / int64(time.Millisecond)
}

// SubmitScore persists a score event. A redelivered event id fails
// with ErrDuplicateEvent so consumers can treat it as already applied.
func (db *DB) SubmitScore(ctx context.Context, event leaderboard.ScoreEvent) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, `
		INSERT INTO scores (event_id, user_id, username, wpm, accuracy,
			duration, language, mode, is_verified, avatar_color, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.EventID, event.UserID, event.Username, event.WPM, event.Accuracy,
		event.Duration, event.Language, string(event.Mode),
		boolToInt(event.IsVerified), event.AvatarColor, event.Timestamp,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateEvent.New("event %q", event.EventID)
	}
	return Error.Wrap(err)
}

// RefreshView recomputes the materialized leaderboard view for a
// single (mode, timeframe, language). Only the best score per user
// within the timeframe window survives; sqlite's bare-column MAX()
// semantics pick the remaining columns from the best row.
func (db *DB) RefreshView(ctx context.Context, key leaderboard.Key) (err error) {
	defer mon.Task()(&ctx)(&err)

	since := cutoff(key.Timeframe, time.Now())
	return withTx(ctx, db.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM leaderboard_view WHERE mode = ? AND timeframe = ? AND language = ?`,
			string(key.Mode), string(key.Timeframe), key.Language)
		if err != nil {
			return Error.Wrap(err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO leaderboard_view (mode, timeframe, language, user_id,
				username, wpm, accuracy, achieved_at, is_verified, avatar_color)
			SELECT ?, ?, language, user_id,
				username, MAX(wpm), accuracy, created_at, is_verified, avatar_color
			FROM scores
			WHERE mode = ? AND language = ? AND created_at >= ?
			GROUP BY user_id`,
			string(key.Mode), string(key.Timeframe),
			string(key.Mode), key.Language, since)
		return Error.Wrap(err)
	})
}

// GetPage returns a ranked page of the leaderboard view together with
// the total row count.
func (db *DB) GetPage(ctx context.Context, key leaderboard.Key, limit, offset int) (entries []leaderboard.Entry, total int, err error) {
	defer mon.Task()(&ctx)(&err)

	err = db.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM leaderboard_view
		WHERE mode = ? AND timeframe = ? AND language = ?`,
		string(key.Mode), string(key.Timeframe), key.Language).Scan(&total)
	if err != nil {
		return nil, 0, Error.Wrap(err)
	}

	rows, err := db.db.QueryContext(ctx, `
		SELECT user_id, username, wpm, accuracy, achieved_at, is_verified, avatar_color
		FROM leaderboard_view
		WHERE mode = ? AND timeframe = ? AND language = ?
		ORDER BY wpm DESC, accuracy DESC, achieved_at ASC
		LIMIT ? OFFSET ?`,
		string(key.Mode), string(key.Timeframe), key.Language, limit, offset)
	if err != nil {
		return nil, 0, Error.Wrap(err)
	}
	defer func() { err = utils.CombineErrors(err, rows.Close()) }()

	rank := offset
	for rows.Next() {
		var entry leaderboard.Entry
		var verified int
		var avatar sql.NullString
		err := rows.Scan(&entry.UserID, &entry.Username, &entry.WPM, &entry.Accuracy,
			&entry.Timestamp, &verified, &avatar)
		if err != nil {
			return nil, 0, Error.Wrap(err)
		}
		rank++
		entry.Rank = rank
		entry.IsVerified = verified != 0
		entry.AvatarColor = avatar.String
		entries = append(entries, entry)
	}
	return entries, total, Error.Wrap(rows.Err())
}

// AroundUser returns the user's rank and the window of entries around
// them. ErrNotFound is returned when the user has no row in the view.
func (db *DB) AroundUser(ctx context.Context, userID string, key leaderboard.Key, around int) (userRank int, entries []leaderboard.Entry, err error) {
	defer mon.Task()(&ctx)(&err)

	var wpm, accuracy float64
	var achievedAt int64
	err = db.db.QueryRowContext(ctx, `
		SELECT wpm, accuracy, achieved_at FROM leaderboard_view
		WHERE mode = ? AND timeframe = ? AND language = ? AND user_id = ?`,
		string(key.Mode), string(key.Timeframe), key.Language, userID).
		Scan(&wpm, &accuracy, &achievedAt)
	if err == sql.ErrNoRows {
		return 0, nil, ErrNotFound.New("user %q", userID)
	}
	if err != nil {
		return 0, nil, Error.Wrap(err)
	}

	var better int
	err = db.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM leaderboard_view
		WHERE mode = ? AND timeframe = ? AND language = ?
		AND (wpm > ? OR (wpm = ? AND accuracy > ?)
			OR (wpm = ? AND accuracy = ? AND achieved_at < ?))`,
		string(key.Mode), string(key.Timeframe), key.Language,
		wpm, wpm, accuracy, wpm, accuracy, achievedAt).Scan(&better)
	if err != nil {
		return 0, nil, Error.Wrap(err)
	}
	userRank = better + 1

	offset := userRank - 1 - around
	if offset < 0 {
		offset = 0
	}
	entries, _, err = db.GetPage(ctx, key, 2*around+1, offset)
	if err != nil {
		return 0, nil, err
	}
	return userRank, entries, nil
}

// PriorResults returns the user's most recent wpm results for a mode,
// newest first, for anticheat history checks.
func (db *DB) PriorResults(ctx context.Context, userID string, mode leaderboard.Mode, limit int) (wpms []float64, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx, `
		SELECT wpm FROM scores
		WHERE user_id = ? AND mode = ?
		ORDER BY created_at DESC LIMIT ?`,
		userID, string(mode), limit)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = utils.CombineErrors(err, rows.Close()) }()

	for rows.Next() {
		var wpm float64
		if err := rows.Scan(&wpm); err != nil {
			return nil, Error.Wrap(err)
		}
		wpms = append(wpms, wpm)
	}
	return wpms, Error.Wrap(rows.Err())
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
