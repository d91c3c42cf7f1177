// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

package scoredb

import (
	"context"
	"database/sql"
	"time"

	"keystorm.io/keystorm/pkg/race"
	"keystorm.io/keystorm/pkg/utils"
)

// CreateRace persists a new race row.
func (db *DB) CreateRace(ctx context.Context, r *race.Race) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, `
		INSERT INTO races (race_id, status, mode, room_code, is_private,
			max_players, text_source, time_limit, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RaceID, string(r.Status), r.Mode, nullString(r.RoomCode),
		boolToInt(r.IsPrivate), r.MaxPlayers, r.TextSource,
		r.TimeLimitSeconds, r.Version, nowMillis())
	return Error.Wrap(err)
}

// GetRace returns a race by id.
func (db *DB) GetRace(ctx context.Context, raceID string) (_ *race.Race, err error) {
	defer mon.Task()(&ctx)(&err)
	return db.getRace(ctx, `race_id = ?`, raceID)
}

// GetRaceByCode returns a race by room code.
func (db *DB) GetRaceByCode(ctx context.Context, roomCode string) (_ *race.Race, err error) {
	defer mon.Task()(&ctx)(&err)
	return db.getRace(ctx, `room_code = ?`, roomCode)
}

func (db *DB) getRace(ctx context.Context, where string, arg interface{}) (*race.Race, error) {
	r := &race.Race{}
	var roomCode sql.NullString
	var startedAt, finishedAt sql.NullInt64
	var isPrivate int
	err := db.db.QueryRowContext(ctx, `
		SELECT race_id, status, mode, room_code, is_private, max_players,
			text_source, time_limit, version, started_at, finished_at
		FROM races WHERE `+where, arg).
		Scan(&r.RaceID, (*string)(&r.Status), &r.Mode, &roomCode, &isPrivate,
			&r.MaxPlayers, &r.TextSource, &r.TimeLimitSeconds, &r.Version,
			&startedAt, &finishedAt)
	if err == sql.ErrNoRows {
		// callers branch on the room-not-found class
		return nil, race.ErrRoomNotFound.New("race")
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	r.RoomCode = roomCode.String
	r.IsPrivate = isPrivate != 0
	r.StartedAt = startedAt.Int64
	r.FinishedAt = finishedAt.Int64
	return r, nil
}

// UpdateRace persists mutated race fields.
func (db *DB) UpdateRace(ctx context.Context, r *race.Race) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, `
		UPDATE races SET status = ?, version = ?, started_at = ?, finished_at = ?
		WHERE race_id = ?`,
		string(r.Status), r.Version, nullInt(r.StartedAt), nullInt(r.FinishedAt), r.RaceID)
	return Error.Wrap(err)
}

// AddParticipant inserts a participant. A duplicate user or guest in
// the same race returns ErrParticipantExists.
func (db *DB) AddParticipant(ctx context.Context, p *race.Participant) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, `
		INSERT INTO participants (race_id, user_id, guest_id, username, avatar_color)
		VALUES (?, ?, ?, ?, ?)`,
		p.RaceID, nullString(p.UserID), nullString(p.GuestID), p.Username, nullString(p.AvatarColor))
	if isUniqueViolation(err) {
		return ErrParticipantExists.New("race %q", p.RaceID)
	}
	if err != nil {
		return Error.Wrap(err)
	}
	p.ID, err = result.LastInsertId()
	return Error.Wrap(err)
}

// GetParticipant returns a race participant for a user or guest id.
func (db *DB) GetParticipant(ctx context.Context, raceID, userID, guestID string) (_ *race.Participant, err error) {
	defer mon.Task()(&ctx)(&err)

	where, arg := `user_id = ?`, userID
	if userID == "" {
		where, arg = `guest_id = ?`, guestID
	}
	rows, err := db.db.QueryContext(ctx, `
		SELECT id, race_id, user_id, guest_id, username, avatar_color,
			progress, wpm, accuracy, errors, is_finished, finish_position, finished_at
		FROM participants WHERE race_id = ? AND `+where, raceID, arg)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = utils.CombineErrors(err, rows.Close()) }()

	if !rows.Next() {
		return nil, ErrNotFound.New("participant")
	}
	return scanParticipant(rows)
}

// ListParticipants returns all participants of a race.
func (db *DB) ListParticipants(ctx context.Context, raceID string) (participants []*race.Participant, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx, `
		SELECT id, race_id, user_id, guest_id, username, avatar_color,
			progress, wpm, accuracy, errors, is_finished, finish_position, finished_at
		FROM participants WHERE race_id = ? ORDER BY id`, raceID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = utils.CombineErrors(err, rows.Close()) }()

	for rows.Next() {
		participant, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		participants = append(participants, participant)
	}
	return participants, Error.Wrap(rows.Err())
}

// UpdateProgress flushes buffered progress values.
func (db *DB) UpdateProgress(ctx context.Context, update race.ProgressUpdate) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, `
		UPDATE participants SET progress = ?, wpm = ?, accuracy = ?, errors = ?
		WHERE id = ?`,
		update.Progress, update.WPM, update.Accuracy, update.Errors, update.ParticipantID)
	return Error.Wrap(err)
}

// FinishParticipant records a finish position.
func (db *DB) FinishParticipant(ctx context.Context, participantID int64, position int, wpm, accuracy float64, finishedAt int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, `
		UPDATE participants SET is_finished = 1, finish_position = ?,
			wpm = ?, accuracy = ?, progress = 100, finished_at = ?
		WHERE id = ?`,
		position, wpm, accuracy, finishedAt, participantID)
	return Error.Wrap(err)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanParticipant(rows rowScanner) (*race.Participant, error) {
	p := &race.Participant{}
	var userID, guestID, avatar sql.NullString
	var finishPosition, finishedAt sql.NullInt64
	var finished int
	err := rows.Scan(&p.ID, &p.RaceID, &userID, &guestID, &p.Username, &avatar,
		&p.Progress, &p.WPM, &p.Accuracy, &p.Errors, &finished,
		&finishPosition, &finishedAt)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	p.UserID = userID.String
	p.GuestID = guestID.String
	p.AvatarColor = avatar.String
	p.IsFinished = finished != 0
	p.FinishPosition = int(finishPosition.Int64)
	p.FinishedAt = finishedAt.Int64
	return p, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int64) interface{} {
	if n == 0 {
		return nil
	}
	return n
}

func nowMillis() int64 {
	return time.Now().UnixNano() / int64(time.Millisecond)
}
