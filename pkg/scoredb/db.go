// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

// Package scoredb implements the relational storage collaborator of
// the realtime pipeline: durable scores, materialized leaderboard
// views, races, participants and job diagnostics.
package scoredb

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"keystorm.io/keystorm/pkg/race"
	"keystorm.io/keystorm/pkg/utils"
)

var (
	mon = monkit.Package()
	// Error is the default scoredb error class.
	Error = errs.Class("scoredb error")
	// ErrParticipantExists is returned when a user already joined a race.
	ErrParticipantExists = race.ErrParticipantExists
	// ErrNotFound is returned when a row is absent.
	ErrNotFound = errs.Class("not found")
	// ErrDuplicateEvent is returned when a score event was already stored.
	ErrDuplicateEvent = errs.Class("duplicate event")
)

// DB wraps the relational store.
type DB struct {
	log *zap.Logger
	db  *sql.DB
}

// Open opens (and if needed creates) the database at source using the
// given driver.
func Open(log *zap.Logger, driver, source string) (*DB, error) {
	db, err := sql.Open(driver, source)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, Error.Wrap(err)
	}

	store := &DB{log: log, db: db}
	if err := store.createTables(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (db *DB) createTables() error {
	_, err := db.db.Exec(schema)
	return Error.Wrap(err)
}

// Close closes the database.
func (db *DB) Close() error {
	return Error.Wrap(db.db.Close())
}

// isUniqueViolation reports whether err is a unique-constraint failure.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}

func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			err = utils.CombineErrors(err, tx.Rollback())
			return
		}
		err = Error.Wrap(tx.Commit())
	}()
	return fn(tx)
}

const schema = `
CREATE TABLE IF NOT EXISTS scores (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id      TEXT NOT NULL UNIQUE,
	user_id       TEXT NOT NULL,
	username      TEXT NOT NULL,
	wpm           REAL NOT NULL,
	accuracy      REAL NOT NULL,
	duration      INTEGER NOT NULL,
	language      TEXT NOT NULL,
	mode          TEXT NOT NULL,
	is_verified   INTEGER NOT NULL DEFAULT 0,
	avatar_color  TEXT,
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS scores_view_idx ON scores (mode, language, created_at);
CREATE INDEX IF NOT EXISTS scores_user_idx ON scores (user_id, mode, created_at);

CREATE TABLE IF NOT EXISTS leaderboard_view (
	mode          TEXT NOT NULL,
	timeframe     TEXT NOT NULL,
	language      TEXT NOT NULL,
	user_id       TEXT NOT NULL,
	username      TEXT NOT NULL,
	wpm           REAL NOT NULL,
	accuracy      REAL NOT NULL,
	achieved_at   INTEGER NOT NULL,
	is_verified   INTEGER NOT NULL DEFAULT 0,
	avatar_color  TEXT,
	PRIMARY KEY (mode, timeframe, language, user_id)
);
CREATE INDEX IF NOT EXISTS leaderboard_view_rank_idx
	ON leaderboard_view (mode, timeframe, language, wpm DESC, accuracy DESC, achieved_at ASC);

CREATE TABLE IF NOT EXISTS races (
	race_id       TEXT PRIMARY KEY,
	status        TEXT NOT NULL,
	mode          TEXT NOT NULL,
	room_code     TEXT UNIQUE,
	is_private    INTEGER NOT NULL DEFAULT 0,
	max_players   INTEGER NOT NULL,
	text_source   TEXT NOT NULL,
	time_limit    INTEGER NOT NULL,
	version       INTEGER NOT NULL DEFAULT 0,
	started_at    INTEGER,
	finished_at   INTEGER,
	created_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS participants (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	race_id         TEXT NOT NULL REFERENCES races (race_id),
	user_id         TEXT,
	guest_id        TEXT,
	username        TEXT NOT NULL,
	avatar_color    TEXT,
	progress        REAL NOT NULL DEFAULT 0,
	wpm             REAL NOT NULL DEFAULT 0,
	accuracy        REAL NOT NULL DEFAULT 0,
	errors          INTEGER NOT NULL DEFAULT 0,
	is_finished     INTEGER NOT NULL DEFAULT 0,
	finish_position INTEGER,
	finished_at     INTEGER,
	UNIQUE (race_id, user_id),
	UNIQUE (race_id, guest_id)
);

CREATE TABLE IF NOT EXISTS jobs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id      TEXT NOT NULL UNIQUE,
	queue       TEXT NOT NULL,
	payload     TEXT NOT NULL,
	status      TEXT NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0,
	last_error  TEXT,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_status_idx ON jobs (queue, status, updated_at);
`
