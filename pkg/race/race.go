// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

// Package race implements the realtime race coordinator: distributed
// race state, participant progress buffering and the quick-match /
// room / join flows.
package race

import (
	"context"

	"github.com/zeebo/errs"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"
)

var (
	mon = monkit.Package()
	// Error is the default race error class.
	Error = errs.Class("race error")
)

// typed join failures; HTTP mapping is 404/403/409/403/403/>=500
var (
	ErrRoomNotFound = errs.Class("room not found")
	ErrRoomFull     = errs.Class("room full")
	ErrRoomStarted  = errs.Class("room already started")
	ErrRoomLocked   = errs.Class("room locked")
	ErrKicked       = errs.Class("kicked from race")
	ErrServer       = errs.Class("race server error")
)

// ErrParticipantExists is returned when a user or guest already joined
// the race. Join flows tolerate it by returning the existing row.
var ErrParticipantExists = errs.Class("participant exists")

// Status is a race lifecycle state. Transitions are monotonic through
// waiting → countdown → racing → finished/cancelled.
type Status string

// race statuses
const (
	StatusWaiting   Status = "waiting"
	StatusCountdown Status = "countdown"
	StatusRacing    Status = "racing"
	StatusFinished  Status = "finished"
	StatusCancelled Status = "cancelled"
)

var statusOrder = map[Status]int{
	StatusWaiting:   0,
	StatusCountdown: 1,
	StatusRacing:    2,
	StatusFinished:  3,
	StatusCancelled: 3,
}

// CanTransition reports whether moving from one status to the next
// respects the monotonic lifecycle.
func CanTransition(from, to Status) bool {
	fromOrder, ok := statusOrder[from]
	if !ok {
		return false
	}
	toOrder, ok := statusOrder[to]
	if !ok {
		return false
	}
	return toOrder > fromOrder
}

// Race is the distributed race entity. Version increments on every
// mutation.
type Race struct {
	RaceID           string `json:"raceId"`
	Status           Status `json:"status"`
	Mode             string `json:"mode"`
	StartedAt        int64  `json:"startedAt,omitempty"`
	FinishedAt       int64  `json:"finishedAt,omitempty"`
	RoomCode         string `json:"roomCode,omitempty"`
	IsPrivate        bool   `json:"isPrivate"`
	IsLocked         bool   `json:"isLocked,omitempty"`
	MaxPlayers       int    `json:"maxPlayers"`
	TextSource       string `json:"textSource"`
	TimeLimitSeconds int    `json:"timeLimitSeconds"`
	FinishedCount    int    `json:"finishedCount,omitempty"`
	Version          int64  `json:"version"`
}

// Participant is a racer, either an authenticated user or a guest.
type Participant struct {
	ID             int64   `json:"id"`
	RaceID         string  `json:"raceId"`
	UserID         string  `json:"userId,omitempty"`
	GuestID        string  `json:"guestId,omitempty"`
	Username       string  `json:"username"`
	AvatarColor    string  `json:"avatarColor,omitempty"`
	Progress       float64 `json:"progress"`
	WPM            float64 `json:"wpm"`
	Accuracy       float64 `json:"accuracy"`
	Errors         int     `json:"errors"`
	IsFinished     bool    `json:"isFinished"`
	FinishPosition int     `json:"finishPosition,omitempty"`
	FinishedAt     int64   `json:"finishedAt,omitempty"`
}

// ProgressUpdate is a buffered last-value progress report for a
// participant.
type ProgressUpdate struct {
	ParticipantID int64   `json:"participantId"`
	Progress      float64 `json:"progress"`
	WPM           float64 `json:"wpm"`
	Accuracy      float64 `json:"accuracy"`
	Errors        int     `json:"errors"`
	LastUpdate    int64   `json:"lastUpdate"`
	Version       int64   `json:"version"`
}

// JoinResult is returned by the join flows. Kicked indicates the user
// was previously kicked and may request a rejoin; the websocket flow
// handles the approval.
type JoinResult struct {
	Race             *Race        `json:"race"`
	Participant      *Participant `json:"participant,omitempty"`
	Kicked           bool         `json:"kicked,omitempty"`
	CanRequestRejoin bool         `json:"canRequestRejoin,omitempty"`
	Message          string       `json:"message,omitempty"`
}

// DB is the relational persistence contract for races.
type DB interface {
	// CreateRace persists a new race row.
	CreateRace(ctx context.Context, race *Race) error
	// GetRace returns a race by id; a missing race fails with
	// ErrRoomNotFound semantics.
	GetRace(ctx context.Context, raceID string) (*Race, error)
	// GetRaceByCode returns a race by room code; a missing code fails
	// with ErrRoomNotFound semantics.
	GetRaceByCode(ctx context.Context, roomCode string) (*Race, error)
	// UpdateRace persists mutated race fields.
	UpdateRace(ctx context.Context, race *Race) error
	// AddParticipant inserts a participant; a duplicate user or guest
	// in the same race fails with ErrParticipantExists semantics.
	AddParticipant(ctx context.Context, participant *Participant) error
	// GetParticipant returns a race participant for a user or guest id.
	GetParticipant(ctx context.Context, raceID, userID, guestID string) (*Participant, error)
	// ListParticipants returns all participants of a race.
	ListParticipants(ctx context.Context, raceID string) ([]*Participant, error)
	// UpdateProgress flushes buffered progress values.
	UpdateProgress(ctx context.Context, update ProgressUpdate) error
	// FinishParticipant records a finish position.
	FinishParticipant(ctx context.Context, participantID int64, position int, wpm, accuracy float64, finishedAt int64) error
}
