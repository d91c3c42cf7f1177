// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

package race

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"keystorm.io/keystorm/internal/keyid"
	"keystorm.io/keystorm/internal/sync2"
	"keystorm.io/keystorm/pkg/leaderboard"
	"keystorm.io/keystorm/pkg/pubsub"
)

// Config tunes the coordinator.
type Config struct {
	MaxPlayers       int           `help:"players per race" default:"5"`
	RoomCodeLength   int           `help:"length of private room codes" default:"6"`
	CodeRetries      int           `help:"room code collision retries" default:"5"`
	CountdownSeconds int           `help:"countdown before the race starts" default:"5"`
	TimeLimitSeconds int           `help:"race time limit" default:"180"`
	RaceTTL          time.Duration `help:"cached race lifetime" default:"30m"`
	FlushInterval    time.Duration `help:"buffered progress flush interval" default:"1s"`
}

// JobQueue submits background jobs spawned by race completion.
type JobQueue interface {
	Submit(ctx context.Context, jobType string, payload interface{}) (jobID string, err error)
}

// Completion is the payload of a race-completion job.
type Completion struct {
	RaceID     string `json:"raceId"`
	FinishedAt int64  `json:"finishedAt"`
}

// Event is a race lifecycle message on the race channel. ServerID lets
// the originating server suppress its own echo.
type Event struct {
	ServerID string          `json:"serverId"`
	Type     string          `json:"type"`
	RaceID   string          `json:"raceId"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Coordinator owns the race lifecycle on one server: matchmaking,
// rooms, progress buffering and completion.
type Coordinator struct {
	log      *zap.Logger
	serverID string
	config   Config

	db     DB
	cache  Cache
	fabric pubsub.PubSub
	jobs   JobQueue

	Flush *sync2.Cycle

	mu       sync.Mutex
	progress map[int64]ProgressUpdate
	raceOf   map[int64]string
}

// NewCoordinator creates a coordinator.
func NewCoordinator(log *zap.Logger, serverID string, db DB, cache Cache, fabric pubsub.PubSub, jobs JobQueue, config Config) *Coordinator {
	return &Coordinator{
		log:      log,
		serverID: serverID,
		config:   config,
		db:       db,
		cache:    cache,
		fabric:   fabric,
		jobs:     jobs,
		Flush:    sync2.NewCycle(config.FlushInterval),
		progress: make(map[int64]ProgressUpdate),
		raceOf:   make(map[int64]string),
	}
}

// Run flushes buffered progress until ctx is canceled.
func (coordinator *Coordinator) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	return coordinator.Flush.Run(ctx, coordinator.flushProgress)
}

// Close stops the flush loop.
func (coordinator *Coordinator) Close() error {
	coordinator.Flush.Stop()
	return nil
}

// QuickMatch joins the first public waiting race with room, creating a
// fresh one when none is open.
func (coordinator *Coordinator) QuickMatch(ctx context.Context, joiner Participant) (_ *JoinResult, err error) {
	defer mon.Task()(&ctx)(&err)

	waiting, err := coordinator.cache.Waiting(ctx)
	if err != nil {
		coordinator.log.Debug("waiting pool read failed", zap.Error(err))
	}
	for _, raceID := range waiting {
		race, err := coordinator.cache.GetRace(ctx, raceID)
		if err != nil || race.Status != StatusWaiting || race.IsLocked {
			_ = coordinator.cache.RemoveWaiting(ctx, raceID)
			continue
		}
		result, err := coordinator.join(ctx, race, joiner)
		if ErrRoomFull.Has(err) || ErrRoomStarted.Has(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}

	return coordinator.CreateRoom(ctx, joiner, "", false)
}

// CreateRoom creates a race and joins the host. Private rooms get a
// join code.
func (coordinator *Coordinator) CreateRoom(ctx context.Context, host Participant, textSource string, private bool) (_ *JoinResult, err error) {
	defer mon.Task()(&ctx)(&err)

	race := &Race{
		RaceID:           keyid.NewRace(),
		Status:           StatusWaiting,
		Mode:             "multiplayer",
		IsPrivate:        private,
		MaxPlayers:       coordinator.config.MaxPlayers,
		TextSource:       textSource,
		TimeLimitSeconds: coordinator.config.TimeLimitSeconds,
		Version:          1,
	}
	if private {
		race.RoomCode, err = coordinator.newRoomCode(ctx)
		if err != nil {
			return nil, err
		}
	}

	if err := coordinator.db.CreateRace(ctx, race); err != nil {
		return nil, ErrServer.Wrap(err)
	}
	if err := coordinator.cache.PutRace(ctx, race, coordinator.config.RaceTTL); err != nil {
		return nil, ErrServer.Wrap(err)
	}
	if !private {
		if err := coordinator.cache.AddWaiting(ctx, race.RaceID); err != nil {
			coordinator.log.Debug("waiting pool add failed", zap.Error(err))
		}
	}
	mon.Counter("races_created").Inc(1)
	return coordinator.join(ctx, race, host)
}

// JoinByCode joins a private room by its code.
func (coordinator *Coordinator) JoinByCode(ctx context.Context, roomCode string, joiner Participant) (_ *JoinResult, err error) {
	defer mon.Task()(&ctx)(&err)

	race, err := coordinator.db.GetRaceByCode(ctx, roomCode)
	if ErrRoomNotFound.Has(err) {
		return nil, ErrRoomNotFound.New("code %q", roomCode)
	}
	if err != nil {
		return nil, ErrServer.Wrap(err)
	}
	if cached, err := coordinator.cache.GetRace(ctx, race.RaceID); err == nil {
		race = cached
	}
	return coordinator.join(ctx, race, joiner)
}

// join applies the admission policy and adds the participant. Joining
// a race twice returns the existing participant row.
func (coordinator *Coordinator) join(ctx context.Context, race *Race, joiner Participant) (*JoinResult, error) {
	if joiner.UserID != "" {
		kicked, err := coordinator.cache.IsKicked(ctx, race.RaceID, joiner.UserID)
		if err != nil {
			coordinator.log.Debug("kick lookup failed", zap.Error(err))
		}
		if kicked {
			return &JoinResult{
				Race:             race,
				Kicked:           true,
				CanRequestRejoin: true,
				Message:          "you were removed from this race, request a rejoin",
			}, nil
		}
	}
	if race.IsLocked {
		return nil, ErrRoomLocked.New("race %q", race.RaceID)
	}
	if race.Status != StatusWaiting {
		return nil, ErrRoomStarted.New("race %q", race.RaceID)
	}

	participants, err := coordinator.db.ListParticipants(ctx, race.RaceID)
	if err != nil {
		return nil, ErrServer.Wrap(err)
	}
	if len(participants) >= race.MaxPlayers {
		return nil, ErrRoomFull.New("race %q", race.RaceID)
	}

	joiner.RaceID = race.RaceID
	err = coordinator.db.AddParticipant(ctx, &joiner)
	if ErrParticipantExists.Has(err) {
		existing, lookupErr := coordinator.db.GetParticipant(ctx, race.RaceID, joiner.UserID, joiner.GuestID)
		if lookupErr != nil {
			return nil, ErrServer.Wrap(lookupErr)
		}
		return &JoinResult{Race: race, Participant: existing}, nil
	}
	if err != nil {
		return nil, ErrServer.Wrap(err)
	}

	coordinator.publish(race.RaceID, "participant_joined", joiner)
	mon.Counter("race_joins").Inc(1)

	if len(participants)+1 >= race.MaxPlayers {
		if err := coordinator.StartCountdown(ctx, race.RaceID); err != nil {
			coordinator.log.Error("auto countdown failed", zap.Error(err))
		}
	}
	return &JoinResult{Race: race, Participant: &joiner}, nil
}

// StartCountdown moves a waiting race into countdown and schedules the
// start.
func (coordinator *Coordinator) StartCountdown(ctx context.Context, raceID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	race, err := coordinator.transition(ctx, raceID, StatusCountdown, func(race *Race) {})
	if err != nil {
		return err
	}
	_ = coordinator.cache.RemoveWaiting(ctx, raceID)
	coordinator.publish(raceID, "countdown", map[string]int{"seconds": coordinator.config.CountdownSeconds})

	time.AfterFunc(time.Duration(coordinator.config.CountdownSeconds)*time.Second, func() {
		if err := coordinator.Begin(context.Background(), race.RaceID); err != nil {
			coordinator.log.Error("race start failed",
				zap.String("raceID", race.RaceID), zap.Error(err))
		}
	})
	return nil
}

// Begin moves a race into racing.
func (coordinator *Coordinator) Begin(ctx context.Context, raceID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	race, err := coordinator.transition(ctx, raceID, StatusRacing, func(race *Race) {
		race.StartedAt = nowMillis()
	})
	if err != nil {
		return err
	}
	coordinator.publish(raceID, "race_started", race)
	mon.Counter("races_started").Inc(1)
	return nil
}

// transition applies a monotonic status change with a version bump,
// retrying once on a cache compare-and-set conflict.
func (coordinator *Coordinator) transition(ctx context.Context, raceID string, to Status, mutate func(*Race)) (*Race, error) {
	for attempt := 0; ; attempt++ {
		race, err := coordinator.cache.GetRace(ctx, raceID)
		if err != nil {
			race, err = coordinator.db.GetRace(ctx, raceID)
			if err != nil {
				return nil, ErrRoomNotFound.New("race %q", raceID)
			}
		}
		if !CanTransition(race.Status, to) {
			return nil, ErrRoomStarted.New("race %q is %s", raceID, race.Status)
		}

		race.Status = to
		race.Version++
		mutate(race)

		err = coordinator.cache.PutRace(ctx, race, coordinator.config.RaceTTL)
		if err == ErrVersionConflict && attempt == 0 {
			continue
		}
		if err != nil {
			return nil, ErrServer.Wrap(err)
		}
		if err := coordinator.db.UpdateRace(ctx, race); err != nil {
			return nil, ErrServer.Wrap(err)
		}
		return race, nil
	}
}

// Lock prevents further joins without starting the race.
func (coordinator *Coordinator) Lock(ctx context.Context, raceID string) error {
	race, err := coordinator.cache.GetRace(ctx, raceID)
	if err != nil {
		return err
	}
	race.IsLocked = true
	race.Version++
	if err := coordinator.cache.PutRace(ctx, race, coordinator.config.RaceTTL); err != nil {
		return err
	}
	_ = coordinator.cache.RemoveWaiting(ctx, raceID)
	return nil
}

// Kick removes a user from a race; they may request a rejoin.
func (coordinator *Coordinator) Kick(ctx context.Context, raceID, userID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := coordinator.cache.MarkKicked(ctx, raceID, userID); err != nil {
		return ErrServer.Wrap(err)
	}
	coordinator.publish(raceID, "participant_kicked", map[string]string{"userId": userID})
	return nil
}

// Progress buffers a participant's progress report, keeping only the
// latest value until the next flush.
func (coordinator *Coordinator) Progress(raceID string, update ProgressUpdate) {
	update.LastUpdate = nowMillis()

	coordinator.mu.Lock()
	if prev, ok := coordinator.progress[update.ParticipantID]; ok {
		update.Version = prev.Version + 1
	} else {
		update.Version = 1
	}
	coordinator.progress[update.ParticipantID] = update
	coordinator.raceOf[update.ParticipantID] = raceID
	coordinator.mu.Unlock()
	mon.Counter("progress_buffered").Inc(1)
}

// flushProgress writes the buffered progress to the database and fans
// it out per race.
func (coordinator *Coordinator) flushProgress(ctx context.Context) error {
	coordinator.mu.Lock()
	pending := coordinator.progress
	races := coordinator.raceOf
	coordinator.progress = make(map[int64]ProgressUpdate)
	coordinator.raceOf = make(map[int64]string)
	coordinator.mu.Unlock()

	byRace := make(map[string][]ProgressUpdate)
	for participantID, update := range pending {
		if err := coordinator.db.UpdateProgress(ctx, update); err != nil {
			coordinator.log.Error("progress flush failed", zap.Error(err))
			continue
		}
		byRace[races[participantID]] = append(byRace[races[participantID]], update)
	}
	for raceID, updates := range byRace {
		coordinator.publish(raceID, "progress", updates)
	}
	return nil
}

// FinishParticipant records a finish and completes the race once every
// participant is done. The position is reserved through the race's
// versioned cache entry, so simultaneous finishers never share one.
func (coordinator *Coordinator) FinishParticipant(ctx context.Context, raceID string, participantID int64, wpm, accuracy float64) (position int, err error) {
	defer mon.Task()(&ctx)(&err)

	position, err = coordinator.reservePosition(ctx, raceID)
	if err != nil {
		return 0, err
	}

	if err := coordinator.db.FinishParticipant(ctx, participantID, position, wpm, accuracy, nowMillis()); err != nil {
		return 0, ErrServer.Wrap(err)
	}
	coordinator.publish(raceID, "participant_finished", map[string]interface{}{
		"participantId": participantID,
		"position":      position,
		"wpm":           wpm,
		"accuracy":      accuracy,
	})

	participants, err := coordinator.db.ListParticipants(ctx, raceID)
	if err != nil {
		return position, ErrServer.Wrap(err)
	}
	if position >= len(participants) {
		if err := coordinator.Complete(ctx, raceID); err != nil {
			return position, err
		}
	}
	return position, nil
}

const positionRetries = 10

// reservePosition allocates the next finish position through the
// compare-and-set race write, retrying on concurrent finishers. An
// uncached race falls back to counting finished rows.
func (coordinator *Coordinator) reservePosition(ctx context.Context, raceID string) (int, error) {
	for attempt := 0; ; attempt++ {
		race, err := coordinator.cache.GetRace(ctx, raceID)
		if err != nil {
			return coordinator.countFinished(ctx, raceID)
		}

		race.FinishedCount++
		race.Version++
		err = coordinator.cache.PutRace(ctx, race, coordinator.config.RaceTTL)
		if err == ErrVersionConflict && attempt < positionRetries {
			continue
		}
		if err != nil {
			return 0, ErrServer.Wrap(err)
		}
		return race.FinishedCount, nil
	}
}

func (coordinator *Coordinator) countFinished(ctx context.Context, raceID string) (int, error) {
	participants, err := coordinator.db.ListParticipants(ctx, raceID)
	if err != nil {
		return 0, ErrServer.Wrap(err)
	}
	finished := 0
	for _, participant := range participants {
		if participant.IsFinished {
			finished++
		}
	}
	return finished + 1, nil
}

// Complete finishes the race and hands post-processing to the job
// queue.
func (coordinator *Coordinator) Complete(ctx context.Context, raceID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	race, err := coordinator.transition(ctx, raceID, StatusFinished, func(race *Race) {
		race.FinishedAt = nowMillis()
	})
	if err != nil {
		return err
	}
	coordinator.publish(raceID, "race_finished", race)

	if coordinator.jobs != nil {
		_, err := coordinator.jobs.Submit(ctx, "race-completion", Completion{
			RaceID:     raceID,
			FinishedAt: race.FinishedAt,
		})
		if err != nil {
			coordinator.log.Error("race completion job failed to submit", zap.Error(err))
		}
	}
	mon.Counter("races_finished").Inc(1)
	return nil
}

// publish fans a race event out through the fabric.
func (coordinator *Coordinator) publish(raceID, eventType string, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	event, err := json.Marshal(Event{
		ServerID: coordinator.serverID,
		Type:     eventType,
		RaceID:   raceID,
		Data:     payload,
	})
	if err != nil {
		return
	}
	if err := coordinator.fabric.Publish(leaderboard.RaceChannel(raceID), event); err != nil {
		coordinator.log.Debug("race event publish failed", zap.Error(err))
	}
}

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// newRoomCode generates a join code from crypto randomness, retrying
// on collision. Only a missing-room lookup frees a code; any other
// store failure aborts instead of risking a duplicate.
func (coordinator *Coordinator) newRoomCode(ctx context.Context) (string, error) {
	for attempt := 0; attempt <= coordinator.config.CodeRetries; attempt++ {
		code := make([]byte, coordinator.config.RoomCodeLength)
		if _, err := rand.Read(code); err != nil {
			return "", ErrServer.Wrap(err)
		}
		for i := range code {
			code[i] = codeAlphabet[int(code[i])%len(codeAlphabet)]
		}
		_, err := coordinator.db.GetRaceByCode(ctx, string(code))
		if err == nil {
			continue // collision
		}
		if ErrRoomNotFound.Has(err) {
			return string(code), nil
		}
		return "", ErrServer.Wrap(err)
	}
	return "", ErrServer.New("room code space exhausted")
}

func nowMillis() int64 {
	return time.Now().UnixNano() / int64(time.Millisecond)
}
