// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

package race_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"keystorm.io/keystorm/internal/testcontext"
	"keystorm.io/keystorm/pkg/pubsub"
	"keystorm.io/keystorm/pkg/race"
)

// fakeDB is an in-memory race.DB for coordinator tests.
type fakeDB struct {
	mu           sync.Mutex
	races        map[string]*race.Race
	byCode       map[string]string
	participants map[string][]*race.Participant
	nextID       int64
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		races:        make(map[string]*race.Race),
		byCode:       make(map[string]string),
		participants: make(map[string][]*race.Participant),
	}
}

func (db *fakeDB) CreateRace(ctx context.Context, r *race.Race) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	copied := *r
	db.races[r.RaceID] = &copied
	if r.RoomCode != "" {
		db.byCode[r.RoomCode] = r.RaceID
	}
	return nil
}

func (db *fakeDB) GetRace(ctx context.Context, raceID string) (*race.Race, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	r, ok := db.races[raceID]
	if !ok {
		return nil, race.ErrRoomNotFound.New("race %q", raceID)
	}
	copied := *r
	return &copied, nil
}

func (db *fakeDB) GetRaceByCode(ctx context.Context, roomCode string) (*race.Race, error) {
	db.mu.Lock()
	raceID, ok := db.byCode[roomCode]
	db.mu.Unlock()
	if !ok {
		return nil, race.ErrRoomNotFound.New("code %q", roomCode)
	}
	return db.GetRace(ctx, raceID)
}

func (db *fakeDB) UpdateRace(ctx context.Context, r *race.Race) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	copied := *r
	db.races[r.RaceID] = &copied
	return nil
}

func (db *fakeDB) AddParticipant(ctx context.Context, participant *race.Participant) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, existing := range db.participants[participant.RaceID] {
		sameUser := participant.UserID != "" && existing.UserID == participant.UserID
		sameGuest := participant.GuestID != "" && existing.GuestID == participant.GuestID
		if sameUser || sameGuest {
			return race.ErrParticipantExists.New("race %q", participant.RaceID)
		}
	}
	db.nextID++
	participant.ID = db.nextID
	copied := *participant
	db.participants[participant.RaceID] = append(db.participants[participant.RaceID], &copied)
	return nil
}

func (db *fakeDB) GetParticipant(ctx context.Context, raceID, userID, guestID string) (*race.Participant, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, existing := range db.participants[raceID] {
		if (userID != "" && existing.UserID == userID) || (guestID != "" && existing.GuestID == guestID) {
			copied := *existing
			return &copied, nil
		}
	}
	return nil, race.ErrRoomNotFound.New("participant")
}

func (db *fakeDB) ListParticipants(ctx context.Context, raceID string) ([]*race.Participant, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var listed []*race.Participant
	for _, existing := range db.participants[raceID] {
		copied := *existing
		listed = append(listed, &copied)
	}
	return listed, nil
}

func (db *fakeDB) UpdateProgress(ctx context.Context, update race.ProgressUpdate) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, candidates := range db.participants {
		for _, existing := range candidates {
			if existing.ID == update.ParticipantID {
				existing.Progress = update.Progress
				existing.WPM = update.WPM
				return nil
			}
		}
	}
	return nil
}

func (db *fakeDB) FinishParticipant(ctx context.Context, participantID int64, position int, wpm, accuracy float64, finishedAt int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, candidates := range db.participants {
		for _, existing := range candidates {
			if existing.ID == participantID {
				existing.IsFinished = true
				existing.FinishPosition = position
				existing.WPM = wpm
				existing.Accuracy = accuracy
				return nil
			}
		}
	}
	return nil
}

type fakeJobs struct {
	mu        sync.Mutex
	submitted []string
}

func (jobs *fakeJobs) Submit(ctx context.Context, jobType string, payload interface{}) (string, error) {
	jobs.mu.Lock()
	defer jobs.mu.Unlock()
	jobs.submitted = append(jobs.submitted, jobType)
	return "job_test", nil
}

func (jobs *fakeJobs) types() []string {
	jobs.mu.Lock()
	defer jobs.mu.Unlock()
	return append([]string{}, jobs.submitted...)
}

func testCoordinator(t *testing.T, db race.DB, jobs race.JobQueue) *race.Coordinator {
	config := race.Config{
		MaxPlayers:       3,
		RoomCodeLength:   6,
		CodeRetries:      5,
		CountdownSeconds: 0,
		TimeLimitSeconds: 180,
		RaceTTL:          time.Minute,
		FlushInterval:    10 * time.Millisecond,
	}
	return race.NewCoordinator(zaptest.NewLogger(t), "srv_test",
		db, race.NewMemoryCache(), pubsub.NewMemory(), jobs, config)
}

func TestCreateRoomPrivateGetsCode(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	coordinator := testCoordinator(t, newFakeDB(), nil)
	result, err := coordinator.CreateRoom(ctx, race.Participant{UserID: "host", Username: "host"}, "quotes", true)
	require.NoError(t, err)
	require.NotNil(t, result.Race)
	assert.Len(t, result.Race.RoomCode, 6)
	assert.True(t, result.Race.IsPrivate)
	require.NotNil(t, result.Participant)
	assert.NotZero(t, result.Participant.ID)
}

func TestJoinByCode(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	coordinator := testCoordinator(t, newFakeDB(), nil)
	created, err := coordinator.CreateRoom(ctx, race.Participant{UserID: "host", Username: "host"}, "", true)
	require.NoError(t, err)

	joined, err := coordinator.JoinByCode(ctx, created.Race.RoomCode, race.Participant{UserID: "guest", Username: "guest"})
	require.NoError(t, err)
	assert.Equal(t, created.Race.RaceID, joined.Race.RaceID)

	_, err = coordinator.JoinByCode(ctx, "NOSUCH", race.Participant{UserID: "x", Username: "x"})
	assert.True(t, race.ErrRoomNotFound.Has(err))
}

func TestJoinTwiceReturnsExisting(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	coordinator := testCoordinator(t, newFakeDB(), nil)
	created, err := coordinator.CreateRoom(ctx, race.Participant{UserID: "host", Username: "host"}, "", true)
	require.NoError(t, err)

	again, err := coordinator.JoinByCode(ctx, created.Race.RoomCode, race.Participant{UserID: "host", Username: "host"})
	require.NoError(t, err)
	require.NotNil(t, again.Participant)
	assert.Equal(t, created.Participant.ID, again.Participant.ID)
}

func TestQuickMatchFillsThenCreates(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	coordinator := testCoordinator(t, newFakeDB(), nil)

	first, err := coordinator.QuickMatch(ctx, race.Participant{UserID: "p1", Username: "p1"})
	require.NoError(t, err)
	second, err := coordinator.QuickMatch(ctx, race.Participant{UserID: "p2", Username: "p2"})
	require.NoError(t, err)
	assert.Equal(t, first.Race.RaceID, second.Race.RaceID)
}

func TestFullRoomAutoStartsCountdown(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := newFakeDB()
	coordinator := testCoordinator(t, db, nil)

	created, err := coordinator.CreateRoom(ctx, race.Participant{UserID: "p1", Username: "p1"}, "", true)
	require.NoError(t, err)
	for _, user := range []string{"p2", "p3"} {
		_, err := coordinator.JoinByCode(ctx, created.Race.RoomCode, race.Participant{UserID: user, Username: user})
		require.NoError(t, err)
	}

	// countdown of zero seconds begins immediately
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		current, err := db.GetRace(ctx, created.Race.RaceID)
		require.NoError(t, err)
		if current.Status == race.StatusRacing {
			assert.NotZero(t, current.StartedAt)
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	// a started race rejects further joins
	_, err = coordinator.JoinByCode(ctx, created.Race.RoomCode, race.Participant{UserID: "late", Username: "late"})
	assert.True(t, race.ErrRoomStarted.Has(err))
}

func TestLockedRoomRejectsJoin(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	coordinator := testCoordinator(t, newFakeDB(), nil)
	created, err := coordinator.CreateRoom(ctx, race.Participant{UserID: "host", Username: "host"}, "", true)
	require.NoError(t, err)

	require.NoError(t, coordinator.Lock(ctx, created.Race.RaceID))
	_, err = coordinator.JoinByCode(ctx, created.Race.RoomCode, race.Participant{UserID: "x", Username: "x"})
	assert.True(t, race.ErrRoomLocked.Has(err))
}

func TestKickedUserGetsRejoinPrompt(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	coordinator := testCoordinator(t, newFakeDB(), nil)
	created, err := coordinator.CreateRoom(ctx, race.Participant{UserID: "host", Username: "host"}, "", true)
	require.NoError(t, err)

	require.NoError(t, coordinator.Kick(ctx, created.Race.RaceID, "troll"))

	result, err := coordinator.JoinByCode(ctx, created.Race.RoomCode, race.Participant{UserID: "troll", Username: "troll"})
	require.NoError(t, err)
	assert.True(t, result.Kicked)
	assert.True(t, result.CanRequestRejoin)
	assert.Nil(t, result.Participant)
	assert.NotEmpty(t, result.Message)
}

func TestFinishAssignsPositionsAndCompletes(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := newFakeDB()
	jobs := &fakeJobs{}
	coordinator := testCoordinator(t, db, jobs)

	created, err := coordinator.CreateRoom(ctx, race.Participant{UserID: "p1", Username: "p1"}, "", true)
	require.NoError(t, err)
	joined, err := coordinator.JoinByCode(ctx, created.Race.RoomCode, race.Participant{UserID: "p2", Username: "p2"})
	require.NoError(t, err)

	require.NoError(t, coordinator.Begin(ctx, created.Race.RaceID))

	position, err := coordinator.FinishParticipant(ctx, created.Race.RaceID, created.Participant.ID, 95, 97)
	require.NoError(t, err)
	assert.Equal(t, 1, position)

	position, err = coordinator.FinishParticipant(ctx, created.Race.RaceID, joined.Participant.ID, 80, 94)
	require.NoError(t, err)
	assert.Equal(t, 2, position)

	current, err := db.GetRace(ctx, created.Race.RaceID)
	require.NoError(t, err)
	assert.Equal(t, race.StatusFinished, current.Status)
	assert.Equal(t, []string{"race-completion"}, jobs.types())
}

func TestProgressBufferKeepsLatest(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := newFakeDB()
	coordinator := testCoordinator(t, db, nil)

	created, err := coordinator.CreateRoom(ctx, race.Participant{UserID: "p1", Username: "p1"}, "", true)
	require.NoError(t, err)
	participantID := created.Participant.ID

	coordinator.Progress(created.Race.RaceID, race.ProgressUpdate{ParticipantID: participantID, Progress: 10, WPM: 50})
	coordinator.Progress(created.Race.RaceID, race.ProgressUpdate{ParticipantID: participantID, Progress: 40, WPM: 70})

	ctx.Go(func() error {
		err := coordinator.Run(ctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})

	flushed := false
	deadline := time.Now().Add(5 * time.Second)
	for !flushed && time.Now().Before(deadline) {
		listed, err := db.ListParticipants(ctx, created.Race.RaceID)
		require.NoError(t, err)
		require.Len(t, listed, 1)
		if listed[0].Progress > 0 {
			assert.Equal(t, 40.0, listed[0].Progress)
			assert.Equal(t, 70.0, listed[0].WPM)
			flushed = true
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, flushed, "progress was never flushed")

	require.NoError(t, coordinator.Close())
}

// failingCodeDB simulates an unavailable store during room code
// probing.
type failingCodeDB struct {
	*fakeDB
	codeErr error
}

func (db *failingCodeDB) GetRaceByCode(ctx context.Context, roomCode string) (*race.Race, error) {
	if db.codeErr != nil {
		return nil, db.codeErr
	}
	return db.fakeDB.GetRaceByCode(ctx, roomCode)
}

func TestRoomCodeStoreFailureAborts(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := &failingCodeDB{fakeDB: newFakeDB(), codeErr: race.Error.New("store down")}
	coordinator := testCoordinator(t, db, nil)

	// a failed code lookup must not be treated as a free code
	_, err := coordinator.CreateRoom(ctx, race.Participant{UserID: "host", Username: "host"}, "", true)
	require.Error(t, err)
	assert.True(t, race.ErrServer.Has(err))
}

func TestRoomCodesDistinctAndWellFormed(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	coordinator := testCoordinator(t, newFakeDB(), nil)

	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codes := make(map[string]bool)
	for i := 0; i < 8; i++ {
		host := race.Participant{UserID: fmt.Sprintf("host-%d", i), Username: "host"}
		result, err := coordinator.CreateRoom(ctx, host, "", true)
		require.NoError(t, err)

		code := result.Race.RoomCode
		require.Len(t, code, 6)
		for _, ch := range code {
			assert.True(t, strings.ContainsRune(alphabet, ch), "unexpected character %q in %q", ch, code)
		}
		codes[code] = true
	}
	assert.Len(t, codes, 8)
}

func TestConcurrentFinishersGetDistinctPositions(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := newFakeDB()
	jobs := &fakeJobs{}
	coordinator := testCoordinator(t, db, jobs)

	created, err := coordinator.CreateRoom(ctx, race.Participant{UserID: "p1", Username: "p1"}, "", true)
	require.NoError(t, err)
	ids := []int64{created.Participant.ID}
	for _, user := range []string{"p2", "p3"} {
		joined, err := coordinator.JoinByCode(ctx, created.Race.RoomCode, race.Participant{UserID: user, Username: user})
		require.NoError(t, err)
		ids = append(ids, joined.Participant.ID)
	}

	// the full room auto-starts; wait for the status to settle
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		current, err := db.GetRace(ctx, created.Race.RaceID)
		require.NoError(t, err)
		if current.Status == race.StatusRacing {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	var mu sync.Mutex
	positions := make(map[int]int)
	var group sync.WaitGroup
	for _, id := range ids {
		id := id
		group.Add(1)
		go func() {
			defer group.Done()
			position, err := coordinator.FinishParticipant(ctx, created.Race.RaceID, id, 90, 95)
			assert.NoError(t, err)
			mu.Lock()
			positions[position]++
			mu.Unlock()
		}()
	}
	group.Wait()

	// simultaneous finishers never share a position
	assert.Equal(t, map[int]int{1: 1, 2: 1, 3: 1}, positions)

	current, err := db.GetRace(ctx, created.Race.RaceID)
	require.NoError(t, err)
	assert.Equal(t, race.StatusFinished, current.Status)
	assert.Equal(t, []string{"race-completion"}, jobs.types())
}
