// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

package keystorm_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"keystorm.io/keystorm/internal/testcontext"
	"keystorm.io/keystorm/pkg/health"
	"keystorm.io/keystorm/pkg/jobqueue"
	"keystorm.io/keystorm/pkg/keystorm"
	"keystorm.io/keystorm/pkg/leaderboard/cache"
	"keystorm.io/keystorm/pkg/processor"
	"keystorm.io/keystorm/pkg/race"
	"keystorm.io/keystorm/pkg/ratelimit"
	"keystorm.io/keystorm/pkg/realtime"
	"keystorm.io/keystorm/pkg/realtime/msgqueue"
	"keystorm.io/keystorm/pkg/realtime/registry"
	"keystorm.io/keystorm/pkg/refresher"
	"keystorm.io/keystorm/pkg/stream"
)

func testPeerConfig(ctx *testcontext.Context) keystorm.Config {
	return keystorm.Config{
		Address:      "127.0.0.1:0",
		DataDir:      ctx.Dir("peer"),
		Database:     "keystorm.db",
		RedisAddress: "", // standalone mode
		Stream: stream.Config{
			Name:        "stream:scores",
			Group:       "leaderboard-processors",
			BatchWindow: 50 * time.Millisecond,
			BatchSize:   100,
			DLQName:     "stream:scores:dlq",
			DLQMaxLen:   100,
		},
		Processor: processor.Config{TopNSize: 100, WarmAroundMe: true},
		Refresher: refresher.Config{Interval: time.Minute, Debounce: 10 * time.Millisecond},
		Cache: cache.Config{
			TopNSize:      100,
			AroundMeRange: 10,
			MaxEntries:    100,
			MaxMemory:     1 << 20,
			TTL:           10 * time.Second,
			RatingTTL:     30 * time.Second,
			AroundMeTTL:   5 * time.Second,
			SnapshotTTL:   time.Minute,
		},
		Registry: registry.Config{TTL: time.Hour, ActiveWindow: time.Hour},
		Realtime: realtime.Config{
			MaxMessageSize:    4096,
			HeartbeatInterval: time.Minute,
			HeartbeatTimeout:  2 * time.Minute,
			WriteTimeout:      5 * time.Second,
			Queue: msgqueue.Config{
				Capacity:          64,
				BackpressureBytes: 1 << 20,
				DrainInterval:     5 * time.Millisecond,
				DrainBurst:        16,
			},
			IP: ratelimit.IPConfig{MaxConnections: 10, MaxInWindow: 100, Window: time.Minute},
		},
		Race: race.Config{
			MaxPlayers:       5,
			RoomCodeLength:   6,
			CodeRetries:      5,
			CountdownSeconds: 1,
			TimeLimitSeconds: 180,
			RaceTTL:          30 * time.Minute,
			FlushInterval:    50 * time.Millisecond,
		},
		Jobs:   jobqueue.Config{PollInterval: 50 * time.Millisecond, RetainCompleted: 10, RetainFailed: 10},
		Health: health.Thresholds{MaxErrorRate: 0.5, MaxP99Latency: 5 * time.Second, MaxQueueDepth: 1000},
		Retry:  ratelimit.Backoff{Base: 10 * time.Millisecond, Max: 100 * time.Millisecond, MaxRetries: 2},
	}
}

func startPeer(t *testing.T, ctx *testcontext.Context) (*keystorm.Peer, *httptest.Server) {
	peer, err := keystorm.New(zaptest.NewLogger(t), testPeerConfig(ctx))
	require.NoError(t, err)

	server := httptest.NewServer(peer.HTTP.Handler)
	t.Cleanup(func() {
		server.Close()
		_ = peer.Close()
	})
	return peer, server
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, into interface{}) {
	defer func() { _ = resp.Body.Close() }()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
}

func TestPeerSubmitScore(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	_, server := startPeer(t, ctx)

	resp := postJSON(t, server.URL+"/api/scores", map[string]interface{}{
		"userId":       "user-1",
		"username":     "alice",
		"wpm":          95.5,
		"accuracy":     97.2,
		"duration":     60,
		"language":     "en",
		"mode":         "global",
		"correctChars": 480,
		"totalChars":   494,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var accepted struct {
		EventID string `json:"eventId"`
	}
	decodeBody(t, resp, &accepted)
	assert.NotEmpty(t, accepted.EventID)
}

func TestPeerSubmitScoreRejected(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	_, server := startPeer(t, ctx)

	resp := postJSON(t, server.URL+"/api/scores", map[string]interface{}{
		"userId":       "user-1",
		"username":     "alice",
		"wpm":          400, // beyond human
		"accuracy":     97.2,
		"duration":     60,
		"language":     "en",
		"mode":         "global",
		"correctChars": 480,
		"totalChars":   494,
	})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	var failure struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeBody(t, resp, &failure)
	assert.Equal(t, "SCORE_REJECTED", failure.Error.Code)
}

func TestPeerLeaderboardETag(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	_, server := startPeer(t, ctx)

	resp, err := http.Get(server.URL + "/api/leaderboard")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	etag := resp.Header.Get("ETag")
	require.NotEmpty(t, etag)
	_ = resp.Body.Close()

	request, err := http.NewRequest(http.MethodGet, server.URL+"/api/leaderboard", nil)
	require.NoError(t, err)
	request.Header.Set("If-None-Match", etag)
	resp, err = http.DefaultClient.Do(request)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)
}

func TestPeerLeaderboardInvalidView(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	_, server := startPeer(t, ctx)

	resp, err := http.Get(server.URL + "/api/leaderboard?mode=bogus")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPeerAroundMeUnranked(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	_, server := startPeer(t, ctx)

	resp, err := http.Get(server.URL + "/api/leaderboard/around-me?userId=ghost")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var failure struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeBody(t, resp, &failure)
	assert.Equal(t, "USER_NOT_RANKED", failure.Error.Code)

	resp, err = http.Get(server.URL + "/api/leaderboard/around-me")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPeerRaceRoomFlow(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	_, server := startPeer(t, ctx)

	resp := postJSON(t, server.URL+"/api/races/create", map[string]interface{}{
		"userId":   "user-1",
		"username": "alice",
		"private":  true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var created race.JoinResult
	decodeBody(t, resp, &created)
	require.NotNil(t, created.Race)
	require.NotNil(t, created.Participant)
	assert.Equal(t, race.StatusWaiting, created.Race.Status)
	assert.Len(t, created.Race.RoomCode, 6)
	assert.NotZero(t, created.Participant.ID)

	// joining a code that was never issued
	resp = postJSON(t, server.URL+"/api/races/join", map[string]interface{}{
		"guestId":  "guest-1",
		"username": "bob",
		"roomCode": "NOPE42",
	})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()

	resp = postJSON(t, server.URL+"/api/races/join", map[string]interface{}{
		"guestId":  "guest-1",
		"username": "bob",
		"roomCode": created.Race.RoomCode,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var joined race.JoinResult
	decodeBody(t, resp, &joined)
	require.NotNil(t, joined.Participant)
	assert.Equal(t, created.Race.RaceID, joined.Race.RaceID)
	assert.NotEqual(t, created.Participant.ID, joined.Participant.ID)

	resp = postJSON(t, server.URL+"/api/races/progress", map[string]interface{}{
		"raceId":        created.Race.RaceID,
		"participantId": joined.Participant.ID,
		"progress":      42.5,
		"wpm":           80,
		"accuracy":      96,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	_ = resp.Body.Close()

	resp = postJSON(t, server.URL+"/api/races/finish", map[string]interface{}{
		"raceId":        created.Race.RaceID,
		"participantId": joined.Participant.ID,
		"wpm":           80,
		"accuracy":      96,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var finish struct {
		Position int `json:"position"`
	}
	decodeBody(t, resp, &finish)
	assert.Equal(t, 1, finish.Position)
}

func TestPeerQuickMatch(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	_, server := startPeer(t, ctx)

	resp := postJSON(t, server.URL+"/api/races/quick-match", map[string]interface{}{
		"userId":   "user-1",
		"username": "alice",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var first race.JoinResult
	decodeBody(t, resp, &first)
	require.NotNil(t, first.Race)
	assert.False(t, first.Race.IsPrivate)

	// a second player lands in the same waiting race
	resp = postJSON(t, server.URL+"/api/races/quick-match", map[string]interface{}{
		"userId":   "user-2",
		"username": "bob",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var second race.JoinResult
	decodeBody(t, resp, &second)
	assert.Equal(t, first.Race.RaceID, second.Race.RaceID)
}

func TestPeerHealthEndpoint(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	_, server := startPeer(t, ctx)

	resp, err := http.Get(server.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status health.Status
	decodeBody(t, resp, &status)
	assert.True(t, status.Healthy)
}
