// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

package keystorm

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"keystorm.io/keystorm/internal/keyid"
	"keystorm.io/keystorm/pkg/anticheat"
	"keystorm.io/keystorm/pkg/leaderboard"
	"keystorm.io/keystorm/pkg/leaderboard/cache"
	"keystorm.io/keystorm/pkg/race"
	"keystorm.io/keystorm/pkg/scoredb"
)

func (peer *Peer) setupHTTP() {
	mux := http.NewServeMux()
	mux.Handle("/ws/leaderboard", peer.Realtime)
	mux.Handle("/health", peer.Health)
	mux.HandleFunc("/api/scores", peer.handleSubmitScore)
	mux.HandleFunc("/api/leaderboard", peer.handleLeaderboard)
	mux.HandleFunc("/api/leaderboard/around-me", peer.handleAroundMe)
	mux.HandleFunc("/api/races/quick-match", peer.handleQuickMatch)
	mux.HandleFunc("/api/races/create", peer.handleCreateRoom)
	mux.HandleFunc("/api/races/join", peer.handleJoinByCode)
	mux.HandleFunc("/api/races/progress", peer.handleProgress)
	mux.HandleFunc("/api/races/finish", peer.handleFinish)

	peer.HTTP = &http.Server{
		Addr:         peer.Config.Address,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]apiError{"error": {Code: code, Message: message}})
}

type scoreSubmission struct {
	UserID       string  `json:"userId"`
	Username     string  `json:"username"`
	WPM          float64 `json:"wpm"`
	Accuracy     float64 `json:"accuracy"`
	Duration     int     `json:"duration"`
	Language     string  `json:"language"`
	Mode         string  `json:"mode"`
	CorrectChars int     `json:"correctChars"`
	TotalChars   int     `json:"totalChars"`
	Difficulty   string  `json:"difficulty,omitempty"`
	StressScore  int     `json:"stressScore,omitempty"`
	SurvivalTime float64 `json:"survivalTime,omitempty"`
	TestResultID string  `json:"testResultId,omitempty"`
	IsVerified   bool    `json:"isVerified,omitempty"`
	AvatarColor  string  `json:"avatarColor,omitempty"`
}

// handleSubmitScore validates a result and appends it to the score
// stream.
func (peer *Peer) handleSubmitScore(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use POST")
		return
	}

	var submission scoreSubmission
	if err := json.NewDecoder(r.Body).Decode(&submission); err != nil {
		writeError(w, http.StatusBadRequest, "INGEST_INVALID", "malformed body")
		return
	}

	result, err := peer.Anticheat.Validate(r.Context(), anticheat.Submission{
		UserID:       submission.UserID,
		WPM:          submission.WPM,
		Accuracy:     submission.Accuracy,
		Duration:     submission.Duration,
		CorrectChars: submission.CorrectChars,
		TotalChars:   submission.TotalChars,
		Mode:         leaderboard.Mode(submission.Mode),
		Difficulty:   submission.Difficulty,
		StressScore:  submission.StressScore,
		SurvivalTime: submission.SurvivalTime,
	})
	if anticheat.ErrRejected.Has(err) {
		writeError(w, http.StatusUnprocessableEntity, "SCORE_REJECTED", err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "validation failed")
		return
	}

	event := leaderboard.ScoreEvent{
		EventID:      keyid.NewEvent(),
		UserID:       submission.UserID,
		Username:     submission.Username,
		WPM:          submission.WPM,
		Accuracy:     submission.Accuracy,
		Duration:     submission.Duration,
		Language:     submission.Language,
		Mode:         leaderboard.Mode(submission.Mode),
		Timestamp:    time.Now().UnixNano() / int64(time.Millisecond),
		TestResultID: submission.TestResultID,
		IsVerified:   submission.IsVerified,
		AvatarColor:  submission.AvatarColor,
	}
	eventID, err := peer.Stream.Publish(r.Context(), event)
	if leaderboard.ErrInvalidEvent.Has(err) {
		writeError(w, http.StatusBadRequest, "INGEST_INVALID", err.Error())
		return
	}
	if err != nil {
		peer.Log.Error("score publish failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "STREAM_UNAVAILABLE", "try again")
		return
	}

	peer.Realtime.PromoteUser(submission.UserID)
	peer.Health.Count("ingested", 1)

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"eventId":              eventID,
		"flags":                result.Flags,
		"requiresManualReview": result.RequiresManualReview,
	})
}

// handleLeaderboard serves paginated reads with entity tags.
func (peer *Peer) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	req := cache.Request{
		Key: leaderboard.Key{
			Mode:      leaderboard.Mode(defaulted(query.Get("mode"), string(leaderboard.ModeGlobal))),
			Timeframe: leaderboard.Timeframe(defaulted(query.Get("timeframe"), string(leaderboard.TimeframeAll))),
			Language:  defaulted(query.Get("language"), "en"),
		},
		UserID: query.Get("userId"),
	}
	if !req.Key.Mode.Valid() || !req.Key.Timeframe.Valid() {
		writeError(w, http.StatusBadRequest, "INVALID_VIEW", "unknown mode or timeframe")
		return
	}
	req.Limit, _ = strconv.Atoi(query.Get("limit"))
	if cursor := query.Get("cursor"); cursor != "" {
		offset, err := cache.DecodeCursor(cursor)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_CURSOR", "malformed cursor")
			return
		}
		req.Offset = offset
	} else {
		req.Offset, _ = strconv.Atoi(query.Get("offset"))
	}

	response, err := peer.Cache.Get(r.Context(), req)
	if err != nil {
		peer.Log.Error("leaderboard read failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "leaderboard unavailable")
		return
	}

	etag := `"` + response.Metadata.ETag + `"`
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", etag)
	writeJSON(w, http.StatusOK, response)
}

// handleAroundMe serves the user-centric window.
func (peer *Peer) handleAroundMe(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	userID := query.Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "MISSING_USER", "userId required")
		return
	}
	key := leaderboard.Key{
		Mode:      leaderboard.Mode(defaulted(query.Get("mode"), string(leaderboard.ModeGlobal))),
		Timeframe: leaderboard.Timeframe(defaulted(query.Get("timeframe"), string(leaderboard.TimeframeAll))),
		Language:  defaulted(query.Get("language"), "en"),
	}
	if !key.Mode.Valid() || !key.Timeframe.Valid() {
		writeError(w, http.StatusBadRequest, "INVALID_VIEW", "unknown mode or timeframe")
		return
	}

	around, err := peer.Cache.GetAroundMe(r.Context(), userID, key)
	if err != nil {
		if scoredb.ErrNotFound.Has(err) {
			writeError(w, http.StatusNotFound, "USER_NOT_RANKED", "user has no entry in this view")
			return
		}
		peer.Log.Error("around-me read failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "around-me unavailable")
		return
	}
	writeJSON(w, http.StatusOK, around)
}

type raceRequest struct {
	UserID      string  `json:"userId,omitempty"`
	GuestID     string  `json:"guestId,omitempty"`
	Username    string  `json:"username"`
	AvatarColor string  `json:"avatarColor,omitempty"`
	RoomCode    string  `json:"roomCode,omitempty"`
	TextSource  string  `json:"textSource,omitempty"`
	Private     bool    `json:"private,omitempty"`
	RaceID      string  `json:"raceId,omitempty"`
	Participant int64   `json:"participantId,omitempty"`
	Progress    float64 `json:"progress,omitempty"`
	WPM         float64 `json:"wpm,omitempty"`
	Accuracy    float64 `json:"accuracy,omitempty"`
	Errors      int     `json:"errors,omitempty"`
}

func decodeRaceRequest(w http.ResponseWriter, r *http.Request) (raceRequest, bool) {
	var request raceRequest
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use POST")
		return request, false
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "malformed body")
		return request, false
	}
	if request.Username == "" && request.RaceID == "" {
		writeError(w, http.StatusBadRequest, "MISSING_USERNAME", "username required")
		return request, false
	}
	return request, true
}

func (request raceRequest) participant() race.Participant {
	return race.Participant{
		UserID:      request.UserID,
		GuestID:     request.GuestID,
		Username:    request.Username,
		AvatarColor: request.AvatarColor,
	}
}

func (peer *Peer) handleQuickMatch(w http.ResponseWriter, r *http.Request) {
	request, ok := decodeRaceRequest(w, r)
	if !ok {
		return
	}
	result, err := peer.Coordinator.QuickMatch(r.Context(), request.participant())
	peer.writeJoinResult(w, result, err)
}

func (peer *Peer) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	request, ok := decodeRaceRequest(w, r)
	if !ok {
		return
	}
	result, err := peer.Coordinator.CreateRoom(r.Context(), request.participant(), request.TextSource, request.Private)
	peer.writeJoinResult(w, result, err)
}

func (peer *Peer) handleJoinByCode(w http.ResponseWriter, r *http.Request) {
	request, ok := decodeRaceRequest(w, r)
	if !ok {
		return
	}
	if request.RoomCode == "" {
		writeError(w, http.StatusBadRequest, "MISSING_CODE", "roomCode required")
		return
	}
	result, err := peer.Coordinator.JoinByCode(r.Context(), request.RoomCode, request.participant())
	peer.writeJoinResult(w, result, err)
}

func (peer *Peer) handleProgress(w http.ResponseWriter, r *http.Request) {
	request, ok := decodeRaceRequest(w, r)
	if !ok {
		return
	}
	if request.RaceID == "" || request.Participant == 0 {
		writeError(w, http.StatusBadRequest, "MISSING_IDS", "raceId and participantId required")
		return
	}
	peer.Coordinator.Progress(request.RaceID, race.ProgressUpdate{
		ParticipantID: request.Participant,
		Progress:      request.Progress,
		WPM:           request.WPM,
		Accuracy:      request.Accuracy,
		Errors:        request.Errors,
	})
	w.WriteHeader(http.StatusAccepted)
}

func (peer *Peer) handleFinish(w http.ResponseWriter, r *http.Request) {
	request, ok := decodeRaceRequest(w, r)
	if !ok {
		return
	}
	if request.RaceID == "" || request.Participant == 0 {
		writeError(w, http.StatusBadRequest, "MISSING_IDS", "raceId and participantId required")
		return
	}
	position, err := peer.Coordinator.FinishParticipant(r.Context(),
		request.RaceID, request.Participant, request.WPM, request.Accuracy)
	if err != nil {
		peer.writeJoinResult(w, nil, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"position": position})
}

// writeJoinResult maps the typed join errors onto HTTP statuses.
func (peer *Peer) writeJoinResult(w http.ResponseWriter, result *race.JoinResult, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, result)
	case race.ErrRoomNotFound.Has(err):
		writeError(w, http.StatusNotFound, "ROOM_NOT_FOUND", "no race with that code")
	case race.ErrRoomFull.Has(err):
		writeError(w, http.StatusForbidden, "ROOM_FULL", "race is full")
	case race.ErrRoomStarted.Has(err):
		writeError(w, http.StatusConflict, "ROOM_STARTED", "race already started")
	case race.ErrRoomLocked.Has(err):
		writeError(w, http.StatusForbidden, "ROOM_LOCKED", "race is locked")
	case race.ErrKicked.Has(err):
		writeJSON(w, http.StatusForbidden, map[string]interface{}{
			"error":            apiError{Code: "KICKED_FROM_RACE", Message: "removed from this race"},
			"canRequestRejoin": true,
		})
	default:
		peer.Log.Error("race operation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "race operation failed")
	}
}

func defaulted(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
