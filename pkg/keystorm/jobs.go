// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

package keystorm

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"go.uber.org/zap"

	"keystorm.io/keystorm/internal/keyid"
	"keystorm.io/keystorm/pkg/jobqueue"
	"keystorm.io/keystorm/pkg/leaderboard"
	"keystorm.io/keystorm/pkg/race"
)

// leaderboardUpdatePayload asks for a full refresh of one mode and
// language across all timeframes.
type leaderboardUpdatePayload struct {
	Mode     leaderboard.Mode `json:"mode"`
	Language string           `json:"language"`
}

// achievementCheckPayload asks for a milestone scan of one user.
type achievementCheckPayload struct {
	UserID string           `json:"userId"`
	Mode   leaderboard.Mode `json:"mode"`
}

// raceCompletionJob feeds the finished racers' results into the score
// stream and releases the race's cache state.
func (peer *Peer) raceCompletionJob(ctx context.Context, job jobqueue.Job) (err error) {
	defer mon.Task()(&ctx)(&err)

	var completion race.Completion
	if err := json.Unmarshal(job.Payload, &completion); err != nil {
		return Error.Wrap(err)
	}

	finished, err := peer.DB.GetRace(ctx, completion.RaceID)
	if err != nil {
		return Error.Wrap(err)
	}
	participants, err := peer.DB.ListParticipants(ctx, completion.RaceID)
	if err != nil {
		return Error.Wrap(err)
	}

	for _, participant := range participants {
		if !participant.IsFinished || participant.UserID == "" || participant.WPM <= 0 {
			continue
		}
		event := leaderboard.ScoreEvent{
			EventID:   keyid.NewEvent(),
			UserID:    participant.UserID,
			Username:  participant.Username,
			WPM:       participant.WPM,
			Accuracy:  participant.Accuracy,
			Duration:  finished.TimeLimitSeconds,
			Language:  "en",
			Mode:      leaderboard.ModeGlobal,
			Timestamp: completion.FinishedAt,

			AvatarColor: participant.AvatarColor,
		}
		if _, err := peer.Stream.Publish(ctx, event); err != nil {
			peer.Log.Warn("race result ingest failed",
				zap.String("raceID", completion.RaceID),
				zap.String("userID", participant.UserID),
				zap.Error(err))
		}
	}

	if err := peer.RaceCache.RemoveWaiting(ctx, completion.RaceID); err != nil {
		peer.Log.Debug("waiting pool cleanup failed", zap.Error(err))
	}
	if err := peer.RaceCache.DeleteRace(ctx, finished); err != nil {
		peer.Log.Debug("race cache cleanup failed", zap.Error(err))
	}
	return nil
}

// leaderboardUpdateJob refreshes every timeframe of one view outside
// the batch pipeline.
func (peer *Peer) leaderboardUpdateJob(ctx context.Context, job jobqueue.Job) (err error) {
	defer mon.Task()(&ctx)(&err)

	var payload leaderboardUpdatePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return Error.Wrap(err)
	}
	if !payload.Mode.Valid() {
		return Error.New("unknown mode %q", payload.Mode)
	}
	if payload.Language == "" {
		payload.Language = "en"
	}

	for _, timeframe := range leaderboard.Timeframes {
		key := leaderboard.Key{Mode: payload.Mode, Timeframe: timeframe, Language: payload.Language}
		if err := peer.Refresher.Refresh(ctx, key); err != nil {
			return Error.Wrap(err)
		}
	}
	return Error.Wrap(peer.Cache.InvalidateView(ctx, payload.Mode, payload.Language))
}

// achievement milestones by completed test count
var achievementMilestones = []int{1, 10, 50, 100, 500}

// achievementCheckJob scans a user's recent history for milestone and
// personal-best achievements.
func (peer *Peer) achievementCheckJob(ctx context.Context, job jobqueue.Job) (err error) {
	defer mon.Task()(&ctx)(&err)

	var payload achievementCheckPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return Error.Wrap(err)
	}
	if payload.Mode == "" {
		payload.Mode = leaderboard.ModeGlobal
	}

	prior, err := peer.DB.PriorResults(ctx, payload.UserID, payload.Mode, 500)
	if err != nil {
		return Error.Wrap(err)
	}
	if len(prior) == 0 {
		return nil
	}

	var unlocked []string
	for _, milestone := range achievementMilestones {
		if len(prior) == milestone {
			unlocked = append(unlocked, "tests_completed_"+strconv.Itoa(milestone))
		}
	}
	best := prior[0]
	for _, wpm := range prior[1:] {
		if wpm > best {
			best = wpm
		}
	}
	if prior[0] >= best {
		unlocked = append(unlocked, "personal_best")
	}
	if len(unlocked) == 0 {
		return nil
	}

	peer.Log.Info("achievements unlocked",
		zap.String("userID", payload.UserID),
		zap.Strings("achievements", unlocked))
	mon.Counter("achievements_unlocked").Inc(int64(len(unlocked)))

	peer.Realtime.Broadcast(leaderboard.Key{
		Mode:      payload.Mode,
		Timeframe: leaderboard.TimeframeAll,
		Language:  "en",
	}, mustJSON(map[string]interface{}{
		"type":         "achievement",
		"userId":       payload.UserID,
		"achievements": unlocked,
		"at":           time.Now().UnixNano() / int64(time.Millisecond),
	}))
	return nil
}

func mustJSON(body interface{}) []byte {
	data, _ := json.Marshal(body)
	return data
}
