// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

// Package anticheat validates score admissibility before events are
// published. Hard rejects block ingest; flags only mark submissions
// for manual review.
package anticheat

import (
	"context"
	"fmt"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"keystorm.io/keystorm/pkg/leaderboard"
)

var (
	mon = monkit.Package()
	// Error is the default anticheat error class.
	Error = errs.Class("anticheat error")
	// ErrRejected is returned for hard-rejected submissions.
	ErrRejected = errs.Class("score rejected")
)

// physical plausibility bounds
const (
	maxWPM             = 250
	minAccuracy        = 10
	maxAccuracy        = 100
	minDurationSeconds = 5
	maxCharsPerSecond  = 25.0
	stressRateFactor   = 1.5
	survivalSlack      = 1.1

	firstAttemptFlagWPM  = 180
	suddenImprovementWPM = 50
	historyWindow        = 5
	perfectAccuracySpeed = 150
)

// per-difficulty stress score caps requiring review when exceeded
var stressScoreCaps = map[string]int{
	"easy":   5000,
	"medium": 12000,
	"hard":   25000,
	"insane": 50000,
}

// Submission is the validated payload of a score ingest.
type Submission struct {
	UserID       string
	WPM          float64
	Accuracy     float64
	Duration     int // seconds
	CorrectChars int
	TotalChars   int
	Mode         leaderboard.Mode
	Difficulty   string
	StressScore  int
	SurvivalTime float64 // seconds, stress mode only
}

// Result carries the flags of an accepted submission.
type Result struct {
	Flags                []string `json:"flags,omitempty"`
	RequiresManualReview bool     `json:"requiresManualReview"`
}

// History provides prior results for improvement checks.
type History interface {
	// PriorResults returns the user's most recent wpm results for a
	// mode, newest first.
	PriorResults(ctx context.Context, userID string, mode leaderboard.Mode, limit int) ([]float64, error)
}

// Validator checks submissions against plausibility bounds and the
// user's history.
type Validator struct {
	log     *zap.Logger
	history History
}

// NewValidator creates a validator backed by the given history source.
func NewValidator(log *zap.Logger, history History) *Validator {
	return &Validator{log: log, history: history}
}

// Validate hard-rejects impossible submissions and flags suspicious
// ones. A flagged submission is still accepted.
func (validator *Validator) Validate(ctx context.Context, sub Submission) (_ Result, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := checkBounds(sub); err != nil {
		mon.Counter("anticheat_rejected").Inc(1)
		return Result{}, err
	}

	result := validator.flag(ctx, sub)
	if result.RequiresManualReview {
		mon.Counter("anticheat_flagged").Inc(1)
		validator.log.Info("score flagged for review",
			zap.String("userID", sub.UserID),
			zap.Float64("wpm", sub.WPM),
			zap.Strings("flags", result.Flags))
	}
	return result, nil
}

func checkBounds(sub Submission) error {
	if sub.WPM > maxWPM {
		return ErrRejected.New("WPM (%.0f) exceeds maximum possible (%d)", sub.WPM, maxWPM)
	}
	if sub.Accuracy < minAccuracy || sub.Accuracy > maxAccuracy {
		return ErrRejected.New("accuracy (%.1f) outside plausible range [%d,%d]", sub.Accuracy, minAccuracy, maxAccuracy)
	}
	if sub.StressScore < 0 {
		return ErrRejected.New("negative stress score (%d)", sub.StressScore)
	}
	if sub.Duration < minDurationSeconds {
		return ErrRejected.New("duration (%ds) below minimum (%ds)", sub.Duration, minDurationSeconds)
	}
	if sub.Duration > 0 {
		if rate := float64(sub.CorrectChars) / float64(sub.Duration); rate > maxCharsPerSecond {
			return ErrRejected.New("char rate (%.1f/s) exceeds maximum (%.1f/s)", rate, maxCharsPerSecond)
		}
		if sub.Mode == leaderboard.ModeStress {
			if rate := float64(sub.TotalChars) / float64(sub.Duration); rate > maxCharsPerSecond*stressRateFactor {
				return ErrRejected.New("stress char rate (%.1f/s) exceeds maximum (%.1f/s)", rate, maxCharsPerSecond*stressRateFactor)
			}
		}
	}
	if sub.SurvivalTime > survivalSlack*float64(sub.Duration) {
		return ErrRejected.New("survival time (%.1fs) exceeds test duration (%ds)", sub.SurvivalTime, sub.Duration)
	}
	return nil
}

func (validator *Validator) flag(ctx context.Context, sub Submission) Result {
	var result Result

	prior, err := validator.history.PriorResults(ctx, sub.UserID, sub.Mode, historyWindow)
	if err != nil {
		// history being unavailable must not block ingest
		validator.log.Debug("anticheat history lookup failed", zap.Error(err))
		prior = nil
	}

	if len(prior) == 0 && sub.WPM > firstAttemptFlagWPM {
		result.Flags = append(result.Flags, fmt.Sprintf("first_attempt:%.0fwpm", sub.WPM))
	}

	if len(prior) > 0 {
		var sum float64
		for _, wpm := range prior {
			sum += wpm
		}
		average := sum / float64(len(prior))
		if improvement := sub.WPM - average; improvement > suddenImprovementWPM {
			result.Flags = append(result.Flags, fmt.Sprintf("sudden_improvement:+%.0fwpm", improvement))
		}
	}

	if limit, ok := stressScoreCaps[sub.Difficulty]; ok && sub.StressScore > limit {
		result.Flags = append(result.Flags, fmt.Sprintf("stress_score_cap:%s", sub.Difficulty))
	}

	if sub.Accuracy == maxAccuracy && sub.WPM > perfectAccuracySpeed {
		result.Flags = append(result.Flags, "perfect_accuracy_high_speed")
	}

	result.RequiresManualReview = len(result.Flags) > 0
	return result
}
