// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

package anticheat_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"keystorm.io/keystorm/internal/testcontext"
	"keystorm.io/keystorm/pkg/anticheat"
	"keystorm.io/keystorm/pkg/leaderboard"
)

type fakeHistory struct {
	wpms []float64
	err  error
}

func (history *fakeHistory) PriorResults(ctx context.Context, userID string, mode leaderboard.Mode, limit int) ([]float64, error) {
	return history.wpms, history.err
}

func plausible() anticheat.Submission {
	return anticheat.Submission{
		UserID:       "user-1",
		WPM:          85,
		Accuracy:     96,
		Duration:     60,
		CorrectChars: 420,
		TotalChars:   440,
		Mode:         leaderboard.ModeGlobal,
	}
}

func newValidator(t *testing.T, history *fakeHistory) *anticheat.Validator {
	return anticheat.NewValidator(zaptest.NewLogger(t), history)
}

func TestValidateAccepts(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	validator := newValidator(t, &fakeHistory{wpms: []float64{80, 85, 82}})
	result, err := validator.Validate(ctx, plausible())
	require.NoError(t, err)
	assert.Empty(t, result.Flags)
	assert.False(t, result.RequiresManualReview)
}

func TestValidateRejectsImpossible(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	validator := newValidator(t, &fakeHistory{})

	sub := plausible()
	sub.WPM = 300
	_, err := validator.Validate(ctx, sub)
	assert.True(t, anticheat.ErrRejected.Has(err))

	sub = plausible()
	sub.Accuracy = 5
	_, err = validator.Validate(ctx, sub)
	assert.True(t, anticheat.ErrRejected.Has(err))

	sub = plausible()
	sub.Duration = 2
	_, err = validator.Validate(ctx, sub)
	assert.True(t, anticheat.ErrRejected.Has(err))

	sub = plausible()
	sub.CorrectChars = 5000
	_, err = validator.Validate(ctx, sub)
	assert.True(t, anticheat.ErrRejected.Has(err))

	sub = plausible()
	sub.SurvivalTime = 120
	_, err = validator.Validate(ctx, sub)
	assert.True(t, anticheat.ErrRejected.Has(err))
}

func TestFlagSuddenImprovement(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	validator := newValidator(t, &fakeHistory{wpms: []float64{60, 62, 58}})

	sub := plausible()
	sub.WPM = 140
	result, err := validator.Validate(ctx, sub)
	require.NoError(t, err)
	require.NotEmpty(t, result.Flags)
	assert.True(t, result.RequiresManualReview)
	assert.Contains(t, result.Flags[0], "sudden_improvement")
}

func TestFlagFirstAttemptSpeed(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	validator := newValidator(t, &fakeHistory{})

	sub := plausible()
	sub.WPM = 200
	sub.CorrectChars = 1000
	result, err := validator.Validate(ctx, sub)
	require.NoError(t, err)
	require.NotEmpty(t, result.Flags)
	assert.Contains(t, result.Flags[0], "first_attempt")
}

func TestFlagPerfectAccuracyHighSpeed(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	validator := newValidator(t, &fakeHistory{wpms: []float64{150, 155}})

	sub := plausible()
	sub.WPM = 170
	sub.Accuracy = 100
	sub.CorrectChars = 850
	result, err := validator.Validate(ctx, sub)
	require.NoError(t, err)
	assert.Contains(t, result.Flags, "perfect_accuracy_high_speed")
}

func TestHistoryFailureDoesNotBlock(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	validator := newValidator(t, &fakeHistory{err: errors.New("db down")})
	result, err := validator.Validate(ctx, plausible())
	require.NoError(t, err)
	assert.False(t, result.RequiresManualReview)
}
