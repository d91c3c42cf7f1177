// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

// Package stream implements the append-only score event log with
// consumer groups, batching, deduplication and a dead-letter queue.
// The redis streams implementation is durable; the in-memory fallback
// keeps the same interface with at-most-once semantics across process
// restarts.
package stream

import (
	"context"
	"time"

	"github.com/zeebo/errs"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"keystorm.io/keystorm/internal/keyid"
	"keystorm.io/keystorm/pkg/leaderboard"
	"keystorm.io/keystorm/pkg/ratelimit"
)

var (
	mon = monkit.Package()
	// Error is the default stream error class.
	Error = errs.Class("stream error")
)

// Config tunes batching and retry behavior.
type Config struct {
	Name        string        `help:"stream key" default:"stream:scores"`
	Group       string        `help:"consumer group name" default:"leaderboard-processors"`
	BatchWindow time.Duration `help:"max age of a batch before flush" default:"2s"`
	BatchSize   int           `help:"max events per batch" default:"100"`
	DLQName     string        `help:"dead letter stream key" default:"stream:scores:dlq"`
	DLQMaxLen   int64         `help:"dead letter stream retention cap" default:"1000"`

	Retry ratelimit.Backoff
}

// BatchFunc consumes a batch. Batches are delivered at-least-once;
// consumers must be idempotent.
type BatchFunc func(ctx context.Context, batch leaderboard.Batch) error

// Stream is the append-only score event log.
type Stream interface {
	// Publish validates and appends an event, returning its log
	// position. Invalid events fail with leaderboard.ErrInvalidEvent.
	Publish(ctx context.Context, event leaderboard.ScoreEvent) (eventID string, err error)
	// OnBatch registers a batch consumer. Must be called before Run.
	OnBatch(fn BatchFunc)
	// Run consumes the stream until ctx is canceled.
	Run(ctx context.Context) error
	// Close flushes buffered batches and stops consumption.
	Close() error
}

// buildBatch assembles a deduplicated batch from raw events.
func buildBatch(events []leaderboard.ScoreEvent, start, end time.Time) leaderboard.Batch {
	deduped := leaderboard.Dedup(events)
	return leaderboard.Batch{
		BatchID:            keyid.NewBatch(),
		Events:             deduped,
		StartTime:          start.UnixNano() / int64(time.Millisecond),
		EndTime:            end.UnixNano() / int64(time.Millisecond),
		AffectedLanguages:  leaderboard.Languages(deduped),
		AffectedTimeframes: leaderboard.Timeframes,
	}
}
