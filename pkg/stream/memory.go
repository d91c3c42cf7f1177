// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

package stream

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"keystorm.io/keystorm/pkg/leaderboard"
)

// Memory implements Stream in-process. Events buffered but not yet
// delivered are lost on restart; callers that need durability use the
// redis implementation.
type Memory struct {
	log    *zap.Logger
	config Config

	incoming chan leaderboard.ScoreEvent

	mu        sync.Mutex
	callbacks []BatchFunc
	dlq       []DeadLetter

	closed chan struct{}
	once   sync.Once
}

// DeadLetter is a failed event retained in memory for inspection.
type DeadLetter struct {
	Event    leaderboard.ScoreEvent
	Reason   string
	FailedAt time.Time
}

// NewMemory creates an in-process stream.
func NewMemory(log *zap.Logger, config Config) *Memory {
	return &Memory{
		log:      log,
		config:   config,
		incoming: make(chan leaderboard.ScoreEvent, 4*config.BatchSize),
		closed:   make(chan struct{}),
	}
}

// Publish validates and buffers an event.
func (stream *Memory) Publish(ctx context.Context, event leaderboard.ScoreEvent) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := event.Validate(); err != nil {
		return "", err
	}
	if event.EventID == "" {
		return "", leaderboard.ErrInvalidEvent.New("missing eventId")
	}

	select {
	case stream.incoming <- event:
		mon.Counter("stream_published").Inc(1)
		return event.EventID, nil
	case <-stream.closed:
		return "", Error.New("stream closed")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// OnBatch registers a batch consumer.
func (stream *Memory) OnBatch(fn BatchFunc) {
	stream.mu.Lock()
	defer stream.mu.Unlock()
	stream.callbacks = append(stream.callbacks, fn)
}

// Run batches buffered events by window and size until ctx is canceled
// or Close is called.
func (stream *Memory) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	ticker := time.NewTicker(stream.config.BatchWindow)
	defer ticker.Stop()

	var pending []leaderboard.ScoreEvent
	var windowStart time.Time

	flush := func() {
		if len(pending) == 0 {
			return
		}
		stream.deliver(ctx, buildBatch(pending, windowStart, time.Now()))
		pending = nil
	}

	for {
		select {
		case event := <-stream.incoming:
			if len(pending) == 0 {
				windowStart = time.Now()
			}
			pending = append(pending, event)
			if len(pending) >= stream.config.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-stream.closed:
			stream.drain(&pending, &windowStart)
			flush()
			return nil
		case <-ctx.Done():
			flush()
			return ctx.Err()
		}
	}
}

// drain pulls whatever is still buffered so Close does not lose
// already published events.
func (stream *Memory) drain(pending *[]leaderboard.ScoreEvent, windowStart *time.Time) {
	for {
		select {
		case event := <-stream.incoming:
			if len(*pending) == 0 {
				*windowStart = time.Now()
			}
			*pending = append(*pending, event)
		default:
			return
		}
	}
}

func (stream *Memory) deliver(ctx context.Context, batch leaderboard.Batch) {
	stream.mu.Lock()
	callbacks := append([]BatchFunc{}, stream.callbacks...)
	stream.mu.Unlock()

	for attempt := 0; ; attempt++ {
		err := runCallbacks(ctx, callbacks, batch)
		if err == nil {
			mon.Counter("stream_batches").Inc(1)
			return
		}

		mon.Counter("stream_batch_errors").Inc(1)
		if attempt >= stream.config.Retry.MaxRetries {
			stream.log.Error("batch exhausted retries, dead-lettering",
				zap.String("batchID", batch.BatchID), zap.Error(err))
			stream.deadLetter(batch.Events, err.Error())
			return
		}

		select {
		case <-time.After(stream.config.Retry.Delay(attempt)):
		case <-ctx.Done():
			return
		case <-stream.closed:
			stream.deadLetter(batch.Events, "stream closed during retry")
			return
		}
	}
}

func (stream *Memory) deadLetter(events []leaderboard.ScoreEvent, reason string) {
	stream.mu.Lock()
	defer stream.mu.Unlock()

	now := time.Now()
	for _, event := range events {
		stream.dlq = append(stream.dlq, DeadLetter{Event: event, Reason: reason, FailedAt: now})
	}
	if over := int64(len(stream.dlq)) - stream.config.DLQMaxLen; over > 0 {
		stream.dlq = stream.dlq[over:]
	}
	mon.Counter("stream_dead_lettered").Inc(int64(len(events)))
}

// DeadLetters returns the retained failed events, oldest first.
func (stream *Memory) DeadLetters() []DeadLetter {
	stream.mu.Lock()
	defer stream.mu.Unlock()
	return append([]DeadLetter{}, stream.dlq...)
}

// Close stops consumption after a final flush.
func (stream *Memory) Close() error {
	stream.once.Do(func() { close(stream.closed) })
	return nil
}
