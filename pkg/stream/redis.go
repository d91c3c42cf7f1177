// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

package stream

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis"
	"go.uber.org/zap"

	"keystorm.io/keystorm/pkg/leaderboard"
)

// Redis implements Stream on redis streams with a consumer group, so
// each entry is processed by exactly one instance and re-delivered on
// crash until acked.
type Redis struct {
	log      *zap.Logger
	db       *redis.Client
	config   Config
	consumer string

	mu        sync.Mutex
	callbacks []BatchFunc

	closed chan struct{}
	once   sync.Once
}

// NewRedis creates a redis-backed stream consuming as the given
// consumer name within the configured group.
func NewRedis(log *zap.Logger, db *redis.Client, consumer string, config Config) (*Redis, error) {
	stream := &Redis{
		log:      log,
		db:       db,
		config:   config,
		consumer: consumer,
		closed:   make(chan struct{}),
	}

	err := db.XGroupCreateMkStream(config.Name, config.Group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, Error.Wrap(err)
	}
	return stream, nil
}

// Publish validates and appends an event.
func (stream *Redis) Publish(ctx context.Context, event leaderboard.ScoreEvent) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := event.Validate(); err != nil {
		return "", err
	}
	if event.EventID == "" {
		return "", leaderboard.ErrInvalidEvent.New("missing eventId")
	}

	data, err := json.Marshal(event)
	if err != nil {
		return "", Error.Wrap(err)
	}
	id, err := stream.db.XAdd(&redis.XAddArgs{
		Stream: stream.config.Name,
		Values: map[string]interface{}{"data": string(data)},
	}).Result()
	if err != nil {
		return "", Error.Wrap(err)
	}
	mon.Counter("stream_published").Inc(1)
	return id, nil
}

// OnBatch registers a batch consumer.
func (stream *Redis) OnBatch(fn BatchFunc) {
	stream.mu.Lock()
	defer stream.mu.Unlock()
	stream.callbacks = append(stream.callbacks, fn)
}

// Run consumes the stream until ctx is canceled or Close is called.
// The first read picks up entries left pending by a previous process
// generation.
func (stream *Redis) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	cursor := "0" // deliver own pending entries first
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stream.closed:
			return nil
		default:
		}

		streams, err := stream.db.XReadGroup(&redis.XReadGroupArgs{
			Group:    stream.config.Group,
			Consumer: stream.consumer,
			Streams:  []string{stream.config.Name, cursor},
			Count:    int64(stream.config.BatchSize),
			Block:    stream.config.BatchWindow,
		}).Result()
		if err == redis.Nil {
			cursor = ">"
			continue
		}
		if err != nil {
			stream.log.Error("stream read failed", zap.Error(err))
			mon.Counter("stream_read_errors").Inc(1)
			select {
			case <-time.After(stream.config.Retry.Base):
			case <-ctx.Done():
				return ctx.Err()
			case <-stream.closed:
				return nil
			}
			continue
		}

		var messages []redis.XMessage
		for _, entry := range streams {
			messages = append(messages, entry.Messages...)
		}
		if len(messages) == 0 {
			cursor = ">"
			continue
		}
		stream.processMessages(ctx, messages)
		cursor = ">"
	}
}

// pendingEntry pairs a stream entry id with its original payload, so
// dead-lettering keeps each entry's own data even after the batch has
// deduplicated events.
type pendingEntry struct {
	id  string
	raw string
}

type badEntry struct {
	pendingEntry
	reason string
}

// decodeEntries decodes stream entries into events paired with their
// payloads; undecodable entries come back separately with a reason.
func decodeEntries(messages []redis.XMessage) (events []leaderboard.ScoreEvent, pending []pendingEntry, bad []badEntry) {
	for _, message := range messages {
		raw, ok := message.Values["data"].(string)
		if !ok {
			bad = append(bad, badEntry{pendingEntry{id: message.ID}, "missing data field"})
			continue
		}
		var event leaderboard.ScoreEvent
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			bad = append(bad, badEntry{pendingEntry{id: message.ID, raw: raw}, "malformed event: " + err.Error()})
			continue
		}
		events = append(events, event)
		pending = append(pending, pendingEntry{id: message.ID, raw: raw})
	}
	return events, pending, bad
}

func (stream *Redis) processMessages(ctx context.Context, messages []redis.XMessage) {
	start := time.Now()

	events, pending, bad := decodeEntries(messages)
	for _, entry := range bad {
		stream.deadLetter(entry.id, entry.raw, entry.reason)
	}
	if len(events) == 0 {
		return
	}

	batch := buildBatch(events, start, time.Now())

	stream.mu.Lock()
	callbacks := append([]BatchFunc{}, stream.callbacks...)
	stream.mu.Unlock()

	for attempt := 0; ; attempt++ {
		err := runCallbacks(ctx, callbacks, batch)
		if err == nil {
			ids := make([]string, len(pending))
			for i, entry := range pending {
				ids[i] = entry.id
			}
			stream.ack(ids...)
			mon.Counter("stream_batches").Inc(1)
			return
		}

		mon.Counter("stream_batch_errors").Inc(1)
		if attempt >= stream.config.Retry.MaxRetries {
			stream.log.Error("batch exhausted retries, dead-lettering",
				zap.String("batchID", batch.BatchID), zap.Error(err))
			for _, entry := range pending {
				stream.deadLetter(entry.id, entry.raw, err.Error())
			}
			return
		}

		stream.log.Warn("batch processing failed, retrying",
			zap.String("batchID", batch.BatchID),
			zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-time.After(stream.config.Retry.Delay(attempt)):
		case <-ctx.Done():
			return
		case <-stream.closed:
			return
		}
	}
}

func runCallbacks(ctx context.Context, callbacks []BatchFunc, batch leaderboard.Batch) error {
	for _, fn := range callbacks {
		if err := fn(ctx, batch); err != nil {
			return err
		}
	}
	return nil
}

// deadLetter copies the original entry with its error into the capped
// DLQ stream and acks it on the live stream.
func (stream *Redis) deadLetter(originalID, data, reason string) {
	err := stream.db.XAdd(&redis.XAddArgs{
		Stream:       stream.config.DLQName,
		MaxLenApprox: stream.config.DLQMaxLen,
		Values: map[string]interface{}{
			"originalId": originalID,
			"data":       data,
			"error":      reason,
			"failedAt":   time.Now().UnixNano() / int64(time.Millisecond),
		},
	}).Err()
	if err != nil {
		stream.log.Error("dead letter write failed", zap.Error(err))
	}
	mon.Counter("stream_dead_lettered").Inc(1)
	stream.ack(originalID)
}

func (stream *Redis) ack(ids ...string) {
	if len(ids) == 0 {
		return
	}
	if err := stream.db.XAck(stream.config.Name, stream.config.Group, ids...).Err(); err != nil {
		stream.log.Error("stream ack failed", zap.Error(err))
	}
}

// Close stops consumption.
func (stream *Redis) Close() error {
	stream.once.Do(func() { close(stream.closed) })
	return nil
}
