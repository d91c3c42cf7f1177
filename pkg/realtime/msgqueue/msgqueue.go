// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

// Package msgqueue implements the bounded per-client outbound queue.
// Messages carry a priority; when the queue is full a high priority
// message displaces the oldest lowest-priority one, anything else is
// dropped. A slow client is detected through the queued byte count.
package msgqueue

import (
	"sync"
	"time"

	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"keystorm.io/keystorm/internal/memory"
)

var mon = monkit.Package()

// Priority orders outbound messages.
type Priority int

// message priorities, lowest first
const (
	Low Priority = iota
	Medium
	High
)

const priorities = 3

// Config tunes the per-client queue.
type Config struct {
	Capacity          int           `help:"max queued messages per client" default:"50"`
	BackpressureBytes memory.Size   `help:"queued bytes above which a client counts as slow" default:"16384"`
	DrainInterval     time.Duration `help:"delay between drain ticks" default:"50ms"`
	DrainBurst        int           `help:"max messages written per drain tick" default:"5"`
}

// Message is a queued outbound frame.
type Message struct {
	Priority Priority
	Payload  []byte
	Enqueued time.Time
}

// Queue is a bounded three-level priority queue. All methods are safe
// for concurrent use.
type Queue struct {
	config Config

	mu      sync.Mutex
	queues  [priorities][]Message
	bytes   int64
	total   int
	dropped int64
}

// New creates a queue.
func New(config Config) *Queue {
	return &Queue{config: config}
}

// Push enqueues a message. It reports whether the message was accepted;
// a rejected or displaced message counts as dropped.
func (queue *Queue) Push(priority Priority, payload []byte) bool {
	queue.mu.Lock()
	defer queue.mu.Unlock()

	if queue.total >= queue.config.Capacity {
		if priority != High || !queue.displaceLocked() {
			queue.dropped++
			mon.Counter("msgqueue_dropped").Inc(1)
			return false
		}
	}

	queue.queues[priority] = append(queue.queues[priority], Message{
		Priority: priority,
		Payload:  payload,
		Enqueued: time.Now(),
	})
	queue.total++
	queue.bytes += int64(len(payload))
	return true
}

// displaceLocked removes the oldest message of the lowest non-empty
// priority level to make room.
func (queue *Queue) displaceLocked() bool {
	for priority := Low; priority <= High; priority++ {
		if len(queue.queues[priority]) == 0 {
			continue
		}
		victim := queue.queues[priority][0]
		queue.queues[priority] = queue.queues[priority][1:]
		queue.total--
		queue.bytes -= int64(len(victim.Payload))
		queue.dropped++
		mon.Counter("msgqueue_displaced").Inc(1)
		return true
	}
	return false
}

// Pop dequeues the next message, highest priority first and FIFO
// within a priority.
func (queue *Queue) Pop() (Message, bool) {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	return queue.popLocked()
}

func (queue *Queue) popLocked() (Message, bool) {
	for priority := High; priority >= Low; priority-- {
		if len(queue.queues[priority]) == 0 {
			continue
		}
		message := queue.queues[priority][0]
		queue.queues[priority] = queue.queues[priority][1:]
		queue.total--
		queue.bytes -= int64(len(message.Payload))
		return message, true
	}
	return Message{}, false
}

// PopBatch dequeues up to limit messages.
func (queue *Queue) PopBatch(limit int) []Message {
	queue.mu.Lock()
	defer queue.mu.Unlock()

	var batch []Message
	for len(batch) < limit {
		message, ok := queue.popLocked()
		if !ok {
			break
		}
		batch = append(batch, message)
	}
	return batch
}

// Len returns the number of queued messages.
func (queue *Queue) Len() int {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	return queue.total
}

// Bytes returns the summed payload size of queued messages.
func (queue *Queue) Bytes() int64 {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	return queue.bytes
}

// Shed drops queued messages, lowest priority first, until the queued
// bytes fall below the backpressure threshold. Shed messages count as
// dropped and are never retried. It returns the number of messages
// shed.
func (queue *Queue) Shed() int {
	queue.mu.Lock()
	defer queue.mu.Unlock()

	shed := 0
	for priority := Low; priority < High; priority++ {
		for len(queue.queues[priority]) > 0 && queue.bytes > queue.config.BackpressureBytes.Int64() {
			victim := queue.queues[priority][0]
			queue.queues[priority] = queue.queues[priority][1:]
			queue.total--
			queue.bytes -= int64(len(victim.Payload))
			queue.dropped++
			shed++
			mon.Counter("msgqueue_shed").Inc(1)
		}
	}
	return shed
}

// Backpressured reports whether the queued bytes exceed the slow
// client threshold.
func (queue *Queue) Backpressured() bool {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	return queue.bytes > queue.config.BackpressureBytes.Int64()
}

// Dropped returns the number of rejected or displaced messages.
func (queue *Queue) Dropped() int64 {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	return queue.dropped
}
