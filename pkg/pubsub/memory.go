// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

package pubsub

import (
	"sync"
)

// subscriberBuffer bounds the per-subscription delivery queue; slower
// subscribers drop the oldest message rather than block publishers.
const subscriberBuffer = 128

// Memory implements PubSub inside a single process. Delivery is
// at-most-once and only to local subscribers, which matches the
// degraded single-instance mode.
type Memory struct {
	mu     sync.Mutex
	subs   map[string]map[*memorySubscription]struct{}
	closed bool
}

// NewMemory returns an in-process PubSub.
func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[*memorySubscription]struct{})}
}

// Publish delivers payload to all current subscribers of channel.
func (pubsub *Memory) Publish(channel string, payload []byte) error {
	mon.Counter("pubsub_publish").Inc(1)

	pubsub.mu.Lock()
	defer pubsub.mu.Unlock()
	if pubsub.closed {
		return Error.New("closed")
	}

	for sub := range pubsub.subs[channel] {
		sub.deliver(Message{Channel: channel, Payload: append([]byte{}, payload...)})
	}
	return nil
}

// Subscribe starts receiving messages published to channels.
func (pubsub *Memory) Subscribe(channels ...string) (Subscription, error) {
	pubsub.mu.Lock()
	defer pubsub.mu.Unlock()
	if pubsub.closed {
		return nil, Error.New("closed")
	}

	sub := &memorySubscription{
		parent:   pubsub,
		channels: channels,
		messages: make(chan Message, subscriberBuffer),
	}
	for _, channel := range channels {
		if pubsub.subs[channel] == nil {
			pubsub.subs[channel] = make(map[*memorySubscription]struct{})
		}
		pubsub.subs[channel][sub] = struct{}{}
	}
	return sub, nil
}

// Close closes the pubsub and all subscriptions.
func (pubsub *Memory) Close() error {
	pubsub.mu.Lock()
	defer pubsub.mu.Unlock()
	if pubsub.closed {
		return nil
	}
	pubsub.closed = true
	for _, subs := range pubsub.subs {
		for sub := range subs {
			sub.closeLocked()
		}
	}
	pubsub.subs = make(map[string]map[*memorySubscription]struct{})
	return nil
}

type memorySubscription struct {
	parent   *Memory
	channels []string

	once     sync.Once
	messages chan Message
}

func (sub *memorySubscription) deliver(msg Message) {
	select {
	case sub.messages <- msg:
	default:
		// drop the oldest to make room
		select {
		case <-sub.messages:
		default:
		}
		select {
		case sub.messages <- msg:
		default:
		}
		mon.Counter("pubsub_dropped").Inc(1)
	}
}

func (sub *memorySubscription) Messages() <-chan Message { return sub.messages }

func (sub *memorySubscription) Close() error {
	sub.parent.mu.Lock()
	defer sub.parent.mu.Unlock()
	for _, channel := range sub.channels {
		delete(sub.parent.subs[channel], sub)
	}
	sub.closeLocked()
	return nil
}

func (sub *memorySubscription) closeLocked() {
	sub.once.Do(func() { close(sub.messages) })
}
