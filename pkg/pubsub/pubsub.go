// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

// Package pubsub abstracts the fan-out fabric connecting server
// instances. The redis implementation is used in production; the
// in-process implementation serves single-instance fallback mode and
// tests.
package pubsub

import (
	"github.com/zeebo/errs"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"
)

var (
	mon = monkit.Package()
	// Error is the default pubsub error class.
	Error = errs.Class("pubsub error")
)

// Message is a payload received from a channel.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription receives messages for a set of channels.
type Subscription interface {
	// Messages returns the channel messages are delivered on. The
	// channel is closed when the subscription closes.
	Messages() <-chan Message
	// Close unsubscribes and stops delivery.
	Close() error
}

// PubSub publishes payloads to named channels and subscribes to them.
type PubSub interface {
	Publish(channel string, payload []byte) error
	Subscribe(channels ...string) (Subscription, error)
	Close() error
}
