// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

package ratelimit

import (
	"context"
	"math/rand"
	"net"
	"strings"
	"time"
)

// Backoff is a jittered exponential backoff policy.
type Backoff struct {
	Base       time.Duration `help:"initial retry delay" default:"500ms"`
	Max        time.Duration `help:"retry delay cap" default:"5s"`
	MaxRetries int           `help:"retry attempts before giving up" default:"3"`
}

// Delay returns the jittered delay before the given 0-based attempt,
// never exceeding Max.
func (backoff Backoff) Delay(attempt int) time.Duration {
	delay := backoff.Base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= backoff.Max {
			delay = backoff.Max
			break
		}
	}
	if delay <= 0 {
		return 0
	}
	// full jitter keeps herds of retries from synchronizing
	jittered := time.Duration(rand.Int63n(int64(delay)) + int64(delay)/2)
	if backoff.Max > 0 && jittered > backoff.Max {
		jittered = backoff.Max
	}
	return jittered
}

// Run calls fn up to MaxRetries+1 times, sleeping the jittered delay
// between attempts. Non-retryable errors abort immediately.
func (backoff Backoff) Run(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !Retryable(err) || attempt >= backoff.MaxRetries {
			return err
		}
		select {
		case <-time.After(backoff.Delay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Retryable classifies an error as transient: network timeouts,
// shared-store unavailability, concurrency conflicts and downstream
// rate limits. Invariant, capacity and policy errors are final.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"i/o timeout",
		"timeout",
		"temporarily unavailable",
		"loading the dataset",
		"conflict",
		"try again",
		"too many requests",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
