// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

// Package ratelimit implements per-IP connection limits and the
// jittered backoff policy shared by stream retries and bot creation.
package ratelimit

import (
	"sync"
	"time"

	"github.com/zeebo/errs"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"
)

var (
	mon = monkit.Package()
	// Error is the default ratelimit error class.
	Error = errs.Class("ratelimit error")
	// ErrLimited is returned when a connection is rejected.
	ErrLimited = errs.Class("rate limited")
)

// IPConfig bounds websocket connections per client address.
type IPConfig struct {
	MaxConnections int           `help:"maximum concurrent connections per IP" default:"10"`
	MaxInWindow    int           `help:"maximum connection attempts per IP per window" default:"20"`
	Window         time.Duration `help:"attempt counting window" default:"60s"`
}

// IPLimiter tracks concurrent connections and attempt rates per IP.
type IPLimiter struct {
	config IPConfig

	mu       sync.Mutex
	current  map[string]int
	attempts map[string][]time.Time
}

// NewIPLimiter creates a limiter with the given bounds.
func NewIPLimiter(config IPConfig) *IPLimiter {
	return &IPLimiter{
		config:   config,
		current:  make(map[string]int),
		attempts: make(map[string][]time.Time),
	}
}

// Connect accounts a new connection attempt from ip, returning
// ErrLimited when either the concurrent or the windowed bound is hit.
// A successful Connect must be paired with Disconnect.
func (limiter *IPLimiter) Connect(ip string) error {
	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-limiter.config.Window)
	kept := limiter.attempts[ip][:0]
	for _, at := range limiter.attempts[ip] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	limiter.attempts[ip] = kept

	if limiter.current[ip] >= limiter.config.MaxConnections {
		mon.Counter("ratelimit_rejected_concurrent").Inc(1)
		return ErrLimited.New("too many connections from %s", ip)
	}
	if len(kept) >= limiter.config.MaxInWindow {
		mon.Counter("ratelimit_rejected_window").Inc(1)
		return ErrLimited.New("too many connection attempts from %s", ip)
	}

	limiter.attempts[ip] = append(kept, now)
	limiter.current[ip]++
	return nil
}

// Disconnect releases a connection slot for ip.
func (limiter *IPLimiter) Disconnect(ip string) {
	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	if limiter.current[ip] <= 1 {
		delete(limiter.current, ip)
		return
	}
	limiter.current[ip]--
}
