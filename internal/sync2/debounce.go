// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

package sync2

import (
	"sync"
	"time"
)

// Debouncer coalesces bursts of triggers into a single call of fn per
// delay window. While a call is in flight additional triggers for the
// same key are dropped; a trailing trigger schedules one more call.
type Debouncer struct {
	delay time.Duration
	fn    func(key string)

	mu       sync.Mutex
	pending  map[string]*time.Timer
	inflight map[string]bool
	closed   bool
}

// NewDebouncer creates a debouncer calling fn at most once per delay
// window for each distinct key.
func NewDebouncer(delay time.Duration, fn func(key string)) *Debouncer {
	return &Debouncer{
		delay:    delay,
		fn:       fn,
		pending:  make(map[string]*time.Timer),
		inflight: make(map[string]bool),
	}
}

// Trigger schedules a call of fn for key. Triggers arriving while a
// timer is pending or a call is in flight are coalesced away.
func (debounce *Debouncer) Trigger(key string) {
	debounce.mu.Lock()
	defer debounce.mu.Unlock()

	if debounce.closed || debounce.inflight[key] {
		return
	}
	if _, ok := debounce.pending[key]; ok {
		return
	}

	debounce.pending[key] = time.AfterFunc(debounce.delay, func() {
		debounce.mu.Lock()
		delete(debounce.pending, key)
		if debounce.closed {
			debounce.mu.Unlock()
			return
		}
		debounce.inflight[key] = true
		debounce.mu.Unlock()

		debounce.fn(key)

		debounce.mu.Lock()
		delete(debounce.inflight, key)
		debounce.mu.Unlock()
	})
}

// Close cancels all pending timers. In-flight calls run to completion.
func (debounce *Debouncer) Close() {
	debounce.mu.Lock()
	defer debounce.mu.Unlock()

	debounce.closed = true
	for key, timer := range debounce.pending {
		timer.Stop()
		delete(debounce.pending, key)
	}
}
