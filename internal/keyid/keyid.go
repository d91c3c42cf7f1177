// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

// Package keyid generates compact random identifiers for events,
// batches and websocket clients.
package keyid

import (
	"crypto/rand"

	"github.com/mr-tron/base58/base58"
)

// New returns a base58-encoded random identifier of 12 bytes of
// entropy, prefixed for debuggability (e.g. "evt_3mJr7ampv...").
func New(prefix string) string {
	var data [12]byte
	_, _ = rand.Read(data[:])
	if prefix == "" {
		return base58.Encode(data[:])
	}
	return prefix + "_" + base58.Encode(data[:])
}

// NewEvent returns an identifier for a score event.
func NewEvent() string { return New("evt") }

// NewBatch returns an identifier for a batch.
func NewBatch() string { return New("bat") }

// NewClient returns an identifier for a websocket client.
func NewClient() string { return New("cli") }

// NewRace returns an identifier for a race.
func NewRace() string { return New("race") }
