// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

// Package testrand implements generating random base types for testing.
package testrand

import (
	"fmt"
	"math/rand"
)

// Intn returns, as an int, a non-negative pseudo-random number in [0,n).
func Intn(n int) int { return rand.Intn(n) }

// Float64n returns a pseudo-random number in [0,n).
func Float64n(n float64) float64 { return rand.Float64() * n }

// Read reads pseudo-random data into data.
func Read(data []byte) {
	src := rand.NewSource(rand.Int63())
	r := rand.New(src)
	_, _ = r.Read(data)
}

// BytesN generates size amount of random data.
func BytesN(size int) []byte {
	data := make([]byte, size)
	Read(data)
	return data
}

const alphanumeric = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// String generates a random alphanumeric string of length n.
func String(n int) string {
	data := make([]byte, n)
	for i := range data {
		data[i] = alphanumeric[rand.Intn(len(alphanumeric))]
	}
	return string(data)
}

// UserID generates a random user id.
func UserID() string { return fmt.Sprintf("user-%s", String(12)) }
