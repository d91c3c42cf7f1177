// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

// Package memory contains byte size types and helpers.
package memory

import (
	"fmt"
	"strconv"
	"strings"
)

// Size implements a byte count with human-readable formatting.
type Size int64

// base-2 byte sizes
const (
	B   Size = 1
	KiB      = B << 10
	MiB      = KiB << 10
	GiB      = MiB << 10
)

// Int returns the size as an int.
func (size Size) Int() int { return int(size) }

// Int64 returns the size as an int64.
func (size Size) Int64() int64 { return int64(size) }

// Set parses a size from a string such as "64MiB", "16 KiB" or a raw
// byte count.
func (size *Size) Set(s string) error {
	trimmed := strings.TrimSpace(s)
	unit := B
	for _, suffix := range []struct {
		name string
		unit Size
	}{
		{"GiB", GiB}, {"GB", GiB}, {"G", GiB},
		{"MiB", MiB}, {"MB", MiB}, {"M", MiB},
		{"KiB", KiB}, {"KB", KiB}, {"K", KiB},
		{"B", B},
	} {
		if strings.HasSuffix(trimmed, suffix.name) {
			unit = suffix.unit
			trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, suffix.name))
			break
		}
	}
	value, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return fmt.Errorf("memory: malformed size %q", s)
	}
	*size = Size(value * float64(unit))
	return nil
}

// String converts the size to a readable string.
func (size Size) String() string {
	switch {
	case size >= GiB:
		return fmt.Sprintf("%.1f GiB", float64(size)/float64(GiB))
	case size >= MiB:
		return fmt.Sprintf("%.1f MiB", float64(size)/float64(MiB))
	case size >= KiB:
		return fmt.Sprintf("%.1f KiB", float64(size)/float64(KiB))
	}
	return fmt.Sprintf("%d B", int64(size))
}
