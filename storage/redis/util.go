// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

package redis

import "strconv"

// escapeMatch escapes redis glob characters so that a literal prefix
// can be used as a MATCH pattern.
func escapeMatch(match string) string {
	start := 0
	var escaped []byte
	for i := 0; i < len(match); i++ {
		switch match[i] {
		case '?', '*', '[', ']', '\\':
			escaped = append(escaped, match[start:i]...)
			escaped = append(escaped, '\\', match[i])
			start = i + 1
		}
	}
	if start == 0 {
		return match
	}
	return string(append(escaped, match[start:]...))
}

func formatScore(score float64) string {
	return strconv.FormatFloat(score, 'f', -1, 64)
}
