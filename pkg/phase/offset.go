// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package phase evaluates runbook phase offsets and durations, and computes
// the delta between two versions of a runbook's phase list for in-flight
// batches transitioning versions.
package phase

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var offsetPattern = regexp.MustCompile(`^T-(\d+)([dhms])$`)

// ParseOffset parses a phase offset string — "T-0", or "T-<n>{d|h|m|s}"
// with n>0 — and returns the equivalent number of minutes before batch
// start. Seconds are ceil-divided into minutes so a sub-minute offset still
// rounds up to at least one minute of lead time; T-0 maps to 0 exactly and
// the phase is immediately due at batch start time.
func ParseOffset(s string) (int, error) {
	if s == "T-0" {
		return 0, nil
	}
	m := offsetPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid phase offset %q: expected T-0 or T-<n>{d|h|m|s} with n>0", s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("invalid phase offset %q: %w", s, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("invalid phase offset %q: n must be >0 (use T-0 for zero offset)", s)
	}
	switch m[2] {
	case "d":
		return n * 1440, nil
	case "h":
		return n * 60, nil
	case "m":
		return n, nil
	case "s":
		return (n + 59) / 60, nil
	default:
		return 0, fmt.Errorf("invalid phase offset %q: unknown unit %q", s, m[2])
	}
}

var durationPattern = regexp.MustCompile(`^(\d+)(d|h|m|s)$`)

// ParseDuration parses a plain duration string like "5m", "1h", "30s", "2d"
// into a time.Duration. Unlike ParseOffset this preserves sub-minute
// precision; it is used for poll timeouts, retry backoffs, and data source
// poll intervals rather than phase due-at scheduling.
func ParseDuration(s string) (time.Duration, error) {
	m := durationPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid duration %q: expected format <n>{d|h|m|s}", s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	switch m[2] {
	case "d":
		return time.Duration(n) * 24 * time.Hour, nil
	case "h":
		return time.Duration(n) * time.Hour, nil
	case "m":
		return time.Duration(n) * time.Minute, nil
	case "s":
		return time.Duration(n) * time.Second, nil
	default:
		return 0, fmt.Errorf("invalid duration %q: unknown unit %q", s, m[2])
	}
}

// DueAt computes the absolute time a phase becomes due given the batch's
// start time and the phase's offset in minutes (as returned by ParseOffset).
func DueAt(batchStartTime time.Time, offsetMinutes int) time.Time {
	return batchStartTime.Add(-time.Duration(offsetMinutes) * time.Minute)
}
