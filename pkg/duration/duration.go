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

// Package duration parses the fixed duration-literal grammar used
// throughout workflow definitions: an unsigned integer immediately
// followed by one of a small set of units.
package duration

import (
	"regexp"
	"strconv"
	"time"
)

var pattern = regexp.MustCompile(`^([0-9]+)(ms|s|m|h|d)$`)

var unitMillis = map[string]int64{
	"ms": 1,
	"s":  1000,
	"m":  60000,
	"h":  3600000,
	"d":  86400000,
}

// ParseError is returned when a duration literal does not match the
// grammar. The message echoes the rejected input verbatim.
type ParseError struct {
	Input string
}

func (e *ParseError) Error() string {
	return "duration: invalid literal " + strconv.Quote(e.Input)
}

// Parse converts a literal like "500ms", "30s", "5m", "1h", or "7d" into
// a time.Duration. Decimals, negative signs, whitespace, and unknown
// units are all rejected.
func Parse(s string) (time.Duration, error) {
	ms, err := ParseMillis(s)
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// ParseMillis is like Parse but returns the raw millisecond count, which
// is how duration literals are stored and compared throughout the
// engine (wakeAt computations operate on ms-epoch integers).
func ParseMillis(s string) (int64, error) {
	m := pattern.FindStringSubmatch(s)
	if m == nil {
		return 0, &ParseError{Input: s}
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, &ParseError{Input: s}
	}
	return n * unitMillis[m[2]], nil
}
