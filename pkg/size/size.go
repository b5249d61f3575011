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

// Package size parses the fixed size-literal grammar used by result-size
// budgets: an unsigned integer immediately followed by one of a small
// set of byte units.
package size

import (
	"regexp"
	"strconv"
)

var pattern = regexp.MustCompile(`^([0-9]+)(b|kb|mb|gb)$`)

var unitBytes = map[string]int64{
	"b":  1,
	"kb": 1024,
	"mb": 1024 * 1024,
	"gb": 1024 * 1024 * 1024,
}

// ParseError is returned when a size literal does not match the grammar.
type ParseError struct {
	Input string
}

func (e *ParseError) Error() string {
	return "size: invalid literal " + strconv.Quote(e.Input)
}

// Parse converts a literal like "100b", "512kb", "64mb", or "1gb" into a
// byte count.
func Parse(s string) (int64, error) {
	m := pattern.FindStringSubmatch(s)
	if m == nil {
		return 0, &ParseError{Input: s}
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, &ParseError{Input: s}
	}
	return n * unitBytes[m[2]], nil
}
