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

package step

import (
	"fmt"

	"github.com/tombee/ablauf/pkg/duration"
)

// Backoff is one of the three retry backoff strategies spec.md §4.3
// names.
type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffLinear      Backoff = "linear"
	BackoffExponential Backoff = "exponential"
)

// RetryConfig is a workflow- or call-level retry policy.
type RetryConfig struct {
	Limit   int
	Delay   string // a duration literal, e.g. "500ms"
	Backoff Backoff
}

// OverflowPolicy governs what happens when a do step's result would
// push the running result-size total over budget.
type OverflowPolicy string

const (
	OverflowFail  OverflowPolicy = "fail"
	OverflowRetry OverflowPolicy = "retry"
)

// ResultSizeLimit is a workflow-level budget on the cumulative size of
// completed do-step results.
type ResultSizeLimit struct {
	MaxSize    int64
	OnOverflow OverflowPolicy
}

// DefaultResultSizeLimit is spec.md §4.3's default: 64 MiB, fail.
func DefaultResultSizeLimit() ResultSizeLimit {
	return ResultSizeLimit{MaxSize: 64 * 1024 * 1024, OnOverflow: OverflowFail}
}

// Merge applies override field-by-field onto base, per spec.md §4.3
// ("per-call override wins field-by-field").
func (base RetryConfig) Merge(override *RetryConfig) RetryConfig {
	out := base
	if override == nil {
		return out
	}
	if override.Limit != 0 {
		out.Limit = override.Limit
	}
	if override.Delay != "" {
		out.Delay = override.Delay
	}
	if override.Backoff != "" {
		out.Backoff = override.Backoff
	}
	return out
}

// WakeDelayMillis computes the backoff delay, in milliseconds, for the
// given 1-indexed attempt number.
func WakeDelayMillis(cfg RetryConfig, attempt int) (int64, error) {
	delayMS, err := duration.ParseMillis(cfg.Delay)
	if err != nil {
		return 0, fmt.Errorf("step: invalid retry delay %q: %w", cfg.Delay, err)
	}
	switch cfg.Backoff {
	case BackoffLinear:
		return delayMS * int64(attempt), nil
	case BackoffExponential:
		mult := int64(1)
		for i := 1; i < attempt; i++ {
			mult *= 2
		}
		return delayMS * mult, nil
	case BackoffFixed, "":
		return delayMS, nil
	default:
		return 0, fmt.Errorf("step: unknown backoff strategy %q", cfg.Backoff)
	}
}
