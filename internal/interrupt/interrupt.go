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

// Package interrupt defines the three tagged sentinels a step context
// uses to suspend workflow execution. They implement error so they can
// be threaded through ordinary Go error returns, but replay() and retry
// logic always check for them first — they are flow control, not
// failures, and must never be swallowed by generic error handling.
package interrupt

import "fmt"

// Sleep is thrown to suspend the workflow until wakeAt.
type Sleep struct {
	Step   string
	WakeAt int64 // ms epoch
}

func (s *Sleep) Error() string {
	return fmt.Sprintf("interrupt: sleep %q until %d", s.Step, s.WakeAt)
}

// Wait is thrown to suspend the workflow until a matching event arrives
// or, if TimeoutAt is non-nil, until that deadline passes.
type Wait struct {
	Step      string
	TimeoutAt *int64 // ms epoch, nil means unlimited
}

func (w *Wait) Error() string {
	if w.TimeoutAt == nil {
		return fmt.Sprintf("interrupt: wait %q (no timeout)", w.Step)
	}
	return fmt.Sprintf("interrupt: wait %q until %d", w.Step, *w.TimeoutAt)
}

// Pause is thrown to suspend the workflow indefinitely until an
// external resume() call.
type Pause struct{}

func (p *Pause) Error() string { return "interrupt: pause" }

// Is reports whether err is one of the three interrupt sentinels.
func Is(err error) bool {
	switch err.(type) {
	case *Sleep, *Wait, *Pause:
		return true
	default:
		return false
	}
}

// AsSleep reports whether err is a *Sleep and returns it.
func AsSleep(err error) (*Sleep, bool) {
	s, ok := err.(*Sleep)
	return s, ok
}

// AsWait reports whether err is a *Wait and returns it.
func AsWait(err error) (*Wait, bool) {
	w, ok := err.(*Wait)
	return w, ok
}

// AsPause reports whether err is a *Pause.
func AsPause(err error) bool {
	_, ok := err.(*Pause)
	return ok
}
