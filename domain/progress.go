//
// Copyright 2019-2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package domain

import "fmt"

// ProgressEvent is a single frame of operator-facing progress: a handful
// of short lines suitable for a tiny display, and an optional ratio in
// [0,1]. Ratio must be monotonically non-decreasing within one operation.
type ProgressEvent struct {
	Lines []string
	Ratio *float64 // nil when unknown
}

// ProgressSink is the only channel by which the storage core talks to the
// UI during a long operation. Implementations live outside this module;
// the core never imports a UI package.
type ProgressSink interface {
	Emit(event ProgressEvent)
}

// NopProgressSink discards every event. Useful as a default when a caller
// doesn't care about progress (tests, headless batch jobs).
type NopProgressSink struct{}

func (NopProgressSink) Emit(ProgressEvent) {}

// FuncProgressSink adapts a plain function to ProgressSink.
type FuncProgressSink func(ProgressEvent)

func (f FuncProgressSink) Emit(e ProgressEvent) { f(e) }

// ClampRatio clamps r into [0,1].
func ClampRatio(r float64) float64 {
	if r < 0 {
		return 0
	}
	if r > 1 {
		return 1
	}
	return r
}

// FormatETA formats a duration in seconds as MM:SS, or H:MM:SS once it
// reaches an hour.
func FormatETA(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	total := int(seconds + 0.5)
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

// UserConfirm is the capability the UI implements to let a long operation
// ask the operator a yes/no question mid-flight (e.g. "overwrite
// existing image?"). The storage core never imports the UI package that
// implements this.
type UserConfirm interface {
	Confirm(prompt string) bool
}
