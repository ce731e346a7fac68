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

import "strings"

// CloneMode selects the clone engine's strategy.
type CloneMode string

const (
	CloneModeSmart  CloneMode = "smart"
	CloneModeExact  CloneMode = "exact"
	CloneModeVerify CloneMode = "verify"
)

// NormalizeCloneMode lowercases mode and maps the legacy alias "raw" to
// "exact".
func NormalizeCloneMode(mode string) CloneMode {
	m := strings.ToLower(strings.TrimSpace(mode))
	if m == "raw" {
		m = string(CloneModeExact)
	}
	return CloneMode(m)
}

// CloneJob is an immutable clone request, validated by the validate
// package and pre-unmounted by the mount package before the clone package
// executes it.
type CloneJob struct {
	ID          string
	Source      Drive
	Destination Drive
	Mode        CloneMode
}

// EraseMode selects the erase engine's strategy.
type EraseMode string

const (
	EraseModeQuick   EraseMode = "quick"
	EraseModeZero    EraseMode = "zero"
	EraseModeDiscard EraseMode = "discard"
	EraseModeSecure  EraseMode = "secure"
)

// NormalizeEraseMode lowercases mode, defaulting empty input to "quick".
func NormalizeEraseMode(mode string) EraseMode {
	m := strings.ToLower(strings.TrimSpace(mode))
	if m == "" {
		m = string(EraseModeQuick)
	}
	return EraseMode(m)
}

// FormatMode selects how thoroughly mkfs runs (full runs a bad-blocks
// check where the filesystem tool supports one).
type FormatMode string

const (
	FormatModeQuick FormatMode = "quick"
	FormatModeFull  FormatMode = "full"
)
