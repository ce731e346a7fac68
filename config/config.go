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

// Package config holds the tunable constants consumed by the storage
// core. Tunables are passed explicitly to constructors (no package-level
// singleton), mirroring the teacher's constructor-with-params idiom.
package config

import (
	"os"
	"strings"
	"time"
)

// Config bundles every tunable the storage core needs. Zero-value
// Config is invalid; use Default() and override specific fields.
type Config struct {
	// InventoryCacheTTL bounds how long a successful lsblk snapshot is
	// reused before a fresh enumeration is required.
	InventoryCacheTTL time.Duration

	// RepoOwnerCacheGrace is the startup grace period during which an
	// empty repo-owner result is not cached (the OS may still be
	// populating mounts at boot).
	RepoOwnerCacheGrace time.Duration

	// QuickWipeMiB is the number of MiB zeroed at the start (and, space
	// permitting, end) of a disk during a "quick" erase.
	QuickWipeMiB uint64

	// UnmountRetries is the number of normal-unmount attempts before
	// escalating to a lazy unmount.
	UnmountRetries int
	// UnmountRetryInterval is the pause between normal-unmount attempts.
	UnmountRetryInterval time.Duration

	// ProgressRefreshInterval is the tick at which the command runner
	// re-emits a progress frame even without new stderr output.
	ProgressRefreshInterval time.Duration

	// RepoFlagFilename names the zero-byte marker that elevates a USB
	// partition to an image repository.
	RepoFlagFilename string

	// MDNSServiceType and MDNSPort configure peer discovery.
	MDNSServiceType string
	MDNSPort        int

	// SessionTimeout bounds how long an authenticated peer-transfer
	// session remains valid.
	SessionTimeout time.Duration
	// RateLimitWindow and MaxFailedAttempts bound failed /auth attempts
	// per source IP.
	RateLimitWindow   time.Duration
	MaxFailedAttempts int

	// UploadChunkBytes is the chunk size used for streamed file copies
	// (intra-host transfer and peer-transfer upload/download).
	UploadChunkBytes int64
}

// Default returns the tunables matching the original implementation's
// constants, with CLONE_MODE honored as the default clone mode override
// (spec.md §6); callers read CloneModeOverride() separately since it
// isn't a numeric tunable.
func Default() Config {
	return Config{
		InventoryCacheTTL:       time.Second,
		RepoOwnerCacheGrace:     3 * time.Second,
		QuickWipeMiB:            64,
		UnmountRetries:          3,
		UnmountRetryInterval:    time.Second,
		ProgressRefreshInterval: time.Second,
		RepoFlagFilename:        ".rpi-usb-cloner-image-repo",
		MDNSServiceType:         "_rpi-cloner._tcp.local.",
		MDNSPort:                8765,
		SessionTimeout:          10 * time.Minute,
		RateLimitWindow:         30 * time.Second,
		MaxFailedAttempts:       3,
		UploadChunkBytes:        1024 * 1024,
	}
}

// CloneModeOverride returns the clone mode named by the CLONE_MODE
// environment variable, or "" when unset.
func CloneModeOverride() string {
	return strings.ToLower(strings.TrimSpace(os.Getenv("CLONE_MODE")))
}
