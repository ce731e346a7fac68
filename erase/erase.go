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

// Package erase implements the four erase strategies: quick (signature
// wipe plus head/tail zero), zero (full fill), discard (TRIM) and secure
// (shred).
package erase

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/rpi-usb-cloner/rpi-usb-cloner/command"
	"github.com/rpi-usb-cloner/rpi-usb-cloner/config"
	"github.com/rpi-usb-cloner/rpi-usb-cloner/domain"
	"github.com/rpi-usb-cloner/rpi-usb-cloner/mount"
	"github.com/rpi-usb-cloner/rpi-usb-cloner/validate"
)

var log = logrus.WithField("component", "erase")

// DriveLookup resolves a device's current inventory snapshot.
type DriveLookup interface {
	Get(ctx context.Context, name string, forceRefresh bool) (domain.Drive, bool, error)
}

// Engine runs erase jobs.
type Engine struct {
	runner command.Runner
	lookup DriveLookup
	mounts *mount.Manager
	cfg    config.Config
}

func NewEngine(runner command.Runner, lookup DriveLookup, mounts *mount.Manager, cfg config.Config) *Engine {
	return &Engine{runner: runner, lookup: lookup, mounts: mounts, cfg: cfg}
}

// Erase validates, unmounts, and wipes d per mode. Any failure returns
// false together with the error; a typed storage error from the wipe
// itself is also emitted first as an []string{"ERROR", cause} frame.
func (e *Engine) Erase(ctx context.Context, d domain.Drive, mode domain.EraseMode, sink domain.ProgressSink) (bool, error) {
	mode = domain.NormalizeEraseMode(string(mode))

	if err := validate.EraseOperation(ctx, e.lookup, d); err != nil {
		return false, err
	}
	if ok, _ := e.mounts.Unmount(ctx, d); !ok {
		return false, domain.NewUnmountFailedError(d.Name, nil)
	}
	if err := validate.Unmounted(d); err != nil {
		return false, err
	}

	var err error
	switch mode {
	case domain.EraseModeQuick:
		err = e.eraseQuick(ctx, d, sink)
	case domain.EraseModeZero:
		err = e.eraseZero(ctx, d, sink)
	case domain.EraseModeDiscard:
		err = e.eraseDiscard(ctx, d, sink)
	case domain.EraseModeSecure:
		err = e.eraseSecure(ctx, d, sink)
	default:
		err = domain.NewEraseOperationError("Bad mode", fmt.Sprintf("unknown erase mode %q", mode), nil)
	}
	if err != nil {
		if se, ok := err.(domain.StorageError); ok {
			sink.Emit(domain.ProgressEvent{Lines: []string{"ERROR", se.DisplayCause()}})
		}
		return false, err
	}
	return true, nil
}

// eraseQuick wipes on-disk filesystem signatures then zeros the first
// and (when the disk is larger than the wipe window) last W MiB.
func (e *Engine) eraseQuick(ctx context.Context, d domain.Drive, sink domain.ProgressSink) error {
	wipefs, err := command.LookPath("wipefs")
	if err != nil {
		return err
	}
	sink.Emit(domain.ProgressEvent{Lines: []string{"ERASING", "Wipe signatures"}})
	if _, err := e.runner.RunChecked(ctx, []string{wipefs, "-a", d.Node}, nil); err != nil {
		return domain.NewEraseOperationError("", fmt.Sprintf("wipefs failed on %s", d.Node), err)
	}

	dd, err := command.LookPath("dd")
	if err != nil {
		return err
	}
	wipeMiB := uint64(e.cfg.QuickWipeMiB)
	sizeMiB := d.SizeBytes >> 20
	if sizeMiB < wipeMiB {
		wipeMiB = sizeMiB
	}
	wipeBytes := wipeMiB << 20

	if err := e.runner.RunStreaming(ctx, command.StreamOptions{
		Argv:       []string{dd, "if=/dev/zero", fmt.Sprintf("of=%s", d.Node), "bs=1M", fmt.Sprintf("count=%d", wipeMiB), "conv=fsync"},
		TotalBytes: wipeBytes,
		Title:      "ERASING",
		Subtitle:   "Zero head",
		Sink:       sink,
	}); err != nil {
		return domain.NewEraseOperationError("", "zeroing head failed", err)
	}

	if sizeMiB > wipeMiB {
		seekMiB := sizeMiB - wipeMiB
		if err := e.runner.RunStreaming(ctx, command.StreamOptions{
			Argv:       []string{dd, "if=/dev/zero", fmt.Sprintf("of=%s", d.Node), "bs=1M", fmt.Sprintf("count=%d", wipeMiB), fmt.Sprintf("seek=%d", seekMiB), "conv=fsync"},
			TotalBytes: wipeBytes,
			Title:      "ERASING",
			Subtitle:   "Zero tail",
			Sink:       sink,
		}); err != nil {
			return domain.NewEraseOperationError("", "zeroing tail failed", err)
		}
	}
	return nil
}

// eraseZero fills the whole device with zeros.
func (e *Engine) eraseZero(ctx context.Context, d domain.Drive, sink domain.ProgressSink) error {
	dd, err := command.LookPath("dd")
	if err != nil {
		return err
	}
	if err := e.runner.RunStreaming(ctx, command.StreamOptions{
		Argv:       []string{dd, "if=/dev/zero", fmt.Sprintf("of=%s", d.Node), "bs=4M", "status=progress", "conv=fsync"},
		TotalBytes: d.SizeBytes,
		Title:      "ERASING",
		Subtitle:   "Zero fill",
		Sink:       sink,
	}); err != nil {
		return domain.NewEraseOperationError("", "zero fill failed", err)
	}
	return nil
}

// eraseDiscard issues a full-device TRIM.
func (e *Engine) eraseDiscard(ctx context.Context, d domain.Drive, sink domain.ProgressSink) error {
	blkdiscard, err := command.LookPath("blkdiscard")
	if err != nil {
		return err
	}
	sink.Emit(domain.ProgressEvent{Lines: []string{"ERASING", "Discard"}})
	if _, err := e.runner.RunChecked(ctx, []string{blkdiscard, d.Node}, nil); err != nil {
		return domain.NewEraseOperationError("", fmt.Sprintf("blkdiscard failed on %s", d.Node), err)
	}
	return nil
}

// eraseSecure overwrites once with random data then once with zeros.
func (e *Engine) eraseSecure(ctx context.Context, d domain.Drive, sink domain.ProgressSink) error {
	shred, err := command.LookPath("shred")
	if err != nil {
		return err
	}
	if err := e.runner.RunStreaming(ctx, command.StreamOptions{
		Argv:       []string{shred, "-n", "1", "-z", "-v", d.Node},
		TotalBytes: d.SizeBytes,
		Title:      "ERASING",
		Subtitle:   "Secure wipe",
		Sink:       sink,
	}); err != nil {
		return domain.NewEraseOperationError("", "shred failed", err)
	}
	return nil
}
