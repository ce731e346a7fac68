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

// Package format lays down a single-partition MBR layout on a device and
// builds the requested filesystem on it.
package format

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rpi-usb-cloner/rpi-usb-cloner/command"
	"github.com/rpi-usb-cloner/rpi-usb-cloner/domain"
	"github.com/rpi-usb-cloner/rpi-usb-cloner/mount"
	"github.com/rpi-usb-cloner/rpi-usb-cloner/validate"
)

var ext4PercentRE = regexp.MustCompile(`\((\d+(?:\.\d+)?)%\)`)

// DriveLookup resolves a device's current inventory snapshot.
type DriveLookup interface {
	Get(ctx context.Context, name string, forceRefresh bool) (domain.Drive, bool, error)
}

// Engine runs format jobs.
type Engine struct {
	runner command.Runner
	lookup DriveLookup
	mounts *mount.Manager

	// publishDelay is the pause after mkpart for the kernel to publish
	// the new partition node; a field (not a literal sleep) so tests run
	// instantly.
	publishDelay time.Duration
}

func NewEngine(runner command.Runner, lookup DriveLookup, mounts *mount.Manager) *Engine {
	return &Engine{runner: runner, lookup: lookup, mounts: mounts, publishDelay: 2 * time.Second}
}

// PartitionNodeName appends "1" to drive, unless drive ends in a digit, in
// which case it appends "p1" (mmcblk0 -> mmcblk0p1, sda -> sda1).
func PartitionNodeName(driveName string) string {
	if driveName == "" {
		return driveName
	}
	last := driveName[len(driveName)-1]
	if last >= '0' && last <= '9' {
		return driveName + "p1"
	}
	return driveName + "1"
}

// Format validates, unmounts, creates an MBR label with one primary
// partition spanning the whole disk, then builds fsType on it.
func (e *Engine) Format(ctx context.Context, d domain.Drive, fsType string, mode domain.FormatMode, label string, sink domain.ProgressSink) (bool, error) {
	if err := validate.FormatOperation(ctx, e.lookup, d); err != nil {
		return false, err
	}
	if ok, _ := e.mounts.Unmount(ctx, d); !ok {
		return false, domain.NewUnmountFailedError(d.Name, nil)
	}
	if err := validate.Unmounted(d); err != nil {
		return false, err
	}

	fsType = strings.ToLower(fsType)
	mkfsArgv, err := mkfsCommand(fsType, mode, label)
	if err != nil {
		se, _ := err.(domain.StorageError)
		if se != nil {
			sink.Emit(domain.ProgressEvent{Lines: []string{"ERROR", se.DisplayCause()}})
		}
		return false, err
	}

	parted, err := command.LookPath("parted")
	if err != nil {
		return false, err
	}
	sink.Emit(domain.ProgressEvent{Lines: []string{"FORMATTING", "Partition table"}})
	if _, err := e.runner.RunChecked(ctx, []string{parted, "-s", d.Node, "mklabel", "msdos"}, nil); err != nil {
		return false, domain.NewFormatOperationError("", fmt.Sprintf("mklabel failed on %s", d.Node), err)
	}
	if _, err := e.runner.RunChecked(ctx, []string{parted, "-s", d.Node, "mkpart", "primary", "1MiB", "100%"}, nil); err != nil {
		return false, domain.NewFormatOperationError("", fmt.Sprintf("mkpart failed on %s", d.Node), err)
	}

	time.Sleep(e.publishDelay)

	partNode := "/dev/" + PartitionNodeName(d.Name)
	sink.Emit(domain.ProgressEvent{Lines: []string{"FORMATTING", strings.ToUpper(fsType)}})

	if fsType == "ext4" {
		if err := e.runner.RunStreaming(ctx, command.StreamOptions{
			Argv:     mkfsArgv(partNode),
			Title:    "FORMATTING",
			Subtitle: strings.ToUpper(fsType),
			Sink:     sink,
		}); err != nil {
			return false, domain.NewFormatOperationError("", fmt.Sprintf("mkfs failed on %s", partNode), err)
		}
		return true, nil
	}

	if _, err := e.runner.RunChecked(ctx, mkfsArgv(partNode), nil); err != nil {
		return false, domain.NewFormatOperationError("", fmt.Sprintf("mkfs failed on %s", partNode), err)
	}
	return true, nil
}

// mkfsCommand returns an argv builder (taking the partition node) for
// fsType/mode/label, or a typed error for an unknown filesystem or a
// missing binary.
func mkfsCommand(fsType string, mode domain.FormatMode, label string) (func(string) []string, error) {
	switch fsType {
	case "ext4":
		tool, err := command.LookPath("mkfs.ext4")
		if err != nil {
			return nil, err
		}
		return func(node string) []string {
			argv := []string{tool, "-F"}
			if mode == domain.FormatModeFull {
				argv = append(argv, "-c")
			}
			if label != "" {
				argv = append(argv, "-L", label)
			}
			return append(argv, node)
		}, nil
	case "vfat", "fat32":
		tool, err := command.LookPath("mkfs.vfat")
		if err != nil {
			return nil, err
		}
		return func(node string) []string {
			argv := []string{tool, "-F", "32"}
			if label != "" {
				argv = append(argv, "-n", label)
			}
			return append(argv, node)
		}, nil
	case "exfat":
		tool, err := command.LookPath("mkfs.exfat")
		if err != nil {
			return nil, err
		}
		return func(node string) []string {
			argv := []string{tool}
			if label != "" {
				argv = append(argv, "-n", label)
			}
			return append(argv, node)
		}, nil
	case "ntfs":
		tool, err := command.LookPath("mkfs.ntfs")
		if err != nil {
			return nil, err
		}
		return func(node string) []string {
			argv := []string{tool}
			if mode != domain.FormatModeFull {
				argv = append(argv, "-f")
			}
			if label != "" {
				argv = append(argv, "-L", label)
			}
			return append(argv, node)
		}, nil
	default:
		return nil, domain.NewDeviceValidationError(fmt.Sprintf("unknown filesystem type %q", fsType))
	}
}

// ParseExt4Percent extracts the "(N%)" pattern mkfs.ext4 writes to stderr
// while laying down inode tables, for callers that want it directly
// rather than through the command package's generic percent parser.
func ParseExt4Percent(line string) (float64, bool) {
	m := ext4PercentRE.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
