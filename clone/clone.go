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

// Package clone implements the three cloning strategies: exact (raw dd of
// the whole device), smart (partition-table replication followed by a
// filesystem-aware per-partition copy), and verify (smart plus a SHA-256
// comparison of source and destination, partition by partition).
package clone

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/rpi-usb-cloner/rpi-usb-cloner/command"
	"github.com/rpi-usb-cloner/rpi-usb-cloner/domain"
	"github.com/rpi-usb-cloner/rpi-usb-cloner/mount"
	"github.com/rpi-usb-cloner/rpi-usb-cloner/validate"
)

var log = logrus.WithField("component", "clone")

// partcloneTools maps a normalized filesystem type to the partclone
// variant that understands it.
var partcloneTools = map[string]string{
	"ext2":  "partclone.ext2",
	"ext3":  "partclone.ext3",
	"ext4":  "partclone.ext4",
	"vfat":  "partclone.fat",
	"fat16": "partclone.fat",
	"fat32": "partclone.fat",
	"ntfs":  "partclone.ntfs",
	"exfat": "partclone.exfat",
	"xfs":   "partclone.xfs",
	"btrfs": "partclone.btrfs",
}

// DriveLookup resolves a device's current inventory snapshot, re-read with
// forceRefresh after the smart engine replicates a partition table so
// partition-matching sees the destination's freshly created nodes.
type DriveLookup interface {
	Get(ctx context.Context, name string, forceRefresh bool) (domain.Drive, bool, error)
}

// Verifier checksums source and destination after a clone and reports
// whether they match. Implemented by the verify package; kept as an
// interface here so clone has no import dependency on it.
type Verifier interface {
	VerifyDrives(ctx context.Context, source, dest domain.Drive, sink domain.ProgressSink) (bool, error)
}

// Engine runs clone jobs.
type Engine struct {
	runner   command.Runner
	lookup   DriveLookup
	mounts   *mount.Manager
	verifier Verifier
}

func NewEngine(runner command.Runner, lookup DriveLookup, mounts *mount.Manager, verifier Verifier) *Engine {
	return &Engine{runner: runner, lookup: lookup, mounts: mounts, verifier: verifier}
}

// Clone runs job.Mode against job.Source/job.Destination, emitting progress
// to sink. It returns (true, nil) on success; any other outcome is either
// a typed domain error or (false, nil) for conditions the teacher's UI
// reports as "FAILED" without escalating to an error return (e.g. a
// verification mismatch).
func (e *Engine) Clone(ctx context.Context, job domain.CloneJob, sink domain.ProgressSink) (bool, error) {
	mode := domain.NormalizeCloneMode(string(job.Mode))
	checkSpace := mode != domain.CloneModeExact
	if err := validate.CloneOperation(ctx, e.lookup, job.Source, job.Destination, checkSpace); err != nil {
		return false, err
	}

	if mode == domain.CloneModeSmart || mode == domain.CloneModeVerify {
		if err := e.cloneSmart(ctx, job.Source, job.Destination, sink); err != nil {
			return false, err
		}
		if mode != domain.CloneModeVerify {
			return true, nil
		}
		if e.verifier == nil {
			return false, fmt.Errorf("clone: verify mode requested but no verifier configured")
		}
		ok, err := e.verifier.VerifyDrives(ctx, job.Source, job.Destination, sink)
		if err != nil {
			return false, err
		}
		return ok, nil
	}

	if ok, _ := e.mounts.Unmount(ctx, job.Destination); !ok {
		return false, domain.NewUnmountFailedError(job.Destination.Name, nil)
	}
	if err := validate.Unmounted(job.Destination); err != nil {
		return false, err
	}
	if err := e.cloneDD(ctx, job.Source.Node, job.Destination.Node, job.Source.SizeBytes, "CLONING", "", sink); err != nil {
		return false, err
	}
	return true, nil
}

// cloneSmart unmounts the destination, replicates its partition table from
// the source, re-reads the destination inventory so partition nodes
// created by the replication are visible, then clones each partition.
func (e *Engine) cloneSmart(ctx context.Context, source, dest domain.Drive, sink domain.ProgressSink) error {
	if err := validate.CloneOperation(ctx, e.lookup, source, dest, true); err != nil {
		return err
	}
	if ok, _ := e.mounts.Unmount(ctx, dest); !ok {
		return domain.NewUnmountFailedError(dest.Name, nil)
	}
	if err := validate.Unmounted(dest); err != nil {
		return err
	}

	sink.Emit(domain.ProgressEvent{Lines: []string{"CLONING", "Copy table"}})
	if err := e.copyPartitionTable(ctx, source, dest); err != nil {
		return err
	}

	refreshed, ok, err := e.lookup.Get(ctx, dest.Name, true)
	if err != nil {
		return err
	}
	if !ok {
		return domain.NewDeviceNotFoundError(dest.Name)
	}

	if err := e.clonePartclone(ctx, source, refreshed, sink); err != nil {
		return err
	}
	sink.Emit(domain.ProgressEvent{Lines: []string{"CLONING", "Complete"}})
	log.Infof("smart clone completed from %s to %s", source.Node, refreshed.Node)
	return nil
}

// copyPartitionTable dumps the source's partition table with sfdisk and
// either replicates it with sgdisk (GPT, with randomized GUIDs so the two
// disks never collide) or pipes the dump back into sfdisk against the
// destination (MBR/DOS).
func (e *Engine) copyPartitionTable(ctx context.Context, source, dest domain.Drive) error {
	sfdisk, err := command.LookPath("sfdisk")
	if err != nil {
		return err
	}
	dump, err := e.runner.RunChecked(ctx, []string{sfdisk, "--dump", source.Node}, nil)
	if err != nil {
		return err
	}

	label := ""
	scanner := bufio.NewScanner(strings.NewReader(dump))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "label:") {
			label = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(line, "label:")))
			break
		}
	}
	if label == "" {
		return domain.NewCloneOperationError("unable to detect partition table label", nil)
	}

	switch label {
	case "gpt":
		sgdisk, err := command.LookPath("sgdisk")
		if err != nil {
			return err
		}
		_, err = e.runner.RunChecked(ctx, []string{
			sgdisk, fmt.Sprintf("--replicate=%s", dest.Node), "--randomize-guids", source.Node,
		}, nil)
		return err
	case "dos", "mbr", "msdos":
		_, err := e.runner.RunChecked(ctx, []string{sfdisk, dest.Node}, strings.NewReader(dump))
		return err
	default:
		return domain.NewCloneOperationError(fmt.Sprintf("unsupported partition table label: %s", label), nil)
	}
}

// clonePartclone copies source's partitions onto dest's, matching each
// source partition first by partition number and falling back to
// positional index when numbers can't be extracted on either side.
func (e *Engine) clonePartclone(ctx context.Context, source, dest domain.Drive, sink domain.ProgressSink) error {
	if len(source.Partitions) == 0 {
		return e.cloneDD(ctx, source.Node, dest.Node, source.SizeBytes, "CLONING", "", sink)
	}

	srcParts := append([]domain.Partition(nil), source.Partitions...)
	sort.Slice(srcParts, func(i, j int) bool { return srcParts[i].Name < srcParts[j].Name })

	byNumber := make(map[int]domain.Partition, len(dest.Partitions))
	for _, p := range dest.Partitions {
		if p.PartitionNumber >= 0 {
			byNumber[p.PartitionNumber] = p
		}
	}

	for i, src := range srcParts {
		srcNode := "/dev/" + src.Name
		dst, ok := byNumber[src.PartitionNumber]
		if !ok && i < len(dest.Partitions) {
			dst = dest.Partitions[i]
			ok = true
		}
		if !ok {
			return domain.NewCloneOperationError(fmt.Sprintf("unable to map %s to a destination partition", srcNode), nil)
		}
		dstNode := "/dev/" + dst.Name

		fstype := strings.ToLower(src.FsType)
		name := domain.PartitionDisplayName(src)
		titleLine := fmt.Sprintf("%s (%d/%d)", name, i+1, len(srcParts))
		infoParts := []string{}
		if src.SizeBytes > 0 {
			infoParts = append(infoParts, domain.HumanSize(src.SizeBytes))
		}
		if friendly := domain.FriendlyFsName(fstype); friendly != "" {
			infoParts = append(infoParts, friendly)
		}
		infoLine := strings.Join(infoParts, " ")

		tool, hasTool := partcloneTools[fstype]
		if !hasTool {
			if err := e.cloneDD(ctx, srcNode, dstNode, src.SizeBytes, titleLine, infoLine, sink); err != nil {
				return err
			}
			continue
		}
		toolPath, err := command.LookPath(tool)
		if err != nil {
			// A recognized filesystem maps to a partclone variant that
			// isn't installed: fail loudly rather than silently
			// degrading to a raw copy the caller didn't ask for.
			return err
		}

		dstFile, err := os.OpenFile(dstNode, os.O_WRONLY, 0)
		if err != nil {
			return domain.NewCloneOperationError(fmt.Sprintf("open %s", dstNode), err)
		}
		streamErr := e.runner.RunStreaming(ctx, command.StreamOptions{
			Argv:       []string{toolPath, "-s", srcNode, "-o", "-", "-F"},
			Stdout:     dstFile,
			TotalBytes: src.SizeBytes,
			Title:      titleLine,
			Subtitle:   infoLine,
			Sink:       sink,
		})
		closeErr := dstFile.Close()
		if streamErr != nil {
			return streamErr
		}
		if closeErr != nil {
			return domain.NewCloneOperationError(fmt.Sprintf("close %s", dstNode), closeErr)
		}
	}
	return nil
}

// cloneDD runs a raw 4MiB-block dd copy with fsync on completion, the
// fallback used for exact mode and for any partition partclone can't
// handle.
func (e *Engine) cloneDD(ctx context.Context, srcNode, dstNode string, totalBytes uint64, title, subtitle string, sink domain.ProgressSink) error {
	dd, err := command.LookPath("dd")
	if err != nil {
		return err
	}
	return e.runner.RunStreaming(ctx, command.StreamOptions{
		Argv: []string{
			dd,
			fmt.Sprintf("if=%s", srcNode),
			fmt.Sprintf("of=%s", dstNode),
			"bs=4M",
			"status=progress",
			"conv=fsync",
		},
		TotalBytes: totalBytes,
		Title:      title,
		Subtitle:   subtitle,
		Sink:       sink,
	})
}
