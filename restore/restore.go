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

// Package restore writes ISO files, ImageUSB .bin captures, and parsed
// Clonezilla image directories back onto a target device.
package restore

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	"github.com/rpi-usb-cloner/rpi-usb-cloner/command"
	"github.com/rpi-usb-cloner/rpi-usb-cloner/domain"
	"github.com/rpi-usb-cloner/rpi-usb-cloner/mount"
	"github.com/rpi-usb-cloner/rpi-usb-cloner/validate"
)

var imageUSBSignature = []byte{
	0x69, 0x00, 0x6D, 0x00, 0x61, 0x00, 0x67, 0x00,
	0x65, 0x00, 0x55, 0x00, 0x53, 0x00, 0x42, 0x00,
}

const imageUSBHeaderSize = 512

// DriveLookup resolves a device's current inventory snapshot.
type DriveLookup interface {
	Get(ctx context.Context, name string, forceRefresh bool) (domain.Drive, bool, error)
}

// Engine runs restore operations.
type Engine struct {
	fs     afero.Fs
	runner command.Runner
	lookup DriveLookup
	mounts *mount.Manager

	// publishDelay mirrors format.Engine's field: the pause after writing
	// a partition table for the kernel to publish new partition nodes.
	publishDelay time.Duration
}

func NewEngine(fs afero.Fs, runner command.Runner, lookup DriveLookup, mounts *mount.Manager) *Engine {
	return &Engine{fs: fs, runner: runner, lookup: lookup, mounts: mounts, publishDelay: 2 * time.Second}
}

func requireRoot() error {
	if unix.Geteuid() != 0 {
		return domain.NewRestoreError("Need root", "restore must run as root", nil)
	}
	return nil
}

// RestoreISO writes isoPath directly to target with dd, after confirming
// the ISO fits and the target is unmounted.
func (e *Engine) RestoreISO(ctx context.Context, isoPath string, target domain.Drive, sink domain.ProgressSink) (bool, error) {
	if err := requireRoot(); err != nil {
		return false, err
	}
	info, err := e.fs.Stat(isoPath)
	if err != nil {
		return false, domain.NewRestoreError("Not found", fmt.Sprintf("ISO file not found: %s", isoPath), err)
	}
	isoSize := uint64(info.Size())
	if target.SizeBytes > 0 && isoSize > target.SizeBytes {
		return false, domain.NewRestoreError("Too small", fmt.Sprintf("target %s smaller than ISO", target.Name), nil)
	}

	if err := validate.FormatOperation(ctx, e.lookup, target); err != nil {
		return false, err
	}
	if ok, _ := e.mounts.Unmount(ctx, target); !ok {
		return false, domain.NewUnmountFailedError(target.Name, nil)
	}

	dd, err := command.LookPath("dd")
	if err != nil {
		return false, err
	}
	if err := e.runner.RunStreaming(ctx, command.StreamOptions{
		Argv:       []string{dd, fmt.Sprintf("if=%s", isoPath), fmt.Sprintf("of=%s", target.Node), "bs=4M", "status=progress", "conv=fsync"},
		TotalBytes: isoSize,
		Title:      "RESTORING",
		Subtitle:   "ISO",
		Sink:       sink,
	}); err != nil {
		return false, domain.NewRestoreError("", "dd failed writing ISO", err)
	}
	return true, nil
}

// ValidateImageUSBFile reports whether path carries the ImageUSB signature
// and is larger than the 512-byte header.
func (e *Engine) ValidateImageUSBFile(path string) error {
	info, err := e.fs.Stat(path)
	if err != nil {
		return domain.NewRestoreError("Not found", fmt.Sprintf("file not found: %s", path), err)
	}
	if uint64(info.Size()) <= imageUSBHeaderSize {
		return domain.NewRestoreError("Truncated", "file too small to hold an ImageUSB header", nil)
	}
	file, err := e.fs.Open(path)
	if err != nil {
		return domain.NewRestoreError("", "cannot open file", err)
	}
	defer file.Close()
	sig := make([]byte, 16)
	if _, err := io.ReadFull(file, sig); err != nil {
		return domain.NewRestoreError("Truncated", "cannot read signature", err)
	}
	for i, b := range imageUSBSignature {
		if sig[i] != b {
			return domain.NewRestoreError("Bad signature", "not an ImageUSB .bin file", nil)
		}
	}
	return nil
}

// RestoreImageUSB writes binPath to target, skipping the 512-byte
// metadata header with `dd bs=512 skip=1`.
func (e *Engine) RestoreImageUSB(ctx context.Context, binPath string, target domain.Drive, sink domain.ProgressSink) (bool, error) {
	if err := requireRoot(); err != nil {
		return false, err
	}
	if err := e.ValidateImageUSBFile(binPath); err != nil {
		return false, err
	}
	if target.Transport != domain.TransportUSB && !target.Removable {
		return false, domain.NewRestoreError("Not removable", fmt.Sprintf("target %s is not removable", target.Name), nil)
	}
	info, err := e.fs.Stat(binPath)
	if err != nil {
		return false, domain.NewRestoreError("Not found", binPath, err)
	}
	dataSize := uint64(info.Size()) - imageUSBHeaderSize

	if err := validate.FormatOperation(ctx, e.lookup, target); err != nil {
		return false, err
	}
	if ok, _ := e.mounts.Unmount(ctx, target); !ok {
		return false, domain.NewUnmountFailedError(target.Name, nil)
	}

	dd, err := command.LookPath("dd")
	if err != nil {
		return false, err
	}
	if err := e.runner.RunStreaming(ctx, command.StreamOptions{
		Argv:       []string{dd, fmt.Sprintf("if=%s", binPath), fmt.Sprintf("of=%s", target.Node), "bs=512", "skip=1", "status=progress", "conv=fsync"},
		TotalBytes: dataSize,
		Title:      "RESTORING",
		Subtitle:   "ImageUSB",
		Sink:       sink,
	}); err != nil {
		return false, domain.NewRestoreError("", "dd failed writing ImageUSB image", err)
	}
	return true, nil
}

// PartitionRestoreOp describes how to restore one Clonezilla-captured
// partition: the ordered image-stream files to concatenate, the tool
// ("partclone" or "dd"), the filesystem type (partclone only), and
// whether the stream is gzip-compressed.
type PartitionRestoreOp struct {
	PartitionName string
	ImageFiles    []string
	Tool          string
	FsType        string
	Compressed    bool
}

// RestorePlan is a parsed Clonezilla image directory, ready to execute.
type RestorePlan struct {
	ImageDir            string
	Parts               []string
	PartitionTablePath  string
	PartitionTableKind  string // "sf" or "sgdisk"; "" means unsupported/missing
	PartitionOps        []PartitionRestoreOp
}

var partcloneFsTypeRE = regexp.MustCompile(`\.([^.]+)-ptcl-img`)

// ParsePlan reads imageDir's "parts" manifest and locates each partition's
// image-stream files and partition-table backup.
func (e *Engine) ParsePlan(imageDir string) (RestorePlan, error) {
	partsPath := imageDir + "/parts"
	raw, err := afero.ReadFile(e.fs, partsPath)
	if err != nil {
		return RestorePlan{}, domain.NewRestoreError("Missing parts", "Clonezilla parts file missing", err)
	}
	var parts []string
	for _, f := range strings.Fields(string(raw)) {
		if f != "" {
			parts = append(parts, f)
		}
	}
	if len(parts) == 0 {
		return RestorePlan{}, domain.NewRestoreError("Empty parts", "Clonezilla parts list empty", nil)
	}

	tablePath, tableKind := e.findPartitionTable(imageDir)

	plan := RestorePlan{ImageDir: imageDir, Parts: parts, PartitionTablePath: tablePath, PartitionTableKind: tableKind}
	for _, part := range parts {
		op, err := e.buildPartitionOp(imageDir, part)
		if err != nil {
			return RestorePlan{}, err
		}
		plan.PartitionOps = append(plan.PartitionOps, op)
	}
	return plan, nil
}

// findPartitionTable locates a sfdisk or sgdisk partition-table backup,
// preferring *-pt.sf. Other backups such as *-pt.parted are not looked
// for; when neither is found both results are empty and ExecutePlan
// rejects the plan.
func (e *Engine) findPartitionTable(imageDir string) (path, kind string) {
	if matches, _ := afero.Glob(e.fs, imageDir+"/*-pt.sf"); len(matches) > 0 {
		sort.Strings(matches)
		return matches[0], "sf"
	}
	if matches, _ := afero.Glob(e.fs, imageDir+"/*-pt.sgdisk"); len(matches) > 0 {
		sort.Strings(matches)
		return matches[0], "sgdisk"
	}
	return "", ""
}

func (e *Engine) buildPartitionOp(imageDir, part string) (PartitionRestoreOp, error) {
	partcloneFiles, _ := afero.Glob(e.fs, fmt.Sprintf("%s/%s.*-ptcl-img*", imageDir, part))
	if len(partcloneFiles) > 0 {
		sort.Strings(partcloneFiles)
		fstype := ""
		if m := partcloneFsTypeRE.FindStringSubmatch(partcloneFiles[0]); m != nil {
			fstype = m[1]
		}
		return PartitionRestoreOp{
			PartitionName: part,
			ImageFiles:    partcloneFiles,
			Tool:          "partclone",
			FsType:        fstype,
			Compressed:    anyGzipSuffix(partcloneFiles),
		}, nil
	}

	ddFiles, _ := afero.Glob(e.fs, fmt.Sprintf("%s/%s.dd-img*", imageDir, part))
	if len(ddFiles) == 0 {
		ddFiles, _ = afero.Glob(e.fs, fmt.Sprintf("%s/%s.img*", imageDir, part))
	}
	if len(ddFiles) == 0 {
		return PartitionRestoreOp{}, domain.NewRestoreError("Missing image", fmt.Sprintf("image data missing for %s", part), nil)
	}
	sort.Strings(ddFiles)
	return PartitionRestoreOp{
		PartitionName: part,
		ImageFiles:    ddFiles,
		Tool:          "dd",
		Compressed:    anyGzipSuffix(ddFiles),
	}, nil
}

func anyGzipSuffix(files []string) bool {
	for _, f := range files {
		// Split streams keep the .gz before the split suffix (x.gz.aa).
		if strings.HasSuffix(f, ".gz") || strings.Contains(f, ".gz.") {
			return true
		}
	}
	return false
}

// ExecutePlan writes plan's partition table to target, re-reads target's
// inventory so the kernel-published partition nodes are visible, then
// restores every partition in plan order.
func (e *Engine) ExecutePlan(ctx context.Context, plan RestorePlan, target domain.Drive, sink domain.ProgressSink) (bool, error) {
	if err := requireRoot(); err != nil {
		return false, err
	}
	if plan.PartitionTableKind == "" {
		return false, domain.NewRestoreError("No table", "partition table backup missing or unsupported", nil)
	}

	if err := validate.FormatOperation(ctx, e.lookup, target); err != nil {
		return false, err
	}
	if ok, _ := e.mounts.Unmount(ctx, target); !ok {
		return false, domain.NewUnmountFailedError(target.Name, nil)
	}

	if err := e.writePartitionTable(ctx, plan, target); err != nil {
		return false, err
	}
	time.Sleep(e.publishDelay)

	refreshed, ok, err := e.lookup.Get(ctx, target.Name, true)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, domain.NewDeviceNotFoundError(target.Name)
	}

	byNumber := make(map[int]domain.Partition, len(refreshed.Partitions))
	for _, p := range refreshed.Partitions {
		if p.PartitionNumber >= 0 {
			byNumber[p.PartitionNumber] = p
		}
	}

	for i, op := range plan.PartitionOps {
		targetPart, ok := byNumber[domain.PartitionNumber(target.Name, op.PartitionName)]
		if !ok {
			return false, domain.NewRestoreError("No target part", fmt.Sprintf("missing target partition for %s", op.PartitionName), nil)
		}
		sink.Emit(domain.ProgressEvent{Lines: []string{"RESTORING", fmt.Sprintf("%s (%d/%d)", op.PartitionName, i+1, len(plan.PartitionOps))}})
		if err := e.restorePartition(ctx, op, "/dev/"+targetPart.Name, sink); err != nil {
			return false, err
		}
	}
	sink.Emit(domain.ProgressEvent{Lines: []string{"RESTORING", "Complete"}})
	return true, nil
}

func (e *Engine) writePartitionTable(ctx context.Context, plan RestorePlan, target domain.Drive) error {
	switch plan.PartitionTableKind {
	case "sf":
		sfdisk, err := command.LookPath("sfdisk")
		if err != nil {
			return err
		}
		contents, err := afero.ReadFile(e.fs, plan.PartitionTablePath)
		if err != nil {
			return domain.NewRestoreError("", "cannot read partition table backup", err)
		}
		if _, err := e.runner.RunChecked(ctx, []string{sfdisk, "--force", target.Node}, strings.NewReader(string(contents))); err != nil {
			return domain.NewRestoreError("", "sfdisk restore failed", err)
		}
		return nil
	case "sgdisk":
		sgdisk, err := command.LookPath("sgdisk")
		if err != nil {
			return err
		}
		if _, err := e.runner.RunChecked(ctx, []string{sgdisk, fmt.Sprintf("--load-backup=%s", plan.PartitionTablePath), target.Node}, nil); err != nil {
			return domain.NewRestoreError("", "sgdisk restore failed", err)
		}
		return nil
	default:
		return domain.NewRestoreError("No table", "unsupported partition table backup", nil)
	}
}

// restorePartition concatenates op's image-stream files, optionally
// decompresses them, and pipes the result as stdin into partclone or dd.
func (e *Engine) restorePartition(ctx context.Context, op PartitionRestoreOp, targetNode string, sink domain.ProgressSink) error {
	var readers []io.Reader
	var closers []io.Closer
	for _, path := range op.ImageFiles {
		f, err := e.fs.Open(path)
		if err != nil {
			return domain.NewRestoreError("", fmt.Sprintf("cannot open %s", path), err)
		}
		readers = append(readers, f)
		closers = append(closers, f)
	}
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()

	var stream io.Reader = io.MultiReader(readers...)
	if op.Compressed {
		gz, err := gzip.NewReader(stream)
		if err != nil {
			return domain.NewRestoreError("", "gzip stream invalid", err)
		}
		defer gz.Close()
		stream = gz
	}

	var argv []string
	if op.Tool == "partclone" {
		tool, ok := partcloneTools[strings.ToLower(op.FsType)]
		if !ok {
			return domain.NewRestoreError("Unknown fs", fmt.Sprintf("no partclone tool for filesystem %q", op.FsType), nil)
		}
		path, err := command.LookPath(tool)
		if err != nil {
			return err
		}
		argv = []string{path, "-r", "-s", "-", "-o", targetNode}
	} else {
		dd, err := command.LookPath("dd")
		if err != nil {
			return err
		}
		argv = []string{dd, fmt.Sprintf("of=%s", targetNode), "bs=4M", "status=progress", "conv=fsync"}
	}

	if err := e.runner.RunStreaming(ctx, command.StreamOptions{
		Argv:     argv,
		Stdin:    stream,
		Title:    "RESTORING",
		Subtitle: op.PartitionName,
		Sink:     sink,
	}); err != nil {
		return domain.NewRestoreError("", fmt.Sprintf("restore failed for %s", op.PartitionName), err)
	}
	return nil
}

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
