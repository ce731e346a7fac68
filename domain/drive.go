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

import (
	"fmt"
	"regexp"
	"strings"
)

// Transport identifies how a Drive is attached to the host.
type Transport string

const (
	TransportUSB   Transport = "usb"
	TransportNVMe  Transport = "nvme"
	TransportMMC   Transport = "mmc"
	TransportOther Transport = "other"
)

// PartitionTable identifies the on-disk partition-table format of a Drive.
type PartitionTable string

const (
	PartitionTableGPT  PartitionTable = "gpt"
	PartitionTableMBR  PartitionTable = "mbr"
	PartitionTableNone PartitionTable = "none"
)

// DriveClass is computed from a Drive's mount state, never stored in the
// inventory snapshot itself.
type DriveClass string

const (
	ClassSystem DriveClass = "system"
	ClassMedia  DriveClass = "media"
	ClassOther  DriveClass = "other"
)

// Partition is a child of a Drive as reported by one inventory snapshot.
type Partition struct {
	Name            string // e.g. "sda1", "nvme0n1p2", "mmcblk0p1"
	SizeBytes       uint64
	FsType          string // normalized lowercase, or "raw"
	FsLabel         string
	PartLabel       string // GPT only
	MountPoint      string // "" when not mounted
	PartitionNumber int    // -1 when it cannot be extracted
}

// Drive is a whole block device discovered on the host in one inventory
// snapshot. Drives are identified by their short Name within a snapshot;
// Serial is informational only, never a lookup key.
type Drive struct {
	Name           string // e.g. "sda"
	Node           string // e.g. "/dev/sda"
	SizeBytes      uint64
	Rotational     bool
	Removable      bool
	Transport      Transport
	Vendor         string
	Model          string
	Serial         string
	Table          PartitionTable
	Partitions     []Partition
	RootMountpoint bool // computed: a partition mounted at /, /boot, /boot/firmware
}

// rootMountpoints are the mountpoints that mark a drive as the system disk.
var rootMountpoints = map[string]bool{
	"/":             true,
	"/boot":         true,
	"/boot/firmware": true,
}

// HasRootMountpoint reports whether any partition of d is mounted at one
// of the protected root mountpoints. Drive records no mountpoint for the
// whole-disk node, so a filesystem mounted directly on the disk is not
// detected here.
func HasRootMountpoint(d Drive) bool {
	for _, p := range d.Partitions {
		if p.MountPoint != "" && rootMountpoints[p.MountPoint] {
			return true
		}
	}
	return false
}

// Class computes the drive's class. Only MEDIA drives are legal targets
// for destructive operations.
func Class(d Drive) DriveClass {
	if HasRootMountpoint(d) {
		return ClassSystem
	}
	if d.Removable || d.Transport == TransportUSB {
		return ClassMedia
	}
	return ClassOther
}

var (
	nvmePartitionRE = regexp.MustCompile(`^(nvme\d+n\d+)p\d+$`)
	mmcPartitionRE  = regexp.MustCompile(`^(mmcblk\d+)p\d+$`)
	trailingDigitRE = regexp.MustCompile(`^(.*?)\d+$`)
	partitionNumRE  = regexp.MustCompile(`^(\d+)$`)
)

// BaseDeviceName strips a partition suffix from a device short name,
// special-casing NVMe (nvme0n1p2 -> nvme0n1, nvme0n1 stays nvme0n1) and
// MMC (mmcblk0p1 -> mmcblk0, mmcblk0 stays mmcblk0) naming schemes.
func BaseDeviceName(name string) string {
	if m := nvmePartitionRE.FindStringSubmatch(name); m != nil {
		return m[1]
	}
	if m := mmcPartitionRE.FindStringSubmatch(name); m != nil {
		return m[1]
	}
	if strings.HasPrefix(name, "mmcblk") || strings.HasPrefix(name, "nvme") {
		return name
	}
	if m := trailingDigitRE.FindStringSubmatch(name); m != nil && m[1] != "" {
		return m[1]
	}
	return name
}

// PartitionNumber extracts the numeric partition number from a partition
// name given its parent drive's short name. It strips the parent-name
// prefix, then an optional single 'p' separator when the parent ends in a
// digit, then parses the remainder as a decimal integer. Returns -1 when
// the name doesn't match the expected shape.
func PartitionNumber(parentName, partitionName string) int {
	if !strings.HasPrefix(partitionName, parentName) {
		return -1
	}
	rest := partitionName[len(parentName):]
	if rest == "" {
		return -1
	}
	lastChar := parentName[len(parentName)-1]
	if lastChar >= '0' && lastChar <= '9' {
		rest = strings.TrimPrefix(rest, "p")
	}
	m := partitionNumRE.FindStringSubmatch(rest)
	if m == nil {
		return -1
	}
	n := 0
	for _, c := range m[1] {
		n = n*10 + int(c-'0')
	}
	return n
}

// friendlyFsNames maps normalized filesystem-type strings to the
// human-facing names shown in progress subtitles and CLI output.
var friendlyFsNames = map[string]string{
	"vfat":  "FAT32",
	"fat16": "FAT16",
	"fat32": "FAT32",
	"ext2":  "ext2",
	"ext3":  "ext3",
	"ext4":  "ext4",
	"ntfs":  "NTFS",
	"exfat": "exFAT",
	"xfs":   "XFS",
	"btrfs": "Btrfs",
}

// FriendlyFsName returns the display name for a normalized filesystem
// type string, returning "raw" for an empty string and falling back to
// the input uppercased when unknown.
func FriendlyFsName(fsType string) string {
	if name, ok := friendlyFsNames[strings.ToLower(fsType)]; ok {
		return name
	}
	if fsType == "" {
		return "raw"
	}
	return strings.ToUpper(fsType)
}

// PartitionDisplayName picks the best human-facing name for a partition:
// GPT partition label, then filesystem label, then device name, then a
// generic fallback.
func PartitionDisplayName(p Partition) string {
	if p.PartLabel != "" {
		return p.PartLabel
	}
	if p.FsLabel != "" {
		return p.FsLabel
	}
	if p.Name != "" {
		return p.Name
	}
	return "partition"
}

// HumanSize formats a byte count as a short human-readable string (one
// decimal place, trailing ".0" elided).
func HumanSize(bytes uint64) string {
	units := []string{"B", "KB", "MB", "GB", "TB", "PB"}
	size := float64(bytes)
	unit := 0
	for size >= 1024 && unit < len(units)-1 {
		size /= 1024
		unit++
	}
	if unit == 0 {
		return fmt.Sprintf("%d%s", bytes, units[unit])
	}
	s := fmt.Sprintf("%.1f", size)
	s = strings.TrimSuffix(s, ".0")
	return s + units[unit]
}

// FormatDeviceLabel builds a short label for progress subtitles:
// "<node> (<human size>)".
func FormatDeviceLabel(d Drive) string {
	label := d.Node
	if label == "" {
		label = "/dev/" + d.Name
	}
	if d.SizeBytes > 0 {
		label = fmt.Sprintf("%s (%s)", label, HumanSize(d.SizeBytes))
	}
	return label
}
