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

// Package inventory enumerates block devices via lsblk, caches the
// result briefly, and classifies drives as system/media/other.
package inventory

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rpi-usb-cloner/rpi-usb-cloner/command"
	"github.com/rpi-usb-cloner/rpi-usb-cloner/config"
	"github.com/rpi-usb-cloner/rpi-usb-cloner/domain"
)

var log = logrus.WithField("component", "inventory")

// lsblkDevice mirrors one element of lsblk -J's "blockdevices" array.
// Several fields tolerate the schema oddities the original implementation
// worked around: "rm" may arrive as a JSON bool, string, or number, and
// "size" may arrive as a JSON number or a decimal string.
type lsblkDevice struct {
	Name       string        `json:"name"`
	Type       string        `json:"type"`
	Size       flexUint64    `json:"size"`
	Model      string        `json:"model"`
	Vendor     string        `json:"vendor"`
	Tran       string        `json:"tran"`
	RM         flexBool      `json:"rm"`
	Mountpoint string        `json:"mountpoint"`
	FsType     string        `json:"fstype"`
	Label      string        `json:"label"`
	PartLabel  string        `json:"partlabel"`
	Serial     string        `json:"serial"`
	PtType     string        `json:"pttype"`
	Rota       flexBool      `json:"rota"`
	Children   []lsblkDevice `json:"children"`
}

type flexUint64 uint64

func (f *flexUint64) UnmarshalJSON(b []byte) error {
	var n uint64
	if err := json.Unmarshal(b, &n); err == nil {
		*f = flexUint64(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return nil // tolerate schema oddities per spec.md §4.2
	}
	n, _ = strconv.ParseUint(s, 10, 64)
	*f = flexUint64(n)
	return nil
}

type flexBool bool

func (f *flexBool) UnmarshalJSON(b []byte) error {
	var v bool
	if err := json.Unmarshal(b, &v); err == nil {
		*f = flexBool(v)
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		*f = flexBool(n != 0)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexBool(s == "1" || s == "true")
		return nil
	}
	return nil
}

type lsblkOutput struct {
	BlockDevices []lsblkDevice `json:"blockdevices"`
}

// Inventory enumerates drives and caches the result for a short TTL.
type Inventory struct {
	runner command.Runner
	ttl    time.Duration

	mu         sync.Mutex
	cached     []domain.Drive
	cachedAt   time.Time
	haveCached bool
}

// New builds an Inventory using the given Runner (for faking lsblk in
// tests) and cache TTL.
func New(runner command.Runner, cfg config.Config) *Inventory {
	return &Inventory{runner: runner, ttl: cfg.InventoryCacheTTL}
}

// List returns the current Drives. A successful enumeration is memoized
// for the configured TTL; forceRefresh bypasses the cache. When lsblk
// fails or its output does not decode, the previous cache is served if
// one exists and forceRefresh is not set; otherwise the result is a nil
// list and the error is returned.
func (inv *Inventory) List(ctx context.Context, forceRefresh bool) ([]domain.Drive, error) {
	inv.mu.Lock()
	if !forceRefresh && inv.haveCached && time.Since(inv.cachedAt) <= inv.ttl {
		cached := inv.cached
		inv.mu.Unlock()
		return cached, nil
	}
	inv.mu.Unlock()

	out, err := inv.runner.RunChecked(ctx, []string{
		"lsblk", "-J", "-b", "-o",
		"NAME,TYPE,SIZE,MODEL,VENDOR,TRAN,RM,MOUNTPOINT,FSTYPE,LABEL,PARTLABEL,SERIAL,PTTYPE,ROTA,PTUUID",
	}, nil)
	if err != nil {
		log.WithError(err).Debug("lsblk failed")
		inv.mu.Lock()
		defer inv.mu.Unlock()
		if inv.haveCached && !forceRefresh {
			return inv.cached, nil
		}
		return nil, err
	}

	var parsed lsblkOutput
	if jsonErr := json.Unmarshal([]byte(out), &parsed); jsonErr != nil {
		log.WithError(jsonErr).Debug("lsblk JSON decode failed")
		inv.mu.Lock()
		defer inv.mu.Unlock()
		if inv.haveCached && !forceRefresh {
			return inv.cached, nil
		}
		return nil, jsonErr
	}

	drives := make([]domain.Drive, 0, len(parsed.BlockDevices))
	for _, d := range parsed.BlockDevices {
		if d.Type != "disk" {
			continue
		}
		drives = append(drives, toDrive(d))
	}

	inv.mu.Lock()
	inv.cached = drives
	inv.cachedAt = time.Now()
	inv.haveCached = true
	inv.mu.Unlock()

	return drives, nil
}

func toDrive(d lsblkDevice) domain.Drive {
	drive := domain.Drive{
		Name:       d.Name,
		Node:       "/dev/" + d.Name,
		SizeBytes:  uint64(d.Size),
		Rotational: bool(d.Rota),
		Removable:  bool(d.RM),
		Transport:  transportOf(d.Tran),
		Vendor:     d.Vendor,
		Model:      d.Model,
		Serial:     d.Serial,
		Table:      tableOf(d.PtType),
	}
	for _, c := range d.Children {
		if c.Type != "part" {
			continue
		}
		drive.Partitions = append(drive.Partitions, domain.Partition{
			Name:            c.Name,
			SizeBytes:       uint64(c.Size),
			FsType:          c.FsType,
			FsLabel:         c.Label,
			PartLabel:       c.PartLabel,
			MountPoint:      c.Mountpoint,
			PartitionNumber: domain.PartitionNumber(d.Name, c.Name),
		})
	}
	drive.RootMountpoint = domain.HasRootMountpoint(drive)
	return drive
}

func transportOf(tran string) domain.Transport {
	switch tran {
	case "usb":
		return domain.TransportUSB
	case "nvme":
		return domain.TransportNVMe
	case "mmc":
		return domain.TransportMMC
	default:
		return domain.TransportOther
	}
}

func tableOf(pttype string) domain.PartitionTable {
	switch pttype {
	case "gpt":
		return domain.PartitionTableGPT
	case "dos", "mbr", "msdos":
		return domain.PartitionTableMBR
	default:
		return domain.PartitionTableNone
	}
}

// ListUSBDisksRaw returns every USB-transport or removable disk,
// unfiltered by class, used only for enumeration consistency checks.
func (inv *Inventory) ListUSBDisksRaw(ctx context.Context) ([]domain.Drive, error) {
	all, err := inv.List(ctx, false)
	if err != nil {
		return nil, err
	}
	var out []domain.Drive
	for _, d := range all {
		if d.Transport == domain.TransportUSB || d.Removable {
			out = append(out, d)
		}
	}
	return out, nil
}

// ListMediaDrives returns every disk-type drive classified MEDIA: not the
// system disk, and removable or on USB transport. Callers that need repo-bearing drives excluded
// (spec.md §4.2) do that filtering themselves via the imagerepo package,
// which is the only component aware of repo ownership.
func (inv *Inventory) ListMediaDrives(ctx context.Context, forceRefresh bool) ([]domain.Drive, error) {
	all, err := inv.List(ctx, forceRefresh)
	if err != nil {
		return nil, err
	}
	var out []domain.Drive
	for _, d := range all {
		if domain.Class(d) == domain.ClassMedia {
			out = append(out, d)
		}
	}
	return out, nil
}

// Get returns the named drive from the current (possibly cached)
// snapshot, or false if it isn't present.
func (inv *Inventory) Get(ctx context.Context, name string, forceRefresh bool) (domain.Drive, bool, error) {
	all, err := inv.List(ctx, forceRefresh)
	if err != nil {
		return domain.Drive{}, false, err
	}
	for _, d := range all {
		if d.Name == name {
			return d, true, nil
		}
	}
	return domain.Drive{}, false, nil
}
