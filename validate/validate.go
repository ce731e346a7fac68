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

// Package validate runs the pre-flight safety checks every destructive
// operation (clone, erase, format, restore) composes in a fixed order:
// exists -> distinct -> unmounted -> space. Every check raises a typed
// domain error; none return a bare boolean (spec.md §4.3).
package validate

import (
	"context"
	"os"

	"github.com/rpi-usb-cloner/rpi-usb-cloner/domain"
	"github.com/rpi-usb-cloner/rpi-usb-cloner/mount"
)

// DriveLookup resolves a device short name to its current inventory
// entry. Implemented by *inventory.Inventory; kept as an interface here
// so validate has no import-cycle dependency on inventory's lsblk
// plumbing and can be faked in tests.
type DriveLookup interface {
	Get(ctx context.Context, name string, forceRefresh bool) (domain.Drive, bool, error)
}

// ExistsByName checks a device exists either in the inventory or as a
// /dev node, matching spec.md's "Exists" rule.
func ExistsByName(ctx context.Context, lookup DriveLookup, name string) error {
	if name == "" {
		return domain.NewDeviceNotFoundError("(empty name)")
	}
	if _, ok, err := lookup.Get(ctx, name, true); err == nil && ok {
		return nil
	}
	if _, err := os.Stat("/dev/" + name); err == nil {
		return nil
	}
	return domain.NewDeviceNotFoundError(name)
}

// Distinct validates source and destination have different base device
// names (spec.md's same-device rule, P2).
func Distinct(sourceName, destName string) error {
	if domain.BaseDeviceName(sourceName) == domain.BaseDeviceName(destName) {
		return domain.NewSameDeviceError()
	}
	return nil
}

// Unmounted validates that neither d nor any descendant partition
// currently appears in the kernel mount table. The inventory's reported
// mountpoints are not trusted; /proc/mounts is re-read directly.
func Unmounted(d domain.Drive) error {
	nodes := map[string]bool{}
	if d.Node != "" {
		nodes[d.Node] = true
	}
	for _, p := range d.Partitions {
		nodes["/dev/"+p.Name] = true
		if p.MountPoint != "" && mount.IsMountpointActive(p.MountPoint) {
			return domain.NewMountVerificationError(d.Name)
		}
	}
	entries, _ := mount.ReadProcMounts()
	for _, e := range entries {
		if nodes[e.Device] {
			return domain.NewMountVerificationError(d.Name)
		}
	}
	return nil
}

// SufficientSpace validates destination capacity >= source capacity.
// Missing size on either side is a validation error, not a silent skip.
func SufficientSpace(source, dest domain.Drive) error {
	if source.SizeBytes == 0 {
		return domain.NewDeviceValidationError("cannot determine source device size")
	}
	if dest.SizeBytes == 0 {
		return domain.NewDeviceValidationError("cannot determine destination device size")
	}
	if dest.SizeBytes < source.SizeBytes {
		return domain.NewInsufficientSpaceError(source.SizeBytes, dest.SizeBytes)
	}
	return nil
}

// CloneOperation composes exists -> distinct -> unmounted -> space for a
// clone request. checkSpace is false for "exact" mode, where the caller
// explicitly accepts truncation risk.
func CloneOperation(ctx context.Context, lookup DriveLookup, source, dest domain.Drive, checkSpace bool) error {
	if err := ExistsByName(ctx, lookup, source.Name); err != nil {
		return err
	}
	if err := ExistsByName(ctx, lookup, dest.Name); err != nil {
		return err
	}
	if err := Distinct(source.Name, dest.Name); err != nil {
		return err
	}
	if err := Unmounted(dest); err != nil {
		return err
	}
	if checkSpace {
		if err := SufficientSpace(source, dest); err != nil {
			return err
		}
	}
	return nil
}

// FormatOperation composes exists -> unmounted for a format request.
func FormatOperation(ctx context.Context, lookup DriveLookup, d domain.Drive) error {
	if err := ExistsByName(ctx, lookup, d.Name); err != nil {
		return err
	}
	return Unmounted(d)
}

// EraseOperation composes exists -> unmounted for an erase request.
func EraseOperation(ctx context.Context, lookup DriveLookup, d domain.Drive) error {
	if err := ExistsByName(ctx, lookup, d.Name); err != nil {
		return err
	}
	return Unmounted(d)
}
