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

// ImageRepo is a mounted USB partition bearing the repository flag file.
// Repositories are the only legal destinations for received images.
type ImageRepo struct {
	Path      string // mount path, the owner of the image namespace
	DriveName string // owning Drive's short name
}

// ImageType tags the kind of restorable artifact a DiskImage represents.
type ImageType string

const (
	ImageTypeISO           ImageType = "iso"
	ImageTypeImageUSBBin   ImageType = "imageusb_bin"
	ImageTypeClonezillaDir ImageType = "clonezilla_dir"
)

// DiskImage is one restorable artifact inside an ImageRepo.
type DiskImage struct {
	Name      string
	Path      string
	ImageType ImageType

	// SizeBytes is populated for ISO and ImageUSB .bin files (single
	// files, stat'd directly). It is left at 0 for CLONEZILLA_DIR images;
	// no exported helper computes a directory's size (imagerepo's Usage
	// sums Clonezilla directories internally).
	SizeBytes uint64

	// Clonezilla-directory-only fields.
	Parts               []string // ordered source partition short names
	PartitionTableFile  string   // "" when absent
	Compressed          bool
}

// DataSizeBytes returns the payload size for an ImageUSB .bin image (the
// file minus its 512-byte metadata header), or SizeBytes unchanged for any
// other image type.
func (d DiskImage) DataSizeBytes() uint64 {
	if d.ImageType == ImageTypeImageUSBBin && d.SizeBytes >= imageUSBHeaderSize {
		return d.SizeBytes - imageUSBHeaderSize
	}
	return d.SizeBytes
}

const imageUSBHeaderSize = 512

// RepoUsage is the result of accounting a repository's filesystem usage.
type RepoUsage struct {
	TotalBytes uint64
	UsedBytes  uint64
	FreeBytes  uint64
	TypeBytes  map[string]uint64 // keys: "clonezilla", "iso", "imageusb", "other"
}
