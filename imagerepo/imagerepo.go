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

// Package imagerepo discovers USB partitions flagged as image repositories,
// lists the Clonezilla/ISO/ImageUSB artifacts they hold, and accounts for
// the space those artifacts occupy.
package imagerepo

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	"github.com/rpi-usb-cloner/rpi-usb-cloner/config"
	"github.com/rpi-usb-cloner/rpi-usb-cloner/domain"
)

// imageUSBSignature is the UTF-16LE encoding of "imageUSB", the first 16
// bytes of every ImageUSB .bin file.
var imageUSBSignature = []byte{
	0x69, 0x00, 0x6D, 0x00, 0x61, 0x00, 0x67, 0x00,
	0x65, 0x00, 0x55, 0x00, 0x53, 0x00, 0x42, 0x00,
}

var tempExtensions = map[string]bool{
	".tmp": true, ".part": true, ".partial": true, ".swp": true, ".swx": true,
}

// DriveLister enumerates USB disks; implemented by *inventory.Inventory.
type DriveLister interface {
	ListUSBDisksRaw(ctx context.Context) ([]domain.Drive, error)
}

// Mounter mounts a partition on demand when it has no mountpoint yet.
// Implemented by the mount package's manager in production; failures are
// skipped silently, matching the original's "mount or skip" behavior.
type Mounter interface {
	MountPartition(ctx context.Context, node, name string) (mountpoint string, err error)
}

// Finder discovers and lists image repositories.
type Finder struct {
	fs      afero.Fs
	drives  DriveLister
	mounter Mounter
	cfg     config.Config

	startedAt time.Time

	mu          sync.Mutex
	ownersCache map[string]bool
	ownersAt    time.Time
	haveOwners  bool
}

func NewFinder(fs afero.Fs, drives DriveLister, mounter Mounter, cfg config.Config) *Finder {
	return &Finder{fs: fs, drives: drives, mounter: mounter, cfg: cfg, startedAt: time.Now()}
}

// FindRepos walks every USB disk's partition subtree and yields one
// domain.ImageRepo per distinct mountpoint that carries the flag file.
// Partitions with no mountpoint are mounted on demand; mount failures are
// skipped silently, same as an absent flag file.
func (f *Finder) FindRepos(ctx context.Context) ([]domain.ImageRepo, error) {
	disks, err := f.drives.ListUSBDisksRaw(ctx)
	if err != nil {
		return nil, err
	}

	var repos []domain.ImageRepo
	seen := map[string]bool{}
	for _, d := range disks {
		for _, p := range d.Partitions {
			mountpoint := p.MountPoint
			if mountpoint == "" {
				if f.mounter == nil {
					continue
				}
				mp, err := f.mounter.MountPartition(ctx, "/dev/"+p.Name, p.Name)
				if err != nil || mp == "" {
					continue
				}
				mountpoint = mp
			}
			if seen[mountpoint] {
				continue
			}
			flagPath := filepath.Join(mountpoint, f.cfg.RepoFlagFilename)
			if _, err := f.fs.Stat(flagPath); err != nil {
				continue
			}
			repos = append(repos, domain.ImageRepo{Path: mountpoint, DriveName: d.Name})
			seen[mountpoint] = true
		}
	}
	return repos, nil
}

// OwningDriveNames returns the set of drive names that own at least one
// repository, memoized with a startup grace period: during the grace
// window an empty result isn't cached, since the OS may still be
// populating mounts at boot.
func (f *Finder) OwningDriveNames(ctx context.Context) (map[string]bool, error) {
	f.mu.Lock()
	if f.haveOwners {
		cached := f.ownersCache
		f.mu.Unlock()
		return cached, nil
	}
	f.mu.Unlock()

	repos, err := f.FindRepos(ctx)
	if err != nil {
		return nil, err
	}
	owners := map[string]bool{}
	for _, r := range repos {
		owners[r.DriveName] = true
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	inGrace := time.Since(f.startedAt) < f.cfg.RepoOwnerCacheGrace
	if len(owners) == 0 && inGrace {
		return owners, nil
	}
	f.ownersCache = owners
	f.ownersAt = time.Now()
	f.haveOwners = true
	return owners, nil
}

// InvalidateOwnerCache lets a caller with side knowledge of a repo change
// force the next OwningDriveNames call to recompute.
func (f *Finder) InvalidateOwnerCache() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.haveOwners = false
}

// ListImages surfaces the three artifact kinds held directly under repo's
// root and its conventional clonezilla/images subdirectories.
func (f *Finder) ListImages(repo domain.ImageRepo) ([]domain.DiskImage, error) {
	var images []domain.DiskImage
	seen := map[string]bool{}

	for _, dir := range f.clonezillaImageDirs(repo.Path) {
		if seen[dir] {
			continue
		}
		seen[dir] = true
		images = append(images, domain.DiskImage{
			Name:      filepath.Base(dir),
			Path:      dir,
			ImageType: domain.ImageTypeClonezillaDir,
		})
	}

	entries, err := afero.ReadDir(f.fs, repo.Path)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		full := filepath.Join(repo.Path, name)
		switch {
		case strings.EqualFold(filepath.Ext(name), ".iso"):
			if seen[full] {
				continue
			}
			seen[full] = true
			images = append(images, domain.DiskImage{
				Name: name, Path: full, ImageType: domain.ImageTypeISO, SizeBytes: uint64(entry.Size()),
			})
		case strings.EqualFold(filepath.Ext(name), ".bin"):
			if seen[full] || !f.isImageUSBFile(full) {
				continue
			}
			seen[full] = true
			images = append(images, domain.DiskImage{
				Name: name, Path: full, ImageType: domain.ImageTypeImageUSBBin, SizeBytes: uint64(entry.Size()),
			})
		}
	}

	sort.Slice(images, func(i, j int) bool { return images[i].Name < images[j].Name })
	return images, nil
}

// clonezillaImageDirs returns every subdirectory of repoRoot/clonezilla,
// repoRoot/images, and repoRoot itself that looks like a Clonezilla image:
// it carries a "parts" file plus either a partition-table backup or at
// least one partition image stream.
func (f *Finder) clonezillaImageDirs(repoRoot string) []string {
	var dirs []string
	for _, candidate := range []string{
		filepath.Join(repoRoot, "clonezilla"),
		filepath.Join(repoRoot, "images"),
		repoRoot,
	} {
		entries, err := afero.ReadDir(f.fs, candidate)
		if err != nil {
			continue
		}
		var names []string
		for _, e := range entries {
			if e.IsDir() {
				names = append(names, e.Name())
			}
		}
		sort.Strings(names)
		for _, name := range names {
			dir := filepath.Join(candidate, name)
			if f.isClonezillaImageDir(dir) {
				dirs = append(dirs, dir)
			}
		}
	}
	return dirs
}

func (f *Finder) isClonezillaImageDir(dir string) bool {
	if _, err := f.fs.Stat(filepath.Join(dir, "parts")); err != nil {
		return false
	}
	if f.hasPartitionTableBackup(dir) {
		return true
	}
	entries, err := afero.ReadDir(f.fs, dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), "-ptcl-img") || strings.Contains(e.Name(), "dd-img") {
			return true
		}
	}
	return false
}

func (f *Finder) hasPartitionTableBackup(dir string) bool {
	entries, err := afero.ReadDir(f.fs, dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		for _, suffix := range []string{"-pt.sf", "-pt.sgdisk"} {
			if strings.HasSuffix(e.Name(), suffix) {
				return true
			}
		}
	}
	return false
}

func (f *Finder) isImageUSBFile(path string) bool {
	file, err := f.fs.Open(path)
	if err != nil {
		return false
	}
	defer file.Close()
	buf := make([]byte, 16)
	n, err := file.Read(buf)
	if err != nil || n < 16 {
		return false
	}
	for i, b := range imageUSBSignature {
		if buf[i] != b {
			return false
		}
	}
	return true
}

// isTempClonezillaPath reports whether a tree-walk entry should be
// excluded from size accounting: dotfiles, known temp-file extensions,
// and any path component named tmp/temp (case-insensitive).
func isTempClonezillaPath(path string) bool {
	base := strings.ToLower(filepath.Base(path))
	if strings.HasPrefix(base, ".") {
		return true
	}
	if tempExtensions[strings.ToLower(filepath.Ext(base))] {
		return true
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		p := strings.ToLower(part)
		if p == "tmp" || p == "temp" {
			return true
		}
	}
	return false
}

// sumTreeBytes totals every non-temporary, non-symlink regular file under
// root.
func (f *Finder) sumTreeBytes(root string) uint64 {
	var total uint64
	_ = afero.Walk(f.fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() || isTempClonezillaPath(path) {
			return nil
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return nil
		}
		total += uint64(info.Size())
		return nil
	})
	return total
}

// Usage computes total/used/free for repo's filesystem and a per-type
// byte breakdown, with "other" absorbing whatever used space isn't
// attributed to a recognized artifact kind.
func (f *Finder) Usage(repo domain.ImageRepo) (domain.RepoUsage, error) {
	total, used, free := repoSpaceBytes(repo.Path)

	var clonezillaBytes uint64
	for _, dir := range f.clonezillaImageDirs(repo.Path) {
		clonezillaBytes += f.sumTreeBytes(dir)
	}

	var isoBytes, imageusbBytes uint64
	entries, err := afero.ReadDir(f.fs, repo.Path)
	if err == nil {
		for _, e := range entries {
			if e.IsDir() || e.Mode()&os.ModeSymlink != 0 {
				continue
			}
			full := filepath.Join(repo.Path, e.Name())
			switch {
			case strings.EqualFold(filepath.Ext(e.Name()), ".iso"):
				isoBytes += uint64(e.Size())
			case strings.EqualFold(filepath.Ext(e.Name()), ".bin") && f.isImageUSBFile(full):
				img := domain.DiskImage{ImageType: domain.ImageTypeImageUSBBin, SizeBytes: uint64(e.Size())}
				imageusbBytes += img.DataSizeBytes()
			}
		}
	}

	attributed := clonezillaBytes + isoBytes + imageusbBytes
	var other uint64
	if used > attributed {
		other = used - attributed
	}

	return domain.RepoUsage{
		TotalBytes: total,
		UsedBytes:  used,
		FreeBytes:  free,
		TypeBytes: map[string]uint64{
			"clonezilla": clonezillaBytes,
			"iso":        isoBytes,
			"imageusb":   imageusbBytes,
			"other":      other,
		},
	}, nil
}

// repoSpaceBytes statfs's root's filesystem for total/used/free, returning
// zeros when the call fails (e.g. root doesn't exist on a real
// filesystem, as in tests against an in-memory afero.Fs).
func repoSpaceBytes(root string) (total, used, free uint64) {
	var stat unix.Statfs_t
	if err := unix.Statfs(root, &stat); err != nil {
		return 0, 0, 0
	}
	total = uint64(stat.Blocks) * uint64(stat.Bsize)
	free = uint64(stat.Bavail) * uint64(stat.Bsize)
	if total > free {
		used = total - free
	}
	return total, used, free
}
