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

package mount

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rpi-usb-cloner/rpi-usb-cloner/command"
	"github.com/rpi-usb-cloner/rpi-usb-cloner/config"
	"github.com/rpi-usb-cloner/rpi-usb-cloner/domain"
)

var log = logrus.WithField("component", "mount")

// Manager drives the sync -> retry -> lazy-unmount escalation algorithm
// and the optional power-off path.
type Manager struct {
	runner command.Runner
	cfg    config.Config
}

func NewManager(runner command.Runner, cfg config.Config) *Manager {
	return &Manager{runner: runner, cfg: cfg}
}

// activeMountpointsFor returns the mountpoints belonging to d or any
// descendant partition: those the inventory reports plus every
// /proc/mounts entry whose device is d's node or a partition's node.
// filterActive narrows them to the ones still mounted.
func activeMountpointsFor(d domain.Drive) []string {
	var mps []string
	seen := map[string]bool{}
	nodes := map[string]bool{}
	if d.Node != "" {
		nodes[d.Node] = true
	}
	for _, p := range d.Partitions {
		nodes["/dev/"+p.Name] = true
		if p.MountPoint != "" && !seen[p.MountPoint] {
			seen[p.MountPoint] = true
			mps = append(mps, p.MountPoint)
		}
	}
	entries, _ := ReadProcMounts()
	for _, e := range entries {
		if nodes[e.Device] && !seen[e.Mountpoint] {
			seen[e.Mountpoint] = true
			mps = append(mps, e.Mountpoint)
		}
	}
	return mps
}

func filterActive(candidates []string) []string {
	entries, err := ReadProcMounts()
	if err != nil {
		return nil
	}
	active := map[string]bool{}
	for _, e := range entries {
		active[e.Mountpoint] = true
	}
	var out []string
	for _, mp := range candidates {
		if active[mp] {
			out = append(out, mp)
		}
	}
	return out
}

// Unmount ensures no mountpoint held by d or its children remains active
// in the kernel mount table. Returns (success, usedLazyUnmount). Idempotent:
// a drive with nothing mounted returns (true, false) immediately.
func (m *Manager) Unmount(ctx context.Context, d domain.Drive) (bool, bool) {
	candidates := activeMountpointsFor(d)
	if len(candidates) == 0 {
		return true, false
	}

	active := filterActive(candidates)
	if len(active) == 0 {
		return true, false
	}

	log.Debug("syncing filesystem buffers")
	_, _ = m.runner.RunChecked(ctx, []string{"sync"}, nil)
	time.Sleep(500 * time.Millisecond)

	for attempt := 1; attempt <= m.cfg.UnmountRetries; attempt++ {
		active = filterActive(candidates)
		if len(active) == 0 {
			return true, false
		}
		for _, mp := range active {
			if _, err := m.runner.RunChecked(ctx, []string{"umount", mp}, nil); err != nil {
				log.WithError(err).Debugf("unmount attempt %d/%d failed for %s", attempt, m.cfg.UnmountRetries, mp)
			}
		}
		if len(filterActive(candidates)) == 0 {
			return true, false
		}
		if attempt < m.cfg.UnmountRetries {
			time.Sleep(m.cfg.UnmountRetryInterval)
		}
	}

	log.Debug("normal unmount failed, attempting lazy unmount")
	active = filterActive(candidates)
	if len(active) == 0 {
		return true, false
	}
	for _, mp := range active {
		if _, err := m.runner.RunChecked(ctx, []string{"umount", "-l", mp}, nil); err != nil {
			log.WithError(err).Debugf("lazy unmount failed for %s", mp)
		}
	}
	if len(filterActive(candidates)) == 0 {
		return true, true
	}
	return false, false
}

// UnmountOrError is Unmount but raises domain.UnmountFailedError on
// failure, for callers that want the raise-on-failure behavior named in
// spec.md §4.4.
func (m *Manager) UnmountOrError(ctx context.Context, d domain.Drive) error {
	ok, _ := m.Unmount(ctx, d)
	if !ok {
		return domain.NewUnmountFailedError(d.Name, nil)
	}
	return nil
}

// PowerOff tries `udisksctl power-off`, then `hdparm -Y` as a fallback.
// Succeeds iff either command returns 0.
func (m *Manager) PowerOff(ctx context.Context, d domain.Drive) bool {
	if _, err := m.runner.RunChecked(ctx, []string{"udisksctl", "power-off", "-b", d.Node}, nil); err == nil {
		return true
	}
	_, err := m.runner.RunChecked(ctx, []string{"hdparm", "-Y", d.Node}, nil)
	return err == nil
}
