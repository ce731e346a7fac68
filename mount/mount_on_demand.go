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
	"fmt"
	"regexp"
)

var udisksctlMountedAtRE = regexp.MustCompile(`at (/\S+)\.?\s*$`)

// MountPartition mounts node on demand via udisksctl, the same tool
// PowerOff uses for its preferred path, and returns the mountpoint
// udisksctl chose. Satisfies imagerepo.Mounter; callers treat any error
// here as "skip this partition", matching the original's behavior.
func (m *Manager) MountPartition(ctx context.Context, node, name string) (string, error) {
	out, err := m.runner.RunChecked(ctx, []string{"udisksctl", "mount", "-b", node}, nil)
	if err != nil {
		return "", err
	}
	match := udisksctlMountedAtRE.FindStringSubmatch(out)
	if match == nil {
		return "", fmt.Errorf("could not parse udisksctl mount output for %s", node)
	}
	return match[1], nil
}
