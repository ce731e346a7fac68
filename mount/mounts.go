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

// Package mount parses the kernel's mount table and drives the
// unmount-retry-escalate algorithm. The mount table, not the inventory
// snapshot, is the authoritative source of mount state: every destructive
// operation must re-check it immediately before proceeding.
//
// This mirrors the parsing idiom of the teacher's mount/infoParser.go
// (one struct per mount-table row, a parser that walks the file line by
// line) adapted from /proc/<pid>/mountinfo's eleven-field format to the
// simpler /proc/mounts format:
//
//   <device> <mountpoint> <fstype> <options> <dump> <pass>
package mount

import (
	"bufio"
	"os"
	"strings"
)

// Entry is one row of /proc/mounts.
type Entry struct {
	Device     string
	Mountpoint string
	FsType     string
	Options    string
}

// procMountsPath is a var, not a const, so tests can point it at a fixture.
var procMountsPath = "/proc/mounts"

// ReadProcMounts parses the current kernel mount table.
func ReadProcMounts() ([]Entry, error) {
	f, err := os.Open(procMountsPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseProcMounts(f)
}

func parseProcMounts(r *os.File) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}
		entries = append(entries, Entry{
			Device:     fields[0],
			Mountpoint: fields[1],
			FsType:     fields[2],
			Options:    fields[3],
		})
	}
	return entries, scanner.Err()
}

// IsMountpointActive reports whether mountpoint appears as a mounted
// target in the current kernel mount table.
func IsMountpointActive(mountpoint string) bool {
	entries, err := ReadProcMounts()
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.Mountpoint == mountpoint {
			return true
		}
	}
	return false
}
