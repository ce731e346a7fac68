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

// Package verify proves byte-for-byte equality between a source and a
// target by streaming each through dd and hashing what comes out with
// SHA-256, partition-by-partition when the device has partitions.
package verify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/rpi-usb-cloner/rpi-usb-cloner/command"
	"github.com/rpi-usb-cloner/rpi-usb-cloner/domain"
)

var log = logrus.WithField("component", "verify")

// Verifier runs dd|sha256 pipelines via a command.Runner.
type Verifier struct {
	runner command.Runner
}

func New(runner command.Runner) *Verifier {
	return &Verifier{runner: runner}
}

// VerifyDrives proves source and dest are byte-identical over the source's
// declared size, partition-by-partition when source has partitions and as
// a single whole-device pass otherwise (the unpartitioned-media fast path).
func (v *Verifier) VerifyDrives(ctx context.Context, source, dest domain.Drive, sink domain.ProgressSink) (bool, error) {
	if len(source.Partitions) == 0 {
		return v.VerifyRange(ctx, source.Node, dest.Node, source.SizeBytes, "VERIFYING", sink)
	}

	byNumber := make(map[int]domain.Partition, len(dest.Partitions))
	for _, p := range dest.Partitions {
		if p.PartitionNumber >= 0 {
			byNumber[p.PartitionNumber] = p
		}
	}

	for i, src := range source.Partitions {
		dst, ok := byNumber[src.PartitionNumber]
		if !ok && i < len(dest.Partitions) {
			dst = dest.Partitions[i]
			ok = true
		}
		if !ok {
			return false, fmt.Errorf("verify: unable to map partition %s to a destination partition", src.Name)
		}
		title := fmt.Sprintf("%s (%d/%d)", domain.PartitionDisplayName(src), i+1, len(source.Partitions))
		match, err := v.VerifyRange(ctx, "/dev/"+src.Name, "/dev/"+dst.Name, src.SizeBytes, title, sink)
		if err != nil {
			return false, err
		}
		if !match {
			log.Infof("checksum mismatch on partition %s", src.Name)
			return false, nil
		}
	}
	return true, nil
}

// VerifyRange hashes sizeBytes from each of srcNode and dstNode (both read
// sequentially, source first) and reports whether the digests match.
func (v *Verifier) VerifyRange(ctx context.Context, srcNode, dstNode string, sizeBytes uint64, title string, sink domain.ProgressSink) (bool, error) {
	srcSum, err := v.hashNode(ctx, srcNode, sizeBytes, title, "Source", sink)
	if err != nil {
		return false, err
	}
	dstSum, err := v.hashNode(ctx, dstNode, sizeBytes, title, "Target", sink)
	if err != nil {
		return false, err
	}
	return srcSum == dstSum, nil
}

// hashNode streams sizeBytes (or the whole device, when sizeBytes is 0)
// from node through dd and returns its SHA-256 hex digest.
func (v *Verifier) hashNode(ctx context.Context, node string, sizeBytes uint64, title, subtitle string, sink domain.ProgressSink) (string, error) {
	dd, err := command.LookPath("dd")
	if err != nil {
		return "", err
	}
	argv := []string{dd, fmt.Sprintf("if=%s", node), "bs=4M"}
	if sizeBytes > 0 {
		argv = append(argv, fmt.Sprintf("count=%d", sizeBytes), "iflag=count_bytes")
	}

	hasher := sha256.New()
	if err := v.runner.RunStreaming(ctx, command.StreamOptions{
		Argv:       argv,
		Stdout:     hasher,
		TotalBytes: sizeBytes,
		Title:      title,
		Subtitle:   subtitle,
		Sink:       sink,
	}); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
