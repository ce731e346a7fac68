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

// Package transfer copies disk images between two image repositories on
// the same host.
package transfer

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/rpi-usb-cloner/rpi-usb-cloner/config"
	"github.com/rpi-usb-cloner/rpi-usb-cloner/domain"
)

var log = logrus.WithField("component", "transfer")

// Transferer copies images into a destination repository root.
type Transferer struct {
	fs  afero.Fs
	cfg config.Config
}

func New(fs afero.Fs, cfg config.Config) *Transferer {
	return &Transferer{fs: fs, cfg: cfg}
}

// CopyAll copies every image in images into destRoot, dispatching by
// ImageType, and returns (successCount, failureCount). A per-image error
// is logged and the batch continues.
func (t *Transferer) CopyAll(images []domain.DiskImage, destRoot string, sink domain.ProgressSink) (int, int) {
	info, err := t.fs.Stat(destRoot)
	if err != nil || !info.IsDir() {
		log.WithField("dest", destRoot).Error("destination repository path is not a directory")
		return 0, len(images)
	}

	var ok, failed int
	for _, img := range images {
		var err error
		switch img.ImageType {
		case domain.ImageTypeClonezillaDir:
			err = t.copyClonezillaDir(img, destRoot, sink)
		case domain.ImageTypeISO, domain.ImageTypeImageUSBBin:
			err = t.copySingleFile(img, destRoot, sink)
		default:
			err = &unsupportedImageTypeError{img.ImageType}
		}
		if err != nil {
			log.WithError(err).WithField("image", img.Name).Error("transfer failed")
			failed++
			continue
		}
		ok++
	}
	return ok, failed
}

type unsupportedImageTypeError struct{ t domain.ImageType }

func (e *unsupportedImageTypeError) Error() string { return "unsupported image type: " + string(e.t) }

// copySingleFile copies a single-file image (ISO/ImageUSB) into
// destRoot, overwriting any existing file of the same name and warning
// when it does.
func (t *Transferer) copySingleFile(img domain.DiskImage, destRoot string, sink domain.ProgressSink) error {
	dest := filepath.Join(destRoot, img.Name)
	if _, err := t.fs.Stat(dest); err == nil {
		log.Warnf("overwriting existing image %s", dest)
	}
	return t.copyFileChunked(img.Path, dest, img.SizeBytes, img.Name, sink)
}

// copyClonezillaDir copies a Clonezilla image directory into
// destRoot/clonezilla/<name>/, merging into an existing directory of the
// same name (and warning when it does), reporting progress per completed
// file against a total computed up front.
func (t *Transferer) copyClonezillaDir(img domain.DiskImage, destRoot string, sink domain.ProgressSink) error {
	destDir := filepath.Join(destRoot, "clonezilla", img.Name)
	if info, err := t.fs.Stat(destDir); err == nil && info.IsDir() {
		log.Warnf("merging into existing Clonezilla image directory %s", destDir)
	}
	if err := t.fs.MkdirAll(destDir, 0755); err != nil {
		return err
	}

	var files []string
	var total uint64
	_ = afero.Walk(t.fs, img.Path, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		files = append(files, path)
		total += uint64(info.Size())
		return nil
	})

	var copied uint64
	for _, src := range files {
		rel, err := filepath.Rel(img.Path, src)
		if err != nil {
			return err
		}
		dest := filepath.Join(destDir, rel)
		if err := t.fs.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return err
		}
		info, err := t.fs.Stat(src)
		if err != nil {
			return err
		}
		if err := t.copyFileChunked(src, dest, uint64(info.Size()), rel, nil); err != nil {
			return err
		}
		copied += uint64(info.Size())
		ratio := domain.ClampRatio(0)
		if total > 0 {
			ratio = domain.ClampRatio(float64(copied) / float64(total))
		}
		sink.Emit(domain.ProgressEvent{Lines: []string{"TRANSFER", img.Name, rel}, Ratio: &ratio})
	}
	return nil
}

// copyFileChunked streams src to dest in UploadChunkBytes-sized chunks,
// emitting a byte-ratio progress frame per chunk when sink is non-nil
// (directory members report progress per-file instead, at the caller).
func (t *Transferer) copyFileChunked(src, dest string, totalBytes uint64, label string, sink domain.ProgressSink) error {
	in, err := t.fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := t.fs.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	chunk := t.cfg.UploadChunkBytes
	if chunk <= 0 {
		chunk = 1024 * 1024
	}
	buf := make([]byte, chunk)
	var copied uint64
	for {
		n, readErr := in.Read(buf)
		if n > 0 {
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				return writeErr
			}
			copied += uint64(n)
			if sink != nil {
				ratio := domain.ClampRatio(0)
				if totalBytes > 0 {
					ratio = domain.ClampRatio(float64(copied) / float64(totalBytes))
				}
				sink.Emit(domain.ProgressEvent{Lines: []string{"TRANSFER", label}, Ratio: &ratio})
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return readErr
		}
	}
	return nil
}
