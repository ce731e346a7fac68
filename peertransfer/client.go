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

package peertransfer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/rpi-usb-cloner/rpi-usb-cloner/config"
	"github.com/rpi-usb-cloner/rpi-usb-cloner/domain"
)

const defaultUploadChunkBytes = 1024 * 1024

// Client drives the peer-transfer protocol against one discovered peer.
type Client struct {
	fs      afero.Fs
	peer    domain.PeerDevice
	http    *http.Client
	baseURL string
	token   string
	chunk   int
}

// NewClient builds a Client that talks to peer, with requests bounded by
// timeout. The upload chunk size follows cfg.UploadChunkBytes, the same
// tunable the server side uses.
func NewClient(fs afero.Fs, peer domain.PeerDevice, cfg config.Config, timeout time.Duration) *Client {
	chunk := int(cfg.UploadChunkBytes)
	if chunk <= 0 {
		chunk = defaultUploadChunkBytes
	}
	return &Client{
		fs:      fs,
		peer:    peer,
		http:    &http.Client{Timeout: timeout},
		baseURL: fmt.Sprintf("http://%s:%d", peer.Address, peer.Port),
		chunk:   chunk,
	}
}

// Authenticate exchanges pin for a session token, stored for subsequent
// requests, and returns it.
func (c *Client) Authenticate(ctx context.Context, pin string) (string, error) {
	body, _ := json.Marshal(map[string]string{"pin": pin})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", domain.NewAuthenticationError("network error: " + err.Error())
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var decoded struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return "", domain.NewAuthenticationError("malformed auth response: " + err.Error())
		}
		c.token = decoded.Token
		return c.token, nil
	case http.StatusUnauthorized:
		return "", domain.NewAuthenticationError("invalid PIN")
	case http.StatusTooManyRequests:
		var decoded struct {
			RetryAfter int `json:"retry_after"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&decoded)
		return "", domain.NewAuthenticationError(fmt.Sprintf("too many failed attempts, retry after %ds", decoded.RetryAfter))
	default:
		return "", domain.NewAuthenticationError(fmt.Sprintf("authentication failed with status %d", resp.StatusCode))
	}
}

// SendImages initializes a transfer and then uploads each image in
// turn, reporting per-image progress via progress (may be nil). A
// per-image failure is counted rather than aborting the batch,
// mirroring transfer.CopyAll.
func (c *Client) SendImages(ctx context.Context, images []domain.DiskImage, progress ProgressFunc) (int, int, error) {
	if c.token == "" {
		return 0, 0, domain.NewAuthenticationError("not authenticated, call Authenticate first")
	}

	type imageMeta struct {
		Name      string `json:"name"`
		Type      string `json:"type"`
		SizeBytes uint64 `json:"size_bytes"`
	}
	metas := make([]imageMeta, 0, len(images))
	for _, img := range images {
		metas = append(metas, imageMeta{Name: img.Name, Type: string(img.ImageType), SizeBytes: img.SizeBytes})
	}

	payload, _ := json.Marshal(map[string]interface{}{"images": metas})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transfer", bytes.NewReader(payload))
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, 0, domain.NewTransferError("network error during transfer init", err)
	}
	func() {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusInsufficientStorage {
			var decoded struct {
				Required  uint64 `json:"required"`
				Available uint64 `json:"available"`
			}
			_ = json.NewDecoder(resp.Body).Decode(&decoded)
			err = domain.NewTransferError(fmt.Sprintf("insufficient space on destination: need %d, have %d", decoded.Required, decoded.Available), nil)
			return
		}
		if resp.StatusCode != http.StatusOK {
			var decoded struct {
				Error string `json:"error"`
			}
			_ = json.NewDecoder(resp.Body).Decode(&decoded)
			err = domain.NewTransferError("transfer init failed: "+decoded.Error, nil)
		}
	}()
	if err != nil {
		return 0, 0, err
	}

	var success, failure int
	for _, img := range images {
		if uploadErr := c.uploadSingleImage(ctx, img, progress); uploadErr != nil {
			failure++
			continue
		}
		success++
	}
	return success, failure, nil
}

func (c *Client) uploadSingleImage(ctx context.Context, img domain.DiskImage, progress ProgressFunc) error {
	if progress != nil {
		progress(img.Name, 0.0)
	}
	var err error
	if img.ImageType == domain.ImageTypeClonezillaDir {
		err = c.uploadDirectory(ctx, img, progress)
	} else {
		err = c.uploadFile(ctx, img, progress)
	}
	if err != nil {
		return err
	}
	if progress != nil {
		progress(img.Name, 1.0)
	}
	return nil
}

func (c *Client) uploadFile(ctx context.Context, img domain.DiskImage, progress ProgressFunc) error {
	in, err := c.fs.Open(img.Path)
	if err != nil {
		return err
	}
	defer in.Close()

	pr, pw := io.Pipe()
	go func() {
		buf := make([]byte, c.chunk)
		var sent uint64
		for {
			n, readErr := in.Read(buf)
			if n > 0 {
				if _, writeErr := pw.Write(buf[:n]); writeErr != nil {
					pw.CloseWithError(writeErr)
					return
				}
				sent += uint64(n)
				if progress != nil && img.SizeBytes > 0 {
					progress(img.Name, float64(sent)/float64(img.SizeBytes))
				}
			}
			if readErr == io.EOF {
				pw.Close()
				return
			}
			if readErr != nil {
				pw.CloseWithError(readErr)
				return
			}
		}
	}()

	url := fmt.Sprintf("%s/upload/%s", c.baseURL, img.Name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, pr)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-Image-Type", string(img.ImageType))
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.NewTransferError("network error during upload", err)
	}
	defer resp.Body.Close()
	return checkUploadResponse(resp)
}

func (c *Client) uploadDirectory(ctx context.Context, img domain.DiskImage, progress ProgressFunc) error {
	var files []string
	var total uint64
	_ = afero.Walk(c.fs, img.Path, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		files = append(files, path)
		total += uint64(info.Size())
		return nil
	})
	if total == 0 {
		return domain.NewTransferError(fmt.Sprintf("directory %s is empty", img.Name), nil)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		defer pw.Close()
		var sent uint64
		for _, src := range files {
			rel, relErr := filepath.Rel(img.Path, src)
			if relErr != nil {
				pw.CloseWithError(relErr)
				return
			}
			part, partErr := mw.CreateFormFile("file", rel)
			if partErr != nil {
				pw.CloseWithError(partErr)
				return
			}
			in, openErr := c.fs.Open(src)
			if openErr != nil {
				pw.CloseWithError(openErr)
				return
			}
			n, copyErr := io.Copy(part, in)
			in.Close()
			if copyErr != nil {
				pw.CloseWithError(copyErr)
				return
			}
			sent += uint64(n)
			if progress != nil {
				progress(img.Name, float64(sent)/float64(total))
			}
		}
		_ = mw.Close()
	}()

	url := fmt.Sprintf("%s/upload/%s", c.baseURL, img.Name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, pr)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-Image-Type", string(img.ImageType))
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.NewTransferError("network error during upload", err)
	}
	defer resp.Body.Close()
	return checkUploadResponse(resp)
}

func checkUploadResponse(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	var decoded struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return domain.NewTransferError("upload failed: "+decoded.Error, nil)
}

// CheckStatus queries the peer's /status endpoint.
func (c *Client) CheckStatus(ctx context.Context) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return map[string]interface{}{"status": "unreachable", "error": err.Error()}, nil
	}
	defer resp.Body.Close()

	var decoded map[string]interface{}
	if resp.StatusCode != http.StatusOK {
		return map[string]interface{}{"status": "error", "code": resp.StatusCode}, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, err
	}
	return decoded, nil
}
