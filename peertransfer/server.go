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

// Package peertransfer implements the PIN-authenticated HTTP transfer
// protocol two cloning appliances speak to exchange images directly,
// without either one being an image repository the other can mount.
package peertransfer

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"mime"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/rpi-usb-cloner/rpi-usb-cloner/config"
	"github.com/rpi-usb-cloner/rpi-usb-cloner/domain"
)

var log = logrus.WithField("component", "peertransfer")

// RepoUsager reports free/used space for a destination repository, so
// the server can reject a transfer before it runs the destination out
// of space.
type RepoUsager interface {
	Usage(repo domain.ImageRepo) (domain.RepoUsage, error)
}

// ProgressFunc is invoked as each image's upload makes progress.
// Client.SendImages passes ratio as the 0..1 fraction of bytes sent, for
// files and directories alike; Server passes the cumulative number of
// bytes received for the image so far.
type ProgressFunc func(imageName string, ratio float64)

// Server answers the peer-transfer HTTP protocol on behalf of a single
// destination repository.
type Server struct {
	fs    afero.Fs
	repo  domain.ImageRepo
	cfg   config.Config
	usage RepoUsager

	onProgress ProgressFunc

	mu             sync.Mutex
	pin            string
	sessions       map[string]domain.Session
	failedAttempts map[string][]time.Time
}

// NewServer builds a Server that receives images into repo.
func NewServer(fs afero.Fs, repo domain.ImageRepo, cfg config.Config, usage RepoUsager, onProgress ProgressFunc) *Server {
	return &Server{
		fs:             fs,
		repo:           repo,
		cfg:            cfg,
		usage:          usage,
		onProgress:     onProgress,
		sessions:       map[string]domain.Session{},
		failedAttempts: map[string][]time.Time{},
	}
}

// SetPIN fixes the PIN the server will accept, bypassing GeneratePIN.
func (s *Server) SetPIN(pin string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pin = pin
}

// GeneratePIN assigns and returns a new random 4-digit PIN, for the
// caller to display on the local screen.
func (s *Server) GeneratePIN() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		return "", err
	}
	pin := fmt.Sprintf("%04d", n.Int64())
	s.SetPIN(pin)
	return pin, nil
}

// CurrentPIN returns the PIN currently accepted for /auth.
func (s *Server) CurrentPIN() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pin
}

// Router builds the mux.Router serving the peer-transfer protocol.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/auth", s.handleAuth).Methods(http.MethodPost)
	r.HandleFunc("/transfer", s.handleTransferInit).Methods(http.MethodPost)
	r.HandleFunc("/upload/{image_name}", s.handleUpload).Methods(http.MethodPost)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	return r
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)

	if !s.checkRateLimit(ip) {
		log.WithField("ip", ip).Warn("rate limit exceeded for /auth")
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error":       "Too many failed attempts",
			"retry_after": int(s.cfg.RateLimitWindow.Seconds()),
		})
		return
	}

	var body struct {
		PIN string `json:"pin"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Bad request"})
		return
	}

	s.mu.Lock()
	expected := s.pin
	s.mu.Unlock()

	if body.PIN != expected || expected == "" {
		s.recordFailedAttempt(ip)
		log.WithField("ip", ip).Warn("failed auth attempt")
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid PIN"})
		return
	}

	token, err := randomURLSafeToken(32)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "token generation failed"})
		return
	}

	s.mu.Lock()
	s.sessions[token] = domain.Session{Token: token, CreatedAt: time.Now(), PIN: body.PIN, PeerIP: ip}
	delete(s.failedAttempts, ip)
	s.mu.Unlock()

	log.WithField("ip", ip).Info("successful peer auth")
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleTransferInit(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.verifyToken(r); !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		return
	}

	var body struct {
		Images []struct {
			Name      string `json:"name"`
			Type      string `json:"type"`
			SizeBytes uint64 `json:"size_bytes"`
		} `json:"images"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Bad request"})
		return
	}
	if len(body.Images) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "No images specified"})
		return
	}

	var total uint64
	for _, img := range body.Images {
		total += img.SizeBytes
	}

	usage, err := s.usage.Usage(s.repo)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Bad request"})
		return
	}

	if total > usage.FreeBytes {
		log.WithFields(logrus.Fields{"required": total, "available": usage.FreeBytes}).Warn("insufficient space for peer transfer")
		writeJSON(w, http.StatusInsufficientStorage, map[string]interface{}{
			"error":     "Insufficient space",
			"required":  total,
			"available": usage.FreeBytes,
		})
		return
	}

	transferID, err := randomHexToken(16)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "token generation failed"})
		return
	}

	log.WithFields(logrus.Fields{"images": len(body.Images), "bytes": total, "transfer_id": transferID}).Info("transfer initialized")
	writeJSON(w, http.StatusOK, map[string]interface{}{"transfer_id": transferID, "accepted": true})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.verifyToken(r); !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		return
	}

	imageName := mux.Vars(r)["image_name"]
	imageTypeHeader := strings.ToLower(r.Header.Get("X-Image-Type"))
	imageType := domain.ImageType(imageTypeHeader)
	if imageType == "" {
		imageType = domain.ImageTypeISO
	}

	var destPath string
	if imageType == domain.ImageTypeClonezillaDir {
		destBase := filepath.Join(s.repo.Path, "clonezilla")
		if err := s.fs.MkdirAll(destBase, 0755); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		destPath = filepath.Join(destBase, imageName)
	} else {
		destPath = filepath.Join(s.repo.Path, imageName)
	}

	contentType := r.Header.Get("Content-Type")
	var receivedBytes int64
	var err error
	if mediaType, _, parseErr := mime.ParseMediaType(contentType); parseErr == nil && mediaType == "multipart/form-data" {
		receivedBytes, err = s.receiveMultipart(r, destPath, imageName)
	} else {
		receivedBytes, err = s.receiveBinary(r, destPath, imageName)
	}
	if err != nil {
		log.WithError(err).WithField("image", imageName).Error("upload failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	log.WithFields(logrus.Fields{"image": imageName, "bytes": receivedBytes}).Info("upload complete")
	writeJSON(w, http.StatusOK, map[string]interface{}{"received_bytes": receivedBytes, "status": "complete"})
}

func (s *Server) receiveBinary(r *http.Request, destPath, imageName string) (int64, error) {
	out, err := s.fs.Create(destPath)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	chunk := s.cfg.UploadChunkBytes
	if chunk <= 0 {
		chunk = 1024 * 1024
	}
	buf := make([]byte, chunk)
	var received int64
	for {
		n, readErr := r.Body.Read(buf)
		if n > 0 {
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				return received, writeErr
			}
			received += int64(n)
			if s.onProgress != nil {
				s.onProgress(imageName, float64(received))
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return received, readErr
		}
	}
	return received, nil
}

func (s *Server) receiveMultipart(r *http.Request, destDir, imageName string) (int64, error) {
	if err := s.fs.MkdirAll(destDir, 0755); err != nil {
		return 0, err
	}

	reader, err := r.MultipartReader()
	if err != nil {
		return 0, err
	}

	var received int64
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return received, err
		}
		if part.FileName() == "" {
			continue
		}

		filePath := filepath.Join(destDir, filepath.Clean(part.FileName()))
		if err := s.fs.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
			return received, err
		}

		out, err := s.fs.Create(filePath)
		if err != nil {
			return received, err
		}
		n, err := io.Copy(out, part)
		out.Close()
		if err != nil {
			return received, err
		}
		received += n
		if s.onProgress != nil {
			s.onProgress(imageName, float64(received))
		}
	}
	return received, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ready",
		"pin_required": true,
		"destination":  s.repo.Path,
	})
}

func (s *Server) verifyToken(r *http.Request) (domain.Session, bool) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return domain.Session{}, false
	}
	token := strings.TrimPrefix(auth, "Bearer ")

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[token]
	if !ok {
		return domain.Session{}, false
	}
	if sess.Expired(time.Now(), s.cfg.SessionTimeout) {
		delete(s.sessions, token)
		return domain.Session{}, false
	}
	return sess, true
}

func (s *Server) checkRateLimit(ip string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	attempts := s.failedAttempts[ip]
	fresh := attempts[:0]
	for _, ts := range attempts {
		if now.Sub(ts) < s.cfg.RateLimitWindow {
			fresh = append(fresh, ts)
		}
	}
	s.failedAttempts[ip] = fresh
	return len(fresh) < s.cfg.MaxFailedAttempts
}

func (s *Server) recordFailedAttempt(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failedAttempts[ip] = append(s.failedAttempts[ip], time.Now())
}

func randomURLSafeToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func randomHexToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
