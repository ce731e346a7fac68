package peertransfer

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpi-usb-cloner/rpi-usb-cloner/config"
	"github.com/rpi-usb-cloner/rpi-usb-cloner/domain"
)

type fakeUsager struct {
	usage domain.RepoUsage
	err   error
}

func (f fakeUsager) Usage(repo domain.ImageRepo) (domain.RepoUsage, error) {
	return f.usage, f.err
}

func newTestServer(t *testing.T, free uint64) (*Server, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/repo", 0755))
	repo := domain.ImageRepo{Path: "/repo", DriveName: "sda"}
	s := NewServer(fs, repo, config.Default(), fakeUsager{usage: domain.RepoUsage{FreeBytes: free}}, nil)
	s.SetPIN("1234")
	return s, fs
}

func authedToken(t *testing.T, s *Server) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"pin": "1234"})
	req := httptest.NewRequest(http.MethodPost, "/auth", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var decoded struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	return decoded.Token
}

func TestHandleAuthRejectsWrongPIN(t *testing.T) {
	s, _ := newTestServer(t, 1000)
	body, _ := json.Marshal(map[string]string{"pin": "0000"})
	req := httptest.NewRequest(http.MethodPost, "/auth", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleAuthRateLimitsAfterRepeatedFailures(t *testing.T) {
	s, _ := newTestServer(t, 1000)
	for i := 0; i < 3; i++ {
		body, _ := json.Marshal(map[string]string{"pin": "wrong"})
		req := httptest.NewRequest(http.MethodPost, "/auth", bytes.NewReader(body))
		req.RemoteAddr = "10.0.0.5:5555"
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	body, _ := json.Marshal(map[string]string{"pin": "1234"})
	req := httptest.NewRequest(http.MethodPost, "/auth", bytes.NewReader(body))
	req.RemoteAddr = "10.0.0.5:5555"
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestHandleAuthSucceedsAndIssuesToken(t *testing.T) {
	s, _ := newTestServer(t, 1000)
	token := authedToken(t, s)
	assert.NotEmpty(t, token)
}

func TestHandleTransferInitRejectsWithoutToken(t *testing.T) {
	s, _ := newTestServer(t, 1000)
	body, _ := json.Marshal(map[string]interface{}{"images": []map[string]interface{}{{"name": "a.iso", "type": "iso", "size_bytes": 10}}})
	req := httptest.NewRequest(http.MethodPost, "/transfer", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleTransferInitRejectsInsufficientSpace(t *testing.T) {
	s, _ := newTestServer(t, 5)
	token := authedToken(t, s)

	body, _ := json.Marshal(map[string]interface{}{"images": []map[string]interface{}{{"name": "a.iso", "type": "iso", "size_bytes": 100}}})
	req := httptest.NewRequest(http.MethodPost, "/transfer", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInsufficientStorage, rec.Code)
}

func TestHandleTransferInitAcceptsWithinSpace(t *testing.T) {
	s, _ := newTestServer(t, 1000)
	token := authedToken(t, s)

	body, _ := json.Marshal(map[string]interface{}{"images": []map[string]interface{}{{"name": "a.iso", "type": "iso", "size_bytes": 100}}})
	req := httptest.NewRequest(http.MethodPost, "/transfer", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var decoded struct {
		Accepted bool `json:"accepted"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	assert.True(t, decoded.Accepted)
}

func TestHandleUploadBinaryWritesFile(t *testing.T) {
	s, fs := newTestServer(t, 1000)
	token := authedToken(t, s)

	req := httptest.NewRequest(http.MethodPost, "/upload/backup.iso", bytes.NewReader([]byte("hello world")))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Image-Type", "iso")
	req.Header.Set("Content-Type", "application/octet-stream")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	content, err := afero.ReadFile(fs, "/repo/backup.iso")
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(content))
}

func TestVerifyTokenRejectsExpiredSession(t *testing.T) {
	s, _ := newTestServer(t, 1000)
	token := authedToken(t, s)

	s.mu.Lock()
	sess := s.sessions[token]
	sess.CreatedAt = time.Now().Add(-s.cfg.SessionTimeout - time.Minute)
	s.sessions[token] = sess
	s.mu.Unlock()

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	_, ok := s.verifyToken(req)
	assert.False(t, ok)
}

func TestHandleStatusReportsDestination(t *testing.T) {
	s, _ := newTestServer(t, 1000)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	assert.Equal(t, "/repo", decoded["destination"])
}
