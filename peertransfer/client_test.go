package peertransfer

import (
	"context"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpi-usb-cloner/rpi-usb-cloner/config"
	"github.com/rpi-usb-cloner/rpi-usb-cloner/domain"
)

func newTestBackend(t *testing.T, fs afero.Fs, free uint64) (*httptest.Server, domain.PeerDevice) {
	t.Helper()
	require.NoError(t, fs.MkdirAll("/repo", 0755))
	repo := domain.ImageRepo{Path: "/repo", DriveName: "sda"}
	s := NewServer(fs, repo, config.Default(), fakeUsager{usage: domain.RepoUsage{FreeBytes: free}}, nil)
	s.SetPIN("1234")

	srv := httptest.NewServer(s.Router())
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host := u.Hostname()
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	return srv, domain.PeerDevice{Hostname: "peer", Address: host, Port: port}
}

func TestClientAuthenticateSucceeds(t *testing.T) {
	fs := afero.NewMemMapFs()
	srv, peer := newTestBackend(t, fs, 1000)
	defer srv.Close()

	client := NewClient(fs, peer, config.Default(), 5*time.Second)
	token, err := client.Authenticate(context.Background(), "1234")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
}

func TestClientAuthenticateRejectsWrongPIN(t *testing.T) {
	fs := afero.NewMemMapFs()
	srv, peer := newTestBackend(t, fs, 1000)
	defer srv.Close()

	client := NewClient(fs, peer, config.Default(), 5*time.Second)
	_, err := client.Authenticate(context.Background(), "9999")
	require.Error(t, err)
	var authErr *domain.AuthenticationError
	assert.ErrorAs(t, err, &authErr)
}

func TestClientSendImagesUploadsFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/src/backup.iso", []byte("disk image content"), 0644))
	srv, peer := newTestBackend(t, fs, 10000)
	defer srv.Close()

	client := NewClient(fs, peer, config.Default(), 5*time.Second)
	_, err := client.Authenticate(context.Background(), "1234")
	require.NoError(t, err)

	images := []domain.DiskImage{{Name: "backup.iso", Path: "/src/backup.iso", ImageType: domain.ImageTypeISO, SizeBytes: 19}}

	var progressed []float64
	ok, failed, err := client.SendImages(context.Background(), images, func(name string, ratio float64) {
		progressed = append(progressed, ratio)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, ok)
	assert.Equal(t, 0, failed)
	assert.NotEmpty(t, progressed)

	content, err := afero.ReadFile(fs, "/repo/backup.iso")
	require.NoError(t, err)
	assert.Equal(t, "disk image content", string(content))
}

func TestClientSendImagesRejectsInsufficientSpace(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/src/backup.iso", []byte("disk image content"), 0644))
	srv, peer := newTestBackend(t, fs, 5)
	defer srv.Close()

	client := NewClient(fs, peer, config.Default(), 5*time.Second)
	_, err := client.Authenticate(context.Background(), "1234")
	require.NoError(t, err)

	images := []domain.DiskImage{{Name: "backup.iso", Path: "/src/backup.iso", ImageType: domain.ImageTypeISO, SizeBytes: 19}}
	_, _, err = client.SendImages(context.Background(), images, nil)
	require.Error(t, err)
	var transferErr *domain.TransferError
	assert.ErrorAs(t, err, &transferErr)
}

func TestClientSendImagesRequiresAuthentication(t *testing.T) {
	fs := afero.NewMemMapFs()
	srv, peer := newTestBackend(t, fs, 1000)
	defer srv.Close()

	client := NewClient(fs, peer, config.Default(), 5*time.Second)
	_, _, err := client.SendImages(context.Background(), nil, nil)
	require.Error(t, err)
}
