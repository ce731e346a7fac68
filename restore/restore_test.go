package restore

import (
	"context"
	"io"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpi-usb-cloner/rpi-usb-cloner/command"
	"github.com/rpi-usb-cloner/rpi-usb-cloner/config"
	"github.com/rpi-usb-cloner/rpi-usb-cloner/domain"
	"github.com/rpi-usb-cloner/rpi-usb-cloner/mount"
)

type fakeLookup struct {
	drives map[string]domain.Drive
}

func (f fakeLookup) Get(ctx context.Context, name string, forceRefresh bool) (domain.Drive, bool, error) {
	d, ok := f.drives[name]
	return d, ok, nil
}

type scriptedRunner struct {
	calls [][]string
}

func (r *scriptedRunner) RunChecked(ctx context.Context, argv []string, stdin io.Reader) (string, error) {
	r.calls = append(r.calls, argv)
	return "", nil
}

func (r *scriptedRunner) RunStreaming(ctx context.Context, opts command.StreamOptions) error {
	r.calls = append(r.calls, opts.Argv)
	if opts.Stdin != nil {
		_, _ = io.Copy(io.Discard, opts.Stdin)
	}
	return nil
}

func noopMounts() *mount.Manager {
	return mount.NewManager(&scriptedRunner{}, config.Default())
}

func TestValidateImageUSBFileRejectsBadSignature(t *testing.T) {
	fs := afero.NewMemMapFs()
	// Padded past the 512-byte header so the size check passes.
	content := append([]byte("not a signature at all"), make([]byte, 600)...)
	require.NoError(t, afero.WriteFile(fs, "/repo/disk.bin", content, 0644))
	e := NewEngine(fs, &scriptedRunner{}, fakeLookup{}, noopMounts())

	err := e.ValidateImageUSBFile("/repo/disk.bin")
	require.Error(t, err)
	var rerr *domain.RestoreError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "Bad signature", rerr.DisplayCause())
}

func TestValidateImageUSBFileAcceptsGoodSignature(t *testing.T) {
	fs := afero.NewMemMapFs()
	content := append(append([]byte{}, imageUSBSignature...), make([]byte, 600)...)
	require.NoError(t, afero.WriteFile(fs, "/repo/disk.bin", content, 0644))
	e := NewEngine(fs, &scriptedRunner{}, fakeLookup{}, noopMounts())

	assert.NoError(t, e.ValidateImageUSBFile("/repo/disk.bin"))
}

func TestParsePlanFindsPartcloneAndDDPartitions(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/img/parts", []byte("sda1 sda2\n"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/img/sda1.ext4-ptcl-img.gz.aa", []byte("x"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/img/sda2.dd-img.aa", []byte("y"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/img/disk-pt.sf", []byte("label: dos\n"), 0644))
	e := NewEngine(fs, &scriptedRunner{}, fakeLookup{}, noopMounts())

	plan, err := e.ParsePlan("/img")
	require.NoError(t, err)
	require.Len(t, plan.PartitionOps, 2)
	assert.Equal(t, "partclone", plan.PartitionOps[0].Tool)
	assert.Equal(t, "ext4", plan.PartitionOps[0].FsType)
	assert.True(t, plan.PartitionOps[0].Compressed)
	assert.Equal(t, "dd", plan.PartitionOps[1].Tool)
	assert.Equal(t, "sf", plan.PartitionTableKind)
}

func TestParsePlanFailsWhenPartsFileMissing(t *testing.T) {
	fs := afero.NewMemMapFs()
	e := NewEngine(fs, &scriptedRunner{}, fakeLookup{}, noopMounts())

	_, err := e.ParsePlan("/img")
	require.Error(t, err)
}

func TestParsePlanFailsWhenImageDataMissingForPart(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/img/parts", []byte("sda1\n"), 0644))
	e := NewEngine(fs, &scriptedRunner{}, fakeLookup{}, noopMounts())

	_, err := e.ParsePlan("/img")
	require.Error(t, err)
}
