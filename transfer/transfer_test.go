package transfer

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpi-usb-cloner/rpi-usb-cloner/config"
	"github.com/rpi-usb-cloner/rpi-usb-cloner/domain"
)

type recordingSink struct {
	ratios []float64
}

func (s *recordingSink) Emit(e domain.ProgressEvent) {
	if e.Ratio != nil {
		s.ratios = append(s.ratios, *e.Ratio)
	}
}

func TestCopyAllFailsWhenDestNotDirectory(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/dest", []byte("x"), 0644))
	tr := New(fs, config.Default())

	ok, failed := tr.CopyAll([]domain.DiskImage{{Name: "a.iso", ImageType: domain.ImageTypeISO}}, "/dest", &recordingSink{})
	assert.Equal(t, 0, ok)
	assert.Equal(t, 1, failed)
}

func TestCopySingleFileOverwritesExisting(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/dest", 0755))
	require.NoError(t, afero.WriteFile(fs, "/src/backup.iso", []byte("abcdefgh"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/dest/backup.iso", []byte("old"), 0644))
	tr := New(fs, config.Default())

	img := domain.DiskImage{Name: "backup.iso", Path: "/src/backup.iso", ImageType: domain.ImageTypeISO, SizeBytes: 8}
	ok, failed := tr.CopyAll([]domain.DiskImage{img}, "/dest", &recordingSink{})
	assert.Equal(t, 1, ok)
	assert.Equal(t, 0, failed)

	content, err := afero.ReadFile(fs, "/dest/backup.iso")
	require.NoError(t, err)
	assert.Equal(t, "abcdefgh", string(content))
}

func TestCopyClonezillaDirMergesAndReportsProgress(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/dest", 0755))
	require.NoError(t, afero.WriteFile(fs, "/src/my-image/parts", []byte("sda1\n"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/src/my-image/sda1.ext4-ptcl-img.gz", []byte("imgdata"), 0644))
	require.NoError(t, fs.MkdirAll("/dest/clonezilla/my-image", 0755))

	tr := New(fs, config.Default())
	sink := &recordingSink{}
	img := domain.DiskImage{Name: "my-image", Path: "/src/my-image", ImageType: domain.ImageTypeClonezillaDir, SizeBytes: 12}
	ok, failed := tr.CopyAll([]domain.DiskImage{img}, "/dest", sink)

	assert.Equal(t, 1, ok)
	assert.Equal(t, 0, failed)
	assert.NotEmpty(t, sink.ratios)
	assert.Equal(t, 1.0, sink.ratios[len(sink.ratios)-1])

	content, err := afero.ReadFile(fs, "/dest/clonezilla/my-image/parts")
	require.NoError(t, err)
	assert.Equal(t, "sda1\n", string(content))
}

func TestCopyAllContinuesAfterPerImageFailure(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/dest", 0755))
	require.NoError(t, afero.WriteFile(fs, "/src/good.iso", []byte("x"), 0644))
	tr := New(fs, config.Default())

	images := []domain.DiskImage{
		{Name: "missing.iso", Path: "/src/missing.iso", ImageType: domain.ImageTypeISO, SizeBytes: 1},
		{Name: "good.iso", Path: "/src/good.iso", ImageType: domain.ImageTypeISO, SizeBytes: 1},
	}
	ok, failed := tr.CopyAll(images, "/dest", &recordingSink{})
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, failed)
}
