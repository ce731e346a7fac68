package format

import (
	"context"
	"io"
	"testing"

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
	return nil
}

func noopMounts() *mount.Manager {
	return mount.NewManager(&scriptedRunner{}, config.Default())
}

func TestPartitionNodeNameAppendsPSeparatorForDigitSuffix(t *testing.T) {
	assert.Equal(t, "mmcblk0p1", PartitionNodeName("mmcblk0"))
	assert.Equal(t, "sda1", PartitionNodeName("sda"))
	assert.Equal(t, "nvme0n1p1", PartitionNodeName("nvme0n1"))
}

func TestFormatRejectsUnknownFilesystem(t *testing.T) {
	runner := &scriptedRunner{}
	lookup := fakeLookup{drives: map[string]domain.Drive{
		"sdb": {Name: "sdb", Node: "/dev/sdb"},
	}}
	e := NewEngine(runner, lookup, noopMounts())
	e.publishDelay = 0

	ok, err := e.Format(context.Background(), domain.Drive{Name: "sdb", Node: "/dev/sdb"}, "zfs", domain.FormatModeQuick, "", domain.NopProgressSink{})
	assert.False(t, ok)
	require.Error(t, err)
	var verr *domain.DeviceValidationError
	require.ErrorAs(t, err, &verr)
}

func TestParseExt4Percent(t *testing.T) {
	v, ok := ParseExt4Percent("Writing inode tables: (42.0%)")
	require.True(t, ok)
	assert.InDelta(t, 42.0, v, 0.001)

	_, ok = ParseExt4Percent("no percent here")
	assert.False(t, ok)
}
