package mount

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpi-usb-cloner/rpi-usb-cloner/command"
	"github.com/rpi-usb-cloner/rpi-usb-cloner/config"
)

type udisksctlRunner struct {
	output string
	err    error
}

func (r udisksctlRunner) RunChecked(ctx context.Context, argv []string, stdin io.Reader) (string, error) {
	return r.output, r.err
}

func (r udisksctlRunner) RunStreaming(ctx context.Context, opts command.StreamOptions) error {
	return nil
}

func TestMountPartitionParsesUdisksctlOutput(t *testing.T) {
	runner := udisksctlRunner{output: "Mounted /dev/sdb1 at /media/pi/REPO\n"}
	m := NewManager(runner, config.Default())

	mountpoint, err := m.MountPartition(context.Background(), "/dev/sdb1", "sdb1")
	require.NoError(t, err)
	assert.Equal(t, "/media/pi/REPO", mountpoint)
}

func TestMountPartitionFailsOnUnparsableOutput(t *testing.T) {
	runner := udisksctlRunner{output: "garbage\n"}
	m := NewManager(runner, config.Default())

	_, err := m.MountPartition(context.Background(), "/dev/sdb1", "sdb1")
	assert.Error(t, err)
}
