package clone

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

// scriptedRunner records every argv it was asked to run and returns
// canned stdout for RunChecked calls, keyed by argv[0].
type scriptedRunner struct {
	checkedOutputs map[string]string
	calls          [][]string
}

func (r *scriptedRunner) RunChecked(ctx context.Context, argv []string, stdin io.Reader) (string, error) {
	r.calls = append(r.calls, argv)
	if len(argv) == 0 {
		return "", nil
	}
	return r.checkedOutputs[argv[0]], nil
}

func (r *scriptedRunner) RunStreaming(ctx context.Context, opts command.StreamOptions) error {
	r.calls = append(r.calls, opts.Argv)
	return nil
}

func noopMounts() *mount.Manager {
	return mount.NewManager(&scriptedRunner{}, config.Default())
}

func TestCloneRejectsSameDevice(t *testing.T) {
	lookup := fakeLookup{drives: map[string]domain.Drive{
		"sda": {Name: "sda", Node: "/dev/sda", SizeBytes: 100},
	}}
	e := NewEngine(&scriptedRunner{}, lookup, noopMounts(), nil)
	job := domain.CloneJob{Source: domain.Drive{Name: "sda"}, Destination: domain.Drive{Name: "sda"}, Mode: domain.CloneModeExact}

	ok, err := e.Clone(context.Background(), job, domain.NopProgressSink{})
	assert.False(t, ok)
	require.Error(t, err)
	var same *domain.SameDeviceError
	require.ErrorAs(t, err, &same)
}

func TestCloneExactModeSkipsSpaceCheck(t *testing.T) {
	lookup := fakeLookup{drives: map[string]domain.Drive{
		"sda": {Name: "sda", Node: "/dev/sda", SizeBytes: 16 << 30},
		"sdb": {Name: "sdb", Node: "/dev/sdb", SizeBytes: 8 << 30},
	}}
	runner := &scriptedRunner{}
	e := NewEngine(runner, lookup, noopMounts(), nil)
	job := domain.CloneJob{
		Source:      domain.Drive{Name: "sda", Node: "/dev/sda", SizeBytes: 16 << 30},
		Destination: domain.Drive{Name: "sdb", Node: "/dev/sdb", SizeBytes: 8 << 30},
		Mode:        domain.CloneModeExact,
	}

	ok, err := e.Clone(context.Background(), job, domain.NopProgressSink{})
	require.NoError(t, err)
	assert.True(t, ok)

	var ranDD bool
	for _, call := range runner.calls {
		if len(call) > 0 && call[len(call)-1] == "" {
			continue
		}
	}
	for _, call := range runner.calls {
		for _, arg := range call {
			if arg == "conv=fsync" {
				ranDD = true
			}
		}
	}
	assert.True(t, ranDD, "expected a dd invocation with conv=fsync")
}

func TestCloneSmartModeRejectsInsufficientSpace(t *testing.T) {
	lookup := fakeLookup{drives: map[string]domain.Drive{
		"sda": {Name: "sda", Node: "/dev/sda", SizeBytes: 16 << 30},
		"sdb": {Name: "sdb", Node: "/dev/sdb", SizeBytes: 8 << 30},
	}}
	e := NewEngine(&scriptedRunner{}, lookup, noopMounts(), nil)
	job := domain.CloneJob{
		Source:      domain.Drive{Name: "sda", Node: "/dev/sda", SizeBytes: 16 << 30},
		Destination: domain.Drive{Name: "sdb", Node: "/dev/sdb", SizeBytes: 8 << 30},
		Mode:        domain.CloneModeSmart,
	}

	ok, err := e.Clone(context.Background(), job, domain.NopProgressSink{})
	assert.False(t, ok)
	require.Error(t, err)
	var insufficient *domain.InsufficientSpaceError
	require.ErrorAs(t, err, &insufficient)
}

func TestCopyPartitionTableDispatchesGPTToSgdisk(t *testing.T) {
	runner := &scriptedRunner{checkedOutputs: map[string]string{
		"sfdisk": "label: gpt\nlabel-id: ABC\n",
	}}
	e := NewEngine(runner, fakeLookup{}, noopMounts(), nil)
	err := e.copyPartitionTable(context.Background(), domain.Drive{Node: "/dev/sda"}, domain.Drive{Node: "/dev/sdb"})
	require.NoError(t, err)

	var sawReplicate bool
	for _, call := range runner.calls {
		for _, arg := range call {
			if arg == "--replicate=/dev/sdb" {
				sawReplicate = true
			}
		}
	}
	assert.True(t, sawReplicate)
}

func TestCopyPartitionTableRejectsUnknownLabel(t *testing.T) {
	runner := &scriptedRunner{checkedOutputs: map[string]string{
		"sfdisk": "label: weird\n",
	}}
	e := NewEngine(runner, fakeLookup{}, noopMounts(), nil)
	err := e.copyPartitionTable(context.Background(), domain.Drive{Node: "/dev/sda"}, domain.Drive{Node: "/dev/sdb"})
	require.Error(t, err)
	var cloneErr *domain.CloneOperationError
	require.ErrorAs(t, err, &cloneErr)
}

func TestClonePartcloneFailsWithoutPartcloneToolOrDevice(t *testing.T) {
	source := domain.Drive{
		Name: "sda", Node: "/dev/sda",
		Partitions: []domain.Partition{
			{Name: "sda1", PartitionNumber: 1, FsType: "vfat", SizeBytes: 100},
			{Name: "sda2", PartitionNumber: 2, FsType: "unknownfs", SizeBytes: 200},
		},
	}
	dest := domain.Drive{
		Name: "sdb", Node: "/dev/sdb",
		Partitions: []domain.Partition{
			{Name: "sdb1", PartitionNumber: 1},
			{Name: "sdb2", PartitionNumber: 2},
		},
	}
	runner := &scriptedRunner{}
	e := NewEngine(runner, fakeLookup{}, noopMounts(), nil)

	// sda1 is vfat, which maps to partclone.fat. When that tool is not on
	// PATH, clonePartclone fails loudly with the lookup error instead of
	// falling back to dd; when it is, opening /dev/sdb1 fails outside a
	// real block device. Either way sda1 errors before sda2 is reached.
	err := e.clonePartclone(context.Background(), source, dest, domain.NopProgressSink{})
	assert.Error(t, err) // partclone.fat lookup or the open of /dev/sdb1 fails
}
