package verify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpi-usb-cloner/rpi-usb-cloner/command"
	"github.com/rpi-usb-cloner/rpi-usb-cloner/domain"
)

// contentRunner fakes RunStreaming by writing a fixed payload (keyed by
// the node in argv's "if=" entry) to opts.Stdout, standing in for dd.
type contentRunner struct {
	byNode map[string][]byte
}

func (r *contentRunner) RunChecked(ctx context.Context, argv []string, stdin io.Reader) (string, error) {
	return "", nil
}

func (r *contentRunner) RunStreaming(ctx context.Context, opts command.StreamOptions) error {
	var node string
	for _, a := range opts.Argv {
		if len(a) > 3 && a[:3] == "if=" {
			node = a[3:]
		}
	}
	if opts.Stdout != nil {
		_, _ = opts.Stdout.Write(r.byNode[node])
	}
	return nil
}

func TestVerifyRangeMatchesIdenticalContent(t *testing.T) {
	runner := &contentRunner{byNode: map[string][]byte{
		"/dev/sda": []byte("identical-bytes"),
		"/dev/sdb": []byte("identical-bytes"),
	}}
	v := New(runner)
	ok, err := v.VerifyRange(context.Background(), "/dev/sda", "/dev/sdb", 15, "VERIFYING", domain.NopProgressSink{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyRangeDetectsMismatch(t *testing.T) {
	runner := &contentRunner{byNode: map[string][]byte{
		"/dev/sda": []byte("aaa"),
		"/dev/sdb": []byte("bbb"),
	}}
	v := New(runner)
	ok, err := v.VerifyRange(context.Background(), "/dev/sda", "/dev/sdb", 3, "VERIFYING", domain.NopProgressSink{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyDrivesWholeDeviceFastPathWhenUnpartitioned(t *testing.T) {
	runner := &contentRunner{byNode: map[string][]byte{
		"/dev/sda": []byte("whole-device"),
		"/dev/sdb": []byte("whole-device"),
	}}
	v := New(runner)
	source := domain.Drive{Node: "/dev/sda", SizeBytes: 12}
	dest := domain.Drive{Node: "/dev/sdb", SizeBytes: 12}
	ok, err := v.VerifyDrives(context.Background(), source, dest, domain.NopProgressSink{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyDrivesPerPartitionMismatchShortCircuits(t *testing.T) {
	goodSum := sha256.Sum256([]byte("part1"))
	_ = hex.EncodeToString(goodSum[:])
	runner := &contentRunner{byNode: map[string][]byte{
		"/dev/sda1": []byte("part1"),
		"/dev/sdb1": []byte("part1"),
		"/dev/sda2": []byte("part2-src"),
		"/dev/sdb2": []byte("part2-dst-different"),
	}}
	v := New(runner)
	source := domain.Drive{
		Node: "/dev/sda",
		Partitions: []domain.Partition{
			{Name: "sda1", PartitionNumber: 1, SizeBytes: 5},
			{Name: "sda2", PartitionNumber: 2, SizeBytes: 9},
		},
	}
	dest := domain.Drive{
		Node: "/dev/sdb",
		Partitions: []domain.Partition{
			{Name: "sdb1", PartitionNumber: 1},
			{Name: "sdb2", PartitionNumber: 2},
		},
	}
	ok, err := v.VerifyDrives(context.Background(), source, dest, domain.NopProgressSink{})
	require.NoError(t, err)
	assert.False(t, ok)
}
