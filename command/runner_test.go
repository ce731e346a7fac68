package command

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpi-usb-cloner/rpi-usb-cloner/domain"
)

func TestRunCheckedSuccess(t *testing.T) {
	r := NewExecRunner()
	out, err := r.RunChecked(context.Background(), []string{"sh", "-c", "echo hello"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out)
}

func TestRunCheckedFailureCarriesLastStderrLine(t *testing.T) {
	r := NewExecRunner()
	_, err := r.RunChecked(context.Background(), []string{"sh", "-c", "echo first 1>&2; echo last line 1>&2; exit 3"}, nil)
	require.Error(t, err)
	var cmdErr *domain.CommandFailedError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, 3, cmdErr.ExitCode)
	assert.Equal(t, "last line", cmdErr.LastStderrLine)
}

func TestRunStreamingParsesBytesAndPercent(t *testing.T) {
	r := NewExecRunner()
	script := `
echo "10485760 bytes (10 MB, 10 MiB) copied, 1 s, 10.0 MiB/s" 1>&2
echo "50%" 1>&2
`
	var events []domain.ProgressEvent
	sink := domain.FuncProgressSink(func(e domain.ProgressEvent) { events = append(events, e) })

	err := r.RunStreaming(context.Background(), StreamOptions{
		Argv:       []string{"sh", "-c", script},
		TotalBytes: 20971520,
		Title:      "CLONING",
		Sink:       sink,
	})
	require.NoError(t, err)
	require.NotEmpty(t, events)

	last := events[len(events)-1]
	require.NotNil(t, last.Ratio)
	assert.Equal(t, "CLONING", last.Lines[0])

	// Both stderr lines put the copy at half of TotalBytes.
	var sawHalf bool
	for _, e := range events[:len(events)-1] {
		if e.Ratio != nil && *e.Ratio == 0.5 {
			sawHalf = true
		}
	}
	assert.True(t, sawHalf, "expected a 0.5 frame from the parsed byte count and percent")

	// Completion frame always has ratio 1.
	final := events[len(events)-1]
	require.NotNil(t, final.Ratio)
	assert.Equal(t, 1.0, *final.Ratio)
}

func TestStreamStateDoesNotCarryStaleBytesAcrossPercentOnlyUpdate(t *testing.T) {
	st := newStreamState(1000)
	st.observe("500 bytes copied, 5.0 MiB/s")
	require.NotNil(t, st.lastBytes)
	assert.EqualValues(t, 500, *st.lastBytes)

	// A percent-only line must not carry the previous byte count forward;
	// the frame/ratio for this line come from the percent alone.
	st.observe("60%")
	assert.Nil(t, st.lastBytes, "stale byte count must be cleared on a percent-only line")
	require.NotNil(t, st.lastPercent)
	assert.Equal(t, 60.0, *st.lastPercent)

	ratio := st.ratio()
	require.NotNil(t, ratio)
	assert.InDelta(t, 0.60, *ratio, 0.0001)

	frame := st.frame("CLONING", "")
	assert.NotContains(t, frame.Lines, domain.HumanSize(500))
}

func TestLookPathMissingToolIsTyped(t *testing.T) {
	_, err := LookPath("definitely-not-a-real-binary-xyz")
	require.Error(t, err)
	var missing *domain.ToolMissingError
	require.ErrorAs(t, err, &missing)
}

func TestLastNonEmptyLine(t *testing.T) {
	assert.Equal(t, "b", lastNonEmptyLine("a\nb\n\n"))
	assert.Equal(t, "", lastNonEmptyLine(strings.Repeat("\n", 3)))
}
