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

// Package command spawns external tools and turns their streaming stderr
// into progress events. It is the sole place in the storage core that
// shells out; every other component depends on its Runner interface so it
// can be faked in tests.
package command

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rpi-usb-cloner/rpi-usb-cloner/domain"
)

var log = logrus.WithField("component", "command")

var (
	bytesRE   = regexp.MustCompile(`(\d+)\s+bytes`)
	percentRE = regexp.MustCompile(`(\d+(?:\.\d+)?)%`)
	rateRE    = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*MiB/s`)
)

var spinnerFrames = []string{"|", "/", "-", "\\"}

// Runner executes external commands. Production code uses ExecRunner;
// tests substitute a fake.
type Runner interface {
	// RunChecked runs argv to completion and returns stdout. A non-zero
	// exit maps to a *domain.CommandFailedError carrying the last
	// non-empty stderr line.
	RunChecked(ctx context.Context, argv []string, stdin io.Reader) (stdout string, err error)

	// RunStreaming runs argv to completion, optionally piping stdin and
	// redirecting stdout to w, while parsing stderr into progress events
	// delivered to sink. totalBytes, when > 0, is used to compute a
	// byte-based ratio; title/subtitle decorate every frame.
	RunStreaming(ctx context.Context, opts StreamOptions) error
}

// StreamOptions configures a single RunStreaming call.
type StreamOptions struct {
	Argv       []string
	Stdin      io.Reader
	Stdout     io.Writer // nil keeps stdout internal (discarded)
	TotalBytes uint64    // 0 means unknown
	Title      string
	Subtitle   string
	Sink       domain.ProgressSink

	// RefreshInterval overrides the default 1s tick; zero uses the
	// default.
	RefreshInterval time.Duration
}

// ExecRunner runs commands via os/exec.
type ExecRunner struct{}

func NewExecRunner() *ExecRunner { return &ExecRunner{} }

func (r *ExecRunner) RunChecked(ctx context.Context, argv []string, stdin io.Reader) (string, error) {
	if len(argv) == 0 {
		return "", fmt.Errorf("command: empty argv")
	}
	log.Debugf("running command: %s", strings.Join(argv, " "))
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = stdin
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		exitCode := -1
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		}
		line := lastNonEmptyLine(stderr.String())
		if line == "" {
			line = lastNonEmptyLine(stdout.String())
		}
		return "", domain.NewCommandFailedError(argv, line, exitCode)
	}
	return stdout.String(), nil
}

func (r *ExecRunner) RunStreaming(ctx context.Context, opts StreamOptions) error {
	if len(opts.Argv) == 0 {
		return fmt.Errorf("command: empty argv")
	}
	sink := opts.Sink
	if sink == nil {
		sink = domain.NopProgressSink{}
	}
	refresh := opts.RefreshInterval
	if refresh <= 0 {
		refresh = time.Second
	}

	log.Debugf("running streaming command: %s", strings.Join(opts.Argv, " "))
	cmd := exec.CommandContext(ctx, opts.Argv[0], opts.Argv[1:]...)
	cmd.Stdin = opts.Stdin
	if opts.Stdout != nil {
		cmd.Stdout = opts.Stdout
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("command: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("command: start: %w", err)
	}

	st := newStreamState(opts.TotalBytes)
	lines := make(chan string)
	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		defer close(lines)
		scanner := bufio.NewScanner(stderrPipe)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	var stderrAll strings.Builder
	ticker := time.NewTicker(refresh)
	defer ticker.Stop()

	emit := func() {
		sink.Emit(st.frame(opts.Title, opts.Subtitle))
	}
	emit()

loop:
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			stderrAll.WriteString(line)
			stderrAll.WriteString("\n")
			log.Debugf("stderr: %s", line)
			st.observe(line)
			emit()
		case <-ticker.C:
			st.advanceSpinner()
			emit()
		}
	}

	err = cmd.Wait()
	if err != nil {
		exitCode := -1
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		}
		line := lastNonEmptyLine(stderrAll.String())
		cmdErr := domain.NewCommandFailedError(opts.Argv, line, exitCode)
		sink.Emit(domain.ProgressEvent{Lines: []string{"FAILED", cmdErr.DisplayCause()}})
		return cmdErr
	}
	full := 1.0
	sink.Emit(domain.ProgressEvent{Lines: []string{opts.Title, "Complete"}, Ratio: &full})
	return nil
}

func lastNonEmptyLine(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			return strings.TrimSpace(lines[i])
		}
	}
	return ""
}

// streamState tracks the mutable progress state across stderr lines and
// refresh ticks, per the design notes' replacement for Python's captured
// mutables.
type streamState struct {
	totalBytes uint64

	lastBytes   *uint64
	lastTime    time.Time
	lastRate    float64 // bytes/sec, 0 means unknown
	lastETA     string
	lastPercent *float64

	spinnerIndex int
}

func newStreamState(total uint64) *streamState {
	return &streamState{totalBytes: total}
}

func (s *streamState) observe(line string) {
	now := time.Now()

	var bytesCopied *uint64
	if m := bytesRE.FindStringSubmatch(line); m != nil {
		if v, err := strconv.ParseUint(m[1], 10, 64); err == nil {
			bytesCopied = &v
		}
	}

	var percent *float64
	if m := percentRE.FindStringSubmatch(line); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			percent = &v
		}
	}

	if bytesCopied == nil {
		// A percent-only line must not carry the previous line's byte
		// count forward into this frame.
		s.lastBytes = nil
		s.lastPercent = percent
		return
	}

	rate := s.lastRate
	if m := rateRE.FindStringSubmatch(line); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			rate = v * 1024 * 1024
		}
	} else {
		rate = 0
		if s.lastBytes != nil && !s.lastTime.IsZero() {
			deltaBytes := int64(*bytesCopied) - int64(*s.lastBytes)
			deltaTime := now.Sub(s.lastTime).Seconds()
			if deltaBytes >= 0 && deltaTime > 0 {
				rate = float64(deltaBytes) / deltaTime
			}
		}
	}
	if rate > 0 && s.totalBytes > 0 && *bytesCopied <= s.totalBytes {
		etaSeconds := float64(s.totalBytes-*bytesCopied) / rate
		s.lastETA = domain.FormatETA(etaSeconds)
	}
	s.lastBytes = bytesCopied
	s.lastTime = now
	if rate > 0 {
		s.lastRate = rate
	}
	s.lastPercent = percent
}

func (s *streamState) advanceSpinner() {
	s.spinnerIndex = (s.spinnerIndex + 1) % len(spinnerFrames)
}

func (s *streamState) ratio() *float64 {
	if s.lastBytes != nil && s.totalBytes > 0 {
		r := domain.ClampRatio(float64(*s.lastBytes) / float64(s.totalBytes))
		return &r
	}
	if s.lastPercent != nil {
		r := domain.ClampRatio(*s.lastPercent / 100.0)
		return &r
	}
	return nil
}

func (s *streamState) frame(title, subtitle string) domain.ProgressEvent {
	lines := []string{title}
	if subtitle != "" {
		lines = append(lines, subtitle)
	}
	if s.lastBytes != nil {
		lines = append(lines, domain.HumanSize(*s.lastBytes))
	}
	if s.lastPercent != nil {
		lines = append(lines, fmt.Sprintf("%.0f%%", *s.lastPercent))
	}
	if s.lastRate > 0 {
		lines = append(lines, fmt.Sprintf("%.1f MiB/s", s.lastRate/(1024*1024)))
	}
	if s.lastETA != "" {
		lines = append(lines, "ETA "+s.lastETA)
	}
	lines = append(lines, spinnerFrames[s.spinnerIndex])
	if len(lines) > 6 {
		lines = lines[:6]
	}
	return domain.ProgressEvent{Lines: lines, Ratio: s.ratio()}
}

// LookPath reports whether tool is present on PATH, used by every engine
// to fail fast with a typed ToolMissingError instead of letting exec.Run
// surface an opaque "file not found".
func LookPath(tool string) (string, error) {
	path, err := exec.LookPath(tool)
	if err != nil {
		return "", domain.NewToolMissingError(tool)
	}
	return path, nil
}
