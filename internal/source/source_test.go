package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kurotori4423/vrc-log-relay/internal/prober"
)

// alwaysPresentProber matches the running test binary itself by name,
// with a self-PID that can never collide, so Probe() reliably reports
// present without depending on any particular OS process being alive.
func alwaysPresentProber(t *testing.T) *prober.Prober {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	name := filepath.Base(exe)
	return prober.New(prober.Config{
		ExecutableNames:       []string{name},
		CommandLineSubstrings: []string{name},
	}, -1)
}

func TestSupervisor_ReachesTailingWhenFilesPresent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "output_log_2025-06-30_15-30-10.txt"), []byte("line one\n"), 0o644))

	out := make(chan IndexedRaw, 64)
	events := make(chan Event, 64)
	sup := New(Config{LogDir: dir, ProbePeriod: 20 * time.Millisecond}, alwaysPresentProber(t), out, events, clock.New(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if sup.Snapshot().State == StateTailing {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	assert.Equal(t, StateTailing, sup.Snapshot().State)
	assert.Equal(t, 1, sup.Snapshot().ActiveLogFiles)
}

func TestSupervisor_DirectoryAbsentWhenMissing(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "does-not-exist")

	out := make(chan IndexedRaw, 64)
	events := make(chan Event, 64)
	sup := New(Config{LogDir: dir, ProbePeriod: 20 * time.Millisecond}, alwaysPresentProber(t), out, events, clock.New(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	deadline := time.Now().Add(1 * time.Second)
	for time.Now().Before(deadline) {
		if sup.Snapshot().State == StateDirectoryAbsent {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	assert.Equal(t, StateDirectoryAbsent, sup.Snapshot().State)
	assert.False(t, sup.Snapshot().LogDirectoryExists)
}

func TestSupervisor_ProbeAbsentStopsTailers(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "output_log_2025-06-30_15-30-10.txt"), []byte("line\n"), 0o644))

	out := make(chan IndexedRaw, 64)
	events := make(chan Event, 64)
	absentProber := prober.New(prober.Config{
		ExecutableNames:       []string{"definitely-not-a-real-process-name"},
		CommandLineSubstrings: []string{"definitely-not-a-real-process-name"},
	}, -1)
	sup := New(Config{LogDir: dir, ProbePeriod: 20 * time.Millisecond}, absentProber, out, events, clock.New(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	deadline := time.Now().Add(1 * time.Second)
	for time.Now().Before(deadline) {
		if sup.Snapshot().State == StateProbeOnly {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	assert.Equal(t, StateProbeOnly, sup.Snapshot().State)
	assert.False(t, sup.Snapshot().IsRunning)
}
