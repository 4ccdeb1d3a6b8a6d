package qemu_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/kvmctl/pkg/host"
	"github.com/walteh/kvmctl/pkg/qemu"
)

type fakeProcesses struct {
	mu         sync.Mutex
	alive      map[int]bool
	probed     []int
	terminated []int
}

func (f *fakeProcesses) Exists(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probed = append(f.probed, pid)
	return f.alive[pid]
}

func (f *fakeProcesses) Terminate(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, pid)
	delete(f.alive, pid)
	return nil
}

type fakeTaps struct {
	ensured []string
}

func (f *fakeTaps) EnsureTap(_ context.Context, name, bridge string) error {
	f.ensured = append(f.ensured, name+"@"+bridge)
	return nil
}

func (f *fakeTaps) DeleteTap(context.Context, string) error {
	return nil
}

func writeStub(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "qemu-stub")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0755))
	return path
}

func testContext(t *testing.T) context.Context {
	return zerolog.New(zerolog.NewTestWriter(t)).WithContext(context.Background())
}

func TestStatusWithoutPIDSkipsProbe(t *testing.T) {
	procs := &fakeProcesses{alive: map[int]bool{}}
	sup := &qemu.Supervisor{Processes: procs}
	ctx := testContext(t)

	for _, raw := range []string{"", "0", "garbage", "-5"} {
		assert.False(t, sup.Status(ctx, qemu.ParsePID(raw)), "pid %q", raw)
	}
	assert.Empty(t, procs.probed)
}

func TestStatusProbes(t *testing.T) {
	procs := &fakeProcesses{alive: map[int]bool{42: true}}
	sup := &qemu.Supervisor{Processes: procs}
	ctx := testContext(t)

	assert.True(t, sup.Status(ctx, 42))
	assert.False(t, sup.Status(ctx, 43))
	assert.Equal(t, []int{42, 43}, procs.probed)
}

func TestStopIsIdempotent(t *testing.T) {
	procs := &fakeProcesses{alive: map[int]bool{42: true}}
	sup := &qemu.Supervisor{Processes: procs}
	ctx := testContext(t)

	require.NoError(t, sup.Stop(ctx, 0))
	assert.Empty(t, procs.terminated, "no pid means nothing to signal")

	require.NoError(t, sup.Stop(ctx, 42))
	require.NoError(t, sup.Stop(ctx, 42))
	assert.False(t, sup.Status(ctx, 42))
}

func TestParsePID(t *testing.T) {
	tests := map[string]int{
		"":       0,
		"0":      0,
		"1234":   1234,
		" 77\n": 77,
		"abc":    0,
		"-1":     0,
		"12 34":  0,
	}
	for raw, want := range tests {
		assert.Equal(t, want, qemu.ParsePID(raw), "ParsePID(%q)", raw)
	}
}

func TestStartSurvivesGracePeriod(t *testing.T) {
	layout := host.NewLayout(t.TempDir())
	taps := &fakeTaps{}
	sup := &qemu.Supervisor{
		Binary:      writeStub(t, "exec sleep 30"),
		Layout:      layout,
		GracePeriod: 200 * time.Millisecond,
		Processes:   qemu.OSProcesses{},
		Taps:        taps,
	}
	ctx := testContext(t)

	cfg := host.VMConfig{
		Name: "v1",
		Interfaces: []host.Interface{
			{MAC: "52:54:00:00:00:01"},
			{MAC: "52:54:00:00:00:02", Bridge: "br0"},
		},
	}

	handle, err := sup.Start(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sup.Stop(ctx, handle.PID) })

	assert.Positive(t, handle.PID)
	assert.Equal(t, layout.MonitorPath("v1"), handle.SocketPath)
	assert.Equal(t, []string{"vmv1.1@br0"}, taps.ensured)
	assert.True(t, sup.Status(ctx, handle.PID))

	require.NoError(t, sup.Stop(ctx, handle.PID))
	require.Eventually(t, func() bool {
		return !sup.Status(ctx, handle.PID)
	}, 5*time.Second, 20*time.Millisecond, "stopped process should be reaped")

	require.NoError(t, sup.Stop(ctx, handle.PID), "stopping a gone process succeeds")
}

func TestStartDiesEarly(t *testing.T) {
	layout := host.NewLayout(t.TempDir())
	sup := &qemu.Supervisor{
		Binary:      writeStub(t, "echo 'could not open disk image' >&2\nexit 3"),
		Layout:      layout,
		GracePeriod: 2 * time.Second,
		Processes:   qemu.OSProcesses{},
	}

	start := time.Now()
	_, err := sup.Start(testContext(t), host.VMConfig{Name: "v1"})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second, "an early exit should not wait out the grace period")

	assert.True(t, errors.Is(err, qemu.ErrSpawnFailure))

	var spawnErr *qemu.SpawnError
	require.True(t, errors.As(err, &spawnErr))
	assert.Equal(t, 3, spawnErr.ExitCode)
	assert.Contains(t, spawnErr.Output, "could not open disk image")

	logged, readErr := os.ReadFile(layout.LogPath("v1"))
	require.NoError(t, readErr)
	assert.Contains(t, string(logged), "could not open disk image")
}

func TestStartMissingBinary(t *testing.T) {
	sup := &qemu.Supervisor{
		Binary: filepath.Join(t.TempDir(), "does-not-exist"),
		Layout: host.NewLayout(t.TempDir()),
	}

	_, err := sup.Start(testContext(t), host.VMConfig{Name: "v1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, qemu.ErrSpawnFailure))
}

func TestOSProcessesTerminateGone(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid

	procs := qemu.OSProcesses{}
	assert.True(t, procs.Exists(pid))

	require.NoError(t, procs.Terminate(pid))
	_ = cmd.Wait()

	assert.False(t, procs.Exists(pid))
	assert.NoError(t, procs.Terminate(pid))
	assert.False(t, procs.Exists(0))
}
