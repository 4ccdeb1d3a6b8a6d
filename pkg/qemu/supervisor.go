package qemu

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/kvmctl/pkg/host"
)

const (
	// DefaultGracePeriod is how long Start waits before deciding the
	// hypervisor survived startup.
	DefaultGracePeriod = 2 * time.Second

	maxCapturedOutput = 4096
)

var ErrSpawnFailure = errors.Base("hypervisor exited during startup")

// SpawnError is returned when the hypervisor process dies inside the grace
// period. Output holds the tail of its captured stderr.
type SpawnError struct {
	ExitCode int
	Output   string
	Err      error
}

func (e *SpawnError) Error() string {
	msg := fmt.Sprintf("%s (exit status %d)", ErrSpawnFailure, e.ExitCode)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Output != "" {
		msg += ": " + e.Output
	}
	return msg
}

func (e *SpawnError) Unwrap() error {
	return ErrSpawnFailure
}

// RuntimeHandle identifies a started hypervisor. Only the Supervisor creates
// one; every consumer re-validates it with Status before trusting it.
type RuntimeHandle struct {
	PID        int    `yaml:"pid" json:"pid"`
	SocketPath string `yaml:"socket,omitempty" json:"socket,omitempty"`
}

// Supervisor starts, probes and stops detached QEMU processes.
type Supervisor struct {
	Binary      string
	Layout      host.Layout
	GracePeriod time.Duration
	Processes   Processes
	Taps        TapManager
}

func NewSupervisor(binary string, layout host.Layout) *Supervisor {
	return &Supervisor{
		Binary:      binary,
		Layout:      layout,
		GracePeriod: DefaultGracePeriod,
		Processes:   OSProcesses{},
		Taps:        NewIPTaps(nil),
	}
}

func (s *Supervisor) binary() string {
	if s.Binary == "" {
		return host.DefaultQEMUBinary()
	}
	return s.Binary
}

func (s *Supervisor) processes() Processes {
	if s.Processes == nil {
		return OSProcesses{}
	}
	return s.Processes
}

// Start launches the hypervisor for cfg in its own session. It blocks for
// the grace period and is not cancellable while doing so.
func (s *Supervisor) Start(ctx context.Context, cfg host.VMConfig) (RuntimeHandle, error) {
	logger := zerolog.Ctx(ctx).With().Str("vm", cfg.Name).Logger()

	args, err := BuildArgs(cfg, s.Layout)
	if err != nil {
		return RuntimeHandle{}, err
	}

	dir := s.Layout.VMDir(cfg.Name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return RuntimeHandle{}, errors.Errorf("creating vm directory: %w", err)
	}

	socket := s.Layout.MonitorPath(cfg.Name)
	if err := os.Remove(socket); err != nil && !os.IsNotExist(err) {
		return RuntimeHandle{}, errors.Errorf("removing stale monitor socket: %w", err)
	}

	if s.Taps != nil {
		for i, iface := range cfg.Interfaces {
			if iface.Bridge == "" {
				continue
			}
			if err := s.Taps.EnsureTap(ctx, host.TapName(cfg.Name, i), iface.Bridge); err != nil {
				return RuntimeHandle{}, err
			}
		}
	}

	logPath := s.Layout.LogPath(cfg.Name)
	logFile, err := os.Create(logPath)
	if err != nil {
		return RuntimeHandle{}, errors.Errorf("creating hypervisor log: %w", err)
	}

	cmd := exec.Command(s.binary(), args...)
	cmd.Dir = dir
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	logger.Debug().Str("binary", s.binary()).Strs("args", args).Msg("QEMU command")

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return RuntimeHandle{}, errors.WithStack(&SpawnError{ExitCode: -1, Err: err})
	}
	// the child holds its own descriptor
	logFile.Close()

	// reap the child as soon as it exits so a zombie never answers the probe
	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
	}()

	grace := s.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case werr := <-exited:
		spawnErr := &SpawnError{
			ExitCode: cmd.ProcessState.ExitCode(),
			Output:   readTail(logPath, maxCapturedOutput),
		}
		if werr != nil && cmd.ProcessState.ExitCode() < 0 {
			spawnErr.Err = werr
		}
		logger.Error().Int("exit_code", spawnErr.ExitCode).Str("output", spawnErr.Output).Msg("QEMU exited during startup")
		return RuntimeHandle{}, errors.WithStack(spawnErr)
	case <-timer.C:
	}

	handle := RuntimeHandle{PID: cmd.Process.Pid, SocketPath: socket}
	logger.Info().Int("pid", handle.PID).Str("socket", socket).Msg("VM started")
	return handle, nil
}

// Status reports whether pid refers to a live process. A zero pid is never
// probed.
func (s *Supervisor) Status(ctx context.Context, pid int) bool {
	if pid <= 0 {
		return false
	}
	alive := s.processes().Exists(pid)
	zerolog.Ctx(ctx).Debug().Int("pid", pid).Bool("alive", alive).Msg("Probed hypervisor")
	return alive
}

// Stop asks the process to terminate and returns without waiting. Stopping
// nothing, or something already gone, succeeds.
func (s *Supervisor) Stop(ctx context.Context, pid int) error {
	if pid <= 0 {
		return nil
	}
	zerolog.Ctx(ctx).Info().Int("pid", pid).Msg("Stopping VM")
	return s.processes().Terminate(pid)
}

func readTail(path string, limit int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	if fi, err := f.Stat(); err == nil && fi.Size() > limit {
		if _, err := f.Seek(-limit, io.SeekEnd); err != nil {
			return ""
		}
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
