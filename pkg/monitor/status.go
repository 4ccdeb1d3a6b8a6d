package monitor

import (
	"context"
	"time"

	"github.com/digitalocean/go-qemu/qemu"
	"github.com/digitalocean/go-qemu/qmp"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

// RunState is the guest run state as reported by query-status.
type RunState string

const (
	RunStateRunning  RunState = "running"
	RunStatePaused   RunState = "paused"
	RunStateShutdown RunState = "shutdown"
	RunStateUnknown  RunState = "unknown"
)

func runState(s qemu.Status) RunState {
	switch s {
	case qemu.StatusRunning:
		return RunStateRunning
	case qemu.StatusPaused:
		return RunStatePaused
	case qemu.StatusShutdown:
		return RunStateShutdown
	default:
		return RunStateUnknown
	}
}

// QueryStatus asks the guest for its run state through go-qemu's domain
// API.
func (d Dialer) QueryStatus(ctx context.Context, name, socketPath string) (RunState, error) {
	timeout := d.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}

	mon, err := qmp.NewSocketMonitor("unix", socketPath, timeout)
	if err != nil {
		return RunStateUnknown, errors.Errorf("%w: creating QMP monitor: %w", ErrUnavailable, err)
	}

	if err := mon.Connect(); err != nil {
		return RunStateUnknown, errors.Errorf("%w: connecting to QMP monitor: %w", ErrUnavailable, err)
	}
	defer mon.Disconnect()

	domain, err := qemu.NewDomain(mon, name)
	if err != nil {
		return RunStateUnknown, errors.Errorf("creating domain: %w", err)
	}
	defer domain.Close()

	type result struct {
		status qemu.Status
		err    error
	}
	done := make(chan result, 1)
	go func() {
		status, err := domain.Status()
		done <- result{status, err}
	}()

	limit := d.Timeout
	if limit <= 0 {
		limit = DefaultTimeout
	}
	timer := time.NewTimer(limit)
	defer timer.Stop()

	select {
	case r := <-done:
		if r.err != nil {
			return RunStateUnknown, errors.Errorf("querying status: %w", r.err)
		}
		state := runState(r.status)
		zerolog.Ctx(ctx).Debug().Str("vm", name).Str("state", string(state)).Msg("Queried run state")
		return state, nil
	case <-timer.C:
		return RunStateUnknown, errors.Errorf("%w: query-status timed out after %s", ErrUnavailable, limit)
	case <-ctx.Done():
		return RunStateUnknown, errors.Errorf("querying status: %w", ctx.Err())
	}
}

func QueryStatus(ctx context.Context, name, socketPath string) (RunState, error) {
	return Dialer{}.QueryStatus(ctx, name, socketPath)
}
