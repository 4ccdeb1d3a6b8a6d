package snapshot

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/kvmctl/pkg/host"
	"github.com/walteh/kvmctl/pkg/image"
	"github.com/walteh/kvmctl/pkg/monitor"
	"github.com/walteh/kvmctl/pkg/qemu"
)

var (
	ErrVMNotRunning = errors.Base("vm is not running")
	ErrInvalidName  = errors.Base("invalid snapshot name")
)

// Request names a snapshot of one VM. Handle is the VM's last recorded
// runtime handle and may be zero.
type Request struct {
	Name   string
	VM     host.VMConfig
	Handle qemu.RuntimeHandle
}

// Liveness reports whether a pid is alive. *qemu.Supervisor implements it.
type Liveness interface {
	Status(ctx context.Context, pid int) bool
}

// Monitor sends a single HMP command line. monitor.Dialer implements it.
type Monitor interface {
	Execute(ctx context.Context, socketPath, commandLine string) error
}

// Images handles snapshots of disks that no hypervisor is running.
type Images interface {
	SnapshotDelete(ctx context.Context, disk, name string) error
	SnapshotList(ctx context.Context, disk string) ([]image.Snapshot, error)
}

var (
	_ Liveness = (*qemu.Supervisor)(nil)
	_ Monitor  = monitor.Dialer{}
	_ Images   = (*image.Tool)(nil)
)

// Manager takes, restores and removes internal snapshots.
type Manager struct {
	Layout   host.Layout
	Liveness Liveness
	Monitor  Monitor
	Images   Images
}

func NewManager(layout host.Layout, liveness Liveness, mon Monitor, images Images) *Manager {
	return &Manager{Layout: layout, Liveness: liveness, Monitor: mon, Images: images}
}

func (m *Manager) running(ctx context.Context, req Request) bool {
	return m.Liveness.Status(ctx, req.Handle.PID)
}

func (m *Manager) socket(req Request) string {
	if req.Handle.SocketPath != "" {
		return req.Handle.SocketPath
	}
	return m.Layout.MonitorPath(req.VM.Name)
}

// validate accepts any tag qemu can store. A line break would end the HMP
// command line early.
func validate(req Request) error {
	if req.Name == "" || strings.ContainsAny(req.Name, "\r\n") {
		return errors.Errorf("%w: %q", ErrInvalidName, req.Name)
	}
	return nil
}

// live runs an HMP snapshot command against a running VM.
func (m *Manager) live(ctx context.Context, req Request, verb string) error {
	if err := validate(req); err != nil {
		return err
	}
	if !m.running(ctx, req) {
		return errors.Errorf("%w: %s", ErrVMNotRunning, req.VM.Name)
	}

	zerolog.Ctx(ctx).Info().Str("vm", req.VM.Name).Str("snapshot", req.Name).Str("op", verb).Msg("Sending snapshot command")

	if err := m.Monitor.Execute(ctx, m.socket(req), verb+" "+req.Name); err != nil {
		return errors.Errorf("%s %s on %s: %w", verb, req.Name, req.VM.Name, err)
	}
	return nil
}

// Create saves the full VM state under req.Name.
func (m *Manager) Create(ctx context.Context, req Request) error {
	return m.live(ctx, req, "savevm")
}

// Restore loads the VM state saved under req.Name.
func (m *Manager) Restore(ctx context.Context, req Request) error {
	return m.live(ctx, req, "loadvm")
}

// Delete removes a snapshot from the VM's disk with qemu-img. The VM should
// be stopped: qemu-img edits the file directly and a running hypervisor
// holds it open, so a live VM only gets a warning and the tool's own
// locking decides the outcome.
func (m *Manager) Delete(ctx context.Context, req Request) error {
	if err := validate(req); err != nil {
		return err
	}

	disk := req.VM.DiskPath(m.Layout)
	logger := zerolog.Ctx(ctx).With().Str("vm", req.VM.Name).Str("snapshot", req.Name).Str("disk", disk).Logger()
	if m.running(ctx, req) {
		logger.Warn().Int("pid", req.Handle.PID).Msg("VM is running; deleting snapshot from its disk anyway")
	}
	logger.Info().Msg("Deleting snapshot")

	if err := m.Images.SnapshotDelete(ctx, disk, req.Name); err != nil {
		return errors.Errorf("deleting snapshot %s of %s: %w", req.Name, req.VM.Name, err)
	}
	return nil
}

// List returns the snapshots stored in the VM's disk. It works whether or
// not the VM is running.
func (m *Manager) List(ctx context.Context, req Request) ([]image.Snapshot, error) {
	snaps, err := m.Images.SnapshotList(ctx, req.VM.DiskPath(m.Layout))
	if err != nil {
		return nil, errors.Errorf("listing snapshots of %s: %w", req.VM.Name, err)
	}
	return snaps, nil
}
