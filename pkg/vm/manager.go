package vm

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/kvmctl/pkg/config"
	"github.com/walteh/kvmctl/pkg/host"
	"github.com/walteh/kvmctl/pkg/image"
	"github.com/walteh/kvmctl/pkg/monitor"
	"github.com/walteh/kvmctl/pkg/network"
	"github.com/walteh/kvmctl/pkg/qemu"
	"github.com/walteh/kvmctl/pkg/snapshot"
)

var (
	ErrVMRunning = errors.Base("vm is running")
	ErrDiskInUse = errors.BaseWrap(ErrExists, "disk already in use")
)

// Supervisor starts and probes hypervisor processes.
type Supervisor interface {
	Start(ctx context.Context, cfg host.VMConfig) (qemu.RuntimeHandle, error)
	Status(ctx context.Context, pid int) bool
	Stop(ctx context.Context, pid int) error
}

// Images manages disk files.
type Images interface {
	Create(ctx context.Context, path, size string, backing *image.Backing) error
	Check(ctx context.Context, path string) error
	Delete(ctx context.Context, path string) error
}

// StatusQuerier reads the guest run state from a live monitor.
type StatusQuerier interface {
	QueryStatus(ctx context.Context, name, socketPath string) (monitor.RunState, error)
}

var (
	_ Supervisor    = (*qemu.Supervisor)(nil)
	_ Images        = (*image.Tool)(nil)
	_ StatusQuerier = monitor.Dialer{}
)

// Manager ties VM records to the hypervisor, disk and snapshot layers.
type Manager struct {
	Layout     host.Layout
	Store      *Store
	Supervisor Supervisor
	Images     Images
	Taps       qemu.TapManager
	Monitor    StatusQuerier
	Snapshots  *snapshot.Manager
	Networks   *network.Manager
}

// NewManager wires the real host implementations from settings.
func NewManager(s config.Settings) *Manager {
	layout := s.Layout()
	dialer := s.Dialer()
	taps := qemu.NewIPTaps(nil)
	images := image.NewTool(s.QEMUImgBinary, nil)

	sup := qemu.NewSupervisor(s.QEMUBinary, layout)
	sup.GracePeriod = s.GracePeriod
	sup.Taps = taps

	return &Manager{
		Layout:     layout,
		Store:      NewStore(layout),
		Supervisor: sup,
		Images:     images,
		Taps:       taps,
		Monitor:    dialer,
		Snapshots:  snapshot.NewManager(layout, sup, dialer, images),
		Networks:   network.NewManager(layout, network.NewIPBridges(nil)),
	}
}

// Info is the externally visible state of a VM.
type Info struct {
	Name    string           `json:"name"`
	Status  host.Status      `json:"status"`
	PID     int              `json:"pid,omitempty"`
	Socket  string           `json:"socket,omitempty"`
	State   monitor.RunState `json:"run_state,omitempty"`
	Disk    string           `json:"disk"`
	Config  host.VMConfig    `json:"config"`
	Running bool             `json:"running"`
}

func (m *Manager) running(ctx context.Context, r *Record) bool {
	return m.Supervisor.Status(ctx, r.Handle().PID)
}

// Create registers a VM and builds its disk. An image given only by name
// resolves to the base image library. On failure nothing is left behind.
func (m *Manager) Create(ctx context.Context, cfg host.VMConfig) (*Record, error) {
	if cfg.Image != nil && cfg.Image.File == "" && cfg.Image.Name != "" {
		ref := *cfg.Image
		ref.File = m.Layout.ImagePath(ref.Name)
		cfg.Image = &ref
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if m.Store.Exists(cfg.Name) {
		return nil, errors.Errorf("%w: %s", ErrExists, cfg.Name)
	}
	if err := m.checkDisk(ctx, cfg); err != nil {
		return nil, err
	}
	if _, err := m.resolve(cfg); err != nil {
		return nil, err
	}

	logger := zerolog.Ctx(ctx).With().Str("vm", cfg.Name).Logger()
	logger.Info().Msg("Creating VM")

	rec := &Record{Config: cfg}

	build := func() error {
		if err := m.Store.Save(rec); err != nil {
			return err
		}

		disk := cfg.DiskPath(m.Layout)
		var backing *image.Backing
		if cfg.Image != nil {
			backing = &image.Backing{File: cfg.Image.File, Format: cfg.Image.Format}
		}
		if err := m.Images.Create(ctx, disk, cfg.DiskSize(), backing); err != nil {
			return errors.Errorf("creating VM disk: %w", err)
		}
		if err := m.Images.Check(ctx, disk); err != nil {
			return errors.Errorf("checking VM disk: %w", err)
		}
		return nil
	}

	if err := build(); err != nil {
		var result *multierror.Error
		result = multierror.Append(result, err)
		if cleanupErr := m.Store.Remove(cfg.Name); cleanupErr != nil {
			result = multierror.Append(result, cleanupErr)
		}
		if len(result.Errors) == 1 {
			return nil, err
		}
		return nil, errors.Errorf("creating VM %s: %w", cfg.Name, result)
	}

	logger.Info().Str("disk", cfg.DiskPath(m.Layout)).Msg("VM created")
	return rec, nil
}

// checkDisk refuses a disk path that another VM records or that already
// exists. Each VM owns its disk, and delete removes it.
func (m *Manager) checkDisk(ctx context.Context, cfg host.VMConfig) error {
	disk := filepath.Clean(cfg.DiskPath(m.Layout))

	records, err := m.Store.List(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if filepath.Clean(rec.Config.DiskPath(m.Layout)) == disk {
			return errors.Errorf("%w: %s is the disk of %s", ErrDiskInUse, disk, rec.Name())
		}
	}

	if _, err := os.Lstat(disk); err == nil {
		return errors.Errorf("%w: %s already exists", ErrDiskInUse, disk)
	} else if !os.IsNotExist(err) {
		return errors.Errorf("checking disk %s: %w", disk, err)
	}
	return nil
}

// resolve fills in the bridges of interfaces that name a network. The
// record keeps the network name.
func (m *Manager) resolve(cfg host.VMConfig) (host.VMConfig, error) {
	if m.Networks == nil {
		return cfg, nil
	}
	return m.Networks.Resolve(cfg)
}

// DeleteNetwork removes a network no VM record refers to.
func (m *Manager) DeleteNetwork(ctx context.Context, name string) error {
	records, err := m.Store.List(ctx)
	if err != nil {
		return err
	}
	var users []string
	for _, rec := range records {
		for _, iface := range rec.Config.Interfaces {
			if iface.Network == name {
				users = append(users, rec.Name())
				break
			}
		}
	}
	if len(users) > 0 {
		return errors.Errorf("%w: %s is used by %s", network.ErrInUse, name, strings.Join(users, ", "))
	}
	return m.Networks.Delete(ctx, name)
}

// removeFiles deletes a disk kept outside the VM directory, then the
// directory itself.
func (m *Manager) removeFiles(ctx context.Context, cfg host.VMConfig) error {
	var result *multierror.Error
	disk := cfg.DiskPath(m.Layout)
	if filepath.Dir(disk) != m.Layout.VMDir(cfg.Name) {
		if err := m.Images.Delete(ctx, disk); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := m.Store.Remove(cfg.Name); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Delete removes a stopped VM with its disk and tap devices. Deleting a VM
// that does not exist succeeds.
func (m *Manager) Delete(ctx context.Context, name string) error {
	rec, err := m.Store.Load(name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return m.Store.Remove(name)
		}
		return err
	}

	if m.running(ctx, rec) {
		return errors.Errorf("%w: stop %s before deleting it", ErrVMRunning, name)
	}

	zerolog.Ctx(ctx).Info().Str("vm", name).Msg("Deleting VM")

	var result *multierror.Error
	if m.Taps != nil {
		for i := range rec.Config.Interfaces {
			if err := m.Taps.DeleteTap(ctx, host.TapName(name, i)); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	if err := m.removeFiles(ctx, rec.Config); err != nil {
		result = multierror.Append(result, err)
	}

	if err := result.ErrorOrNil(); err != nil {
		return errors.Errorf("deleting VM %s: %w", name, err)
	}
	return nil
}

// Start launches the VM and records its runtime handle.
func (m *Manager) Start(ctx context.Context, name string) (qemu.RuntimeHandle, error) {
	rec, err := m.Store.Load(name)
	if err != nil {
		return qemu.RuntimeHandle{}, err
	}
	if m.running(ctx, rec) {
		return rec.Handle(), errors.Errorf("%w: %s already has pid %d", ErrVMRunning, name, rec.Handle().PID)
	}

	cfg, err := m.resolve(rec.Config)
	if err != nil {
		return qemu.RuntimeHandle{}, err
	}

	handle, err := m.Supervisor.Start(ctx, cfg)
	if err != nil {
		return qemu.RuntimeHandle{}, errors.Errorf("starting VM %s: %w", name, err)
	}

	rec.SetHandle(handle)
	if err := m.Store.Save(rec); err != nil {
		return handle, errors.Errorf("recording pid %d: %w", handle.PID, err)
	}
	return handle, nil
}

// Stop signals the VM and clears its recorded handle. Stopping a VM that
// is not running succeeds.
func (m *Manager) Stop(ctx context.Context, name string) error {
	rec, err := m.Store.Load(name)
	if err != nil {
		return err
	}

	if err := m.Supervisor.Stop(ctx, rec.Handle().PID); err != nil {
		return errors.Errorf("stopping VM %s: %w", name, err)
	}

	if rec.PID == "" {
		return nil
	}
	rec.SetHandle(qemu.RuntimeHandle{})
	return m.Store.Save(rec)
}

// Status reports whether the VM's recorded process is alive.
func (m *Manager) Status(ctx context.Context, name string) (bool, error) {
	rec, err := m.Store.Load(name)
	if err != nil {
		return false, err
	}
	return m.running(ctx, rec), nil
}

func (m *Manager) info(ctx context.Context, rec *Record, query bool) Info {
	running := m.running(ctx, rec)
	info := Info{
		Name:    rec.Name(),
		Status:  host.StatusOf(running),
		Disk:    rec.Config.DiskPath(m.Layout),
		Config:  rec.Config,
		Running: running,
	}
	if !running {
		return info
	}

	h := rec.Handle()
	info.PID = h.PID
	info.Socket = h.SocketPath
	if info.Socket == "" {
		info.Socket = m.Layout.MonitorPath(rec.Name())
	}

	if query && m.Monitor != nil {
		state, err := m.Monitor.QueryStatus(ctx, rec.Name(), info.Socket)
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("vm", rec.Name()).Msg("Failed to query run state")
			state = monitor.RunStateUnknown
		}
		info.State = state
	}
	return info
}

// Info combines the liveness probe with the guest run state.
func (m *Manager) Info(ctx context.Context, name string) (Info, error) {
	rec, err := m.Store.Load(name)
	if err != nil {
		return Info{}, err
	}
	return m.info(ctx, rec, true), nil
}

// List returns every known VM with its liveness. It does not talk to
// monitors.
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	records, err := m.Store.List(ctx)
	if err != nil {
		return nil, err
	}
	infos := make([]Info, 0, len(records))
	for _, rec := range records {
		infos = append(infos, m.info(ctx, rec, false))
	}
	return infos, nil
}

func (m *Manager) snapshotRequest(name, snap string) (snapshot.Request, error) {
	rec, err := m.Store.Load(name)
	if err != nil {
		return snapshot.Request{}, err
	}
	return snapshot.Request{Name: snap, VM: rec.Config, Handle: rec.Handle()}, nil
}

func (m *Manager) CreateSnapshot(ctx context.Context, name, snap string) error {
	req, err := m.snapshotRequest(name, snap)
	if err != nil {
		return err
	}
	return m.Snapshots.Create(ctx, req)
}

func (m *Manager) RestoreSnapshot(ctx context.Context, name, snap string) error {
	req, err := m.snapshotRequest(name, snap)
	if err != nil {
		return err
	}
	return m.Snapshots.Restore(ctx, req)
}

func (m *Manager) DeleteSnapshot(ctx context.Context, name, snap string) error {
	req, err := m.snapshotRequest(name, snap)
	if err != nil {
		return err
	}
	return m.Snapshots.Delete(ctx, req)
}

func (m *Manager) ListSnapshots(ctx context.Context, name string) ([]image.Snapshot, error) {
	req, err := m.snapshotRequest(name, "")
	if err != nil {
		return nil, err
	}
	return m.Snapshots.List(ctx, req)
}
