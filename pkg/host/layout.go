package host

import (
	"path/filepath"
)

// DefaultRoot is where VM directories and base images live unless configured
// otherwise.
const DefaultRoot = "/var/lib/kvmctl"

// Layout resolves every on-disk location from a VM, image or network name. Nothing
// else in the module builds these paths.
type Layout struct {
	Root string
}

func NewLayout(root string) Layout {
	if root == "" {
		root = DefaultRoot
	}
	return Layout{Root: root}
}

func (l Layout) VMsDir() string {
	return filepath.Join(l.Root, "vms", "kvm")
}

// VMDir is the directory owned by a single VM.
func (l Layout) VMDir(name string) string {
	return filepath.Join(l.VMsDir(), name)
}

func (l Layout) DiskPath(name string) string {
	return filepath.Join(l.VMDir(name), "disk.qcow2")
}

// MonitorPath is the QMP socket QEMU creates for the VM.
func (l Layout) MonitorPath(name string) string {
	return filepath.Join(l.VMDir(name), "monitor.sock")
}

// LogPath receives the hypervisor's stderr.
func (l Layout) LogPath(name string) string {
	return filepath.Join(l.VMDir(name), "qemu.log")
}

// RecordPath is the persisted VM record.
func (l Layout) RecordPath(name string) string {
	return filepath.Join(l.VMDir(name), "vm.yaml")
}

func (l Layout) ImagesDir() string {
	return filepath.Join(l.Root, "images", "kvm")
}

// ImagePath is the file of a named base image.
func (l Layout) ImagePath(name string) string {
	return filepath.Join(l.ImagesDir(), name+".image")
}

func (l Layout) NetworksDir() string {
	return filepath.Join(l.Root, "networks")
}

// NetworkPath is the persisted record of a named network.
func (l Layout) NetworkPath(name string) string {
	return filepath.Join(l.NetworksDir(), name+".yaml")
}
