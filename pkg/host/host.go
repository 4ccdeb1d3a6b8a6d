package host

import (
	"os"
	"runtime"
)

// Status is the externally visible state of a VM. It is always recomputed
// from the process table, never stored.
type Status string

const (
	StatusRunning Status = "running"
	StatusAbsent  Status = "absent"
)

// StatusOf maps a liveness probe result to a Status.
func StatusOf(running bool) Status {
	if running {
		return StatusRunning
	}
	return StatusAbsent
}

// KVMAvailable reports whether /dev/kvm exists on a Linux host.
func KVMAvailable() bool {
	if runtime.GOOS != "linux" {
		return false
	}
	_, err := os.Stat("/dev/kvm")
	return err == nil
}

// QEMUBinary returns the system emulator for a GOARCH-style architecture.
func QEMUBinary(arch string) string {
	switch arch {
	case "arm64", "aarch64":
		return "qemu-system-aarch64"
	case "amd64", "x86_64":
		return "qemu-system-x86_64"
	default:
		return "qemu-system-x86_64"
	}
}

// DefaultQEMUBinary is the emulator matching the host architecture.
func DefaultQEMUBinary() string {
	return QEMUBinary(runtime.GOARCH)
}
