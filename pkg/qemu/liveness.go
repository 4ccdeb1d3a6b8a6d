package qemu

import (
	"strconv"
	"strings"

	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"
)

// LivenessChecker answers whether a pid still refers to a live process.
type LivenessChecker interface {
	Exists(pid int) bool
}

// Signaller asks a process to shut down.
type Signaller interface {
	Terminate(pid int) error
}

// Processes is the process table as seen by the supervisor.
type Processes interface {
	LivenessChecker
	Signaller
}

// OSProcesses probes and signals real processes. It does not need the
// process to be a child of the caller.
type OSProcesses struct{}

var _ Processes = OSProcesses{}

// Exists sends signal 0. EPERM means the process exists but belongs to
// someone else, which still counts as alive.
func (OSProcesses) Exists(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Terminate sends SIGTERM. A pid that is already gone is not an error.
func (OSProcesses) Terminate(pid int) error {
	if pid <= 0 {
		return nil
	}
	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return errors.Errorf("sending SIGTERM to %d: %w", pid, err)
	}
	return nil
}

// ParsePID turns a persisted pid into an int. Empty, "0" and anything
// unparsable all mean "no process".
func ParsePID(raw string) int {
	pid, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || pid < 0 {
		return 0
	}
	return pid
}
