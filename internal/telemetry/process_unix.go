//go:build unix

package telemetry

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// FindProcess reports whether a process with the given pid exists.
func FindProcess(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	err := unix.Kill(pid, 0)
	if err == nil || errors.Is(err, unix.EPERM) {
		// EPERM: exists but owned by someone else
		return nil
	}
	return fmt.Errorf("process %d: %w", pid, err)
}
