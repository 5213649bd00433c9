//go:build !unix && !windows

package telemetry

import "fmt"

// FindProcess only validates the pid on platforms without a process probe.
func FindProcess(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	return nil
}
