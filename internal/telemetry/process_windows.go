package telemetry

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// stillActive is the exit code GetExitCodeProcess returns for a live process.
const stillActive = 259

// FindProcess reports whether a process with the given pid exists.
func FindProcess(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return fmt.Errorf("process %d: %w", pid, err)
	}
	defer windows.CloseHandle(h)

	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return fmt.Errorf("process %d: %w", pid, err)
	}
	if code != stillActive {
		return fmt.Errorf("process %d has exited with code %d", pid, code)
	}
	return nil
}
