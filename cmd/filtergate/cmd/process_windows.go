//go:build windows

package cmd

import (
	"os"

	"golang.org/x/sys/windows"
)

// gracefulSignals returns the OS signals to capture for graceful shutdown.
// Only os.Interrupt is reliably delivered on Windows.
func gracefulSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// processIsAlive opens a handle to proc and checks its exit code.
func processIsAlive(proc *os.Process) bool {
	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(proc.Pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(handle)

	var exitCode uint32
	if err := windows.GetExitCodeProcess(handle, &exitCode); err != nil {
		return false
	}
	// STILL_ACTIVE
	return exitCode == 259
}

// sendGracefulStop terminates the process. Windows has no SIGTERM.
func sendGracefulStop(proc *os.Process) error {
	return proc.Kill()
}
