//go:build windows

package procwatch

import (
	"os"
	"syscall"
)

// Signal sends sig to pid. Windows has no POSIX signal delivery for
// arbitrary processes; SIGKILL is emulated via TerminateProcess and
// anything else is a no-op, matching the original's Windows behavior of
// treating termination as forceful only.
func Signal(pid int, sig syscall.Signal) error {
	if sig != syscall.SIGKILL {
		return nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return proc.Kill()
}

// ExitCodeFromState extracts the exit code on Windows, which has no
// signal-based termination to decode.
func ExitCodeFromState(state *os.ProcessState) int {
	return state.ExitCode()
}
