//go:build unix

package procwatch

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// Signal sends sig to pid. Returns nil if the process is already gone.
func Signal(pid int, sig syscall.Signal) error {
	err := unix.Kill(pid, sig)
	if err == unix.ESRCH {
		return nil
	}
	return err
}

// ExitCodeFromState extracts the exit code the way spec.md §3/§4.4
// describes: the process's own exit code if it exited normally, or the
// negative signal number if it was killed by one.
func ExitCodeFromState(state *os.ProcessState) int {
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok {
		return state.ExitCode()
	}
	if ws.Exited() {
		return ws.ExitStatus()
	}
	if ws.Signaled() {
		return -int(ws.Signal())
	}
	return state.ExitCode()
}
