// Package procwatch probes OS process liveness and decodes wait-status
// exit codes. It backs both the Worker Runtime's pidfile reuse guard
// (spec.md §4.4) and the Instance Table's reap loop (spec.md §4.6).
package procwatch

import (
	"github.com/shirou/gopsutil/v3/process"
)

// Alive reports whether pid currently refers to a live OS process.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	running, err := process.PidExists(int32(pid))
	if err != nil {
		return false
	}
	return running
}

// CmdlineContains reports whether the process identified by pid has
// substr somewhere in its command line. Used by the Worker Runtime
// startup guard: "a pid-file exists whose pid is alive and whose
// /proc/{pid}/cmdline contains the worker name" (spec.md §4.4).
//
// The command line is read through gopsutil on every platform. If the
// probe fails the process is treated as not matching, so the guard does
// not refuse; nothing is logged.
func CmdlineContains(pid int, substr string) bool {
	if pid <= 0 {
		return false
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	cmdline, err := proc.Cmdline()
	if err != nil {
		return false
	}
	return containsSubstring(cmdline, substr)
}

func containsSubstring(s, substr string) bool {
	if substr == "" {
		return true
	}
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

// DecodeWaitStatus decodes a POSIX wait status the way the original
// process.py does: if the low byte is zero, the exit code is the high
// byte; otherwise the process died by signal low_byte, reported as
// -low_byte.
func DecodeWaitStatus(status int) int {
	low := status & 0xff
	if low == 0 {
		return (status >> 8) & 0xff
	}
	return -low
}
