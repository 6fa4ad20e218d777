//go:build !windows

package autorun

import (
	"os"
	"syscall"
)

// signalZero probes a process with the null signal.
func signalZero(proc *os.Process) bool {
	return proc.Signal(syscall.Signal(0)) == nil
}
