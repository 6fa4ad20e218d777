//go:build windows

package supervisor

import (
	"os"
	"os/exec"
)

// setProcGroup is a no-op on Windows; ConPTY owns process creation.
func setProcGroup(cmd *exec.Cmd) {}

// signalProcessGroup approximates POSIX signals: Windows has no SIGINT
// delivery to another process, so any signal terminates the child.
func signalProcessGroup(pid int, sig os.Signal) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}

// terminateProcessGroup kills the process; Windows has no SIGTERM.
func terminateProcessGroup(pid int) error {
	return signalProcessGroup(pid, os.Kill)
}

// killProcessGroup kills the process.
func killProcessGroup(pid int) error {
	return signalProcessGroup(pid, os.Kill)
}
