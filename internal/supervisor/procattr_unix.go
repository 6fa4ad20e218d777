//go:build unix && !linux

package supervisor

import (
	"os"
	"os/exec"
	"syscall"
)

// setProcGroup configures the command to run in its own process group so
// the whole agent process tree can be signalled together. Pdeathsig is
// Linux-only; on these platforms orphan cleanup relies on explicit
// shutdown.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalProcessGroup delivers a signal to the child's process group.
func signalProcessGroup(pid int, sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		s = syscall.SIGINT
	}
	return syscall.Kill(-pid, s)
}

// terminateProcessGroup sends SIGTERM to the process group.
func terminateProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

// killProcessGroup kills the entire process group.
func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
