//go:build !windows

package supervisor

import (
	"os/exec"
	"syscall"
)

// waitPtyProcess waits for the PTY child to exit and returns exit info.
// On Unix, cmd.Wait inspects WaitStatus for signal information.
func waitPtyProcess(cmd *exec.Cmd) (exitCode int, signalName string, err error) {
	err = cmd.Wait()
	if err == nil {
		return 0, "", nil
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return 1, "", err
	}
	waitStatus, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return 1, "", err
	}
	if waitStatus.Signaled() {
		return 128 + int(waitStatus.Signal()), waitStatus.Signal().String(), err
	}
	return waitStatus.ExitStatus(), "", err
}
