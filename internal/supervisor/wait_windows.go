//go:build windows

package supervisor

import (
	"os/exec"
)

// waitPtyProcess waits for the PTY child to exit and returns exit info.
// On Windows the process may have been started via ConPTY rather than
// cmd.Start, so cmd.Process.Wait is used directly.
func waitPtyProcess(cmd *exec.Cmd) (exitCode int, signalName string, err error) {
	state, err := cmd.Process.Wait()
	if err != nil {
		return 1, "", err
	}
	code := state.ExitCode()
	if code != 0 {
		return code, "", &exec.ExitError{ProcessState: state}
	}
	return 0, "", nil
}
