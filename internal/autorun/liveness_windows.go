//go:build windows

package autorun

import "os"

// signalZero approximates a liveness probe; os.FindProcess succeeding on
// Windows already implies the handle is valid.
func signalZero(proc *os.Process) bool {
	return proc != nil
}
