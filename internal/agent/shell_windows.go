//go:build windows

package agent

const defaultShell = "cmd.exe"
