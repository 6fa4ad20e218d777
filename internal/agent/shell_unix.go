//go:build !windows

package agent

const defaultShell = "/bin/sh"
