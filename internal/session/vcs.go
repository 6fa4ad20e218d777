package session

import (
	"context"
	"os/exec"
	"strings"
	"time"
)

// DetectVCS inspects a workspace for git state. Detection is best-effort:
// any failure reports a non-repo rather than an error.
func DetectVCS(dir string) VCSState {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	branch, err := gitOutput(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return VCSState{}
	}

	state := VCSState{IsRepo: true, Branch: branch}

	status, err := gitOutput(ctx, dir, "status", "--porcelain")
	if err == nil && status != "" {
		state.Dirty = true
	}
	return state
}

func gitOutput(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
