package autorun

import (
	"context"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/maestro/maestro/internal/common/errors"
	"github.com/maestro/maestro/internal/common/logger"
)

// gitTimeout bounds every git invocation made for worktree management.
const gitTimeout = 30 * time.Second

var branchSanitizeRe = regexp.MustCompile(`[^a-zA-Z0-9/_.-]+`)

// Worktree is an isolated git worktree a batch runs inside.
type Worktree struct {
	Branch string
	Path   string
	// RepoDir is the original workspace the worktree was created from.
	RepoDir string
}

// ExpandBranchTemplate renders a branch-name template. {{DATE}} and
// {{SESSION_NAME}} are substituted and the result is sanitized into a
// valid git ref component.
func ExpandBranchTemplate(template, sessionName string, now time.Time) string {
	if template == "" {
		template = "auto-run/{{SESSION_NAME}}-{{DATE}}"
	}
	name := strings.NewReplacer(
		"{{DATE}}", now.Format("2006-01-02"),
		"{{SESSION_NAME}}", sessionName,
	).Replace(template)
	name = branchSanitizeRe.ReplaceAllString(name, "-")
	return strings.Trim(name, "-/")
}

// CreateWorktree makes a new branch and checks it out into a worktree
// under <repo>/.maestro/worktrees. The session's effective working
// directory is redirected there for the duration of the batch.
func CreateWorktree(ctx context.Context, repoDir string, settings *WorktreeSettings, sessionName string, log *logger.Logger) (*Worktree, error) {
	branch := ExpandBranchTemplate(settings.BranchTemplate, sessionName, time.Now())
	path := filepath.Join(repoDir, ".maestro", "worktrees", filepath.Base(branch))

	if err := runGit(ctx, repoDir, "worktree", "add", "-b", branch, path); err != nil {
		return nil, errors.Wrap(err, "create worktree")
	}
	log.Info("created worktree",
		zap.String("branch", branch),
		zap.String("path", path))
	return &Worktree{Branch: branch, Path: path, RepoDir: repoDir}, nil
}

// Finish commits nothing itself; it optionally opens a pull request via the
// gh CLI and removes the worktree. Both steps are best-effort: the branch
// and its commits survive regardless.
func (w *Worktree) Finish(ctx context.Context, settings *WorktreeSettings, log *logger.Logger) {
	if settings != nil && settings.CreatePR {
		target := settings.TargetBranch
		if target == "" {
			target = "main"
		}
		if err := runGit(ctx, w.Path, "push", "-u", "origin", w.Branch); err != nil {
			log.Warn("push for pull request failed", zap.Error(err))
		} else if err := runGH(ctx, w.Path, "pr", "create", "--fill", "--base", target, "--head", w.Branch); err != nil {
			log.Warn("pull request creation failed", zap.Error(err))
		}
	}

	if err := runGit(ctx, w.RepoDir, "worktree", "remove", "--force", w.Path); err != nil {
		log.Warn("worktree removal failed",
			zap.String("path", w.Path),
			zap.Error(err))
	}
}

func runGit(ctx context.Context, dir string, args ...string) error {
	return runTool(ctx, dir, "git", args...)
}

func runGH(ctx context.Context, dir string, args ...string) error {
	return runTool(ctx, dir, "gh", args...)
}

func runTool(ctx context.Context, dir, tool string, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, tool, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Wrap(err, strings.TrimSpace(string(out)))
	}
	return nil
}
