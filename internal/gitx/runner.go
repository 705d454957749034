// Package gitx provides the git facade used by the publishing pipeline:
// an exec-based command runner, worktree management over shared bare repos,
// and the post-task publish sequence.
package gitx

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes git commands in a fixed directory.
type Runner struct {
	dir string
}

// NewRunner creates a git runner rooted at dir (a worktree or a bare repo).
func NewRunner(dir string) *Runner {
	return &Runner{dir: dir}
}

// Dir returns the directory the runner operates in.
func (r *Runner) Dir() string {
	return r.dir
}

// run executes a git command and returns its trimmed combined output.
func (r *Runner) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, string(out))
	}
	return strings.TrimSpace(string(out)), nil
}

// runSilent executes a git command and discards its output.
func (r *Runner) runSilent(ctx context.Context, args ...string) error {
	_, err := r.run(ctx, args...)
	return err
}

// Run executes an arbitrary git command with the given arguments.
func (r *Runner) Run(ctx context.Context, args ...string) (string, error) {
	return r.run(ctx, args...)
}

// Status returns the output of git status --porcelain.
func (r *Runner) Status(ctx context.Context) (string, error) {
	return r.run(ctx, "status", "--porcelain")
}

// HasChanges returns true if there are uncommitted changes.
func (r *Runner) HasChanges(ctx context.Context) (bool, error) {
	status, err := r.Status(ctx)
	if err != nil {
		return false, err
	}
	return len(status) > 0, nil
}

// CurrentBranch returns the name of the current branch.
func (r *Runner) CurrentBranch(ctx context.Context) (string, error) {
	return r.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// BranchExists returns true if the local branch exists.
func (r *Runner) BranchExists(ctx context.Context, name string) (bool, error) {
	cmd := exec.CommandContext(ctx, "git", "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	cmd.Dir = r.dir
	err := cmd.Run()
	if err != nil {
		// Exit code 1 means the branch doesn't exist (not an error)
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return false, nil
		}
		return false, fmt.Errorf("check branch exists: %w", err)
	}
	return true, nil
}

// RemoteBranchExists returns true if origin has the branch.
func (r *Runner) RemoteBranchExists(ctx context.Context, name string) (bool, error) {
	out, err := r.run(ctx, "ls-remote", "--heads", "origin", name)
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// DeleteBranch force-deletes the local branch.
func (r *Runner) DeleteBranch(ctx context.Context, name string) error {
	return r.runSilent(ctx, "branch", "-D", name)
}

// DeleteRemoteBranch deletes the branch on origin.
func (r *Runner) DeleteRemoteBranch(ctx context.Context, name string) error {
	return r.runSilent(ctx, "push", "origin", "--delete", name)
}

// Fetch updates remote tracking refs from origin.
func (r *Runner) Fetch(ctx context.Context) error {
	return r.runSilent(ctx, "fetch", "origin")
}

// Pull fast-forwards the current branch from origin.
func (r *Runner) Pull(ctx context.Context) error {
	return r.runSilent(ctx, "pull", "--ff-only")
}

// Push pushes the branch to origin, optionally setting upstream.
func (r *Runner) Push(ctx context.Context, branch string, setUpstream bool) error {
	args := []string{"push"}
	if setUpstream {
		args = append(args, "--set-upstream")
	}
	args = append(args, "origin", branch)
	return r.runSilent(ctx, args...)
}

// MergeNoFFMessage merges a branch with --no-ff and a custom message.
func (r *Runner) MergeNoFFMessage(ctx context.Context, branch, message string) error {
	return r.runSilent(ctx, "merge", "--no-ff", "-m", message, branch)
}

// MergeAbort aborts an in-progress merge.
func (r *Runner) MergeAbort(ctx context.Context) error {
	return r.runSilent(ctx, "merge", "--abort")
}

// MergeContinue concludes an in-progress merge without editing the message.
func (r *Runner) MergeContinue(ctx context.Context) error {
	return r.runSilent(ctx, "-c", "core.editor=true", "merge", "--continue")
}

// ConflictedFiles returns the files with unmerged changes.
func (r *Runner) ConflictedFiles(ctx context.Context) ([]string, error) {
	out, err := r.run(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil || out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// HasConflicts returns true if the worktree has merge conflicts.
func (r *Runner) HasConflicts(ctx context.Context) (bool, error) {
	status, err := r.Status(ctx)
	if err != nil {
		return false, err
	}
	for _, line := range strings.Split(status, "\n") {
		if len(line) >= 2 {
			prefix := line[:2]
			if prefix == "UU" || prefix == "AA" || prefix == "DD" ||
				prefix == "AU" || prefix == "UA" || prefix == "DU" || prefix == "UD" {
				return true, nil
			}
		}
	}
	return false, nil
}

// RemoteURL returns the URL of the named remote.
func (r *Runner) RemoteURL(ctx context.Context, remote string) (string, error) {
	return r.run(ctx, "remote", "get-url", remote)
}

// DefaultBranch resolves origin's HEAD branch, falling back to main when
// the remote has no HEAD ref.
func (r *Runner) DefaultBranch(ctx context.Context) string {
	out, err := r.run(ctx, "symbolic-ref", "--short", "refs/remotes/origin/HEAD")
	if err != nil || out == "" {
		return "main"
	}
	return strings.TrimPrefix(out, "origin/")
}

// WorktreeAdd creates a worktree at path for an existing branch.
func (r *Runner) WorktreeAdd(ctx context.Context, path, branch string) error {
	return r.runSilent(ctx, "worktree", "add", path, branch)
}

// WorktreeAddNewBranch creates a worktree at path with a new branch started
// from the given base ref.
func (r *Runner) WorktreeAddNewBranch(ctx context.Context, path, branch, base string) error {
	return r.runSilent(ctx, "worktree", "add", "-b", branch, path, base)
}

// WorktreeRemove force-removes the worktree at path.
func (r *Runner) WorktreeRemove(ctx context.Context, path string) error {
	return r.runSilent(ctx, "worktree", "remove", "--force", path)
}

// WorktreePrune drops stale worktree bookkeeping.
func (r *Runner) WorktreePrune(ctx context.Context) error {
	return r.runSilent(ctx, "worktree", "prune", "--expire", "now")
}

// CloneBare clones url as a bare repository at path.
func CloneBare(ctx context.Context, url, path string) error {
	cmd := exec.CommandContext(ctx, "git", "clone", "--bare", url, path)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git clone --bare %s: %w: %s", url, err, string(out))
	}
	return nil
}
