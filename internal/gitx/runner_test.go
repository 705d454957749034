package gitx

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// initRepo creates a real repository with one commit on main.
func initRepo(t *testing.T) *Runner {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not on PATH")
	}

	dir := t.TempDir()
	r := NewRunner(dir)
	ctx := context.Background()

	_, err := r.Run(ctx, "init", "-b", "main")
	require.NoError(t, err)
	_, err = r.Run(ctx, "config", "user.email", "test@example.com")
	require.NoError(t, err)
	_, err = r.Run(ctx, "config", "user.name", "Test")
	require.NoError(t, err)

	writeFile(t, dir, "README.md", "hello\n")
	_, err = r.Run(ctx, "add", ".")
	require.NoError(t, err)
	_, err = r.Run(ctx, "commit", "-m", "initial")
	require.NoError(t, err)
	return r
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func commitAll(t *testing.T, r *Runner, message string) {
	t.Helper()
	ctx := context.Background()
	_, err := r.Run(ctx, "add", ".")
	require.NoError(t, err)
	_, err = r.Run(ctx, "commit", "-m", message)
	require.NoError(t, err)
}

func TestStatusAndHasChanges(t *testing.T) {
	r := initRepo(t)
	ctx := context.Background()

	dirty, err := r.HasChanges(ctx)
	require.NoError(t, err)
	assert.False(t, dirty)

	writeFile(t, r.Dir(), "new.txt", "x\n")
	dirty, err = r.HasChanges(ctx)
	require.NoError(t, err)
	assert.True(t, dirty, "untracked files count as changes")

	status, err := r.Status(ctx)
	require.NoError(t, err)
	assert.Contains(t, status, "new.txt")
}

func TestCurrentBranchAndBranchExists(t *testing.T) {
	r := initRepo(t)
	ctx := context.Background()

	branch, err := r.CurrentBranch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "main", branch)

	exists, err := r.BranchExists(ctx, "main")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = r.BranchExists(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, exists, "missing branch is not an error")
}

func TestMergeNoFFMessage(t *testing.T) {
	r := initRepo(t)
	ctx := context.Background()

	_, err := r.Run(ctx, "checkout", "-b", "feature/x")
	require.NoError(t, err)
	writeFile(t, r.Dir(), "feature.txt", "f\n")
	commitAll(t, r, "add feature")

	_, err = r.Run(ctx, "checkout", "main")
	require.NoError(t, err)
	require.NoError(t, r.MergeNoFFMessage(ctx, "feature/x", "Merge feature/x: add feature"))

	subject, err := r.Run(ctx, "log", "-1", "--format=%s")
	require.NoError(t, err)
	assert.Equal(t, "Merge feature/x: add feature", subject)

	parents, err := r.Run(ctx, "log", "-1", "--format=%P")
	require.NoError(t, err)
	assert.Contains(t, parents, " ", "no-ff produces a merge commit even when fast-forwardable")
}

func TestConflictDetectionAndAbort(t *testing.T) {
	r := initRepo(t)
	ctx := context.Background()

	_, err := r.Run(ctx, "checkout", "-b", "feature/x")
	require.NoError(t, err)
	writeFile(t, r.Dir(), "README.md", "feature side\n")
	commitAll(t, r, "feature edit")

	_, err = r.Run(ctx, "checkout", "main")
	require.NoError(t, err)
	writeFile(t, r.Dir(), "README.md", "main side\n")
	commitAll(t, r, "main edit")

	err = r.MergeNoFFMessage(ctx, "feature/x", "merge")
	require.Error(t, err, "conflicting merge stops")

	conflicts, err := r.HasConflicts(ctx)
	require.NoError(t, err)
	assert.True(t, conflicts)

	files, err := r.ConflictedFiles(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"README.md"}, files)

	require.NoError(t, r.MergeAbort(ctx))
	conflicts, err = r.HasConflicts(ctx)
	require.NoError(t, err)
	assert.False(t, conflicts)
}

func TestWorktreeAddRemove(t *testing.T) {
	r := initRepo(t)
	ctx := context.Background()

	wt := filepath.Join(t.TempDir(), "wt-feature")
	require.NoError(t, r.WorktreeAddNewBranch(ctx, wt, "feature/y", "main"))

	wr := NewRunner(wt)
	branch, err := wr.CurrentBranch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "feature/y", branch)

	require.NoError(t, r.WorktreeRemove(ctx, wt))
	_, err = os.Stat(wt)
	assert.True(t, os.IsNotExist(err))

	exists, err := r.BranchExists(ctx, "feature/y")
	require.NoError(t, err)
	assert.True(t, exists, "removing the worktree keeps the branch")
}

func TestRunSurfacesGitErrors(t *testing.T) {
	r := initRepo(t)
	_, err := r.Run(context.Background(), "rev-parse", "not-a-ref")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "git rev-parse not-a-ref")
}
