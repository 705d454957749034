package gitx

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bloom-sh/bloom/internal/event"
	"github.com/bloom-sh/bloom/internal/workspace"
)

// initWorkspace builds a workspace with a seeded bare repo for "app".
func initWorkspace(t *testing.T) *workspace.Workspace {
	t.Helper()
	seed := initRepo(t)
	ctx := context.Background()

	ws := workspace.At(t.TempDir())
	barePath := ws.BareRepoPath("app")
	require.NoError(t, os.MkdirAll(filepath.Dir(barePath), 0o755))
	_, err := seed.Run(ctx, "clone", "--bare", seed.Dir(), barePath)
	require.NoError(t, err)
	return ws
}

func TestEnsureCreatesWorktreeWithNewBranch(t *testing.T) {
	ws := initWorkspace(t)
	m := NewWorktreeManager(ws, event.NewBus())
	ctx := context.Background()

	path, err := m.Ensure(ctx, "app", "feature/login", "")
	require.NoError(t, err)
	assert.Equal(t, ws.WorktreePath("app", "feature/login"), path)

	branch, err := NewRunner(path).CurrentBranch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "feature/login", branch, "branch keeps its slashes, only the directory is sanitised")

	// A second call is a no-op returning the same path.
	again, err := m.Ensure(ctx, "app", "feature/login", "")
	require.NoError(t, err)
	assert.Equal(t, path, again)
}

func TestEnsureReusesExistingBranch(t *testing.T) {
	ws := initWorkspace(t)
	m := NewWorktreeManager(ws, event.NewBus())
	ctx := context.Background()

	first, err := m.Ensure(ctx, "app", "feature/x", "")
	require.NoError(t, err)
	require.NoError(t, m.Remove(ctx, "app", "feature/x"))
	_, err = os.Stat(first)
	require.True(t, os.IsNotExist(err))

	// Branch survived the worktree removal; Ensure checks it out again.
	path, err := m.Ensure(ctx, "app", "feature/x", "")
	require.NoError(t, err)
	branch, err := NewRunner(path).CurrentBranch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "feature/x", branch)
}

func TestEnsureMissingBareRepo(t *testing.T) {
	ws := workspace.At(t.TempDir())
	m := NewWorktreeManager(ws, event.NewBus())

	_, err := m.Ensure(context.Background(), "ghost", "main", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "git clone --bare")
}

func TestEnsureFallsBackToDefaultBranchBase(t *testing.T) {
	ws := initWorkspace(t)
	m := NewWorktreeManager(ws, event.NewBus())
	ctx := context.Background()

	path, err := m.Ensure(ctx, "app", "feature/z", "no-such-base")
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(path, "README.md"))
	assert.NoError(t, err, "branch started from the default branch content")
}

func TestPullDefaultRateLimits(t *testing.T) {
	ws := initWorkspace(t)
	bus := event.NewBus()
	var pulls int
	bus.Subscribe(func(e event.Event) {
		if e.Type == event.GitPulling {
			pulls++
		}
	})

	m := NewWorktreeManager(ws, bus)
	ctx := context.Background()
	m.PullDefault(ctx, "app")
	m.PullDefault(ctx, "app")
	assert.Equal(t, 1, pulls, "second pull inside the window is skipped")
}
