package gitx

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bloom-sh/bloom/internal/event"
	"github.com/bloom-sh/bloom/internal/workspace"
)

// WorktreeManager materialises worktrees for task branches from the shared
// bare repos under the workspace's repos directory. Safe for use from
// multiple agent loops; git's own locking covers concurrent access to a
// bare repo.
type WorktreeManager struct {
	ws  *workspace.Workspace
	bus *event.Bus

	mu       sync.Mutex
	lastPull map[string]time.Time
}

// pullInterval rate-limits default-branch pulls per repo.
const pullInterval = 60 * time.Second

// NewWorktreeManager creates a worktree manager over a workspace.
func NewWorktreeManager(ws *workspace.Workspace, bus *event.Bus) *WorktreeManager {
	return &WorktreeManager{
		ws:       ws,
		bus:      bus,
		lastPull: make(map[string]time.Time),
	}
}

// Ensure returns the worktree path for (repo, branch), creating the
// worktree lazily. A new branch is started from base; when base is empty or
// missing, the repo's default branch is used instead.
func (m *WorktreeManager) Ensure(ctx context.Context, repo, branch, base string) (string, error) {
	path := m.ws.WorktreePath(repo, branch)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	barePath := m.ws.BareRepoPath(repo)
	if _, err := os.Stat(barePath); err != nil {
		return "", fmt.Errorf("bare repo for %s not found at %s (clone it with: git clone --bare <url> %s)", repo, barePath, barePath)
	}

	m.bus.Emit(event.Event{Type: event.WorktreeCreating, Repo: repo, Branch: branch})

	bare := NewRunner(barePath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create repo directory: %w", err)
	}

	exists, err := bare.BranchExists(ctx, branch)
	if err != nil {
		return "", err
	}
	if exists {
		if err := bare.WorktreeAdd(ctx, path, branch); err != nil {
			return "", err
		}
	} else {
		startPoint, err := m.resolveBase(ctx, bare, base)
		if err != nil {
			return "", err
		}
		if err := bare.WorktreeAddNewBranch(ctx, path, branch, startPoint); err != nil {
			return "", err
		}
	}

	m.bus.Emit(event.Event{Type: event.WorktreeCreated, Repo: repo, Branch: branch, Message: path})
	return path, nil
}

// resolveBase picks the start point for a new branch: the requested base
// when it exists, otherwise the repo's default branch.
func (m *WorktreeManager) resolveBase(ctx context.Context, bare *Runner, base string) (string, error) {
	if base != "" {
		exists, err := bare.BranchExists(ctx, base)
		if err != nil {
			return "", err
		}
		if exists {
			return base, nil
		}
	}
	return bare.DefaultBranch(ctx), nil
}

// Remove deletes the worktree for (repo, branch) and prunes bookkeeping.
func (m *WorktreeManager) Remove(ctx context.Context, repo, branch string) error {
	barePath := m.ws.BareRepoPath(repo)
	bare := NewRunner(barePath)
	path := m.ws.WorktreePath(repo, branch)
	if err := bare.WorktreeRemove(ctx, path); err != nil {
		// Fall back to direct removal when git lost track of the tree.
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return err
		}
	}
	return bare.WorktreePrune(ctx)
}

// PullDefault fetches the repo's remote refs, rate-limited to once per
// pullInterval per repo. Emits git:pulling/git:pulled on actual pulls.
// Fetch failures are non-fatal for repos without a reachable remote.
func (m *WorktreeManager) PullDefault(ctx context.Context, repo string) {
	m.mu.Lock()
	if last, ok := m.lastPull[repo]; ok && time.Since(last) < pullInterval {
		m.mu.Unlock()
		return
	}
	m.lastPull[repo] = time.Now()
	m.mu.Unlock()

	barePath := m.ws.BareRepoPath(repo)
	if _, err := os.Stat(barePath); err != nil {
		return
	}

	m.bus.Emit(event.Event{Type: event.GitPulling, Repo: repo})
	if err := NewRunner(barePath).Fetch(ctx); err != nil {
		m.bus.Emit(event.Event{Type: event.Log, Repo: repo, Message: fmt.Sprintf("fetch failed: %v", err)})
		return
	}
	m.bus.Emit(event.Event{Type: event.GitPulled, Repo: repo})
}

// WorktreePath exposes the workspace's path computation.
func (m *WorktreeManager) WorktreePath(repo, branch string) string {
	return m.ws.WorktreePath(repo, branch)
}
