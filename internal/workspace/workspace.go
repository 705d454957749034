// Package workspace resolves the on-disk layout of a Bloom workspace.
//
// A workspace is a directory containing bloom.config.yaml, tasks.yaml, the
// repos/ tree of bare repositories and worktrees, and the dot-directories
// used for cross-process coordination (.merge-locks, .queue, .interjections).
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// ConfigFile is the workspace-level configuration file name.
	ConfigFile = "bloom.config.yaml"
	// TasksFile is the task graph file name.
	TasksFile = "tasks.yaml"

	reposDirName         = "repos"
	locksDirName         = ".merge-locks"
	queueDirName         = ".queue"
	interjectionsDirName = ".interjections"
)

// Workspace describes a resolved Bloom workspace rooted at Dir.
type Workspace struct {
	// Dir is the absolute path to the workspace root.
	Dir string
	// ReposDir is where bare repos and worktrees live. Defaults to
	// <Dir>/repos but may be overridden by bloom.config.yaml.
	ReposDir string
}

// Find locates the workspace containing dir by walking up until a
// bloom.config.yaml is found. Returns an error if none exists.
func Find(dir string) (*Workspace, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace dir: %w", err)
	}

	for {
		if _, err := os.Stat(filepath.Join(abs, ConfigFile)); err == nil {
			return &Workspace{Dir: abs, ReposDir: filepath.Join(abs, reposDirName)}, nil
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return nil, fmt.Errorf("no %s found in %s or any parent: workspace not initialised", ConfigFile, dir)
		}
		abs = parent
	}
}

// At returns a workspace rooted at dir without searching parents.
func At(dir string) *Workspace {
	return &Workspace{Dir: dir, ReposDir: filepath.Join(dir, reposDirName)}
}

// TasksPath returns the path to tasks.yaml.
func (w *Workspace) TasksPath() string {
	return filepath.Join(w.Dir, TasksFile)
}

// ConfigPath returns the path to bloom.config.yaml.
func (w *Workspace) ConfigPath() string {
	return filepath.Join(w.Dir, ConfigFile)
}

// LocksDir returns the merge-lock directory.
func (w *Workspace) LocksDir() string {
	return filepath.Join(w.Dir, locksDirName)
}

// QueueDir returns the question queue directory.
func (w *Workspace) QueueDir() string {
	return filepath.Join(w.Dir, queueDirName)
}

// InterjectionsDir returns the interjection record directory.
func (w *Workspace) InterjectionsDir() string {
	return filepath.Join(w.Dir, interjectionsDirName)
}

// BareRepoPath returns the path to the shared bare repo for a repository.
func (w *Workspace) BareRepoPath(repo string) string {
	return filepath.Join(w.ReposDir, repo, repo+".git")
}

// WorktreePath returns the worktree directory for a branch of a repository.
// Branch slashes become dashes in the directory component; the underlying
// git branch keeps its slashes.
func (w *Workspace) WorktreePath(repo, branch string) string {
	return filepath.Join(w.ReposDir, repo, SanitizeBranch(branch))
}

// SanitizeBranch converts a branch name into a filesystem-safe directory
// component by replacing slashes with dashes.
func SanitizeBranch(branch string) string {
	return strings.ReplaceAll(branch, "/", "-")
}
