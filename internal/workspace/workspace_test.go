package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindWalksUp(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, ConfigFile), []byte("{}\n"), 0o644))

	nested := filepath.Join(root, "repos", "app", "feature-x")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	ws, err := Find(nested)
	require.NoError(t, err)
	assert.Equal(t, root, ws.Dir)
	assert.Equal(t, filepath.Join(root, "repos"), ws.ReposDir)
}

func TestFindFailsOutsideWorkspace(t *testing.T) {
	_, err := Find(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not initialised")
}

func TestLayoutPaths(t *testing.T) {
	ws := At("/ws")

	assert.Equal(t, "/ws/tasks.yaml", ws.TasksPath())
	assert.Equal(t, "/ws/bloom.config.yaml", ws.ConfigPath())
	assert.Equal(t, "/ws/.merge-locks", ws.LocksDir())
	assert.Equal(t, "/ws/.queue", ws.QueueDir())
	assert.Equal(t, "/ws/.interjections", ws.InterjectionsDir())
	assert.Equal(t, "/ws/repos/app/app.git", ws.BareRepoPath("app"))
}

func TestWorktreePathSanitisesBranch(t *testing.T) {
	ws := At("/ws")
	assert.Equal(t, "/ws/repos/app/feature-auth-login", ws.WorktreePath("app", "feature/auth/login"))
	assert.Equal(t, "/ws/repos/app/main", ws.WorktreePath("app", "main"))
}

func TestSanitizeBranch(t *testing.T) {
	tests := []struct{ in, want string }{
		{"main", "main"},
		{"feature/x", "feature-x"},
		{"a/b/c", "a-b-c"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeBranch(tt.in))
	}
}
