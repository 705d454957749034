package mergelock

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeLock(t *testing.T, dir string, lock Lock) {
	t.Helper()
	data, err := json.Marshal(lock)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(Path(dir, "app", lock.TargetBranch), data, 0o644))
}

func TestAcquireRelease(t *testing.T) {
	dir := t.TempDir()

	out, err := Acquire(dir, "app", "feature/p", "frontend", "feature/p/fe")
	require.NoError(t, err)
	assert.True(t, out.Acquired)
	assert.Equal(t, os.Getpid(), out.Holder.PID)

	// Branch slashes sanitise into the file name.
	_, err = os.Stat(filepath.Join(dir, "app-feature-p.lock"))
	require.NoError(t, err)

	require.NoError(t, Release(dir, "app", "feature/p"))
	_, err = os.Stat(filepath.Join(dir, "app-feature-p.lock"))
	assert.True(t, os.IsNotExist(err), "release leaves the directory in its pre-state")

	// Releasing again is idempotent.
	require.NoError(t, Release(dir, "app", "feature/p"))
}

func TestAcquireContended(t *testing.T) {
	dir := t.TempDir()

	first, err := Acquire(dir, "app", "main", "frontend", "fe")
	require.NoError(t, err)
	require.True(t, first.Acquired)

	second, err := Acquire(dir, "app", "main", "backend", "be")
	require.NoError(t, err)
	assert.False(t, second.Acquired)
	require.NotNil(t, second.Holder)
	assert.Equal(t, "frontend", second.Holder.AgentName, "holder surfaces for the UI")
}

func TestAcquireStealsDeadPidLock(t *testing.T) {
	dir := t.TempDir()
	// A fresh timestamp but a pid that cannot exist: liveness probing must
	// classify the lock as stale on the first attempt.
	writeLock(t, dir, Lock{
		AgentName:    "ghost",
		TargetBranch: "main",
		AcquiredAt:   time.Now(),
		PID:          1 << 30,
	})

	out, err := Acquire(dir, "app", "main", "frontend", "fe")
	require.NoError(t, err)
	assert.True(t, out.Acquired)
	assert.Equal(t, "frontend", out.Holder.AgentName, "stale lock overwritten")
}

func TestAcquireStealsExpiredLock(t *testing.T) {
	dir := t.TempDir()
	writeLock(t, dir, Lock{
		AgentName:    "old",
		TargetBranch: "main",
		AcquiredAt:   time.Now().Add(-StaleAfter - time.Minute),
		PID:          os.Getpid(),
	})

	out, err := Acquire(dir, "app", "main", "frontend", "fe")
	require.NoError(t, err)
	assert.True(t, out.Acquired, "age ceiling steals even a live-pid lock")
}

func TestAcquireTreatsCorruptLockAsStale(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(Path(dir, "app", "main"), []byte("not json"), 0o644))

	out, err := Acquire(dir, "app", "main", "frontend", "fe")
	require.NoError(t, err)
	assert.True(t, out.Acquired)
}

func TestWaitForAcquiresAfterRelease(t *testing.T) {
	dir := t.TempDir()

	first, err := Acquire(dir, "app", "main", "frontend", "fe")
	require.NoError(t, err)
	require.True(t, first.Acquired)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = Release(dir, "app", "main")
	}()

	var sawHolder string
	out, err := WaitFor(context.Background(), dir, "app", "main", "backend", "be", WaitOptions{
		PollInterval: 20 * time.Millisecond,
		MaxWait:      2 * time.Second,
		OnWaiting: func(holder *Lock, _ time.Duration) {
			if holder != nil {
				sawHolder = holder.AgentName
			}
		},
	})
	require.NoError(t, err)
	assert.True(t, out.Acquired)
	assert.Equal(t, "frontend", sawHolder, "waiting callback reports the holder")
}

func TestWaitForTimesOut(t *testing.T) {
	dir := t.TempDir()

	first, err := Acquire(dir, "app", "main", "frontend", "fe")
	require.NoError(t, err)
	require.True(t, first.Acquired)

	_, err = WaitFor(context.Background(), dir, "app", "main", "backend", "be", WaitOptions{
		PollInterval: 10 * time.Millisecond,
		MaxWait:      50 * time.Millisecond,
	})
	require.ErrorIs(t, err, ErrWaitTimeout)
}

func TestWaitForHonoursCancellation(t *testing.T) {
	dir := t.TempDir()

	first, err := Acquire(dir, "app", "main", "frontend", "fe")
	require.NoError(t, err)
	require.True(t, first.Acquired)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err = WaitFor(ctx, dir, "app", "main", "backend", "be", WaitOptions{
		PollInterval: 10 * time.Millisecond,
		MaxWait:      time.Minute,
	})
	require.ErrorIs(t, err, context.Canceled)
}
