package task

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTasks(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tasks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadSaveRoundTrip(t *testing.T) {
	path := writeTasks(t, `
git:
  push_to_remote: true
tasks:
  - id: t1
    title: "Build the API"
    status: ready_for_agent
    repo: app
    branch: feature/api
    merge_into: main
    steps:
      - id: t1.1
        instruction: scaffold
      - id: t1.2
        instruction: implement
`)
	f, err := Load(path)
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "tasks.yaml")
	require.NoError(t, Save(out, f))

	reloaded, err := Load(out)
	require.NoError(t, err)
	assert.Equal(t, f, reloaded)
}

func TestMarkStepDoneIntermediate(t *testing.T) {
	path := writeTasks(t, `
tasks:
  - id: t1
    status: in_progress
    merge_into: main
    steps:
      - id: t1.1
      - id: t1.2
`)
	require.NoError(t, MarkStepDone(path, "t1.1"))

	f, err := Load(path)
	require.NoError(t, err)
	_, step := f.FindStep("t1.1")
	assert.Equal(t, StepDone, step.Status)
	assert.Equal(t, StatusInProgress, f.Find("t1").Status, "task stays open with steps remaining")
}

func TestMarkStepDoneLastStepCompletesTask(t *testing.T) {
	path := writeTasks(t, `
tasks:
  - id: t1
    status: in_progress
    merge_into: main
    steps:
      - id: t1.1
        status: done
      - id: t1.2
`)
	require.NoError(t, MarkStepDone(path, "t1.2"))

	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, StatusDonePendingMerge, f.Find("t1").Status, "merge_into keeps the task pending merge")
}

func TestMarkDoneWithoutMergeTarget(t *testing.T) {
	path := writeTasks(t, `
tasks:
  - id: t1
    status: in_progress
`)
	require.NoError(t, MarkDone(path, "t1"))

	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, f.Find("t1").Status)
}

func TestMarkBlockedAndRecover(t *testing.T) {
	path := writeTasks(t, `
tasks:
  - id: t1
    status: in_progress
`)
	require.NoError(t, MarkBlocked(path, "t1"))

	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, StatusBlocked, f.Find("t1").Status)

	// Human recovery path: blocked clears back to ready only.
	err = Mutate(path, func(f *File) error { return f.UpdateStatus("t1", StatusInProgress) })
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.NoError(t, Mutate(path, func(f *File) error { return f.UpdateStatus("t1", StatusReady) }))
}

func TestAppendNoteAccumulates(t *testing.T) {
	path := writeTasks(t, `
tasks:
  - id: t1
`)
	require.NoError(t, AppendNote(path, "t1", "first"))
	require.NoError(t, AppendNote(path, "t1", "second"))

	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond", f.Find("t1").AINotes)
}

func TestSetSessionID(t *testing.T) {
	path := writeTasks(t, `
tasks:
  - id: t1
`)
	require.NoError(t, SetSessionID(path, "t1", "sess-123"))

	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sess-123", f.Find("t1").SessionID)

	require.NoError(t, SetSessionID(path, "t1", ""))
	f, err = Load(path)
	require.NoError(t, err)
	assert.Empty(t, f.Find("t1").SessionID)
}

func TestMutateRetriesOnConcurrentWrite(t *testing.T) {
	path := writeTasks(t, `
tasks:
  - id: t1
  - id: t2
`)
	// Simulate a concurrent writer landing between read and write: the
	// first fn call rewrites the file out from under the mutation.
	calls := 0
	err := Mutate(path, func(f *File) error {
		calls++
		if calls == 1 {
			other, err := Load(path)
			require.NoError(t, err)
			require.NoError(t, other.UpdateStatus("t2", StatusReady))
			require.NoError(t, Save(path, other))
		}
		return f.UpdateStatus("t1", StatusReady)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "mutation re-applied against fresh state")

	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, f.Find("t1").Status)
	assert.Equal(t, StatusReady, f.Find("t2").Status, "concurrent update preserved")
}
