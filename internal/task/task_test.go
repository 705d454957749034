package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{"forward step", StatusTodo, StatusReady, true},
		{"skip forward", StatusReady, StatusInProgress, true},
		{"full jump", StatusTodo, StatusDone, true},
		{"backward", StatusInProgress, StatusReady, false},
		{"done regression", StatusDone, StatusInProgress, false},
		{"self", StatusInProgress, StatusInProgress, true},
		{"anything to blocked", StatusInProgress, StatusBlocked, true},
		{"todo to blocked", StatusTodo, StatusBlocked, true},
		{"done to blocked", StatusDone, StatusBlocked, false},
		{"blocked to ready", StatusBlocked, StatusReady, true},
		{"blocked to in_progress", StatusBlocked, StatusInProgress, false},
		{"pending merge to done", StatusDonePendingMerge, StatusDone, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestUpdateStatusRejectsInvalidTransition(t *testing.T) {
	f := &File{Tasks: []*Task{{ID: "t1", Status: StatusDone}}}

	err := f.UpdateStatus("t1", StatusInProgress)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusDone, f.Find("t1").Status)
}

func TestNextForRouting(t *testing.T) {
	file := func() *File {
		return &File{Tasks: []*Task{
			{ID: "fe", AgentName: "frontend", Status: StatusReady},
			{ID: "floating", Status: StatusReady},
			{ID: "be", AgentName: "backend", Status: StatusReady},
		}}
	}

	t.Run("routed task wins over floating", func(t *testing.T) {
		got := file().NextFor("frontend")
		require.NotNil(t, got)
		assert.Equal(t, "fe", got.ID)
	})

	t.Run("floating only when no routed work waits", func(t *testing.T) {
		f := file()
		f.Find("fe").Status = StatusDone
		got := f.NextFor("frontend")
		require.NotNil(t, got)
		assert.Equal(t, "floating", got.ID)
	})

	t.Run("other agent's task never selected", func(t *testing.T) {
		f := file()
		f.Find("fe").Status = StatusDone
		f.Find("floating").Status = StatusDone
		assert.Nil(t, f.NextFor("frontend"))
	})
}

func TestNextForDependencies(t *testing.T) {
	f := &File{Tasks: []*Task{
		{ID: "base", AgentName: "a", Status: StatusInProgress},
		{ID: "child", AgentName: "a", Status: StatusReady, DependsOn: []string{"base"}},
	}}
	assert.Nil(t, f.NextFor("a"), "dependency not terminal")

	f.Find("base").Status = StatusDonePendingMerge
	got := f.NextFor("a")
	require.NotNil(t, got)
	assert.Equal(t, "child", got.ID, "done_pending_merge satisfies dependants")
}

func TestNextForPhaseOrder(t *testing.T) {
	f := &File{Tasks: []*Task{
		{ID: "late", AgentName: "a", Status: StatusReady, Phase: 2},
		{ID: "early", AgentName: "a", Status: StatusReady, Phase: 1},
		{ID: "also-early", AgentName: "a", Status: StatusReady, Phase: 1},
	}}
	got := f.NextFor("a")
	require.NotNil(t, got)
	assert.Equal(t, "early", got.ID, "lowest phase, then declaration order")
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("tasks:\n  - id: t1\n    surprise: true\n"))
	require.Error(t, err)
}

func TestParseRejectsDuplicateIDs(t *testing.T) {
	_, err := Parse([]byte(`
tasks:
  - id: t1
    subtasks:
      - id: t1
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestParseRejectsUnknownDependency(t *testing.T) {
	_, err := Parse([]byte("tasks:\n  - id: t1\n    depends_on: [ghost]\n"))
	require.Error(t, err)
}

func TestParseRejectsDependencyCycle(t *testing.T) {
	_, err := Parse([]byte(`
tasks:
  - id: a
    depends_on: [b]
  - id: b
    depends_on: [c]
  - id: c
    depends_on: [a]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestFindStep(t *testing.T) {
	f := &File{Tasks: []*Task{{
		ID:    "build.api",
		Steps: []Step{{ID: "build.api.1"}, {ID: "build.api.2"}},
	}}}

	task, step := f.FindStep("build.api.2")
	require.NotNil(t, task)
	require.NotNil(t, step)
	assert.Equal(t, "build.api", task.ID)
	assert.Equal(t, "build.api.2", step.ID)

	_, step = f.FindStep("build.api.9")
	assert.Nil(t, step)
	_, step = f.FindStep("nodots")
	assert.Nil(t, step)
}

func TestFlattenDepthFirst(t *testing.T) {
	f := &File{Tasks: []*Task{
		{ID: "a", Subtasks: []*Task{{ID: "a1"}, {ID: "a2"}}},
		{ID: "b"},
	}}
	var ids []string
	for _, t := range f.Flatten() {
		ids = append(ids, t.ID)
	}
	assert.Equal(t, []string{"a", "a1", "a2", "b"}, ids)
}
