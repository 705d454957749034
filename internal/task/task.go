// Package task owns the task graph: the tasks.yaml schema, crash-safe
// persistence, status transition rules, and next-task selection for agents.
package task

import (
	"errors"
	"fmt"
	"strings"
)

// Status represents the current state of a task.
type Status string

const (
	// StatusTodo indicates the task has not been released to agents.
	StatusTodo Status = "todo"
	// StatusReady indicates the task is ready to be picked up by an agent.
	StatusReady Status = "ready_for_agent"
	// StatusAssigned indicates an agent has claimed the task.
	StatusAssigned Status = "assigned"
	// StatusInProgress indicates an agent is actively working the task.
	StatusInProgress Status = "in_progress"
	// StatusBlocked indicates the task cannot proceed without human action.
	StatusBlocked Status = "blocked"
	// StatusDonePendingMerge indicates the work is complete but the merge
	// into the integration branch has not finished.
	StatusDonePendingMerge Status = "done_pending_merge"
	// StatusDone indicates the task completed and all git side-effects ran.
	StatusDone Status = "done"
)

// statusOrder is the linear progression of statuses. Blocked sits outside
// the order: it may be entered from anywhere and cleared back to
// ready_for_agent by a human.
var statusOrder = map[Status]int{
	StatusTodo:             0,
	StatusReady:            1,
	StatusAssigned:         2,
	StatusInProgress:       3,
	StatusDonePendingMerge: 4,
	StatusDone:             5,
}

// Valid returns true if the status is a known value.
func (s Status) Valid() bool {
	if s == StatusBlocked {
		return true
	}
	_, ok := statusOrder[s]
	return ok
}

// Runnable returns true if a task in this status may be handed to an agent.
func (s Status) Runnable() bool {
	return s == StatusTodo || s == StatusReady
}

// Terminal returns true for statuses that satisfy dependants.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusDonePendingMerge
}

// ErrInvalidTransition is returned when a status change violates the
// monotone progression rule.
var ErrInvalidTransition = errors.New("invalid status transition")

// CanTransition reports whether moving from s to next is permitted.
// Transitions are monotone along the linear order; any status may move to
// blocked, and blocked may only be cleared back to ready_for_agent.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return true
	}
	if next == StatusBlocked {
		return s != StatusDone
	}
	if s == StatusBlocked {
		return next == StatusReady
	}
	from, okFrom := statusOrder[s]
	to, okTo := statusOrder[next]
	return okFrom && okTo && to > from
}

// StepStatus represents the state of a single step within a task.
type StepStatus string

const (
	StepTodo       StepStatus = "todo"
	StepInProgress StepStatus = "in_progress"
	StepDone       StepStatus = "done"
)

// Step is a sub-unit of work executed strictly in declaration order.
// A step is done only once the agent has invoked `bloom step done` for it.
type Step struct {
	// ID has the form <task-id>.<n>.
	ID string `yaml:"id"`
	// Instruction is the prompt fragment for this step.
	Instruction string `yaml:"instruction"`
	// AcceptanceCriteria defines completion criteria for the step.
	AcceptanceCriteria string `yaml:"acceptance_criteria,omitempty"`
	// Status is the step's current state.
	Status StepStatus `yaml:"status,omitempty"`
}

// Task represents a unit of work in the task graph.
type Task struct {
	// ID is the unique slug identifying this task.
	ID string `yaml:"id"`
	// Title is the short description of the task.
	Title string `yaml:"title"`
	// Status is the current state of the task.
	Status Status `yaml:"status,omitempty"`
	// Phase orders tasks into coarse waves; lower phases run first.
	Phase int `yaml:"phase,omitempty"`
	// DependsOn lists task ids that must be done or done_pending_merge
	// before this task becomes runnable.
	DependsOn []string `yaml:"depends_on,omitempty"`
	// Repo is the repository this task works in.
	Repo string `yaml:"repo,omitempty"`
	// Branch is the working branch for the task.
	Branch string `yaml:"branch,omitempty"`
	// BaseBranch is the branch the working branch is created from.
	BaseBranch string `yaml:"base_branch,omitempty"`
	// MergeInto is the integration branch the work merges into, if any.
	MergeInto string `yaml:"merge_into,omitempty"`
	// OpenPR requests a pull request after push.
	OpenPR bool `yaml:"open_pr,omitempty"`
	// AgentName routes the task to a named agent. Blank means the
	// floating pool.
	AgentName string `yaml:"agent_name,omitempty"`
	// Checkpoint marks the task as a human checkpoint.
	Checkpoint bool `yaml:"checkpoint,omitempty"`
	// Instructions is the whole-task prompt when no steps are given.
	Instructions string `yaml:"instructions,omitempty"`
	// Steps is the ordered sequence of sub-units, if the task is stepped.
	Steps []Step `yaml:"steps,omitempty"`
	// AcceptanceCriteria defines completion criteria for the task.
	AcceptanceCriteria string `yaml:"acceptance_criteria,omitempty"`
	// AINotes accumulates notes written back by agents.
	AINotes string `yaml:"ai_notes,omitempty"`
	// SessionID is the agent-returned session id saved for resume.
	SessionID string `yaml:"session_id,omitempty"`
	// Subtasks nest further tasks under this one.
	Subtasks []*Task `yaml:"subtasks,omitempty"`
}

// EffectiveStatus returns the task status, defaulting to todo when unset.
func (t *Task) EffectiveStatus() Status {
	if t.Status == "" {
		return StatusTodo
	}
	return t.Status
}

// NextStep returns the first non-done step, or nil when the task has no
// steps or all steps are done.
func (t *Task) NextStep() *Step {
	for i := range t.Steps {
		if t.Steps[i].Status != StepDone {
			return &t.Steps[i]
		}
	}
	return nil
}

// StepByID returns the step with the given id, or nil.
func (t *Task) StepByID(id string) *Step {
	for i := range t.Steps {
		if t.Steps[i].ID == id {
			return &t.Steps[i]
		}
	}
	return nil
}

// GitSettings holds the workspace-level git behaviour flags from tasks.yaml.
type GitSettings struct {
	// PushToRemote pushes finished branches to origin.
	PushToRemote bool `yaml:"push_to_remote,omitempty"`
	// AutoCleanupMerged deletes source branches and worktrees after merge.
	AutoCleanupMerged bool `yaml:"auto_cleanup_merged,omitempty"`
}

// File is the parsed form of tasks.yaml.
type File struct {
	// Git holds workspace-level git behaviour.
	Git GitSettings `yaml:"git,omitempty"`
	// Tasks is the task graph in declaration order.
	Tasks []*Task `yaml:"tasks"`
}

// Flatten returns all tasks including subtasks, depth-first in declaration
// order.
func (f *File) Flatten() []*Task {
	var out []*Task
	var walk func(ts []*Task)
	walk = func(ts []*Task) {
		for _, t := range ts {
			out = append(out, t)
			walk(t.Subtasks)
		}
	}
	walk(f.Tasks)
	return out
}

// Find returns the task with the given id, searching subtasks, or nil.
func (f *File) Find(id string) *Task {
	for _, t := range f.Flatten() {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// FindStep resolves a step id of the form <task-id>.<n> to its task and step.
func (f *File) FindStep(stepID string) (*Task, *Step) {
	idx := strings.LastIndex(stepID, ".")
	if idx <= 0 {
		return nil, nil
	}
	t := f.Find(stepID[:idx])
	if t == nil {
		return nil, nil
	}
	return t, t.StepByID(stepID)
}

// UpdateStatus mutates the status of the task with the given id after
// checking the transition is permitted.
func (f *File) UpdateStatus(id string, next Status) error {
	t := f.Find(id)
	if t == nil {
		return fmt.Errorf("task %q not found", id)
	}
	cur := t.EffectiveStatus()
	if !cur.CanTransition(next) {
		return fmt.Errorf("%w: task %s cannot move %s -> %s", ErrInvalidTransition, id, cur, next)
	}
	t.Status = next
	return nil
}

// DependenciesSatisfied reports whether every dependency of the task is
// done or done_pending_merge.
func (f *File) DependenciesSatisfied(t *Task) bool {
	for _, dep := range t.DependsOn {
		d := f.Find(dep)
		if d == nil || !d.EffectiveStatus().Terminal() {
			return false
		}
	}
	return true
}

// NextFor selects at most one runnable task for the named agent.
//
// A task is a candidate when its dependencies are satisfied, its status is
// todo or ready_for_agent, and either it is routed to this agent or it is
// unrouted and no routed task is waiting for this agent. Candidates tie-break
// by phase ascending, then declaration order.
func (f *File) NextFor(agentName string) *Task {
	all := f.Flatten()

	routedWaiting := false
	for _, t := range all {
		if t.AgentName == agentName && t.EffectiveStatus().Runnable() && f.DependenciesSatisfied(t) {
			routedWaiting = true
			break
		}
	}

	var best *Task
	for _, t := range all {
		if !t.EffectiveStatus().Runnable() || !f.DependenciesSatisfied(t) {
			continue
		}
		switch {
		case t.AgentName == agentName:
		case t.AgentName == "" && !routedWaiting:
		default:
			continue
		}
		if best == nil || t.Phase < best.Phase {
			best = t
		}
	}
	return best
}
