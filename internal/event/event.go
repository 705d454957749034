// Package event defines the typed event stream emitted by every orchestrator
// component and the bus that fans events out to subscribed adapters.
package event

import (
	"time"
)

// Type represents the kind of orchestrator event.
type Type string

// Agent lifecycle events.
const (
	AgentStarted        Type = "agent:started"
	AgentIdle           Type = "agent:idle"
	AgentOutput         Type = "agent:output"
	AgentProcessStarted Type = "agent:process_started"
	AgentProcessEnded   Type = "agent:process_ended"
)

// Task and step progression events.
const (
	TaskFound     Type = "task:found"
	TaskStarted   Type = "task:started"
	TaskCompleted Type = "task:completed"
	TaskFailed    Type = "task:failed"
	TaskBlocked   Type = "task:blocked"

	StepStarted       Type = "step:started"
	StepCompleted     Type = "step:completed"
	StepFailed        Type = "step:failed"
	StepsAllCompleted Type = "steps:all_completed"
)

// Git pipeline events.
const (
	GitPulling            Type = "git:pulling"
	GitPulled             Type = "git:pulled"
	GitPushing            Type = "git:pushing"
	GitPushed             Type = "git:pushed"
	GitPRCreating         Type = "git:pr_creating"
	GitPRCreated          Type = "git:pr_created"
	GitMerging            Type = "git:merging"
	GitMerged             Type = "git:merged"
	GitMergeConflict      Type = "git:merge_conflict"
	GitCleanup            Type = "git:cleanup"
	GitUncommittedChanges Type = "git:uncommitted_changes"

	WorktreeCreating Type = "worktree:creating"
	WorktreeCreated  Type = "worktree:created"
)

// Merge lock and conflict resolution events.
const (
	MergeLockWaiting       Type = "merge:lock_waiting"
	MergeLockAcquired      Type = "merge:lock_acquired"
	MergeLockTimeout       Type = "merge:lock_timeout"
	MergeRetry             Type = "merge:retry"
	MergeConflictResolving Type = "merge:conflict_resolving"
	MergeConflictResolved  Type = "merge:conflict_resolved"
)

// Session, queue, and diagnostics events.
const (
	SessionCorrupted Type = "session:corrupted"
	CommitRetry      Type = "commit:retry"
	QuestionCreated  Type = "question:created"
	QuestionAnswered Type = "question:answered"
	Error            Type = "error"
	Log              Type = "log"
)

// OutputKind classifies agent:output events by their normalised source shape.
type OutputKind string

const (
	OutputText       OutputKind = "text"
	OutputTool       OutputKind = "tool"
	OutputToolResult OutputKind = "tool_result"
	OutputCost       OutputKind = "cost"
	OutputSession    OutputKind = "session"
	OutputError      OutputKind = "error"
	OutputDone       OutputKind = "done"
	OutputRaw        OutputKind = "raw"
)

// Event is a single orchestrator event. Events carry only primitive data and
// ids; consumers resolve task details through the task store. An Event must
// never alias mutable orchestrator state.
type Event struct {
	// Type is the event kind.
	Type Type
	// Agent is the emitting agent's name, if any.
	Agent string
	// TaskID is the related task id, if any.
	TaskID string
	// StepID is the related step id, if any.
	StepID string
	// Repo is the related repository name, if any.
	Repo string
	// Branch is the related branch, if any.
	Branch string
	// TargetBranch is the merge target branch, if any.
	TargetBranch string
	// Message carries human-readable context (also used for agent:output text).
	Message string
	// OutputKind classifies agent:output events.
	OutputKind OutputKind
	// SessionID is the agent-returned session id, if any.
	SessionID string
	// PID is the subprocess pid for process events.
	PID int
	// Command is the subprocess command line for agent:process_started.
	Command string
	// Holder names the current merge-lock holder for merge:lock_waiting.
	Holder string
	// URL is the pull request URL for git:pr_created.
	URL string
	// AlreadyExists reports an idempotent PR re-creation.
	AlreadyExists bool
	// Success reports the outcome for merge:conflict_resolved and git:cleanup.
	Success bool
	// Attempt is the current retry attempt for retrying events.
	Attempt int
	// CostUSD is the reported session cost for cost outputs.
	CostUSD float64
	// Duration is the elapsed time for done outputs.
	Duration time.Duration
	// Err is the human-readable error string for error and failure events.
	Err string
	// Timestamp is when the event was emitted.
	Timestamp time.Time
}
