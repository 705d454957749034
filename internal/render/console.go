// Package render prints orchestrator events to the terminal for bloom run.
// It is a pure event-bus subscriber; the orchestrator never depends on it.
package render

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"

	"github.com/bloom-sh/bloom/internal/event"
)

// agentPalette cycles per-agent prefix colors in registration order.
var agentPalette = []*color.Color{
	color.New(color.FgCyan),
	color.New(color.FgGreen),
	color.New(color.FgMagenta),
	color.New(color.FgYellow),
	color.New(color.FgBlue),
	color.New(color.FgHiCyan),
}

var (
	errColor  = color.New(color.FgRed, color.Bold)
	dimColor  = color.New(color.Faint)
	goodColor = color.New(color.FgGreen)
)

// Console renders events as prefixed terminal lines.
type Console struct {
	w io.Writer
	// StreamOutput echoes agent text/tool output; off it shows lifecycle
	// events only.
	StreamOutput bool

	mu     sync.Mutex
	colors map[string]*color.Color
}

// NewConsole creates a console renderer writing to w.
func NewConsole(w io.Writer, streamOutput bool) *Console {
	return &Console{
		w:            w,
		StreamOutput: streamOutput,
		colors:       make(map[string]*color.Color),
	}
}

// Handle renders one event. Registered as a bus subscriber; it must never
// block.
func (c *Console) Handle(e event.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prefix := c.prefix(e.Agent)

	switch e.Type {
	case event.AgentStarted:
		fmt.Fprintf(c.w, "%s started\n", prefix)
	case event.AgentIdle:
		// Idle polls are noise; shown only when streaming.
	case event.AgentOutput:
		c.renderOutput(prefix, e)
	case event.AgentProcessStarted:
		dimColor.Fprintf(c.w, "%s spawned pid %d\n", prefix, e.PID)
	case event.AgentProcessEnded:
		dimColor.Fprintf(c.w, "%s pid %d exited\n", prefix, e.PID)

	case event.TaskFound:
		fmt.Fprintf(c.w, "%s picked up %s: %s\n", prefix, e.TaskID, e.Message)
	case event.TaskStarted:
		fmt.Fprintf(c.w, "%s working on %s\n", prefix, e.TaskID)
	case event.TaskCompleted:
		goodColor.Fprintf(c.w, "%s completed %s\n", prefix, e.TaskID)
	case event.TaskBlocked:
		errColor.Fprintf(c.w, "%s blocked %s: %s\n", prefix, e.TaskID, e.Err)
	case event.TaskFailed:
		errColor.Fprintf(c.w, "%s failed %s: %s\n", prefix, e.TaskID, e.Err)

	case event.StepStarted:
		fmt.Fprintf(c.w, "%s step %s started\n", prefix, e.StepID)
	case event.StepCompleted:
		goodColor.Fprintf(c.w, "%s step %s done\n", prefix, e.StepID)
	case event.StepFailed:
		errColor.Fprintf(c.w, "%s step %s failed (attempt %d): %s\n", prefix, e.StepID, e.Attempt, e.Err)
	case event.StepsAllCompleted:
		fmt.Fprintf(c.w, "%s all steps of %s done\n", prefix, e.TaskID)

	case event.GitPulling:
		dimColor.Fprintf(c.w, "%s pulling %s\n", prefix, e.Repo)
	case event.GitPulled:
	case event.GitPushing:
		fmt.Fprintf(c.w, "%s pushing %s\n", prefix, e.Branch)
	case event.GitPushed:
		goodColor.Fprintf(c.w, "%s pushed %s\n", prefix, e.Branch)
	case event.GitPRCreating:
		fmt.Fprintf(c.w, "%s opening PR %s -> %s\n", prefix, e.Branch, e.TargetBranch)
	case event.GitPRCreated:
		if e.AlreadyExists {
			fmt.Fprintf(c.w, "%s PR already exists %s\n", prefix, e.URL)
		} else {
			goodColor.Fprintf(c.w, "%s PR created %s\n", prefix, e.URL)
		}
	case event.GitMerging:
		fmt.Fprintf(c.w, "%s merging %s into %s\n", prefix, e.Branch, e.TargetBranch)
	case event.GitMerged:
		goodColor.Fprintf(c.w, "%s merged %s into %s\n", prefix, e.Branch, e.TargetBranch)
	case event.GitMergeConflict:
		errColor.Fprintf(c.w, "%s merge conflict in %s: %s\n", prefix, e.TargetBranch, e.Message)
	case event.GitUncommittedChanges:
		fmt.Fprintf(c.w, "%s uncommitted changes on %s\n", prefix, e.Branch)
	case event.GitCleanup:
		dimColor.Fprintf(c.w, "%s cleanup %s: %s\n", prefix, e.Branch, e.Message)

	case event.WorktreeCreating:
		dimColor.Fprintf(c.w, "%s creating worktree for %s/%s\n", prefix, e.Repo, e.Branch)
	case event.WorktreeCreated:

	case event.MergeLockWaiting:
		fmt.Fprintf(c.w, "%s waiting for merge lock on %s (held by %s)\n", prefix, e.TargetBranch, e.Holder)
	case event.MergeLockAcquired:
		dimColor.Fprintf(c.w, "%s merge lock acquired for %s\n", prefix, e.TargetBranch)
	case event.MergeLockTimeout:
		errColor.Fprintf(c.w, "%s merge lock timeout on %s\n", prefix, e.TargetBranch)
	case event.MergeConflictResolving:
		fmt.Fprintf(c.w, "%s resolving conflicts (attempt %d)\n", prefix, e.Attempt)
	case event.MergeConflictResolved:
		if e.Success {
			goodColor.Fprintf(c.w, "%s conflicts resolved\n", prefix)
		} else {
			errColor.Fprintf(c.w, "%s conflicts unresolved\n", prefix)
		}
	case event.MergeRetry:
		fmt.Fprintf(c.w, "%s retrying merge (attempt %d)\n", prefix, e.Attempt)

	case event.SessionCorrupted:
		errColor.Fprintf(c.w, "%s saved session rejected, starting fresh\n", prefix)
	case event.CommitRetry:
		fmt.Fprintf(c.w, "%s asking agent to commit (attempt %d)\n", prefix, e.Attempt)
	case event.QuestionCreated:
		fmt.Fprintf(c.w, "question pending: %s (answer with: bloom wait-answer)\n", e.Message)
	case event.QuestionAnswered:
		dimColor.Fprintf(c.w, "question %s answered\n", e.Message)

	case event.Error:
		errColor.Fprintf(c.w, "%s error: %s\n", prefix, e.Err)
	case event.Log:
		dimColor.Fprintf(c.w, "%s %s\n", prefix, e.Message)
	}
}

// renderOutput prints normalised agent output when streaming is on. Done
// events with cost are always shown.
func (c *Console) renderOutput(prefix string, e event.Event) {
	switch e.OutputKind {
	case event.OutputDone:
		if e.CostUSD > 0 {
			dimColor.Fprintf(c.w, "%s session done ($%.4f, %s)\n", prefix, e.CostUSD, e.Duration)
		} else {
			dimColor.Fprintf(c.w, "%s session done\n", prefix)
		}
	case event.OutputError:
		errColor.Fprintf(c.w, "%s agent error: %s\n", prefix, e.Err)
	case event.OutputText:
		if c.StreamOutput && e.Message != "" {
			fmt.Fprintf(c.w, "%s %s\n", prefix, e.Message)
		}
	case event.OutputTool:
		if c.StreamOutput {
			dimColor.Fprintf(c.w, "%s [tool] %s\n", prefix, e.Message)
		}
	case event.OutputSession:
		if c.StreamOutput {
			dimColor.Fprintf(c.w, "%s session %s\n", prefix, e.SessionID)
		}
	}
}

// prefix returns the colored [agent] prefix, assigning palette colors in
// first-seen order.
func (c *Console) prefix(agent string) string {
	if agent == "" {
		return dimColor.Sprint("[bloom]")
	}
	col, ok := c.colors[agent]
	if !ok {
		col = agentPalette[len(c.colors)%len(agentPalette)]
		c.colors[agent] = col
	}
	return col.Sprintf("[%s]", agent)
}
