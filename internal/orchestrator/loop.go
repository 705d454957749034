// Package orchestrator runs the per-agent work loops that drive tasks from
// ready to done: polling the task store, materialising worktrees, running
// agent sessions, and handing completed tasks to the publish pipeline.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bloom-sh/bloom/internal/config"
	"github.com/bloom-sh/bloom/internal/event"
	"github.com/bloom-sh/bloom/internal/gitx"
	"github.com/bloom-sh/bloom/internal/queue"
	"github.com/bloom-sh/bloom/internal/session"
	"github.com/bloom-sh/bloom/internal/task"
	"github.com/bloom-sh/bloom/internal/workspace"
)

// DefaultPollInterval is the idle sleep between task polls.
const DefaultPollInterval = 5 * time.Second

// maxStepAttempts bounds retries of a failing step before the task is
// marked blocked.
const maxStepAttempts = 3

// Loop is the work loop for one named agent. Within a loop everything is
// strictly sequential: one task, one step, one subprocess at a time.
type Loop struct {
	agent config.AgentConfig
	ws    *workspace.Workspace
	bus   *event.Bus

	worktrees     *gitx.WorktreeManager
	sessions      gitx.AgentRunner
	pipeline      *gitx.Pipeline
	interjections *queue.InterjectionStore

	// PollInterval overrides DefaultPollInterval when positive.
	PollInterval time.Duration
}

// NewLoop creates the work loop for an agent.
func NewLoop(agent config.AgentConfig, ws *workspace.Workspace, bus *event.Bus, worktrees *gitx.WorktreeManager, sessions gitx.AgentRunner, pipeline *gitx.Pipeline, interjections *queue.InterjectionStore) *Loop {
	return &Loop{
		agent:         agent,
		ws:            ws,
		bus:           bus,
		worktrees:     worktrees,
		sessions:      sessions,
		pipeline:      pipeline,
		interjections: interjections,
	}
}

// Run polls for work until the context is cancelled. I/O errors abort the
// current iteration, never the loop.
func (l *Loop) Run(ctx context.Context) error {
	l.bus.Emit(event.Event{Type: event.AgentStarted, Agent: l.agent.Name})

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if err := l.iterate(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.bus.Emit(event.Event{Type: event.Error, Agent: l.agent.Name, Err: err.Error()})
			l.sleep(ctx)
		}
	}
}

// iterate performs one pass: reload tasks, pull repos, claim the next
// runnable task, and drive it to completion or blockage.
func (l *Loop) iterate(ctx context.Context) error {
	f, err := task.Load(l.ws.TasksPath())
	if err != nil {
		return err
	}

	for _, repo := range referencedRepos(f) {
		l.worktrees.PullDefault(ctx, repo)
	}

	// A task this agent already claimed takes precedence over new work: an
	// interjection, a cancellation, or a process restart leaves the task
	// assigned or in_progress, and NextFor never selects those.
	if cur := l.inFlight(f); cur != nil {
		debugLog("[%s] resuming task %s (%s)", l.agent.Name, cur.ID, cur.Title)
		l.bus.Emit(event.Event{Type: event.TaskFound, Agent: l.agent.Name, TaskID: cur.ID, Message: cur.Title})
		l.bus.Emit(event.Event{Type: event.TaskStarted, Agent: l.agent.Name, TaskID: cur.ID})
		return l.startTask(ctx, cur, f.Git)
	}

	next := f.NextFor(l.agent.Name)
	if next == nil {
		l.bus.Emit(event.Event{Type: event.AgentIdle, Agent: l.agent.Name})
		l.sleep(ctx)
		return nil
	}

	debugLog("[%s] claiming task %s (%s)", l.agent.Name, next.ID, next.Title)
	if err := l.claim(next.ID); err != nil {
		// Another loop may have raced us to the task; poll again.
		debugLog("[%s] claim %s failed: %v", l.agent.Name, next.ID, err)
		return nil
	}

	l.bus.Emit(event.Event{Type: event.TaskFound, Agent: l.agent.Name, TaskID: next.ID, Message: next.Title})
	l.bus.Emit(event.Event{Type: event.TaskStarted, Agent: l.agent.Name, TaskID: next.ID})

	return l.startTask(ctx, next, f.Git)
}

// startTask materialises the worktree for a claimed task and drives it.
func (l *Loop) startTask(ctx context.Context, t *task.Task, git task.GitSettings) error {
	workDir := ""
	if t.Repo != "" && t.Branch != "" {
		var err error
		workDir, err = l.worktrees.Ensure(ctx, t.Repo, t.Branch, t.BaseBranch)
		if err != nil {
			return l.blockTask(t.ID, fmt.Sprintf("create worktree: %v", err))
		}
	}
	return l.driveTask(ctx, t.ID, workDir, git)
}

// inFlight returns a task this agent claimed but did not finish. Tasks
// routed by agent_name are always adopted; floating tasks only when a
// pending interjection for this agent names them, since the routing of a
// floating task is not recorded anywhere else.
func (l *Loop) inFlight(f *task.File) *task.Task {
	interjected := make(map[string]bool)
	if pending, err := l.interjections.PendingFor(l.agent.Name); err == nil {
		for _, in := range pending {
			if in.TaskID != "" {
				interjected[in.TaskID] = true
			}
		}
	}
	for _, t := range f.Flatten() {
		if t.Status != task.StatusAssigned && t.Status != task.StatusInProgress {
			continue
		}
		if t.AgentName == l.agent.Name || interjected[t.ID] {
			return t
		}
	}
	return nil
}

// claim transitions a task from ready to in_progress through assigned.
func (l *Loop) claim(taskID string) error {
	return task.Mutate(l.ws.TasksPath(), func(f *task.File) error {
		if err := f.UpdateStatus(taskID, task.StatusAssigned); err != nil {
			return err
		}
		return f.UpdateStatus(taskID, task.StatusInProgress)
	})
}

// driveTask runs steps until the task reaches a terminal status or blocks.
// Task and step state is re-read from disk after every session because the
// agent mutates it through the CLI.
func (l *Loop) driveTask(ctx context.Context, taskID, workDir string, git task.GitSettings) error {
	attempts := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		f, err := task.Load(l.ws.TasksPath())
		if err != nil {
			return err
		}
		t := f.Find(taskID)
		if t == nil {
			return fmt.Errorf("task %s disappeared from the store", taskID)
		}

		switch {
		case t.Status.Terminal():
			l.bus.Emit(event.Event{Type: event.TaskCompleted, Agent: l.agent.Name, TaskID: taskID})
			return l.finalize(ctx, t, git)
		case t.Status == task.StatusBlocked:
			l.bus.Emit(event.Event{Type: event.TaskBlocked, Agent: l.agent.Name, TaskID: taskID})
			return nil
		}

		step := nextStep(t)
		stepID := taskID
		if step != nil {
			stepID = step.ID
		}
		l.bus.Emit(event.Event{Type: event.StepStarted, Agent: l.agent.Name, TaskID: taskID, StepID: stepID})

		res, runErr := l.runStep(ctx, t, step, workDir)
		if runErr != nil {
			if errors.Is(runErr, session.ErrSessionRejected) {
				l.bus.Emit(event.Event{Type: event.SessionCorrupted, Agent: l.agent.Name, TaskID: taskID, SessionID: t.SessionID})
				if err := task.SetSessionID(l.ws.TasksPath(), taskID, ""); err != nil {
					return err
				}
				continue
			}
			attempts++
			l.bus.Emit(event.Event{Type: event.StepFailed, Agent: l.agent.Name, TaskID: taskID, StepID: stepID, Attempt: attempts, Err: runErr.Error()})
			if attempts >= maxStepAttempts {
				return l.blockTask(taskID, fmt.Sprintf("step failed after %d attempts: %v", attempts, runErr))
			}
			continue
		}

		switch res.Reason {
		case session.ReasonInterjected, session.ReasonCancelled:
			// Do not resume; the next poll picks the task up again with
			// the interjection folded into the prompt.
			return nil
		case session.ReasonTimeout:
			attempts++
			l.bus.Emit(event.Event{Type: event.StepFailed, Agent: l.agent.Name, TaskID: taskID, StepID: stepID, Attempt: attempts, Err: "session timed out"})
			if attempts >= maxStepAttempts {
				return l.blockTask(taskID, fmt.Sprintf("session timed out %d times", attempts))
			}
			continue
		}

		// Re-read and see whether the agent marked progress through the CLI.
		f, err = task.Load(l.ws.TasksPath())
		if err != nil {
			return err
		}
		t = f.Find(taskID)
		if t == nil {
			return fmt.Errorf("task %s disappeared from the store", taskID)
		}

		if t.Status.Terminal() {
			if step != nil {
				l.bus.Emit(event.Event{Type: event.StepCompleted, Agent: l.agent.Name, TaskID: taskID, StepID: step.ID})
				l.bus.Emit(event.Event{Type: event.StepsAllCompleted, Agent: l.agent.Name, TaskID: taskID})
			}
			l.bus.Emit(event.Event{Type: event.TaskCompleted, Agent: l.agent.Name, TaskID: taskID})
			return l.finalize(ctx, t, git)
		}
		if t.Status == task.StatusBlocked {
			l.bus.Emit(event.Event{Type: event.TaskBlocked, Agent: l.agent.Name, TaskID: taskID})
			return nil
		}
		if step != nil {
			if _, current := f.FindStep(step.ID); current != nil && current.Status == task.StepDone {
				l.bus.Emit(event.Event{Type: event.StepCompleted, Agent: l.agent.Name, TaskID: taskID, StepID: step.ID})
				attempts = 0
				continue
			}
		}

		// The session ended without the agent marking the step done.
		attempts++
		l.bus.Emit(event.Event{Type: event.StepFailed, Agent: l.agent.Name, TaskID: taskID, StepID: stepID, Attempt: attempts, Err: "session ended without marking the step done"})
		if attempts >= maxStepAttempts {
			return l.blockTask(taskID, fmt.Sprintf("agent made no progress in %d attempts", attempts))
		}
	}
}

// runStep builds the prompt for one step (folding in any pending
// interjection) and runs the session.
func (l *Loop) runStep(ctx context.Context, t *task.Task, step *task.Step, workDir string) (session.Result, error) {
	prompt := session.BuildStepPrompt(t, step)
	resumeID := t.SessionID

	pending, err := l.interjections.PendingFor(l.agent.Name)
	if err != nil {
		return session.Result{}, err
	}
	for _, in := range pending {
		if in.TaskID != "" && in.TaskID != t.ID {
			continue
		}
		prompt = session.WithInterjection(prompt, in.Message)
		if in.SessionID != "" {
			resumeID = in.SessionID
		}
		if err := l.interjections.MarkResumed(in.ID); err != nil {
			return session.Result{}, err
		}
	}

	return l.sessions.Run(ctx, session.RunSpec{
		Agent:           l.agent.Name,
		Provider:        l.agent.Provider,
		TaskID:          t.ID,
		WorkDir:         workDir,
		SystemPrompt:    session.SystemPrompt,
		UserPrompt:      prompt,
		ResumeSessionID: resumeID,
	})
}

// finalize hands a completed task to the publish pipeline. Pipeline errors
// other than an explicit block are converted into a blocked task.
func (l *Loop) finalize(ctx context.Context, t *task.Task, git task.GitSettings) error {
	err := l.pipeline.Finalize(ctx, t, git, l.agent.Name, l.agent.Provider)
	if err == nil || errors.Is(err, gitx.ErrTaskBlocked) {
		return nil
	}
	if ctx.Err() != nil {
		return nil
	}
	l.bus.Emit(event.Event{Type: event.Error, Agent: l.agent.Name, TaskID: t.ID, Err: err.Error()})
	return l.blockTask(t.ID, err.Error())
}

// blockTask marks a task blocked and reports it.
func (l *Loop) blockTask(taskID, reason string) error {
	if err := task.MarkBlocked(l.ws.TasksPath(), taskID); err != nil {
		return err
	}
	l.bus.Emit(event.Event{Type: event.TaskBlocked, Agent: l.agent.Name, TaskID: taskID, Err: reason})
	return nil
}

// sleep waits one poll interval, waking immediately on cancellation.
func (l *Loop) sleep(ctx context.Context) {
	interval := l.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// nextStep returns the first step that is not done, or nil when the task
// has no steps and runs as a single implicit step.
func nextStep(t *task.Task) *task.Step {
	for i := range t.Steps {
		if t.Steps[i].Status != task.StepDone {
			return &t.Steps[i]
		}
	}
	return nil
}

// referencedRepos collects the distinct repos named by any task.
func referencedRepos(f *task.File) []string {
	seen := make(map[string]bool)
	var repos []string
	for _, t := range f.Flatten() {
		if t.Repo != "" && !seen[t.Repo] {
			seen[t.Repo] = true
			repos = append(repos, t.Repo)
		}
	}
	return repos
}
