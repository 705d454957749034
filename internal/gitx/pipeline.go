package gitx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bloom-sh/bloom/internal/event"
	"github.com/bloom-sh/bloom/internal/hosting"
	"github.com/bloom-sh/bloom/internal/mergelock"
	"github.com/bloom-sh/bloom/internal/session"
	"github.com/bloom-sh/bloom/internal/task"
	"github.com/bloom-sh/bloom/internal/workspace"
)

// maxAttempts bounds commit-retry and conflict-resolution loops.
const maxAttempts = 3

// ErrTaskBlocked is returned when the pipeline gave up and marked the task
// blocked. The work loop treats it as handled.
var ErrTaskBlocked = errors.New("task blocked by publish pipeline")

// AgentRunner runs one agent session. Satisfied by session.Manager.
type AgentRunner interface {
	Run(ctx context.Context, spec session.RunSpec) (session.Result, error)
}

// Pipeline publishes a completed task: commit-retry for dirty worktrees,
// push, pull request, serialised merge into the integration branch, and
// branch cleanup.
type Pipeline struct {
	ws        *workspace.Workspace
	bus       *event.Bus
	worktrees *WorktreeManager
	sessions  AgentRunner

	// CreatePR is swappable for tests; defaults to hosting.CreatePullRequest.
	CreatePR func(ctx context.Context, spec hosting.PullRequestSpec) hosting.Result
}

// NewPipeline creates the publish pipeline.
func NewPipeline(ws *workspace.Workspace, bus *event.Bus, worktrees *WorktreeManager, sessions AgentRunner) *Pipeline {
	return &Pipeline{
		ws:        ws,
		bus:       bus,
		worktrees: worktrees,
		sessions:  sessions,
		CreatePR:  hosting.CreatePullRequest,
	}
}

// Finalize runs the post-task publish sequence for a completed task. The
// agent name and provider are needed to resume sessions for commit-retry and
// conflict resolution.
func (p *Pipeline) Finalize(ctx context.Context, t *task.Task, git task.GitSettings, agent, provider string) error {
	if t.Repo == "" || t.Branch == "" {
		return p.markTaskDone(t)
	}

	worktree := p.ws.WorktreePath(t.Repo, t.Branch)
	r := NewRunner(worktree)

	if err := p.ensureCommitted(ctx, r, t, agent, provider); err != nil {
		return err
	}

	pushed := false
	if git.PushToRemote {
		if err := p.push(ctx, r, t); err != nil {
			return err
		}
		pushed = true
	}

	if t.OpenPR && pushed {
		p.openPullRequest(ctx, t, worktree)
	}

	if t.MergeInto != "" {
		if err := p.merge(ctx, t, git, agent, provider, pushed); err != nil {
			return err
		}
		if git.AutoCleanupMerged {
			p.cleanup(ctx, t, pushed)
		}
	}

	return p.markTaskDone(t)
}

// ensureCommitted drives the commit-retry loop: while the worktree is dirty,
// resume the agent with an instruction to commit, up to maxAttempts.
func (p *Pipeline) ensureCommitted(ctx context.Context, r *Runner, t *task.Task, agent, provider string) error {
	dirty, err := r.HasChanges(ctx)
	if err != nil {
		return err
	}
	if !dirty {
		return nil
	}

	p.bus.Emit(event.Event{Type: event.GitUncommittedChanges, Agent: agent, TaskID: t.ID, Repo: t.Repo, Branch: t.Branch})

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		p.bus.Emit(event.Event{Type: event.CommitRetry, Agent: agent, TaskID: t.ID, Attempt: attempt})

		_, err := p.sessions.Run(ctx, session.RunSpec{
			Agent:           agent,
			Provider:        provider,
			TaskID:          t.ID,
			WorkDir:         r.Dir(),
			UserPrompt:      session.CommitRetryPrompt(t.Branch),
			ResumeSessionID: t.SessionID,
		})
		if err != nil {
			p.bus.Emit(event.Event{Type: event.Error, Agent: agent, TaskID: t.ID, Err: err.Error()})
		}

		dirty, err = r.HasChanges(ctx)
		if err != nil {
			return err
		}
		if !dirty {
			return nil
		}
	}

	return p.block(t, agent, fmt.Sprintf("worktree still dirty after %d commit attempts", maxAttempts))
}

// push publishes the task branch, retrying once after a fetch on
// non-fast-forward rejections.
func (p *Pipeline) push(ctx context.Context, r *Runner, t *task.Task) error {
	p.bus.Emit(event.Event{Type: event.GitPushing, TaskID: t.ID, Repo: t.Repo, Branch: t.Branch})

	err := r.Push(ctx, t.Branch, true)
	if err != nil {
		if fetchErr := r.Fetch(ctx); fetchErr == nil {
			err = r.Push(ctx, t.Branch, true)
		}
	}
	if err != nil {
		return fmt.Errorf("push %s: %w", t.Branch, err)
	}

	p.bus.Emit(event.Event{Type: event.GitPushed, TaskID: t.ID, Repo: t.Repo, Branch: t.Branch})
	return nil
}

// openPullRequest opens a PR for the task branch. Failures are reported but
// never fail the pipeline; an existing PR counts as success.
func (p *Pipeline) openPullRequest(ctx context.Context, t *task.Task, worktree string) {
	base := t.MergeInto
	if base == "" {
		base = t.BaseBranch
	}

	p.bus.Emit(event.Event{Type: event.GitPRCreating, TaskID: t.ID, Repo: t.Repo, Branch: t.Branch, TargetBranch: base})

	res := p.CreatePR(ctx, hosting.PullRequestSpec{
		Title:      t.Title,
		Body:       session.PRBody(session.BuildStepPrompt(t, nil)),
		BaseBranch: base,
		HeadBranch: t.Branch,
		Cwd:        worktree,
	})
	if !res.Success {
		p.bus.Emit(event.Event{Type: event.Error, TaskID: t.ID, Repo: t.Repo, Err: "create pull request: " + res.Error})
		return
	}

	p.bus.Emit(event.Event{
		Type:          event.GitPRCreated,
		TaskID:        t.ID,
		Repo:          t.Repo,
		Branch:        t.Branch,
		TargetBranch:  base,
		URL:           res.URL,
		AlreadyExists: res.AlreadyExists,
	})
}

// merge integrates the task branch into its merge_into branch under the
// per-(repo, target) merge lock.
func (p *Pipeline) merge(ctx context.Context, t *task.Task, git task.GitSettings, agent, provider string, pushed bool) error {
	if err := p.setStatus(t, task.StatusDonePendingMerge); err != nil && !errors.Is(err, task.ErrInvalidTransition) {
		return err
	}

	locksDir := p.ws.LocksDir()
	_, err := mergelock.WaitFor(ctx, locksDir, t.Repo, t.MergeInto, agent, t.Branch, mergelock.WaitOptions{
		OnWaiting: func(holder *mergelock.Lock, elapsed time.Duration) {
			e := event.Event{Type: event.MergeLockWaiting, Agent: agent, TaskID: t.ID, Repo: t.Repo, TargetBranch: t.MergeInto}
			if holder != nil {
				e.Holder = holder.AgentName
			}
			p.bus.Emit(e)
		},
	})
	if err != nil {
		if errors.Is(err, mergelock.ErrWaitTimeout) {
			p.bus.Emit(event.Event{Type: event.MergeLockTimeout, Agent: agent, TaskID: t.ID, Repo: t.Repo, TargetBranch: t.MergeInto})
			return p.block(t, agent, "timed out waiting for merge lock on "+t.MergeInto)
		}
		return err
	}
	defer func() {
		_ = mergelock.Release(locksDir, t.Repo, t.MergeInto)
	}()

	p.bus.Emit(event.Event{Type: event.MergeLockAcquired, Agent: agent, TaskID: t.ID, Repo: t.Repo, TargetBranch: t.MergeInto})

	targetPath, err := p.worktrees.Ensure(ctx, t.Repo, t.MergeInto, "")
	if err != nil {
		return err
	}
	target := NewRunner(targetPath)

	p.bus.Emit(event.Event{Type: event.GitMerging, Agent: agent, TaskID: t.ID, Repo: t.Repo, Branch: t.Branch, TargetBranch: t.MergeInto})

	message := fmt.Sprintf("Merge %s: %s", t.Branch, t.Title)
	mergeErr := target.MergeNoFFMessage(ctx, t.Branch, message)
	if mergeErr != nil {
		conflicted, _ := target.HasConflicts(ctx)
		if !conflicted {
			return fmt.Errorf("merge %s into %s: %w", t.Branch, t.MergeInto, mergeErr)
		}
		if err := p.resolveConflicts(ctx, target, t, agent, provider, message); err != nil {
			return err
		}
	}

	if pushed {
		if err := target.Push(ctx, t.MergeInto, false); err != nil {
			return fmt.Errorf("push %s: %w", t.MergeInto, err)
		}
	}

	p.bus.Emit(event.Event{Type: event.GitMerged, Agent: agent, TaskID: t.ID, Repo: t.Repo, Branch: t.Branch, TargetBranch: t.MergeInto})
	return nil
}

// resolveConflicts hands a conflicted merge to the agent, re-running the
// merge from a clean state between attempts.
func (p *Pipeline) resolveConflicts(ctx context.Context, target *Runner, t *task.Task, agent, provider, message string) error {
	files, _ := target.ConflictedFiles(ctx)
	p.bus.Emit(event.Event{
		Type:         event.GitMergeConflict,
		Agent:        agent,
		TaskID:       t.ID,
		Repo:         t.Repo,
		Branch:       t.Branch,
		TargetBranch: t.MergeInto,
		Message:      strings.Join(files, ", "),
	})

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		p.bus.Emit(event.Event{Type: event.MergeConflictResolving, Agent: agent, TaskID: t.ID, Repo: t.Repo, TargetBranch: t.MergeInto, Attempt: attempt})

		_, err := p.sessions.Run(ctx, session.RunSpec{
			Agent:      agent,
			Provider:   provider,
			TaskID:     t.ID,
			WorkDir:    target.Dir(),
			UserPrompt: session.ConflictPrompt(t.Branch, t.MergeInto, files),
		})
		if err != nil {
			p.bus.Emit(event.Event{Type: event.Error, Agent: agent, TaskID: t.ID, Err: err.Error()})
		}

		conflicted, checkErr := target.HasConflicts(ctx)
		if checkErr != nil {
			return checkErr
		}
		if !conflicted {
			// The agent may have staged everything without committing.
			if dirty, _ := target.HasChanges(ctx); dirty {
				if err := target.MergeContinue(ctx); err != nil {
					conflicted = true
				}
			}
		}
		if !conflicted {
			p.bus.Emit(event.Event{Type: event.MergeConflictResolved, Agent: agent, TaskID: t.ID, Repo: t.Repo, TargetBranch: t.MergeInto, Success: true})
			return nil
		}

		// Reset to a clean state and re-run the merge for the next attempt.
		_ = target.MergeAbort(ctx)
		if attempt < maxAttempts {
			if err := target.MergeNoFFMessage(ctx, t.Branch, message); err == nil {
				p.bus.Emit(event.Event{Type: event.MergeRetry, Agent: agent, TaskID: t.ID, Repo: t.Repo, TargetBranch: t.MergeInto, Attempt: attempt + 1})
				files, _ = target.ConflictedFiles(ctx)
			}
		}
	}

	p.bus.Emit(event.Event{Type: event.MergeConflictResolved, Agent: agent, TaskID: t.ID, Repo: t.Repo, TargetBranch: t.MergeInto, Success: false})
	return p.block(t, agent, fmt.Sprintf("merge conflicts unresolved after %d attempts", maxAttempts))
}

// cleanup deletes the merged source branch: its worktree, the local branch
// in the bare repo, and the remote branch when it was pushed.
func (p *Pipeline) cleanup(ctx context.Context, t *task.Task, pushed bool) {
	var succeeded, failed []string

	if err := p.worktrees.Remove(ctx, t.Repo, t.Branch); err != nil {
		failed = append(failed, "worktree "+t.Branch)
	} else {
		succeeded = append(succeeded, "worktree "+t.Branch)
	}

	bare := NewRunner(p.ws.BareRepoPath(t.Repo))
	if err := bare.DeleteBranch(ctx, t.Branch); err != nil {
		failed = append(failed, "branch "+t.Branch)
	} else {
		succeeded = append(succeeded, "branch "+t.Branch)
	}

	if pushed {
		if err := bare.DeleteRemoteBranch(ctx, t.Branch); err != nil {
			failed = append(failed, "origin/"+t.Branch)
		} else {
			succeeded = append(succeeded, "origin/"+t.Branch)
		}
	}

	msg := "deleted: " + strings.Join(succeeded, ", ")
	if len(failed) > 0 {
		msg += "; failed: " + strings.Join(failed, ", ")
	}
	p.bus.Emit(event.Event{Type: event.GitCleanup, TaskID: t.ID, Repo: t.Repo, Branch: t.Branch, Message: msg, Success: len(failed) == 0})
}

// block marks the task blocked and reports it. Returns ErrTaskBlocked.
func (p *Pipeline) block(t *task.Task, agent, reason string) error {
	if err := task.MarkBlocked(p.ws.TasksPath(), t.ID); err != nil {
		return err
	}
	p.bus.Emit(event.Event{Type: event.TaskBlocked, Agent: agent, TaskID: t.ID, Err: reason})
	return fmt.Errorf("%w: %s", ErrTaskBlocked, reason)
}

// setStatus transitions the task in the store.
func (p *Pipeline) setStatus(t *task.Task, status task.Status) error {
	return task.Mutate(p.ws.TasksPath(), func(f *task.File) error {
		return f.UpdateStatus(t.ID, status)
	})
}

// markTaskDone records the terminal done status, tolerating a task that is
// already done.
func (p *Pipeline) markTaskDone(t *task.Task) error {
	err := p.setStatus(t, task.StatusDone)
	if errors.Is(err, task.ErrInvalidTransition) {
		return nil
	}
	return err
}
