package orchestrator

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bloom-sh/bloom/internal/config"
	"github.com/bloom-sh/bloom/internal/event"
	"github.com/bloom-sh/bloom/internal/gitx"
	"github.com/bloom-sh/bloom/internal/queue"
	"github.com/bloom-sh/bloom/internal/sandbox"
	"github.com/bloom-sh/bloom/internal/session"
	"github.com/bloom-sh/bloom/internal/workspace"
)

// DefaultProvider is used for agents whose workspace config names no
// provider.
const DefaultProvider = "claude"

// Fleet wires the shared infrastructure and runs one work loop per
// configured agent.
type Fleet struct {
	ws   *workspace.Workspace
	wcfg *config.Workspace
	bus  *event.Bus

	sandboxes     *sandbox.Manager
	sessions      *session.Manager
	worktrees     *gitx.WorktreeManager
	pipeline      *gitx.Pipeline
	questions     *queue.Store
	interjections *queue.InterjectionStore
	loops         []*Loop
}

// NewFleet assembles the orchestrator for a workspace.
func NewFleet(ws *workspace.Workspace, wcfg *config.Workspace, global *config.Global, bus *event.Bus) *Fleet {
	sandboxes := sandbox.NewManager(bus)
	interjections := queue.NewInterjectionStore(ws.InterjectionsDir())
	sessions := session.NewManager(bus, sandboxes, interjections, ws.TasksPath())
	if global != nil {
		sessions.Defaults = global
		sessions.ActivityTimeout = global.Timeout
	}
	worktrees := gitx.NewWorktreeManager(ws, bus)
	pipeline := gitx.NewPipeline(ws, bus, worktrees, sessions)
	questions := queue.NewStore(ws.QueueDir(), ws.TasksPath())

	f := &Fleet{
		ws:            ws,
		wcfg:          wcfg,
		bus:           bus,
		sandboxes:     sandboxes,
		sessions:      sessions,
		worktrees:     worktrees,
		pipeline:      pipeline,
		questions:     questions,
		interjections: interjections,
	}

	fallback := DefaultProvider
	if global != nil && global.DefaultNonInteractive != "" {
		fallback = global.DefaultNonInteractive
	}
	for _, agent := range wcfg.Agents {
		if agent.Provider == "" {
			agent.Provider = fallback
		}
		sandboxes.CreateInstance(agent.Name, ws.Dir, sandboxOverrides(wcfg.Sandbox))
		f.loops = append(f.loops, NewLoop(agent, ws, bus, worktrees, sessions, pipeline, interjections))
	}
	return f
}

// SetPollInterval overrides the idle poll interval of every loop.
func (f *Fleet) SetPollInterval(d time.Duration) {
	for _, loop := range f.loops {
		loop.PollInterval = d
	}
}

// Sessions exposes the session manager for interjection delivery.
func (f *Fleet) Sessions() *session.Manager {
	return f.sessions
}

// Run starts every agent loop and the question watcher, and blocks until
// the context is cancelled or a loop fails. All sandboxed children are
// reaped before returning.
func (f *Fleet) Run(ctx context.Context) error {
	if len(f.loops) == 0 {
		return fmt.Errorf("no agents configured in %s", f.ws.ConfigPath())
	}
	defer f.sandboxes.DestroyAll()

	g, ctx := errgroup.WithContext(ctx)

	for _, loop := range f.loops {
		loop := loop
		g.Go(func() error {
			return loop.Run(ctx)
		})
	}

	g.Go(func() error {
		return f.watchQuestions(ctx)
	})
	g.Go(func() error {
		return f.watchInterjections(ctx)
	})

	return g.Wait()
}

// watchInterjections reacts to interjection records created by the CLI from
// another process: each pending record for an agent with a live session is
// stamped with the session's current id and working directory, and the
// session is stopped so the next poll can resume with the message folded in.
func (f *Fleet) watchInterjections(ctx context.Context) error {
	adopt := func() {
		pending, err := f.interjections.List(queue.InterjectionPending)
		if err != nil {
			return
		}
		for _, in := range pending {
			if in.SessionID != "" || in.WorkDir != "" {
				continue
			}
			taskID, sessionID, workDir, ok := f.sessions.Live(in.Agent)
			if !ok {
				continue
			}
			in.TaskID = taskID
			in.SessionID = sessionID
			in.WorkDir = workDir
			if err := f.interjections.Update(in); err != nil {
				f.bus.Emit(event.Event{Type: event.Log, Agent: in.Agent, Message: fmt.Sprintf("update interjection %s: %v", in.ID, err)})
				continue
			}
			f.sessions.Stop(in.Agent)
		}
	}

	if err := os.MkdirAll(f.interjections.Dir, 0o755); err != nil {
		f.bus.Emit(event.Event{Type: event.Log, Message: fmt.Sprintf("create interjections directory: %v", err)})
		<-ctx.Done()
		return nil
	}
	err := f.interjections.Watch(ctx, func(change queue.Change) {
		if change.Kind == queue.QuestionAdded || change.Kind == queue.QuestionChanged {
			adopt()
		}
	})
	if err != nil {
		f.bus.Emit(event.Event{Type: event.Log, Message: fmt.Sprintf("interjection watcher unavailable: %v", err)})
	}
	<-ctx.Done()
	return nil
}

// watchQuestions surfaces queue file changes as events so renderers can
// show questions as they appear and resolve. A missing watcher degrades to
// nothing; it never stops the fleet.
func (f *Fleet) watchQuestions(ctx context.Context) error {
	if err := os.MkdirAll(f.questions.Dir, 0o755); err != nil {
		f.bus.Emit(event.Event{Type: event.Log, Message: fmt.Sprintf("create queue directory: %v", err)})
		<-ctx.Done()
		return nil
	}
	err := f.questions.Watch(ctx, func(change queue.Change) {
		switch change.Kind {
		case queue.QuestionAdded:
			f.bus.Emit(event.Event{Type: event.QuestionCreated, Message: change.ID})
		case queue.QuestionChanged:
			f.bus.Emit(event.Event{Type: event.QuestionAnswered, Message: change.ID})
		}
	})
	if err != nil {
		f.bus.Emit(event.Event{Type: event.Log, Message: fmt.Sprintf("question watcher unavailable: %v", err)})
	}
	<-ctx.Done()
	return nil
}

// sandboxOverrides maps the workspace sandbox block onto the resolved
// per-agent config.
func sandboxOverrides(sc *config.SandboxConfig) func(*sandbox.Config) {
	if sc == nil {
		return nil
	}
	return func(cfg *sandbox.Config) {
		cfg.Enabled = sc.Enabled
		if sc.NetworkPolicy != "" {
			cfg.NetworkPolicy = sandbox.NetworkPolicy(sc.NetworkPolicy)
		}
		if len(sc.AllowedDomains) > 0 {
			cfg.AllowedDomains = sc.AllowedDomains
		}
		if len(sc.WritablePaths) > 0 {
			cfg.WritablePaths = sc.WritablePaths
		}
		if len(sc.DenyReadPaths) > 0 {
			cfg.DenyReadPaths = sc.DenyReadPaths
		}
		if sc.ProcessLimit > 0 {
			cfg.ProcessLimit = sc.ProcessLimit
		}
	}
}
