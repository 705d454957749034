package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/bloom-sh/bloom/internal/config"
	"github.com/bloom-sh/bloom/internal/event"
	"github.com/bloom-sh/bloom/internal/queue"
	"github.com/bloom-sh/bloom/internal/sandbox"
	"github.com/bloom-sh/bloom/internal/task"
)

// ErrAgentBusy is returned when a second Run is attempted for an agent that
// already has a live session.
var ErrAgentBusy = errors.New("agent already has a live session")

// ErrSessionRejected is returned when the agent CLI refuses the saved
// resume session id. The work loop clears the id and retries fresh.
var ErrSessionRejected = errors.New("agent rejected resume session id")

// Exit reasons reported in Result.Reason.
const (
	ReasonCompleted   = "completed"
	ReasonFailed      = "failed"
	ReasonTimeout     = "timeout"
	ReasonInterjected = "interjected"
	ReasonCancelled   = "cancelled"
)

// RunSpec describes one session to run.
type RunSpec struct {
	// Agent is the orchestrated agent's name (the routing key).
	Agent string
	// Provider selects the agent CLI (claude, goose, ...).
	Provider string
	// TaskID is the task the session works on.
	TaskID string
	// WorkDir is the worktree the subprocess runs in.
	WorkDir string
	// SystemPrompt and UserPrompt are the session's prompts.
	SystemPrompt string
	UserPrompt   string
	// ResumeSessionID resumes a previous session when non-empty.
	ResumeSessionID string
	// Command overrides the provider-built argv (tests only).
	Command CommandSpec
}

// Result reports how a session ended.
type Result struct {
	ExitCode  int
	SessionID string
	Reason    string
}

// DefaultActivityTimeout is how long a session may stay silent before it is
// presumed hung and killed.
const DefaultActivityTimeout = 10 * time.Minute

// gracePeriod is the SIGTERM-to-SIGKILL window.
const gracePeriod = 5 * time.Second

// live tracks one running session.
type live struct {
	spec RunSpec
	cmd  *exec.Cmd

	mu        sync.Mutex
	sessionID string

	// interject is closed to request a graceful stop; interjected records
	// whether the stop came from an interjection.
	interject     chan struct{}
	interjectOnce sync.Once
	interjected   bool
}

// Manager owns at most one live session per agent name.
type Manager struct {
	bus           *event.Bus
	sandboxes     *sandbox.Manager
	interjections *queue.InterjectionStore
	// TasksPath, when set, is where first-seen session ids are persisted.
	TasksPath string
	// ActivityTimeout overrides DefaultActivityTimeout when positive.
	ActivityTimeout time.Duration
	// Defaults supplies per-provider model and tool defaults, when set.
	Defaults *config.Global

	mu       sync.Mutex
	sessions map[string]*live
}

// NewManager creates a session manager.
func NewManager(bus *event.Bus, sandboxes *sandbox.Manager, interjections *queue.InterjectionStore, tasksPath string) *Manager {
	return &Manager{
		bus:           bus,
		sandboxes:     sandboxes,
		interjections: interjections,
		TasksPath:     tasksPath,
		sessions:      make(map[string]*live),
	}
}

// Run starts the agent subprocess for the spec, streams its stdout into the
// event bus, and blocks until it exits, times out, or is interjected.
func (m *Manager) Run(ctx context.Context, spec RunSpec) (Result, error) {
	provider, err := ProviderByName(spec.Provider)
	if err != nil {
		return Result{}, err
	}

	cmdSpec := CommandSpec{
		SystemPrompt:    spec.SystemPrompt,
		UserPrompt:      spec.UserPrompt,
		ResumeSessionID: spec.ResumeSessionID,
		Model:           spec.Command.Model,
		AllowedTools:    spec.Command.AllowedTools,
		DeniedTools:     spec.Command.DeniedTools,
	}
	if m.Defaults != nil {
		cmdSpec = ApplyDefaults(cmdSpec, m.Defaults.AgentDefaultsFor(spec.Provider))
	}
	name, args := provider.Command(cmdSpec)

	inst := m.sandboxes.Instance(spec.Agent)
	if inst == nil {
		inst = m.sandboxes.CreateInstance(spec.Agent, spec.WorkDir, nil)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := inst.Command(ctx, name, args, spec.WorkDir)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("create stdout pipe: %w", err)
	}
	var stderrBuf strings.Builder
	cmd.Stderr = &stderrBuf

	sess := &live{
		spec:      spec,
		cmd:       cmd,
		sessionID: spec.ResumeSessionID,
		interject: make(chan struct{}),
	}
	if err := m.register(spec.Agent, sess); err != nil {
		return Result{}, err
	}
	defer m.unregister(spec.Agent)

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start %s: %w", name, err)
	}
	inst.Track(cmd.Process)
	defer inst.Untrack(cmd.Process.Pid)

	m.bus.Emit(event.Event{
		Type:    event.AgentProcessStarted,
		Agent:   spec.Agent,
		TaskID:  spec.TaskID,
		PID:     cmd.Process.Pid,
		Command: name + " " + strings.Join(args, " "),
	})

	// Dedicated reader: lines go onto a bounded channel so a stalled
	// consumer never grows an unbounded buffer.
	lines := make(chan string, 100)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stdout)
		buf := make([]byte, 64*1024)
		scanner.Buffer(buf, 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	reason := m.consume(ctx, sess, lines)

	err = cmd.Wait()
	m.bus.Emit(event.Event{
		Type:   event.AgentProcessEnded,
		Agent:  spec.Agent,
		TaskID: spec.TaskID,
		PID:    cmd.Process.Pid,
	})

	result := Result{SessionID: sess.currentSessionID(), Reason: reason}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
		}
		if reason == ReasonCompleted {
			result.Reason = ReasonFailed
		}
		if spec.ResumeSessionID != "" && sessionRejected(stderrBuf.String()) {
			return result, fmt.Errorf("%w: %s", ErrSessionRejected, strings.TrimSpace(stderrBuf.String()))
		}
		if result.Reason == ReasonFailed {
			return result, fmt.Errorf("agent %s exited with code %d: %s", spec.Agent, result.ExitCode, strings.TrimSpace(stderrBuf.String()))
		}
	}
	return result, nil
}

// consume drains normalised output until the stream ends, the activity
// timeout fires, the session is interjected, or the context is cancelled.
// Returns the exit reason.
func (m *Manager) consume(ctx context.Context, sess *live, lines <-chan string) string {
	timeout := m.ActivityTimeout
	if timeout <= 0 {
		timeout = DefaultActivityTimeout
	}
	idle := time.NewTimer(timeout)
	defer idle.Stop()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return ReasonCompleted
			}
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(timeout)
			m.handleLine(sess, line)

		case <-idle.C:
			m.terminate(sess)
			drain(lines)
			return ReasonTimeout

		case <-sess.interject:
			m.terminate(sess)
			drain(lines)
			return ReasonInterjected

		case <-ctx.Done():
			m.terminate(sess)
			drain(lines)
			return ReasonCancelled
		}
	}
}

// handleLine normalises one stdout line, re-emits it on the bus, and
// captures the first session id.
func (m *Manager) handleLine(sess *live, line string) {
	out := Normalise(line)

	e := event.Event{
		Type:       event.AgentOutput,
		Agent:      sess.spec.Agent,
		TaskID:     sess.spec.TaskID,
		OutputKind: out.Kind,
		Message:    out.Text,
		SessionID:  out.SessionID,
		CostUSD:    out.CostUSD,
		Duration:   out.Duration,
		Err:        out.Err,
	}
	m.bus.Emit(e)

	if out.Kind == event.OutputSession && out.SessionID != "" {
		sess.mu.Lock()
		first := sess.sessionID == "" || sess.sessionID == sess.spec.ResumeSessionID
		sess.sessionID = out.SessionID
		sess.mu.Unlock()

		if first && m.TasksPath != "" && sess.spec.TaskID != "" {
			if err := task.SetSessionID(m.TasksPath, sess.spec.TaskID, out.SessionID); err != nil {
				m.bus.Emit(event.Event{
					Type:    event.Log,
					Agent:   sess.spec.Agent,
					TaskID:  sess.spec.TaskID,
					Message: fmt.Sprintf("persist session id: %v", err),
				})
			}
		}
	}
}

// terminate stops the subprocess gracefully: SIGTERM, a bounded wait, then
// SIGKILL.
func (m *Manager) terminate(sess *live) {
	proc := sess.cmd.Process
	if proc == nil {
		return
	}
	_ = proc.Signal(syscall.SIGTERM)

	deadline := time.Now().Add(gracePeriod)
	for time.Now().Before(deadline) {
		if proc.Signal(syscall.Signal(0)) != nil {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	_ = proc.Kill()
}

// drain discards buffered lines so the reader goroutine can exit.
func drain(lines <-chan string) {
	for range lines {
	}
}

// Interject records an out-of-band human message for the agent and stops
// its live session, if any. The interjection record captures the current
// session id and working directory so the next work-loop iteration can fold
// the message into a resumed prompt.
func (m *Manager) Interject(agent, message string) error {
	m.mu.Lock()
	sess := m.sessions[agent]
	m.mu.Unlock()

	in := &queue.Interjection{
		Agent:   agent,
		Message: message,
	}
	if sess != nil {
		in.TaskID = sess.spec.TaskID
		in.SessionID = sess.currentSessionID()
		in.WorkDir = sess.spec.WorkDir
	}
	if err := m.interjections.Create(in); err != nil {
		return err
	}

	if sess != nil {
		m.Stop(agent)
	}
	return nil
}

// Live returns the task id, session id, and working directory of the
// agent's live session, if any.
func (m *Manager) Live(agent string) (taskID, sessionID, workDir string, ok bool) {
	m.mu.Lock()
	sess := m.sessions[agent]
	m.mu.Unlock()
	if sess == nil {
		return "", "", "", false
	}
	return sess.spec.TaskID, sess.currentSessionID(), sess.spec.WorkDir, true
}

// Stop gracefully ends the agent's live session with reason interjected.
// Returns false when the agent has no live session.
func (m *Manager) Stop(agent string) bool {
	m.mu.Lock()
	sess := m.sessions[agent]
	m.mu.Unlock()
	if sess == nil {
		return false
	}
	sess.interjectOnce.Do(func() {
		sess.interjected = true
		close(sess.interject)
	})
	return true
}

// Busy reports whether the agent has a live session.
func (m *Manager) Busy(agent string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[agent] != nil
}

func (m *Manager) register(agent string, sess *live) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[agent] != nil {
		return fmt.Errorf("%w: %s", ErrAgentBusy, agent)
	}
	m.sessions[agent] = sess
	return nil
}

func (m *Manager) unregister(agent string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, agent)
}

func (s *live) currentSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// sessionRejected detects resume-id refusals in agent stderr.
func sessionRejected(stderr string) bool {
	lower := strings.ToLower(stderr)
	for _, marker := range []string{
		"no conversation found",
		"session not found",
		"unknown session",
		"invalid session",
	} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
