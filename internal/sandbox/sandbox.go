// Package sandbox provides per-agent process isolation around agent
// subprocess spawns, using bubblewrap on Linux and Seatbelt on macOS.
//
// The sandbox is strictly best-effort: when the runtime is requested but
// missing, spawns fall back to plain exec with a single warning event.
// Isolation failures must never crash the orchestrator.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/bloom-sh/bloom/internal/event"
)

// NetworkPolicy controls the network section of the exported runtime config.
type NetworkPolicy string

const (
	// NetworkDenyAll blocks all network access.
	NetworkDenyAll NetworkPolicy = "deny-all"
	// NetworkAllowList permits only the configured domains.
	NetworkAllowList NetworkPolicy = "allow-list"
	// NetworkMonitor observes without restricting.
	NetworkMonitor NetworkPolicy = "monitor"
	// NetworkDisabled omits network restrictions entirely.
	NetworkDisabled NetworkPolicy = "disabled"
)

// Config is the resolved per-agent isolation configuration.
type Config struct {
	// Enabled turns sandboxing on for this agent.
	Enabled bool
	// WorkspacePath is always writable.
	WorkspacePath string
	// NetworkPolicy selects the network restriction mode.
	NetworkPolicy NetworkPolicy
	// AllowedDomains is the allow-list for NetworkAllowList.
	AllowedDomains []string
	// WritablePaths extends the writable set beyond the workspace.
	WritablePaths []string
	// DenyReadPaths are masked from the sandboxed process.
	DenyReadPaths []string
	// ProcessLimit bounds the child process count (0 = unlimited).
	ProcessLimit int
}

// DefaultConfig returns the default sandbox configuration for a workspace.
// Sandboxing is off by default; when enabled, the default posture is
// deny-all networking with credential directories masked.
func DefaultConfig(workspacePath string) Config {
	home, _ := os.UserHomeDir()
	return Config{
		Enabled:       false,
		WorkspacePath: workspacePath,
		NetworkPolicy: NetworkDenyAll,
		DenyReadPaths: []string{
			filepath.Join(home, ".ssh"),
			filepath.Join(home, ".aws"),
			filepath.Join(home, ".gnupg"),
		},
	}
}

// WritableSet returns the full set of writable paths.
func (c Config) WritableSet() []string {
	out := []string{c.WorkspacePath}
	out = append(out, c.WritablePaths...)
	return out
}

// NetworkSection returns the allowed-domain list for the runtime config and
// whether a network section should be exported at all. Under deny-all and
// allow-list the section is explicit (possibly empty); under monitor and
// disabled it is omitted so the runtime applies no restriction.
func (c Config) NetworkSection() (domains []string, restricted bool) {
	switch c.NetworkPolicy {
	case NetworkDenyAll:
		return []string{}, true
	case NetworkAllowList:
		return c.AllowedDomains, true
	default:
		return nil, false
	}
}

// Instance is the per-agent sandbox handle. All agent subprocesses are
// spawned through it so children can be tracked and reaped.
type Instance struct {
	// Agent is the owning agent's name.
	Agent string
	// Config is the resolved isolation config.
	Config Config
	// Sandboxed reports whether spawns are actually wrapped; false when
	// the runtime is unavailable and spawns fall back to passthrough.
	Sandboxed bool
	// CreatedAt is when the instance was created.
	CreatedAt time.Time

	mu        sync.Mutex
	processes map[int]*os.Process
}

// Manager owns the sandbox instances of all agents.
type Manager struct {
	bus *event.Bus

	mu        sync.Mutex
	instances map[string]*Instance
	warned    bool
}

// NewManager creates a sandbox manager emitting warnings on the given bus.
func NewManager(bus *event.Bus) *Manager {
	return &Manager{
		bus:       bus,
		instances: make(map[string]*Instance),
	}
}

// CreateInstance resolves the config for an agent and creates its sandbox
// instance, replacing any existing instance for the same agent.
func (m *Manager) CreateInstance(agent, workspacePath string, overrides func(*Config)) *Instance {
	cfg := DefaultConfig(workspacePath)
	if overrides != nil {
		overrides(&cfg)
	}

	inst := &Instance{
		Agent:     agent,
		Config:    cfg,
		Sandboxed: cfg.Enabled && runtimeAvailable(),
		CreatedAt: time.Now(),
		processes: make(map[int]*os.Process),
	}

	if cfg.Enabled && !inst.Sandboxed {
		m.warnOnce(agent)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[agent] = inst
	return inst
}

// Instance returns the sandbox instance for an agent, or nil.
func (m *Manager) Instance(agent string) *Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.instances[agent]
}

// warnOnce emits a single degraded-sandbox warning for the whole process.
func (m *Manager) warnOnce(agent string) {
	m.mu.Lock()
	already := m.warned
	m.warned = true
	m.mu.Unlock()
	if already {
		return
	}
	m.bus.Emit(event.Event{
		Type:    event.Log,
		Agent:   agent,
		Message: fmt.Sprintf("sandbox runtime (%s) not found; running agents without isolation", runtimeName()),
	})
}

// Command builds an exec.Cmd for the given program, wrapped in the sandbox
// runtime when the instance is sandboxed. The caller starts the command and
// must Track it afterwards.
func (i *Instance) Command(ctx context.Context, name string, args []string, dir string) *exec.Cmd {
	var cmd *exec.Cmd
	if i.Sandboxed {
		wrapped, wrappedArgs := wrap(i.Config, name, args)
		cmd = exec.CommandContext(ctx, wrapped, wrappedArgs...)
	} else {
		cmd = exec.CommandContext(ctx, name, args...)
	}
	if dir != "" {
		cmd.Dir = dir
	}
	return cmd
}

// Track records a started child in the instance's live-set.
func (i *Instance) Track(proc *os.Process) {
	if proc == nil {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.processes[proc.Pid] = proc
}

// Untrack removes an exited child from the live-set.
func (i *Instance) Untrack(pid int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.processes, pid)
}

// LiveCount returns the number of tracked children.
func (i *Instance) LiveCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.processes)
}

// reapWait bounds how long destroy waits between SIGTERM and SIGKILL.
const reapWait = 5 * time.Second

// destroy terminates every tracked child: SIGTERM, a bounded wait for
// voluntary exit, then SIGKILL for the stragglers.
func (i *Instance) destroy() {
	i.mu.Lock()
	procs := make([]*os.Process, 0, len(i.processes))
	for _, p := range i.processes {
		procs = append(procs, p)
	}
	i.mu.Unlock()

	for _, p := range procs {
		_ = p.Signal(syscall.SIGTERM)
	}

	deadline := time.Now().Add(reapWait)
	for time.Now().Before(deadline) {
		alive := false
		for _, p := range procs {
			if p.Signal(syscall.Signal(0)) == nil {
				alive = true
				break
			}
		}
		if !alive {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	for _, p := range procs {
		if p.Signal(syscall.Signal(0)) == nil {
			_ = p.Kill()
		}
	}

	i.mu.Lock()
	i.processes = make(map[int]*os.Process)
	i.mu.Unlock()
}

// DestroyInstance reaps all children of an agent's instance and removes it.
func (m *Manager) DestroyInstance(agent string) {
	m.mu.Lock()
	inst := m.instances[agent]
	delete(m.instances, agent)
	m.mu.Unlock()

	if inst != nil {
		inst.destroy()
	}
}

// DestroyAll reaps every tracked child of every instance. Invoked from the
// top-level signal handlers before the process exits.
func (m *Manager) DestroyAll() {
	m.mu.Lock()
	insts := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		insts = append(insts, inst)
	}
	m.instances = make(map[string]*Instance)
	m.mu.Unlock()

	for _, inst := range insts {
		inst.destroy()
	}
}

// runtimeName returns the sandbox runtime binary for this platform.
func runtimeName() string {
	if runtime.GOOS == "darwin" {
		return "sandbox-exec"
	}
	return "bwrap"
}

// runtimeAvailable reports whether the platform sandbox runtime is on PATH.
func runtimeAvailable() bool {
	_, err := exec.LookPath(runtimeName())
	return err == nil
}

// wrap rewrites a command line to run under the platform sandbox runtime.
func wrap(cfg Config, name string, args []string) (string, []string) {
	if runtime.GOOS == "darwin" {
		return "sandbox-exec", append([]string{"-p", seatbeltProfile(cfg), name}, args...)
	}
	return "bwrap", append(bwrapArgs(cfg), append([]string{name}, args...)...)
}
