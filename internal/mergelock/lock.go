// Package mergelock provides cross-process mutual exclusion per
// (repo, target branch) via JSON lock files in the workspace.
//
// The primitive is host-local: staleness detection relies on probing the
// holder pid, which cannot see processes on other machines. Multi-host
// orchestration would replace this package with a lease in a shared store;
// the function surface is designed to admit that substitution.
package mergelock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/bloom-sh/bloom/internal/workspace"
)

// StaleAfter bounds how long a lock may exist before it is considered
// abandoned even when the pid probe is inconclusive.
const StaleAfter = 10 * time.Minute

// Lock is the JSON payload of a lock file.
type Lock struct {
	// AgentName names the agent holding the lock.
	AgentName string `json:"agentName"`
	// SourceBranch is the branch being merged.
	SourceBranch string `json:"sourceBranch"`
	// TargetBranch is the integration branch being merged into.
	TargetBranch string `json:"targetBranch"`
	// AcquiredAt is when the lock was taken.
	AcquiredAt time.Time `json:"acquiredAt"`
	// PID is the holding process's id, probed for liveness.
	PID int `json:"pid"`
}

// Outcome reports the result of an acquire attempt. When not acquired,
// Holder carries the current holder so UIs can show who owns the lock.
type Outcome struct {
	Acquired bool
	Holder   *Lock
}

// Path computes the lock file path for a repo and target branch.
func Path(locksDir, repo, targetBranch string) string {
	return filepath.Join(locksDir, fmt.Sprintf("%s-%s.lock", repo, workspace.SanitizeBranch(targetBranch)))
}

// Acquire attempts to take the merge lock for (repo, targetBranch).
// An existing non-stale lock wins; a stale lock (older than StaleAfter or
// held by a dead pid) is stolen.
func Acquire(locksDir, repo, targetBranch, agentName, sourceBranch string) (Outcome, error) {
	if err := os.MkdirAll(locksDir, 0o755); err != nil {
		return Outcome{}, fmt.Errorf("create lock directory: %w", err)
	}

	path := Path(locksDir, repo, targetBranch)
	if existing, err := read(path); err != nil {
		return Outcome{}, err
	} else if existing != nil && !isStale(existing) {
		return Outcome{Acquired: false, Holder: existing}, nil
	}

	lock := &Lock{
		AgentName:    agentName,
		SourceBranch: sourceBranch,
		TargetBranch: targetBranch,
		AcquiredAt:   time.Now(),
		PID:          os.Getpid(),
	}
	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return Outcome{}, fmt.Errorf("marshal lock: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return Outcome{}, fmt.Errorf("write lock %s: %w", path, err)
	}
	return Outcome{Acquired: true, Holder: lock}, nil
}

// Release removes the lock file. Releasing an absent lock is not an error.
func Release(locksDir, repo, targetBranch string) error {
	err := os.Remove(Path(locksDir, repo, targetBranch))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove lock: %w", err)
	}
	return nil
}

// WaitOptions tunes WaitFor's polling.
type WaitOptions struct {
	// PollInterval is the delay between acquire attempts. Default 5s.
	PollInterval time.Duration
	// MaxWait bounds the total wait. Default 5m.
	MaxWait time.Duration
	// OnWaiting is invoked after each unsuccessful attempt with the
	// current holder and the elapsed wait time.
	OnWaiting func(holder *Lock, elapsed time.Duration)
}

// ErrWaitTimeout is returned when the lock could not be acquired within
// MaxWait.
var ErrWaitTimeout = errors.New("timed out waiting for merge lock")

// WaitFor polls Acquire until the lock is taken, the context is cancelled,
// or MaxWait elapses.
func WaitFor(ctx context.Context, locksDir, repo, targetBranch, agentName, sourceBranch string, opts WaitOptions) (Outcome, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = 5 * time.Minute
	}

	start := time.Now()
	for {
		out, err := Acquire(locksDir, repo, targetBranch, agentName, sourceBranch)
		if err != nil || out.Acquired {
			return out, err
		}

		elapsed := time.Since(start)
		if opts.OnWaiting != nil {
			opts.OnWaiting(out.Holder, elapsed)
		}
		if elapsed+opts.PollInterval > opts.MaxWait {
			return out, ErrWaitTimeout
		}

		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-time.After(opts.PollInterval):
		}
	}
}

// read loads an existing lock file, returning nil when absent. A corrupt
// lock file is treated as stale rather than fatal.
func read(path string) (*Lock, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read lock %s: %w", path, err)
	}

	lock := &Lock{}
	if err := json.Unmarshal(data, lock); err != nil {
		return nil, nil
	}
	return lock, nil
}

// isStale reports whether the lock is abandoned: too old, or held by a pid
// that is no longer alive.
func isStale(l *Lock) bool {
	if time.Since(l.AcquiredAt) > StaleAfter {
		return true
	}
	if l.PID <= 0 {
		return true
	}
	alive, err := process.PidExists(int32(l.PID))
	if err != nil {
		// Probe failure: keep the lock, the age ceiling bounds the damage.
		return false
	}
	return !alive
}
