package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
)

// InterjectionStatus tracks an interjection through its lifecycle.
type InterjectionStatus string

const (
	InterjectionPending   InterjectionStatus = "pending"
	InterjectionResumed   InterjectionStatus = "resumed"
	InterjectionDismissed InterjectionStatus = "dismissed"
)

// Interjection is an out-of-band human message that preempted a session.
// The record captures enough context (session id, working dir) for the next
// work-loop iteration to resume the task with the message folded in.
type Interjection struct {
	// ID is the interjection's unique id.
	ID string `json:"id"`
	// Agent names the agent whose session was interrupted.
	Agent string `json:"agent"`
	// TaskID is the task the session was working, if known.
	TaskID string `json:"task_id,omitempty"`
	// Message is the human's message.
	Message string `json:"message"`
	// SessionID is the session id live at the moment of interjection.
	SessionID string `json:"session_id,omitempty"`
	// WorkDir is the worktree the session was running in.
	WorkDir string `json:"work_dir,omitempty"`
	// CreatedAt is when the interjection was recorded.
	CreatedAt time.Time `json:"created_at"`
	// Status is pending, resumed, or dismissed.
	Status InterjectionStatus `json:"status"`
}

// InterjectionStore reads and writes interjection records.
type InterjectionStore struct {
	Dir string
}

// NewInterjectionStore creates a store over the given directory.
func NewInterjectionStore(dir string) *InterjectionStore {
	return &InterjectionStore{Dir: dir}
}

// Create persists a new interjection record.
func (s *InterjectionStore) Create(in *Interjection) error {
	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now()
	}
	if in.Status == "" {
		in.Status = InterjectionPending
	}
	return s.write(in)
}

// Get loads an interjection by id.
func (s *InterjectionStore) Get(id string) (*Interjection, error) {
	data, err := os.ReadFile(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("interjection %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read interjection %s: %w", id, err)
	}
	in := &Interjection{}
	if err := json.Unmarshal(data, in); err != nil {
		return nil, fmt.Errorf("parse interjection %s: %w", id, err)
	}
	return in, nil
}

// List returns interjections, optionally filtered by status ("" for all),
// ordered by creation time.
func (s *InterjectionStore) List(status InterjectionStatus) ([]*Interjection, error) {
	entries, err := os.ReadDir(s.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read interjections directory: %w", err)
	}

	var out []*Interjection
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		in, err := s.Get(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		if status != "" && in.Status != status {
			continue
		}
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// PendingFor returns pending interjections for an agent, oldest first.
func (s *InterjectionStore) PendingFor(agent string) ([]*Interjection, error) {
	all, err := s.List(InterjectionPending)
	if err != nil {
		return nil, err
	}
	var out []*Interjection
	for _, in := range all {
		if in.Agent == agent {
			out = append(out, in)
		}
	}
	return out, nil
}

// Update rewrites an existing interjection record.
func (s *InterjectionStore) Update(in *Interjection) error {
	if in.ID == "" {
		return fmt.Errorf("interjection has no id")
	}
	return s.write(in)
}

// MarkResumed marks the interjection consumed by a resumed session.
func (s *InterjectionStore) MarkResumed(id string) error {
	return s.setStatus(id, InterjectionResumed)
}

// Dismiss marks the interjection dismissed.
func (s *InterjectionStore) Dismiss(id string) error {
	return s.setStatus(id, InterjectionDismissed)
}

func (s *InterjectionStore) setStatus(id string, status InterjectionStatus) error {
	in, err := s.Get(id)
	if err != nil {
		return err
	}
	in.Status = status
	return s.write(in)
}

func (s *InterjectionStore) path(id string) string {
	return filepath.Join(s.Dir, id+".json")
}

func (s *InterjectionStore) write(in *Interjection) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("create interjections directory: %w", err)
	}
	data, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal interjection: %w", err)
	}
	if err := renameio.WriteFile(s.path(in.ID), data, 0o644); err != nil {
		return fmt.Errorf("write interjection %s: %w", in.ID, err)
	}
	return nil
}
