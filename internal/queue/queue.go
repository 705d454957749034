// Package queue persists out-of-band human/agent messages in the workspace:
// questions under .queue/ and interjections under .interjections/.
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

	"github.com/bloom-sh/bloom/internal/task"
)

// QuestionKind classifies how a question is answered.
type QuestionKind string

const (
	KindYesNo  QuestionKind = "yes_no"
	KindChoice QuestionKind = "choice"
	KindOpen   QuestionKind = "open"
)

// QuestionStatus tracks a question through its lifecycle.
type QuestionStatus string

const (
	QuestionPending   QuestionStatus = "pending"
	QuestionAnswered  QuestionStatus = "answered"
	QuestionDismissed QuestionStatus = "dismissed"
)

// Question is a persisted human/agent question record.
type Question struct {
	// ID is the question's unique id.
	ID string `json:"id"`
	// Agent names the agent that asked.
	Agent string `json:"agent"`
	// TaskID links the question to a task, if any.
	TaskID string `json:"task_id,omitempty"`
	// Kind is yes_no, choice, or open.
	Kind QuestionKind `json:"kind"`
	// Prompt is the question text.
	Prompt string `json:"prompt"`
	// Choices lists the options for choice questions.
	Choices []string `json:"choices,omitempty"`
	// CreatedAt is when the question was asked.
	CreatedAt time.Time `json:"created_at"`
	// Status is pending, answered, or dismissed.
	Status QuestionStatus `json:"status"`
	// Answer holds the human's answer once given.
	Answer string `json:"answer,omitempty"`
	// OnYes is a task status applied automatically on a "yes" answer.
	OnYes task.Status `json:"on_yes,omitempty"`
	// OnNo is a task status applied automatically on a "no" answer.
	OnNo task.Status `json:"on_no,omitempty"`
}

// ErrNotFound is returned when a record id does not exist.
var ErrNotFound = errors.New("record not found")

// Store reads and writes question records in a workspace directory.
// TasksPath, when set, lets answered yes/no questions apply their linked
// task status transition.
type Store struct {
	Dir       string
	TasksPath string
}

// NewStore creates a question store over the given directory.
func NewStore(dir, tasksPath string) *Store {
	return &Store{Dir: dir, TasksPath: tasksPath}
}

// Create persists a new question. A missing ID or CreatedAt is filled in.
func (s *Store) Create(q *Question) error {
	if q.ID == "" {
		q.ID = uuid.New().String()
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now()
	}
	if q.Status == "" {
		q.Status = QuestionPending
	}
	return s.write(q)
}

// Get loads a question by id.
func (s *Store) Get(id string) (*Question, error) {
	data, err := os.ReadFile(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("question %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read question %s: %w", id, err)
	}
	q := &Question{}
	if err := json.Unmarshal(data, q); err != nil {
		return nil, fmt.Errorf("parse question %s: %w", id, err)
	}
	return q, nil
}

// List returns questions, optionally filtered by status ("" for all),
// ordered by creation time.
func (s *Store) List(status QuestionStatus) ([]*Question, error) {
	entries, err := os.ReadDir(s.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read queue directory: %w", err)
	}

	var out []*Question
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		q, err := s.Get(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		if status != "" && q.Status != status {
			continue
		}
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Answer records the answer on a pending question and, for yes/no questions
// carrying onYes/onNo, applies the linked task status transition before the
// question is marked answered.
func (s *Store) Answer(id, answer string) (*Question, error) {
	q, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if q.Status != QuestionPending {
		return nil, fmt.Errorf("question %s is %s, not pending", id, q.Status)
	}

	if q.TaskID != "" && s.TasksPath != "" {
		var target task.Status
		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "yes", "y", "true":
			target = q.OnYes
		case "no", "n", "false":
			target = q.OnNo
		}
		if target != "" {
			err := task.Mutate(s.TasksPath, func(f *task.File) error {
				return f.UpdateStatus(q.TaskID, target)
			})
			if err != nil {
				return nil, fmt.Errorf("apply %s transition for task %s: %w", target, q.TaskID, err)
			}
		}
	}

	q.Answer = answer
	q.Status = QuestionAnswered
	if err := s.write(q); err != nil {
		return nil, err
	}
	return q, nil
}

// Dismiss marks a question dismissed.
func (s *Store) Dismiss(id string) error {
	q, err := s.Get(id)
	if err != nil {
		return err
	}
	q.Status = QuestionDismissed
	return s.write(q)
}

func (s *Store) path(id string) string {
	return filepath.Join(s.Dir, id+".json")
}

func (s *Store) write(q *Question) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("create queue directory: %w", err)
	}
	data, err := json.MarshalIndent(q, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal question: %w", err)
	}
	if err := renameio.WriteFile(s.path(q.ID), data, 0o644); err != nil {
		return fmt.Errorf("write question %s: %w", q.ID, err)
	}
	return nil
}
