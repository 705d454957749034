package task

import (
	"bytes"
	"fmt"
	"os"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"
)

// Load parses tasks.yaml at path. Decoding is strict: unknown keys are
// rejected, and malformed YAML surfaces with the line reference yaml.v3
// reports. After decoding, ids are checked for uniqueness across the
// flattened set and depends_on for cycles.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates tasks.yaml content.
func Parse(data []byte) (*File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	f := &File{}
	if err := dec.Decode(f); err != nil {
		return nil, fmt.Errorf("parse tasks.yaml: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Validate enforces the structural invariants of the task graph.
func (f *File) Validate() error {
	all := f.Flatten()

	seen := make(map[string]bool, len(all))
	for _, t := range all {
		if t.ID == "" {
			return fmt.Errorf("task %q has no id", t.Title)
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate task id %q", t.ID)
		}
		seen[t.ID] = true

		if t.Status != "" && !t.Status.Valid() {
			return fmt.Errorf("task %s: unknown status %q", t.ID, t.Status)
		}
		for i, s := range t.Steps {
			if s.ID == "" {
				return fmt.Errorf("task %s: step %d has no id", t.ID, i+1)
			}
			if s.Status != "" && s.Status != StepTodo && s.Status != StepInProgress && s.Status != StepDone {
				return fmt.Errorf("task %s: step %s has unknown status %q", t.ID, s.ID, s.Status)
			}
		}
	}

	for _, t := range all {
		for _, dep := range t.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("task %s depends on unknown task %q", t.ID, dep)
			}
		}
	}

	return f.checkCycles(all)
}

// checkCycles rejects task graphs with circular depends_on chains.
func (f *File) checkCycles(all []*Task) error {
	const (
		white = 0 // unvisited
		grey  = 1 // on the current path
		black = 2 // fully explored
	)
	color := make(map[string]int, len(all))

	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case grey:
			return fmt.Errorf("dependency cycle involving task %q", id)
		case black:
			return nil
		}
		color[id] = grey
		if t := f.Find(id); t != nil {
			for _, dep := range t.DependsOn {
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}

	for _, t := range all {
		if err := visit(t.ID); err != nil {
			return err
		}
	}
	return nil
}

// Save persists the task file crash-safely: the content is written to a
// temporary file, fsynced, and renamed over the original, so the on-disk
// file always reflects either the pre-update or the post-update state.
func Save(path string, f *File) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(f); err != nil {
		return fmt.Errorf("encode tasks.yaml: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode tasks.yaml: %w", err)
	}

	if err := renameio.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Mutate performs a read-modify-write on tasks.yaml. The file is re-read
// before writing; if its content changed between read and write (another
// loop won the race) the mutation is re-applied once against the fresh
// state. Loops only mutate the task they hold, so one retry suffices.
func Mutate(path string, fn func(*File) error) error {
	for attempt := 0; ; attempt++ {
		before, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		f, err := Parse(before)
		if err != nil {
			return err
		}
		if err := fn(f); err != nil {
			return err
		}

		current, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("re-read %s: %w", path, err)
		}
		if !bytes.Equal(before, current) {
			if attempt == 0 {
				continue
			}
			return fmt.Errorf("tasks.yaml changed concurrently twice; giving up")
		}
		return Save(path, f)
	}
}

// MarkStepDone marks the given step done and, when it was the last step,
// marks its task done as well.
func MarkStepDone(path, stepID string) error {
	return Mutate(path, func(f *File) error {
		t, s := f.FindStep(stepID)
		if s == nil {
			return fmt.Errorf("step %q not found", stepID)
		}
		s.Status = StepDone
		if t.NextStep() == nil {
			return f.UpdateStatus(t.ID, doneTarget(t))
		}
		return nil
	})
}

// MarkDone marks the task done (or done_pending_merge when it still has an
// integration branch to merge into).
func MarkDone(path, taskID string) error {
	return Mutate(path, func(f *File) error {
		t := f.Find(taskID)
		if t == nil {
			return fmt.Errorf("task %q not found", taskID)
		}
		for i := range t.Steps {
			t.Steps[i].Status = StepDone
		}
		return f.UpdateStatus(taskID, doneTarget(t))
	})
}

// doneTarget picks the terminal status a finishing task should move to.
// Tasks with a merge target stay done_pending_merge until the pipeline
// finishes the merge.
func doneTarget(t *Task) Status {
	if t.MergeInto != "" {
		return StatusDonePendingMerge
	}
	return StatusDone
}

// MarkBlocked marks the task blocked.
func MarkBlocked(path, taskID string) error {
	return Mutate(path, func(f *File) error {
		return f.UpdateStatus(taskID, StatusBlocked)
	})
}

// AppendNote appends text to the task's ai_notes.
func AppendNote(path, taskID, text string) error {
	return Mutate(path, func(f *File) error {
		t := f.Find(taskID)
		if t == nil {
			return fmt.Errorf("task %q not found", taskID)
		}
		if t.AINotes != "" {
			t.AINotes += "\n"
		}
		t.AINotes += text
		return nil
	})
}

// SetSessionID records the agent-returned session id on the task.
func SetSessionID(path, taskID, sessionID string) error {
	return Mutate(path, func(f *File) error {
		t := f.Find(taskID)
		if t == nil {
			return fmt.Errorf("task %q not found", taskID)
		}
		t.SessionID = sessionID
		return nil
	})
}
