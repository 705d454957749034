package queue

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeKind classifies a queue directory change.
type ChangeKind string

const (
	QuestionAdded   ChangeKind = "question_added"
	QuestionChanged ChangeKind = "question_answered"
	QuestionDeleted ChangeKind = "question_deleted"
)

// Change is a single coalesced queue change notification.
type Change struct {
	Kind ChangeKind
	// ID is the question id derived from the file name.
	ID string
}

// debounceWindow coalesces rapid change bursts on the same file to a single
// callback. Editors and atomic-rename writers produce several fsnotify ops
// per logical change.
const debounceWindow = 200 * time.Millisecond

// Watch monitors the question directory. See WatchDir.
func (s *Store) Watch(ctx context.Context, onChange func(Change)) error {
	return WatchDir(ctx, s.Dir, onChange)
}

// Watch monitors the interjection directory. See WatchDir.
func (s *InterjectionStore) Watch(ctx context.Context, onChange func(Change)) error {
	return WatchDir(ctx, s.Dir, onChange)
}

// WatchDir monitors a record directory and invokes onChange for each
// coalesced change until the context is cancelled. The watcher runs on its
// own goroutine; WatchDir returns immediately after setup.
//
// Records are rewritten with an atomic rename, so the fsnotify op cannot
// distinguish a new record from an update: both surface as Create. The
// watcher instead tracks the ids it has seen (primed from the directory at
// setup) and classifies by membership.
func WatchDir(ctx context.Context, dir string, onChange func(Change)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	seen := make(map[string]bool)
	if entries, err := os.ReadDir(dir); err == nil {
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
				seen[strings.TrimSuffix(e.Name(), ".json")] = true
			}
		}
	}

	go func() {
		defer watcher.Close()

		var mu sync.Mutex
		pending := make(map[string]*time.Timer)

		fire := func(id string, kind ChangeKind) {
			mu.Lock()
			if t, ok := pending[id]; ok {
				t.Stop()
			}
			pending[id] = time.AfterFunc(debounceWindow, func() {
				mu.Lock()
				delete(pending, id)
				mu.Unlock()
				onChange(Change{Kind: kind, ID: id})
			})
			mu.Unlock()
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !strings.HasSuffix(ev.Name, ".json") {
					continue
				}
				id := strings.TrimSuffix(filepath.Base(ev.Name), ".json")
				switch {
				case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
					if seen[id] {
						fire(id, QuestionChanged)
					} else {
						seen[id] = true
						fire(id, QuestionAdded)
					}
				case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
					delete(seen, id)
					fire(id, QuestionDeleted)
				}
			case <-watcher.Errors:
				// Keep watching; transient errors are not actionable here.
			}
		}
	}()

	return nil
}
