// Package watch emits file events for Markdown notes under the vault root.
//
// The source wraps fsnotify with recursive directory registration, drops
// everything that is not a .md file inside the vault, and publishes the
// surviving events on a bounded channel. The orchestrator's event loop is
// the sole consumer.
package watch

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/orchard-sh/orchard/internal/vault"
)

// Kind is the class of file-system change an event describes.
type Kind string

const (
	Created  Kind = "created"
	Modified Kind = "modified"
	Deleted  Kind = "deleted"
)

// Event is one file-system change on a vault note.
//
// Path is vault-relative with forward slashes. The JSON form is what the
// ledger persists as trigger_data_json for QUEUED tasks, so field names
// are part of the on-disk contract.
type Event struct {
	Path      string    `json:"path"`
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	IsDir     bool      `json:"is_directory"`
}

// Source watches the vault tree and delivers events.
type Source struct {
	root     string
	excludes []string
	watcher  *fsnotify.Watcher
	events   chan Event
	log      *slog.Logger
}

// DefaultBuffer is the event channel capacity. A burst larger than this
// blocks the fsnotify goroutine briefly; events are never dropped by us.
const DefaultBuffer = 256

// New creates a source for the vault rooted at root. excludes are
// vault-relative directory prefixes that are never watched or reported
// (the tasks/logs/config tree, so the orchestrator does not trigger on
// its own output).
func New(root string, excludes []string, log *slog.Logger) (*Source, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Source{
		root:     root,
		excludes: excludes,
		watcher:  w,
		events:   make(chan Event, DefaultBuffer),
		log:      log,
	}, nil
}

// Events returns the channel the orchestrator consumes. It is closed
// when the source stops.
func (s *Source) Events() <-chan Event {
	return s.events
}

// Start registers the vault tree and launches the watch loop. The loop
// runs until ctx is cancelled; watcher errors are logged and the loop
// continues.
func (s *Source) Start(ctx context.Context) error {
	if err := s.addTree(s.root); err != nil {
		return err
	}
	go s.loop(ctx)
	return nil
}

// addTree registers dir and all non-excluded subdirectories.
func (s *Source) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable subtree: log and keep walking the rest.
			s.log.Warn("watch: skipping unreadable path", "path", path, "error", err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if s.excluded(vault.Rel(s.root, path)) || hidden(d.Name(), path, dir) {
			return filepath.SkipDir
		}
		if werr := s.watcher.Add(path); werr != nil {
			s.log.Warn("watch: cannot watch directory", "path", path, "error", werr)
		}
		return nil
	})
}

func hidden(name, path, root string) bool {
	return path != root && strings.HasPrefix(name, ".")
}

func (s *Source) loop(ctx context.Context) {
	defer close(s.events)
	defer func() { _ = s.watcher.Close() }()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handle(ctx, ev)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("watch: watcher error", "error", err)
		}
	}
}

func (s *Source) handle(ctx context.Context, ev fsnotify.Event) {
	if !vault.Within(s.root, ev.Name) {
		return
	}
	rel := vault.Rel(s.root, ev.Name)
	if s.excluded(rel) {
		return
	}

	// New directories must be registered before their contents are
	// reported. fsnotify does not watch recursively on its own.
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if !strings.HasPrefix(filepath.Base(ev.Name), ".") {
				if err := s.addTree(ev.Name); err != nil {
					s.log.Warn("watch: cannot watch new directory", "path", ev.Name, "error", err)
				}
			}
			return
		}
	}

	if !strings.HasSuffix(rel, ".md") {
		return
	}

	var kind Kind
	switch {
	case ev.Op.Has(fsnotify.Create):
		kind = Created
	case ev.Op.Has(fsnotify.Write):
		kind = Modified
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		kind = Deleted
	default:
		// Chmod and friends carry no content change.
		return
	}

	out := Event{Path: rel, Kind: kind, Timestamp: time.Now()}
	select {
	case s.events <- out:
	case <-ctx.Done():
	}
}

func (s *Source) excluded(rel string) bool {
	for _, ex := range s.excludes {
		if rel == ex || strings.HasPrefix(rel, ex+"/") {
			return true
		}
	}
	return false
}
