package agent

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/orchard-sh/orchard/internal/watch"
)

// TaskIndex answers the same-day dedupe question for content-regex
// agents. Implemented by the task ledger.
type TaskIndex interface {
	// HasActiveTaskToday reports whether an IN_PROGRESS or PROCESSED
	// task exists for the {agent, source path} pair created on the day
	// of now. Suppresses re-triggering on trivial re-saves.
	HasActiveTaskToday(abbreviation, sourcePath string, now time.Time) bool
}

// Registry holds the loaded agents and answers match queries.
type Registry struct {
	vaultRoot string
	defs      []*Definition
	byAbbr    map[string]*Definition
	tasks     TaskIndex
	log       *slog.Logger
}

// SetTaskIndex wires the ledger in after construction. Matching works
// without it; the same-day dedupe check is simply skipped.
func (r *Registry) SetTaskIndex(idx TaskIndex) {
	r.tasks = idx
}

// Agents returns the definitions in registration order.
func (r *Registry) Agents() []*Definition {
	return r.defs
}

// Lookup returns the agent with the given abbreviation, or nil.
func (r *Registry) Lookup(abbreviation string) *Definition {
	return r.byAbbr[abbreviation]
}

// Len returns the number of loaded agents.
func (r *Registry) Len() int {
	return len(r.defs)
}

// Match returns the agents triggered by ev, in registration order.
// The checks short-circuit: event kind, then trigger glob, then exclude
// globs, then (only when everything cheaper passed) the content regex —
// a file that fails the glob is never read.
func (r *Registry) Match(ev watch.Event) []*Definition {
	if ev.IsDir {
		return nil
	}

	var matched []*Definition
	for _, def := range r.defs {
		if r.matches(def, ev) {
			matched = append(matched, def)
		}
	}
	return matched
}

func (r *Registry) matches(def *Definition, ev watch.Event) bool {
	if def.ManualOnly() || def.TriggerEvent == TriggerScheduled {
		return false
	}
	if string(def.TriggerEvent) != string(ev.Kind) {
		return false
	}
	if !globMatch(def.TriggerGlob, ev.Path) {
		return false
	}
	for _, ex := range def.ExcludeGlobs {
		if excludeMatch(ex, ev.Path) {
			return false
		}
	}
	if def.ContentRegex == nil {
		return true
	}

	content, err := os.ReadFile(filepath.Join(r.vaultRoot, filepath.FromSlash(ev.Path)))
	if err != nil {
		if !os.IsNotExist(err) {
			// Deleted between emission and matching is silent; anything
			// else gets one warning.
			r.log.Warn("cannot read file for content match", "agent", def.Abbreviation, "path", ev.Path, "error", err)
		}
		return false
	}
	if !def.ContentRegex.Match(content) {
		return false
	}
	if r.tasks != nil && r.tasks.HasActiveTaskToday(def.Abbreviation, ev.Path, time.Now()) {
		return false
	}
	return true
}

// globMatch applies POSIX-style matching: * stays within one path
// component, ** spans components (and "**/" matches zero directories).
func globMatch(pattern, path string) bool {
	ok, err := doublestar.Match(pattern, path)
	return err == nil && ok
}

// excludeMatch tests the pattern against the full path, and — when the
// pattern has no separator — against the base name too, so "*-EIC*"
// vetoes "In/old-EIC.md".
func excludeMatch(pattern, path string) bool {
	if globMatch(pattern, path) {
		return true
	}
	if !strings.Contains(pattern, "/") {
		return globMatch(pattern, filepath.Base(path))
	}
	return false
}
