// Package ledger maintains the on-disk task records: one Markdown file
// per attempted execution under tasks_dir, with the execution state
// machine encoded in YAML frontmatter. Task files survive restarts and
// are the only durable record of queued and interrupted work.
package ledger

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/orchard-sh/orchard/internal/agent"
	"github.com/orchard-sh/orchard/internal/vault"
	"github.com/orchard-sh/orchard/internal/watch"
)

// Status is the execution state recorded in a task file.
type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusProcessed  Status = "PROCESSED"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether the status ends the state machine.
func (s Status) Terminal() bool {
	return s == StatusProcessed || s == StatusFailed
}

// canTransition enforces the one-way machine:
// QUEUED -> IN_PROGRESS -> {PROCESSED | FAILED}.
func canTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusInProgress || to.Terminal()
	case StatusInProgress:
		return to.Terminal()
	default:
		return false
	}
}

// frontmatter is the task file's YAML block. Marshalled with yaml.v3 so
// embedded JSON (trigger_data_json) is quoted by the encoder rather than
// hand-escaped, and round-trips cleanly.
type frontmatter struct {
	Title        string `yaml:"title"`
	Created      string `yaml:"created"`
	Completed    string `yaml:"completed,omitempty"`
	Status       Status `yaml:"status"`
	Worker       string `yaml:"worker"`
	Priority     string `yaml:"priority"`
	TaskType     string `yaml:"task_type"`
	TriggerData  string `yaml:"trigger_data_json,omitempty"`
	ExecutionLog string `yaml:"execution_log,omitempty"`
}

const timeLayout = "2006-01-02T15:04:05-07:00"

// Ledger reads and writes task files in one directory.
type Ledger struct {
	dir string
	log *slog.Logger

	// warned tracks task paths already complained about in ScanQueued,
	// so a permanently broken QUEUED file does not log on every poll.
	warned map[string]bool

	// now is the clock; overridden in tests.
	now func() time.Time
}

// New creates a ledger over dir. The directory is created on first
// write, not here.
func New(dir string, log *slog.Logger) *Ledger {
	return &Ledger{dir: dir, log: log, warned: make(map[string]bool), now: time.Now}
}

// Dir returns the tasks directory.
func (l *Ledger) Dir() string { return l.dir }

// taskFileName builds "YYYY-MM-DD ABBR - base.md". Collisions for the
// same {agent, source, day} overwrite; the replaced file is logged.
func taskFileName(abbreviation, sourcePath string, day time.Time) string {
	return fmt.Sprintf("%s %s - %s.md", day.Format("2006-01-02"), abbreviation, vault.BaseName(sourcePath))
}

// Create writes a new task file for one attempted execution and returns
// its path. logPath is the vault-relative log file location linked from
// the frontmatter; it may be empty for QUEUED tasks that have no log yet.
func (l *Ledger) Create(def *agent.Definition, ev watch.Event, status Status, logPath string) (string, error) {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return "", fmt.Errorf("creating tasks directory %s: %w", l.dir, err)
	}

	now := l.now()
	path := filepath.Join(l.dir, taskFileName(def.Abbreviation, ev.Path, now))
	if _, err := os.Stat(path); err == nil {
		l.log.Warn("overwriting existing task file", "path", path)
	}

	fm := frontmatter{
		Title:    fmt.Sprintf("%s - %s", def.Abbreviation, filepath.Base(ev.Path)),
		Created:  now.Format(timeLayout),
		Status:   status,
		Worker:   def.Executor,
		Priority: def.Priority,
		TaskType: def.Abbreviation,
	}
	if logPath != "" {
		fm.ExecutionLog = vault.WikiLink(logPath)
	}
	if status == StatusQueued {
		data, err := json.Marshal(ev)
		if err != nil {
			return "", fmt.Errorf("encoding trigger event: %w", err)
		}
		fm.TriggerData = string(data)
	}

	var body strings.Builder
	body.WriteString("## Input\n\n")
	fmt.Fprintf(&body, "%s\n\n", vault.WikiLink(ev.Path))
	fmt.Fprintf(&body, "Triggered by `%s` event at %s.\n\n", ev.Kind, ev.Timestamp.Format(timeLayout))
	body.WriteString("## Output\n\n_Pending._\n\n")
	body.WriteString("## Instructions\n\n")
	body.WriteString(def.PromptBody)
	body.WriteString("\n\n## Process Log\n\n")
	fmt.Fprintf(&body, "- %s created with status %s\n", now.Format(timeLayout), status)
	body.WriteString("\n## Evaluation Log\n")

	if err := writeTask(path, fm, body.String()); err != nil {
		return "", err
	}
	return path, nil
}

// UpdateStatus moves a task to a new status, sets the completion
// timestamp on terminal states, and appends message (if any) to the
// Process Log section. The write is atomic: temp file plus rename.
// Transitions that would run the machine backwards are refused.
func (l *Ledger) UpdateStatus(path string, status Status, message string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading task file %s: %w", path, err)
	}

	fm, body, err := parseTask(data)
	if err != nil {
		return fmt.Errorf("parsing task file %s: %w", path, err)
	}
	if !canTransition(fm.Status, status) {
		return fmt.Errorf("invalid status transition %s -> %s for %s", fm.Status, status, path)
	}

	now := l.now()
	fm.Status = status
	if status.Terminal() {
		fm.Completed = now.Format(timeLayout)
	}
	if status == StatusInProgress {
		// The trigger payload has been consumed; a dispatched task must
		// never be picked up by the queued pass again.
		fm.TriggerData = ""
	}

	entry := fmt.Sprintf("- %s status %s", now.Format(timeLayout), status)
	if message != "" {
		entry += ": " + message
	}
	body = appendProcessLog(body, entry)

	return writeTask(path, fm, body)
}

// SetExecutionLog records the log file link on a task that was created
// before its log path existed (QUEUED tasks picked up later).
func (l *Ledger) SetExecutionLog(path, logPath string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading task file %s: %w", path, err)
	}
	fm, body, err := parseTask(data)
	if err != nil {
		return fmt.Errorf("parsing task file %s: %w", path, err)
	}
	fm.ExecutionLog = vault.WikiLink(logPath)
	return writeTask(path, fm, body)
}

// Queued is one QUEUED task yielded by ScanQueued.
type Queued struct {
	Path     string
	TaskType string
	Event    watch.Event
}

// ScanQueued re-reads the tasks directory and returns QUEUED tasks in
// lexicographic filename order. Filenames start with the creation date,
// so this is FIFO across days; within one day an agent's tasks order by
// source basename, not creation time. Files that cannot be parsed, or
// whose trigger data cannot be decoded, are skipped and warned about
// once per path.
func (l *Ledger) ScanQueued() []Queued {
	var out []Queued
	for _, path := range l.taskFiles() {
		fm, err := readFrontmatter(path)
		if err != nil {
			if !l.warned[path] {
				l.warned[path] = true
				l.log.Warn("skipping unreadable task file", "path", path, "error", err)
			}
			continue
		}
		if fm.Status != StatusQueued {
			continue
		}
		var ev watch.Event
		if err := json.Unmarshal([]byte(fm.TriggerData), &ev); err != nil {
			if !l.warned[path] {
				l.warned[path] = true
				l.log.Warn("queued task has undecodable trigger data", "path", path, "error", err)
			}
			continue
		}
		out = append(out, Queued{Path: path, TaskType: fm.TaskType, Event: ev})
	}
	return out
}

// ScanInProgress returns the paths of IN_PROGRESS task files. Used at
// startup to surface interrupted executions from a previous run; they
// are never resurrected automatically.
func (l *Ledger) ScanInProgress() []string {
	var out []string
	for _, path := range l.taskFiles() {
		fm, err := readFrontmatter(path)
		if err != nil {
			continue
		}
		if fm.Status == StatusInProgress {
			out = append(out, path)
		}
	}
	return out
}

// Counts returns the number of task files per status.
func (l *Ledger) Counts() map[Status]int {
	counts := make(map[Status]int)
	for _, path := range l.taskFiles() {
		fm, err := readFrontmatter(path)
		if err != nil {
			continue
		}
		counts[fm.Status]++
	}
	return counts
}

// HasActiveTaskToday implements agent.TaskIndex: an IN_PROGRESS or
// PROCESSED task for the {agent, source} pair created today suppresses
// re-triggering of content-regex agents on trivial re-saves.
func (l *Ledger) HasActiveTaskToday(abbreviation, sourcePath string, now time.Time) bool {
	path := filepath.Join(l.dir, taskFileName(abbreviation, sourcePath, now))
	fm, err := readFrontmatter(path)
	if err != nil {
		return false
	}
	return fm.Status == StatusInProgress || fm.Status == StatusProcessed
}

// taskFiles lists the .md files in the tasks directory, sorted.
func (l *Ledger) taskFiles() []string {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	paths := make([]string, len(names))
	for i, n := range names {
		paths[i] = filepath.Join(l.dir, n)
	}
	return paths
}

func readFrontmatter(path string) (frontmatter, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return frontmatter{}, err
	}
	fm, _, err := parseTask(data)
	return fm, err
}

func parseTask(data []byte) (frontmatter, string, error) {
	content := string(data)
	if !strings.HasPrefix(content, "---\n") {
		return frontmatter{}, "", fmt.Errorf("no frontmatter block")
	}
	rest := content[len("---\n"):]
	end := strings.Index(rest, "\n---\n")
	if end < 0 {
		return frontmatter{}, "", fmt.Errorf("unterminated frontmatter block")
	}
	var fm frontmatter
	if err := yaml.Unmarshal([]byte(rest[:end]), &fm); err != nil {
		return frontmatter{}, "", err
	}
	return fm, rest[end+len("\n---\n"):], nil
}

// writeTask renders and atomically replaces the task file.
func writeTask(path string, fm frontmatter, body string) error {
	block, err := yaml.Marshal(fm)
	if err != nil {
		return fmt.Errorf("encoding frontmatter: %w", err)
	}
	content := "---\n" + string(block) + "---\n" + body

	tmp, err := os.CreateTemp(filepath.Dir(path), ".task-*")
	if err != nil {
		return fmt.Errorf("creating temp task file: %w", err)
	}
	if _, err := tmp.WriteString(content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("writing task file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("closing task file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("replacing task file %s: %w", path, err)
	}
	return nil
}

// appendProcessLog inserts entry at the end of the "## Process Log"
// section, before the next heading.
func appendProcessLog(body, entry string) string {
	const heading = "## Process Log"
	idx := strings.Index(body, heading)
	if idx < 0 {
		return body + "\n" + heading + "\n\n" + entry + "\n"
	}
	sectionStart := idx + len(heading)
	next := strings.Index(body[sectionStart:], "\n## ")
	if next < 0 {
		return strings.TrimRight(body, "\n") + "\n" + entry + "\n"
	}
	insertAt := sectionStart + next
	section := strings.TrimRight(body[:insertAt], "\n")
	return section + "\n" + entry + "\n" + body[insertAt:]
}
