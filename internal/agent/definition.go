// Package agent holds the declarative agent catalog: definitions loaded
// from orchestrator.yaml plus prompt files, and the registry that matches
// file events against them.
package agent

import (
	"regexp"
	"time"

	"github.com/robfig/cron/v3"
)

// Trigger is the event class an agent listens for.
type Trigger string

const (
	TriggerCreated   Trigger = "created"
	TriggerModified  Trigger = "modified"
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

// Executor identifiers. Each maps to a CLI command template in the
// executor package.
const (
	ExecutorClaudeCode  = "claude_code"
	ExecutorGeminiCLI   = "gemini_cli"
	ExecutorCodexCLI    = "codex_cli"
	ExecutorCursorAgent = "cursor_agent"
	ExecutorContinueCLI = "continue_cli"
)

// KnownExecutor reports whether name is one of the recognized executor
// identifiers.
func KnownExecutor(name string) bool {
	switch name {
	case ExecutorClaudeCode, ExecutorGeminiCLI, ExecutorCodexCLI, ExecutorCursorAgent, ExecutorContinueCLI:
		return true
	}
	return false
}

// Post-processing modes applied to the triggering file after a
// successful execution.
const (
	PostProcessNone          = "none"
	PostProcessRemoveTrigger = "remove_trigger_content"
)

// Definition is one loaded agent. Immutable after load: every derived
// field is set exactly once by the registry loader.
type Definition struct {
	// Abbreviation is the short unique identifier, 2-5 uppercase
	// letters/digits, extracted from the trailing "(ABBR)" token of the
	// node name.
	Abbreviation string

	// DisplayName is the node name with the abbreviation token stripped.
	DisplayName string

	// Category comes from the prompt file's frontmatter. Free-form.
	Category string

	// PromptBody is the prompt file's Markdown body, passed verbatim to
	// the executor as the head of the payload.
	PromptBody string

	// InputPaths is the normalized input_path list. Triggering derives
	// from the first entry only; the full list is kept for forward
	// compatibility with multi-input agents.
	InputPaths []string

	// TriggerGlob is the path pattern events must match. Empty means the
	// agent is manual-only and never matches file events.
	TriggerGlob string

	// TriggerEvent is derived from input_type.
	TriggerEvent Trigger

	// ExcludeGlobs are patterns that veto a match. A pattern without a
	// path separator is also tested against the file's base name.
	ExcludeGlobs []string

	// ContentRegex, when set, must find at least one match in the file
	// contents (case-insensitive, multiline) for the event to qualify.
	ContentRegex *regexp.Regexp

	Executor       string
	ExecutorParams map[string]any

	MaxParallel int
	Timeout     time.Duration
	Priority    string

	PostProcess string

	// LogTemplate supports {timestamp}, {agent}, and {execution_id}.
	LogTemplate string

	OutputPath string

	// CronSpec is the raw cron expression for scheduled agents. Parsed
	// at load to catch typos, stored for a future scheduler, never
	// evaluated here.
	CronSpec     string
	CronSchedule cron.Schedule
}

// ManualOnly reports whether the agent can never match a file event.
func (d *Definition) ManualOnly() bool {
	return d.TriggerGlob == "" || d.TriggerEvent == TriggerManual
}
