// Package config loads orchestrator.yaml from the vault root.
//
// Configuration resolves through a three-level cascade, highest first:
//  1. Node value (per-agent)
//  2. defaults: section value
//  3. Hard-coded default
//
// The cascade itself lives in Defaults.Resolve* — the agent registry calls
// it once per node at load time, and the resolved values are frozen into
// the AgentDefinition.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultMaxConcurrent  = 3
	DefaultPollInterval   = 1.0 // seconds
	DefaultExecutor       = "claude_code"
	DefaultTimeoutMinutes = 30.0
	DefaultMaxParallel    = 3
	DefaultTaskPriority   = "medium"
	DefaultLogTemplate    = "{timestamp}-{agent}.log"
)

// FileName is the config file expected at the vault root.
const FileName = "orchestrator.yaml"

// ErrNotFound reports a missing config file. The orchestrator treats it
// as "run with zero agents", not as a fatal error.
var ErrNotFound = errors.New("config file not found")

// Settings is the orchestrator: section.
type Settings struct {
	PromptsDir    string  `yaml:"prompts_dir"`
	TasksDir      string  `yaml:"tasks_dir"`
	LogsDir       string  `yaml:"logs_dir"`
	MaxConcurrent int     `yaml:"max_concurrent"`
	PollInterval  float64 `yaml:"poll_interval"` // seconds
}

// PollDuration returns the event-loop wait as a duration.
func (s Settings) PollDuration() time.Duration {
	return time.Duration(s.PollInterval * float64(time.Second))
}

// Defaults is the defaults: section — fallback values for agent fields.
type Defaults struct {
	Executor       string   `yaml:"executor"`
	TimeoutMinutes *float64 `yaml:"timeout_minutes"`
	MaxParallel    *int     `yaml:"max_parallel"`
	TaskPriority   string   `yaml:"task_priority"`
}

// Node is one entry of the nodes: list. Only type: agent nodes are
// loaded; other types are skipped with a warning.
//
// Numeric fields are pointers so the cascade can tell "absent" from
// "explicit zero".
type Node struct {
	Type           string         `yaml:"type"`
	Name           string         `yaml:"name"`
	InputPath      any            `yaml:"input_path"` // string, list of strings, or null
	InputType      string         `yaml:"input_type"` // new_file | updated_file | daily_file
	InputPattern   string         `yaml:"input_pattern"`
	OutputPath     string         `yaml:"output_path"`
	ExcludePattern string         `yaml:"exclude_pattern"` // "|"-separated globs
	ContentPattern string         `yaml:"content_pattern"`
	Executor       string         `yaml:"executor"`
	ExecutorParams map[string]any `yaml:"executor_params"`
	MaxParallel    *int           `yaml:"max_parallel"`
	TimeoutMinutes *float64       `yaml:"timeout_minutes"`
	TaskPriority   string         `yaml:"task_priority"`
	PostProcess    string         `yaml:"post_process"`
	Cron           string         `yaml:"cron"` // accepted for daily_file agents, stored only
	LogTemplate    string         `yaml:"log_filename_template"`
}

// InputPaths normalizes input_path: a string becomes a one-element list,
// null or a missing key becomes an empty list. Triggering derives from
// the first entry only; the rest are carried for forward compatibility.
func (n Node) InputPaths() []string {
	switch v := n.InputPath.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Config is the whole orchestrator.yaml file.
type Config struct {
	Orchestrator Settings `yaml:"orchestrator"`
	Defaults     Defaults `yaml:"defaults"`
	Nodes        []Node   `yaml:"nodes"`
}

// Load reads and parses the config file. A missing file returns
// (nil, ErrNotFound); unparseable YAML is an ordinary error and fatal to
// the caller.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// Empty returns the configuration used when no config file exists:
// runtime defaults and zero agents.
func Empty() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued runtime settings.
func (c *Config) ApplyDefaults() {
	if c.Orchestrator.PromptsDir == "" {
		c.Orchestrator.PromptsDir = "_Settings_/Prompts"
	}
	if c.Orchestrator.TasksDir == "" {
		c.Orchestrator.TasksDir = "_Settings_/Tasks"
	}
	if c.Orchestrator.LogsDir == "" {
		c.Orchestrator.LogsDir = "_Settings_/Logs"
	}
	if c.Orchestrator.MaxConcurrent == 0 {
		c.Orchestrator.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.Orchestrator.PollInterval == 0 {
		c.Orchestrator.PollInterval = DefaultPollInterval
	}
}

// Validate checks runtime settings. Call after ApplyDefaults.
func (c *Config) Validate() error {
	if c.Orchestrator.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", c.Orchestrator.MaxConcurrent)
	}
	if c.Orchestrator.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %v", c.Orchestrator.PollInterval)
	}
	return nil
}

// ResolveExecutor applies the cascade for the executor field.
func (d Defaults) ResolveExecutor(node Node) string {
	if node.Executor != "" {
		return node.Executor
	}
	if d.Executor != "" {
		return d.Executor
	}
	return DefaultExecutor
}

// ResolveTimeout applies the cascade for timeout_minutes and converts
// to a duration.
func (d Defaults) ResolveTimeout(node Node) time.Duration {
	minutes := DefaultTimeoutMinutes
	if d.TimeoutMinutes != nil {
		minutes = *d.TimeoutMinutes
	}
	if node.TimeoutMinutes != nil {
		minutes = *node.TimeoutMinutes
	}
	return time.Duration(minutes * float64(time.Minute))
}

// ResolveMaxParallel applies the cascade for max_parallel.
func (d Defaults) ResolveMaxParallel(node Node) int {
	if node.MaxParallel != nil {
		return *node.MaxParallel
	}
	if d.MaxParallel != nil {
		return *d.MaxParallel
	}
	return DefaultMaxParallel
}

// ResolvePriority applies the cascade for task_priority.
func (d Defaults) ResolvePriority(node Node) string {
	if node.TaskPriority != "" {
		return node.TaskPriority
	}
	if d.TaskPriority != "" {
		return d.TaskPriority
	}
	return DefaultTaskPriority
}
