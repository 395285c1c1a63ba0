package agent

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/orchard-sh/orchard/internal/config"
	"github.com/orchard-sh/orchard/internal/vault"
)

// abbrPattern matches the final parenthesized all-caps token of a node
// name, e.g. "Enrich Ingested Content (EIC)" -> "EIC".
var abbrPattern = regexp.MustCompile(`\(([A-Z0-9]{2,5})\)\s*$`)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Load builds the registry from the config. Per-agent problems (missing
// abbreviation, missing prompt file, bad regex, bad cron expression,
// duplicate abbreviation, unknown executor) skip the node with a warning;
// the remaining agents still load.
func Load(cfg *config.Config, vaultRoot string, log *slog.Logger) *Registry {
	reg := &Registry{
		vaultRoot: vaultRoot,
		byAbbr:    make(map[string]*Definition),
		log:       log,
	}

	promptsDir := filepath.Join(vaultRoot, cfg.Orchestrator.PromptsDir)
	prompts, err := listPrompts(promptsDir)
	if err != nil {
		log.Warn("cannot list prompts directory", "dir", promptsDir, "error", err)
	}

	for _, node := range cfg.Nodes {
		if node.Type != "agent" {
			log.Warn("skipping node with unknown type", "type", node.Type, "name", node.Name)
			continue
		}

		def, err := buildDefinition(cfg.Defaults, node, promptsDir, prompts)
		if err != nil {
			log.Warn("skipping agent", "name", node.Name, "reason", err)
			continue
		}
		if _, dup := reg.byAbbr[def.Abbreviation]; dup {
			log.Warn("skipping agent with duplicate abbreviation", "name", node.Name, "abbreviation", def.Abbreviation)
			continue
		}

		reg.defs = append(reg.defs, def)
		reg.byAbbr[def.Abbreviation] = def
	}

	return reg
}

// listPrompts returns the .md file names in dir, sorted so "first in
// lexicographic order wins" is deterministic.
func listPrompts(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func buildDefinition(defaults config.Defaults, node config.Node, promptsDir string, prompts []string) (*Definition, error) {
	m := abbrPattern.FindStringSubmatch(node.Name)
	if m == nil {
		return nil, fmt.Errorf("name has no (ABBR) suffix")
	}
	abbr := m[1]

	promptName := findPrompt(prompts, abbr)
	if promptName == "" {
		return nil, fmt.Errorf("no prompt file containing (%s) in %s", abbr, promptsDir)
	}
	fm, body, err := vault.ReadFile(filepath.Join(promptsDir, promptName))
	if err != nil {
		return nil, fmt.Errorf("reading prompt %s: %w", promptName, err)
	}

	executor := defaults.ResolveExecutor(node)
	if !KnownExecutor(executor) {
		return nil, fmt.Errorf("unknown executor %q", executor)
	}

	maxParallel := defaults.ResolveMaxParallel(node)
	if maxParallel < 1 {
		return nil, fmt.Errorf("max_parallel must be at least 1, got %d", maxParallel)
	}
	timeout := defaults.ResolveTimeout(node)
	if timeout <= 0 {
		return nil, fmt.Errorf("timeout_minutes must be positive")
	}

	def := &Definition{
		Abbreviation:   abbr,
		DisplayName:    strings.TrimSpace(abbrPattern.ReplaceAllString(node.Name, "")),
		Category:       fm.String("category"),
		PromptBody:     strings.TrimSpace(body),
		InputPaths:     node.InputPaths(),
		Executor:       executor,
		ExecutorParams: node.ExecutorParams,
		MaxParallel:    maxParallel,
		Timeout:        timeout,
		Priority:       defaults.ResolvePriority(node),
		PostProcess:    node.PostProcess,
		LogTemplate:    node.LogTemplate,
		OutputPath:     node.OutputPath,
		CronSpec:       node.Cron,
	}
	if def.PostProcess == "" {
		def.PostProcess = PostProcessNone
	}
	if def.LogTemplate == "" {
		def.LogTemplate = config.DefaultLogTemplate
	}

	def.TriggerEvent = triggerFor(node.InputType)
	def.TriggerGlob = triggerGlob(node, def)

	if node.ExcludePattern != "" {
		for _, part := range strings.Split(node.ExcludePattern, "|") {
			if p := strings.TrimSpace(part); p != "" {
				def.ExcludeGlobs = append(def.ExcludeGlobs, p)
			}
		}
	}

	if node.ContentPattern != "" {
		re, err := regexp.Compile("(?im)" + node.ContentPattern)
		if err != nil {
			return nil, fmt.Errorf("invalid content_pattern: %w", err)
		}
		def.ContentRegex = re
	}

	if def.CronSpec != "" {
		sched, err := cronParser.Parse(def.CronSpec)
		if err != nil {
			return nil, fmt.Errorf("invalid cron expression %q: %w", def.CronSpec, err)
		}
		// Stored only. Nothing in the orchestrator evaluates schedules.
		def.CronSchedule = sched
	}

	return def, nil
}

// findPrompt returns the first (lexicographically) prompt file whose
// name contains "(ABBR)".
func findPrompt(prompts []string, abbr string) string {
	marker := "(" + abbr + ")"
	for _, name := range prompts {
		if strings.Contains(name, marker) {
			return name
		}
	}
	return ""
}

// triggerFor maps input_type to the trigger event.
func triggerFor(inputType string) Trigger {
	switch inputType {
	case "new_file":
		return TriggerCreated
	case "updated_file":
		return TriggerModified
	case "daily_file":
		return TriggerScheduled
	default:
		return TriggerManual
	}
}

// triggerGlob derives the path pattern: no input paths means manual-only
// (empty glob); an explicit input_pattern wins; otherwise the first input
// path joined with *.md.
func triggerGlob(node config.Node, def *Definition) string {
	if node.InputPattern != "" {
		return node.InputPattern
	}
	if len(def.InputPaths) == 0 {
		return ""
	}
	return strings.TrimSuffix(def.InputPaths[0], "/") + "/*.md"
}
