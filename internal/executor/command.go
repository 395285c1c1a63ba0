// Package executor spawns the external CLI tool for one execution,
// captures its output into a Markdown log, enforces the agent timeout,
// and records the outcome in the task ledger.
package executor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/orchard-sh/orchard/internal/agent"
)

// Command is a fully resolved subprocess invocation.
type Command struct {
	Name string
	Args []string

	// UseShell forces invocation through the platform shell. Set on
	// Windows for batch-file launchers (.cmd/.bat), which cannot be
	// exec'd directly. Plain binaries must not go through a shell.
	UseShell bool
}

// BuildCommand maps an executor identifier to its invocation with the
// prompt payload delivered the way each tool expects.
func BuildCommand(def *agent.Definition, payload string, timeoutSeconds int) (Command, error) {
	switch def.Executor {
	case agent.ExecutorClaudeCode:
		path, err := findClaude()
		if err != nil {
			return Command{}, err
		}
		return Command{
			Name:     path,
			Args:     []string{"--timeout", strconv.Itoa(timeoutSeconds), "--prompt", payload},
			UseShell: needsShell(path),
		}, nil

	case agent.ExecutorGeminiCLI:
		return Command{Name: "gemini", Args: []string{"--prompt", payload}}, nil

	case agent.ExecutorCodexCLI:
		return Command{Name: "codex", Args: []string{"--prompt", payload}}, nil

	case agent.ExecutorCursorAgent:
		args := []string{"--print", "--output-format", "text"}
		args = appendStringParam(args, def.ExecutorParams, "model", "--model")
		args = appendBoolParam(args, def.ExecutorParams, "mcp", "--mcp")
		args = appendBoolParam(args, def.ExecutorParams, "browser", "--browser")
		args = append(args, payload)
		return Command{Name: "cursor-agent", Args: args}, nil

	case agent.ExecutorContinueCLI:
		args := []string{"--print", "--format", "json"}
		args = appendStringParam(args, def.ExecutorParams, "model", "--model")
		args = appendListParam(args, def.ExecutorParams, "mcp", "--mcp")
		args = appendListParam(args, def.ExecutorParams, "rule", "--rule")
		args = appendStringParam(args, def.ExecutorParams, "config", "--config")
		args = appendBoolParam(args, def.ExecutorParams, "auto", "--auto")
		args = appendBoolParam(args, def.ExecutorParams, "readonly", "--readonly")
		args = appendBoolParam(args, def.ExecutorParams, "silent", "--silent")
		args = append(args, payload)
		return Command{Name: "cn", Args: args}, nil

	default:
		return Command{}, fmt.Errorf("unknown executor %q", def.Executor)
	}
}

// findClaude locates the Claude-family CLI: the per-user install first,
// then PATH, then the standard install locations.
func findClaude() (string, error) {
	home, _ := os.UserHomeDir()
	if home != "" {
		local := filepath.Join(home, ".claude", "local", "claude")
		if isExecutableFile(local) {
			return local, nil
		}
	}

	if path, err := exec.LookPath("claude"); err == nil {
		return path, nil
	}

	candidates := []string{
		"/usr/local/bin/claude",
		"/opt/homebrew/bin/claude",
	}
	if home != "" {
		candidates = append(candidates,
			filepath.Join(home, ".local", "bin", "claude"),
			filepath.Join(home, "bin", "claude"),
		)
	}
	for _, c := range candidates {
		if isExecutableFile(c) {
			return c, nil
		}
	}

	return "", fmt.Errorf("claude CLI not found (searched ~/.claude/local, PATH, standard locations)")
}

func isExecutableFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// needsShell reports whether the command must be run through the
// platform shell: only Windows batch files qualify.
func needsShell(path string) bool {
	if runtime.GOOS != "windows" {
		return false
	}
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".cmd" || ext == ".bat"
}

func appendStringParam(args []string, params map[string]any, key, flag string) []string {
	if v, ok := params[key].(string); ok && v != "" {
		args = append(args, flag, v)
	}
	return args
}

func appendBoolParam(args []string, params map[string]any, key, flag string) []string {
	if v, ok := params[key].(bool); ok && v {
		args = append(args, flag)
	}
	return args
}

func appendListParam(args []string, params map[string]any, key, flag string) []string {
	switch v := params[key].(type) {
	case string:
		if v != "" {
			args = append(args, flag, v)
		}
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				args = append(args, flag, s)
			}
		}
	}
	return args
}
