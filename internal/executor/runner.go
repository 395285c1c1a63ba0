package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/orchard-sh/orchard/internal/agent"
	"github.com/orchard-sh/orchard/internal/ledger"
	"github.com/orchard-sh/orchard/internal/vault"
	"github.com/orchard-sh/orchard/internal/watch"
)

// killGrace is how long a timed-out subprocess gets between SIGTERM and
// SIGKILL.
const killGrace = 5 * time.Second

// errorTailLines is how much captured output lands in error_summary on
// failure.
const errorTailLines = 10

// Process is the handle to a spawned executor subprocess.
type Process interface {
	// Wait blocks until the process exits and returns the exit error
	// (nil for success).
	Wait() error
	// PID returns the OS process ID.
	PID() int
}

// Starter spawns the executor subprocess. The seam for testing: swap
// with a fake that returns a scripted Process instead of forking.
type Starter func(ctx context.Context, cmd Command, output io.Writer) (Process, error)

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Wait() error { return p.cmd.Wait() }
func (p *execProcess) PID() int    { return p.cmd.Process.Pid }

// ExecStarter spawns a real OS process. Standard output and error both
// go to output (the execution log). On context cancellation the process
// gets a termination signal, then a hard kill after killGrace.
func ExecStarter(ctx context.Context, c Command, output io.Writer) (Process, error) {
	name, args := c.Name, c.Args
	if c.UseShell {
		args = append([]string{"/C", name}, args...)
		name = "cmd"
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = output
	cmd.Stderr = output
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killGrace

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", name, err)
	}
	return &execProcess{cmd: cmd}, nil
}

// Runner executes one agent invocation end to end: task record, prompt
// payload, subprocess, log file, status update, post-processing.
type Runner struct {
	VaultRoot string
	LogsDir   string // vault-relative
	Ledger    *ledger.Ledger
	Starter   Starter
	Log       *slog.Logger
}

// NewRunner creates a runner with the real process starter.
func NewRunner(vaultRoot, logsDir string, led *ledger.Ledger, log *slog.Logger) *Runner {
	return &Runner{
		VaultRoot: vaultRoot,
		LogsDir:   logsDir,
		Ledger:    led,
		Starter:   ExecStarter,
		Log:       log,
	}
}

// Execute runs one agent against one trigger event. taskPath is empty
// for fresh dispatches (a task file is created IN_PROGRESS here) and
// set for queued pickups whose task was already moved to IN_PROGRESS
// by the orchestrator. The caller holds the concurrency slot and
// releases it when Execute returns, whatever the outcome.
func (r *Runner) Execute(ctx context.Context, def *agent.Definition, ev watch.Event, taskPath string) {
	executionID := uuid.NewString()
	start := time.Now()

	logRel := r.logRelPath(def, executionID, start)
	logAbs := filepath.Join(r.VaultRoot, filepath.FromSlash(logRel))

	if taskPath == "" {
		created, err := r.Ledger.Create(def, ev, ledger.StatusInProgress, logRel)
		if err != nil {
			r.Log.Error("cannot create task file", "agent", def.Abbreviation, "path", ev.Path, "error", err)
			// Durability is best-effort: the execution proceeds without
			// a task record rather than dropping the work.
		}
		taskPath = created
	} else {
		if err := r.Ledger.SetExecutionLog(taskPath, logRel); err != nil {
			r.Log.Warn("cannot record log link on task", "task", taskPath, "error", err)
		}
	}

	payload := r.buildPayload(def, ev)

	status, exitCode, summary := r.runSubprocess(ctx, def, executionID, start, logAbs, payload)

	if taskPath != "" {
		if err := r.Ledger.UpdateStatus(taskPath, status, summary); err != nil {
			r.Log.Error("cannot update task status", "task", taskPath, "status", status, "error", err)
		}
	}

	duration := time.Since(start).Round(time.Millisecond)
	if status == ledger.StatusProcessed {
		r.Log.Info("execution finished",
			"agent", def.Abbreviation,
			"execution_id", executionID,
			"duration", duration,
		)
		if def.PostProcess == agent.PostProcessRemoveTrigger {
			r.removeTriggerContent(def, ev)
		}
	} else {
		r.Log.Warn("execution failed",
			"agent", def.Abbreviation,
			"execution_id", executionID,
			"exit_code", exitCode,
			"reason", summary,
			"duration", duration,
		)
	}
}

// runSubprocess spawns the executor CLI and waits for it under the
// agent timeout. It writes the log sections and returns the terminal
// status, the exit code, and the error summary for FAILED runs.
func (r *Runner) runSubprocess(ctx context.Context, def *agent.Definition, executionID string, start time.Time, logAbs, payload string) (ledger.Status, int, string) {
	logFile, err := openLog(logAbs)
	if err != nil {
		r.Log.Error("cannot open log file", "agent", def.Abbreviation, "path", logAbs, "error", err)
		return ledger.StatusFailed, -1, fmt.Sprintf("cannot open log file: %v", err)
	}
	defer func() { _ = logFile.Close() }()

	writeSection(logFile, fmt.Sprintf("# Execution %s\n\n- Agent: %s\n- Started: %s\n- Execution ID: %s\n",
		executionID, def.Abbreviation, start.Format(time.RFC3339), executionID))
	writeSection(logFile, "\n## Prompt\n\n"+payload+"\n")
	writeSection(logFile, "\n## Response\n\n")

	timeoutSeconds := int(def.Timeout.Seconds())
	cmd, err := BuildCommand(def, payload, timeoutSeconds)
	if err != nil {
		// Executor not found: per-execution fatal, never process-fatal.
		writeSection(logFile, fmt.Sprintf("[executor error: %v]\n", err))
		return ledger.StatusFailed, -1, err.Error()
	}

	runCtx, cancel := context.WithTimeout(ctx, def.Timeout)
	defer cancel()

	tail := newTailWriter(errorTailLines)
	proc, err := r.Starter(runCtx, cmd, io.MultiWriter(logFile, tail))
	if err != nil {
		writeSection(logFile, fmt.Sprintf("[spawn error: %v]\n", err))
		return ledger.StatusFailed, -1, err.Error()
	}

	r.Log.Info("execution started",
		"agent", def.Abbreviation,
		"execution_id", executionID,
		"executor", def.Executor,
		"pid", proc.PID(),
	)

	waitErr := proc.Wait()
	if waitErr == nil {
		// A clean exit wins even when the deadline fired in the same
		// instant; the work finished.
		writeSection(logFile, "\n[completed]\n")
		return ledger.StatusProcessed, 0, ""
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		writeSection(logFile, fmt.Sprintf("\n[timeout after %d s]\n", timeoutSeconds))
		return ledger.StatusFailed, -1, fmt.Sprintf("timeout after %d s", timeoutSeconds)
	}

	exitCode := -1
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		exitCode = exitErr.ExitCode()
	}
	summary := fmt.Sprintf("exit code %d", exitCode)
	if tailText := tail.String(); tailText != "" {
		summary += "; output tail: " + tailText
	}
	writeSection(logFile, fmt.Sprintf("\n[failed: %s]\n", summary))
	return ledger.StatusFailed, exitCode, summary
}

// buildPayload concatenates the agent prompt with a framing block that
// describes the trigger: path, event kind, and a frontmatter snapshot
// of the source file.
func (r *Runner) buildPayload(def *agent.Definition, ev watch.Event) string {
	var b strings.Builder
	b.WriteString(def.PromptBody)
	b.WriteString("\n\n---\n\n## Trigger\n\n")
	fmt.Fprintf(&b, "- File: %s\n", ev.Path)
	fmt.Fprintf(&b, "- Event: %s\n", ev.Kind)
	fmt.Fprintf(&b, "- Time: %s\n", ev.Timestamp.Format(time.RFC3339))

	fm, _, err := vault.ReadFile(filepath.Join(r.VaultRoot, filepath.FromSlash(ev.Path)))
	if err == nil && len(fm) > 0 {
		if snapshot, merr := yaml.Marshal(fm); merr == nil {
			b.WriteString("\n### Frontmatter\n\n```yaml\n")
			b.Write(snapshot)
			b.WriteString("```\n")
		}
	}
	return b.String()
}

// logRelPath expands the agent's log filename template.
func (r *Runner) logRelPath(def *agent.Definition, executionID string, start time.Time) string {
	name := def.LogTemplate
	name = strings.ReplaceAll(name, "{timestamp}", start.Format("20060102-150405"))
	name = strings.ReplaceAll(name, "{agent}", def.Abbreviation)
	name = strings.ReplaceAll(name, "{execution_id}", executionID)
	return r.LogsDir + "/" + name
}

// removeTriggerContent strips the agent's content pattern from the
// source file after a successful run, so re-saves stop retriggering.
// Failure is logged and does not change the task status.
func (r *Runner) removeTriggerContent(def *agent.Definition, ev watch.Event) {
	if def.ContentRegex == nil {
		return
	}
	path := filepath.Join(r.VaultRoot, filepath.FromSlash(ev.Path))
	data, err := os.ReadFile(path)
	if err != nil {
		r.Log.Warn("post-process: cannot read source file", "agent", def.Abbreviation, "path", ev.Path, "error", err)
		return
	}
	cleaned := def.ContentRegex.ReplaceAll(data, nil)
	if err := os.WriteFile(path, cleaned, 0o644); err != nil {
		r.Log.Warn("post-process: cannot write source file", "agent", def.Abbreviation, "path", ev.Path, "error", err)
	}
}

// openLog creates the log directory if needed and the log file.
func openLog(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
}

// writeSection appends to the log and flushes, so partial logs survive
// a crash mid-execution.
func writeSection(f *os.File, s string) {
	_, _ = f.WriteString(s)
	_ = f.Sync()
}
