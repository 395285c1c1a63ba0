package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/orchard-sh/orchard/internal/agent"
	"github.com/orchard-sh/orchard/internal/ledger"
	"github.com/orchard-sh/orchard/internal/watch"
)

// fakeProcess implements Process for testing.
type fakeProcess struct {
	pid    int
	waitCh chan struct{}
	err    error
	output string
	sink   io.Writer
}

func (p *fakeProcess) Wait() error {
	<-p.waitCh
	if p.output != "" && p.sink != nil {
		_, _ = p.sink.Write([]byte(p.output))
	}
	return p.err
}

func (p *fakeProcess) PID() int { return p.pid }

// scriptedStarter returns a Starter whose process emits output and
// exits with err as soon as Wait is called.
func scriptedStarter(output string, err error) Starter {
	return func(ctx context.Context, cmd Command, w io.Writer) (Process, error) {
		p := &fakeProcess{pid: 4242, waitCh: make(chan struct{}), err: err, output: output, sink: w}
		close(p.waitCh)
		return p, nil
	}
}

// hangingStarter returns a Starter whose process blocks until the run
// context is cancelled, simulating a subprocess that outlives the
// agent timeout.
func hangingStarter() Starter {
	return func(ctx context.Context, cmd Command, w io.Writer) (Process, error) {
		p := &fakeProcess{pid: 4242, waitCh: make(chan struct{}), err: errors.New("killed")}
		go func() {
			<-ctx.Done()
			close(p.waitCh)
		}()
		return p, nil
	}
}

func testRunner(t *testing.T, starter Starter) (*Runner, string) {
	t.Helper()
	root := t.TempDir()
	led := ledger.New(filepath.Join(root, "Tasks"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	r := NewRunner(root, "Logs", led, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r.Starter = starter
	return r, root
}

func runnerDef() *agent.Definition {
	return &agent.Definition{
		Abbreviation: "EIC",
		Executor:     agent.ExecutorGeminiCLI,
		Priority:     "medium",
		PromptBody:   "Summarize the clipping.",
		Timeout:      time.Minute,
		LogTemplate:  "{timestamp}-{agent}.log",
	}
}

func runnerEvent() watch.Event {
	return watch.Event{Path: "In/a.md", Kind: watch.Created, Timestamp: time.Now()}
}

func taskStatus(t *testing.T, dir string) (string, string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("reading tasks dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one task file, got %d", len(entries))
	}
	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	return entries[0].Name(), string(data)
}

func TestExecuteHappyPath(t *testing.T) {
	var gotCmd Command
	starter := func(ctx context.Context, cmd Command, w io.Writer) (Process, error) {
		gotCmd = cmd
		return scriptedStarter("all done\n", nil)(ctx, cmd, w)
	}
	r, root := testRunner(t, starter)

	r.Execute(context.Background(), runnerDef(), runnerEvent(), "")

	// Task file reached PROCESSED.
	_, content := taskStatus(t, filepath.Join(root, "Tasks"))
	if !strings.Contains(content, "status: PROCESSED") {
		t.Fatalf("task not PROCESSED:\n%s", content)
	}

	// Payload carried the prompt body and the trigger path.
	payload := gotCmd.Args[len(gotCmd.Args)-1]
	if !strings.Contains(payload, "Summarize the clipping.") {
		t.Errorf("payload missing prompt body: %q", payload)
	}
	if !strings.Contains(payload, "In/a.md") {
		t.Errorf("payload missing trigger path: %q", payload)
	}

	// One log file with the fixed sections and the captured response.
	logs, err := os.ReadDir(filepath.Join(root, "Logs"))
	if err != nil || len(logs) != 1 {
		t.Fatalf("expected one log file, got %v (%v)", logs, err)
	}
	logData, _ := os.ReadFile(filepath.Join(root, "Logs", logs[0].Name()))
	for _, want := range []string{"## Prompt", "## Response", "all done"} {
		if !strings.Contains(string(logData), want) {
			t.Errorf("log missing %q", want)
		}
	}
	if !strings.Contains(logs[0].Name(), "EIC") {
		t.Errorf("log filename %q missing agent placeholder expansion", logs[0].Name())
	}
}

func TestExecuteFailure(t *testing.T) {
	r, root := testRunner(t, scriptedStarter("boom line\n", errors.New("exit status 3")))

	r.Execute(context.Background(), runnerDef(), runnerEvent(), "")

	_, content := taskStatus(t, filepath.Join(root, "Tasks"))
	if !strings.Contains(content, "status: FAILED") {
		t.Fatalf("task not FAILED:\n%s", content)
	}
	if !strings.Contains(content, "exit code") {
		t.Errorf("error summary missing exit code:\n%s", content)
	}
	if !strings.Contains(content, "boom line") {
		t.Errorf("error summary missing output tail:\n%s", content)
	}
}

func TestExecuteTimeout(t *testing.T) {
	r, root := testRunner(t, hangingStarter())
	def := runnerDef()
	def.Timeout = 50 * time.Millisecond

	r.Execute(context.Background(), def, runnerEvent(), "")

	_, content := taskStatus(t, filepath.Join(root, "Tasks"))
	if !strings.Contains(content, "status: FAILED") {
		t.Fatalf("task not FAILED:\n%s", content)
	}
	if !strings.Contains(content, "timeout after") {
		t.Errorf("error summary does not identify the timeout:\n%s", content)
	}
}

func TestExecuteCleanExitAtDeadline(t *testing.T) {
	// The process exits 0 in the same instant the timeout fires: the
	// clean exit wins.
	starter := func(ctx context.Context, cmd Command, w io.Writer) (Process, error) {
		p := &fakeProcess{pid: 4242, waitCh: make(chan struct{}), output: "done\n", sink: w}
		go func() {
			<-ctx.Done()
			close(p.waitCh)
		}()
		return p, nil
	}
	r, root := testRunner(t, starter)
	def := runnerDef()
	def.Timeout = 50 * time.Millisecond

	r.Execute(context.Background(), def, runnerEvent(), "")

	_, content := taskStatus(t, filepath.Join(root, "Tasks"))
	if !strings.Contains(content, "status: PROCESSED") {
		t.Fatalf("clean exit at the deadline recorded as failure:\n%s", content)
	}
}

func TestExecuteSpawnError(t *testing.T) {
	starter := func(ctx context.Context, cmd Command, w io.Writer) (Process, error) {
		return nil, fmt.Errorf("executable not found")
	}
	r, root := testRunner(t, starter)

	r.Execute(context.Background(), runnerDef(), runnerEvent(), "")

	_, content := taskStatus(t, filepath.Join(root, "Tasks"))
	if !strings.Contains(content, "status: FAILED") {
		t.Fatalf("task not FAILED:\n%s", content)
	}
	if !strings.Contains(content, "executable not found") {
		t.Errorf("error summary missing spawn failure:\n%s", content)
	}
}

func TestExecuteQueuedPickup(t *testing.T) {
	r, root := testRunner(t, scriptedStarter("ok\n", nil))
	def := runnerDef()
	ev := runnerEvent()

	// The orchestrator moved the queued task to IN_PROGRESS before
	// handing it over.
	led := ledger.New(filepath.Join(root, "Tasks"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	taskPath, err := led.Create(def, ev, ledger.StatusInProgress, "")
	if err != nil {
		t.Fatal(err)
	}

	r.Execute(context.Background(), def, ev, taskPath)

	_, content := taskStatus(t, filepath.Join(root, "Tasks"))
	if !strings.Contains(content, "status: PROCESSED") {
		t.Fatalf("task not PROCESSED:\n%s", content)
	}
	if !strings.Contains(content, "execution_log:") {
		t.Errorf("log link not recorded on queued pickup:\n%s", content)
	}
}

func TestExecutePostProcessRemovesTrigger(t *testing.T) {
	r, root := testRunner(t, scriptedStarter("ok\n", nil))

	src := filepath.Join(root, "In", "a.md")
	if err := os.MkdirAll(filepath.Dir(src), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(src, []byte("Hello %% #ai do X %% world\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	def := runnerDef()
	def.PostProcess = agent.PostProcessRemoveTrigger
	def.ContentRegex = regexp.MustCompile(`(?im)%%.*?#ai\b.*?%%`)

	r.Execute(context.Background(), def, runnerEvent(), "")

	data, err := os.ReadFile(src)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "#ai") {
		t.Fatalf("trigger content not removed: %q", string(data))
	}
	if !strings.Contains(string(data), "Hello") || !strings.Contains(string(data), "world") {
		t.Fatalf("surrounding content damaged: %q", string(data))
	}
}
