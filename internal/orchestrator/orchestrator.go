// Package orchestrator wires the event source, agent registry,
// concurrency controller, task ledger, and executor runner into the
// single event loop that dispatches work.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/orchard-sh/orchard/internal/agent"
	"github.com/orchard-sh/orchard/internal/config"
	"github.com/orchard-sh/orchard/internal/executor"
	"github.com/orchard-sh/orchard/internal/ledger"
	"github.com/orchard-sh/orchard/internal/slots"
	"github.com/orchard-sh/orchard/internal/watch"
)

// shutdownGrace bounds how long Run waits for in-flight workers after
// the context is cancelled.
const shutdownGrace = 30 * time.Second

// EventSource is what the loop consumes events from. The seam for
// tests; the real implementation is watch.Source.
type EventSource interface {
	Start(ctx context.Context) error
	Events() <-chan watch.Event
}

// Orchestrator is the event loop and its collaborators.
type Orchestrator struct {
	cfg       *config.Config
	vaultRoot string
	registry  *agent.Registry
	ledger    *ledger.Ledger
	slots     *slots.Controller
	runner    *executor.Runner
	source    EventSource
	log       *slog.Logger

	// warned tracks queued task paths that reference agents missing
	// from the catalog; one warning per path, not one per poll.
	warned map[string]bool

	wg sync.WaitGroup
}

// New assembles an orchestrator over a loaded config and registry.
func New(cfg *config.Config, vaultRoot string, reg *agent.Registry, source EventSource, log *slog.Logger) *Orchestrator {
	led := ledger.New(filepath.Join(vaultRoot, cfg.Orchestrator.TasksDir), log)
	reg.SetTaskIndex(led)

	return &Orchestrator{
		cfg:       cfg,
		vaultRoot: vaultRoot,
		registry:  reg,
		ledger:    led,
		slots:     slots.New(cfg.Orchestrator.MaxConcurrent),
		runner:    executor.NewRunner(vaultRoot, cfg.Orchestrator.LogsDir, led, log),
		source:    source,
		log:       log,
		warned:    make(map[string]bool),
	}
}

// Ledger exposes the task ledger (used by the status command).
func (o *Orchestrator) Ledger() *ledger.Ledger { return o.ledger }

// SetStarter swaps the subprocess starter. Tests use it to avoid
// forking real executors.
func (o *Orchestrator) SetStarter(s executor.Starter) {
	o.runner.Starter = s
}

// Run starts the event loop and blocks until ctx is cancelled. New
// dispatches stop immediately on cancellation; in-flight workers get
// shutdownGrace to finish. Tasks still IN_PROGRESS at a forced exit
// remain IN_PROGRESS on disk.
func (o *Orchestrator) Run(ctx context.Context) error {
	for _, dir := range []string{o.cfg.Orchestrator.TasksDir, o.cfg.Orchestrator.LogsDir} {
		if err := os.MkdirAll(filepath.Join(o.vaultRoot, dir), 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	// Interrupted executions from a previous run are surfaced, not
	// resurrected. Operator policy decides what happens to them.
	for _, path := range o.ledger.ScanInProgress() {
		o.log.Warn("task left IN_PROGRESS by a previous run", "task", path)
	}

	if err := o.source.Start(ctx); err != nil {
		return fmt.Errorf("starting event source: %w", err)
	}

	for _, def := range o.registry.Agents() {
		o.log.Info("agent loaded",
			"abbreviation", def.Abbreviation,
			"name", def.DisplayName,
			"trigger", def.TriggerEvent,
			"glob", def.TriggerGlob,
			"executor", def.Executor,
		)
	}
	o.log.Info("orchestrator started",
		"vault", o.vaultRoot,
		"agents", o.registry.Len(),
		"max_concurrent", o.cfg.Orchestrator.MaxConcurrent,
	)

	poll := o.cfg.Orchestrator.PollDuration()
	events := o.source.Events()

	for {
		select {
		case <-ctx.Done():
			return o.shutdown()
		case ev, ok := <-events:
			if !ok {
				return o.shutdown()
			}
			o.processEvent(ev)
		case <-time.After(poll):
		}
		o.processQueuedTasks()
	}
}

// processEvent matches one event against the registry and dispatches or
// queues each matching agent. After the first reservation denial the
// remaining matches queue directly — the pool is saturated and further
// reserve attempts this pass cannot succeed in a useful order.
func (o *Orchestrator) processEvent(ev watch.Event) {
	matches := o.registry.Match(ev)
	if len(matches) == 0 {
		return
	}

	saturated := false
	for _, def := range matches {
		if !saturated && o.slots.Reserve(def.Abbreviation, def.MaxParallel) {
			o.dispatch(def, ev, "")
			continue
		}
		saturated = true
		if _, err := o.ledger.Create(def, ev, ledger.StatusQueued, ""); err != nil {
			o.log.Error("cannot persist queued task", "agent", def.Abbreviation, "path", ev.Path, "error", err)
			continue
		}
		o.log.Info("queued", "agent", def.Abbreviation, "path", ev.Path, "event", ev.Kind)
	}
}

// processQueuedTasks dispatches at most one QUEUED task, oldest first.
// A reservation failure stops the pass: the remaining queue waits for
// the next iteration instead of being rescanned per agent.
func (o *Orchestrator) processQueuedTasks() {
	for _, q := range o.ledger.ScanQueued() {
		def := o.registry.Lookup(q.TaskType)
		if def == nil {
			if !o.warned[q.Path] {
				o.warned[q.Path] = true
				o.log.Warn("queued task references unknown agent", "task", q.Path, "task_type", q.TaskType)
			}
			continue
		}
		if !o.slots.Reserve(def.Abbreviation, def.MaxParallel) {
			return
		}
		if err := o.ledger.UpdateStatus(q.Path, ledger.StatusInProgress, "dispatched from queue"); err != nil {
			o.log.Error("cannot dispatch queued task", "task", q.Path, "error", err)
			o.slots.Release(def.Abbreviation)
			return
		}
		o.log.Info("dispatching queued task", "agent", def.Abbreviation, "task", q.Path)
		o.dispatch(def, q.Event, q.Path)
		return
	}
}

// dispatch hands one reserved execution to a worker goroutine. The slot
// is released when the worker returns, on every path.
func (o *Orchestrator) dispatch(def *agent.Definition, ev watch.Event, taskPath string) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.slots.Release(def.Abbreviation)
		// Detached from the loop context: shutdown stops new dispatches
		// but lets in-flight executions finish within the grace period.
		// The per-execution timeout still applies.
		o.runner.Execute(context.Background(), def, ev, taskPath)
	}()
}

func (o *Orchestrator) shutdown() error {
	o.log.Info("shutting down", "in_flight", o.slots.InFlight())

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.log.Info("all workers finished")
	case <-time.After(shutdownGrace):
		o.log.Warn("grace period elapsed, exiting with workers in flight", "in_flight", o.slots.InFlight())
	}
	return nil
}
