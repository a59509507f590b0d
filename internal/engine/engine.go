// Package engine ties tool selection, code generation, sandbox execution,
// history, and the event hub together. Both serving surfaces and the CLI
// go through it.
package engine

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/jkaninda/sanduku/internal/events"
	"github.com/jkaninda/sanduku/internal/history"
	"github.com/jkaninda/sanduku/internal/sandbox"
	"github.com/jkaninda/sanduku/internal/toolindex"
)

// ScriptGenerator turns a tool selection into an executable script.
// required maps server names to the tool names the script needs.
type ScriptGenerator interface {
	Complete(required map[string][]string, customCalls map[string]string, header string) string
}

// Engine runs tasks and raw code through the sandbox.
type Engine struct {
	exec     *sandbox.Executor
	index    *toolindex.Index
	selector *toolindex.Selector
	gen      ScriptGenerator
	store    history.Store // nil disables persistence
	hub      *events.Hub   // nil disables events
	logger   *slog.Logger
}

// New wires an engine. store and hub may be nil.
func New(exec *sandbox.Executor, index *toolindex.Index, selector *toolindex.Selector, gen ScriptGenerator, store history.Store, hub *events.Hub, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		exec:     exec,
		index:    index,
		selector: selector,
		gen:      gen,
		store:    store,
		hub:      hub,
		logger:   logger,
	}
}

// Execution is the engine-level result: the sandbox outcome plus the
// execution id and, for tasks, the generated code.
type Execution struct {
	ID      string
	Kind    string // "task" or "code"
	Task    string
	Code    string
	Outcome sandbox.Outcome
}

// ExecuteCode runs a raw script.
func (e *Engine) ExecuteCode(ctx context.Context, code string) *Execution {
	return e.run(ctx, &Execution{ID: uuid.NewString(), Kind: "code", Code: code})
}

// ExecuteTask selects tools for the task, generates the script, and runs it.
func (e *Engine) ExecuteTask(ctx context.Context, task string) (*Execution, error) {
	tools, err := e.index.DescribedTools()
	if err != nil {
		return nil, err
	}
	required := e.selector.Select(ctx, task, tools)
	code := e.gen.Complete(required, nil, "# Task: "+firstLine(task))

	e.logger.InfoContext(ctx, "task code generated",
		slog.String("task", firstLine(task)),
		slog.Int("servers", len(required)))

	return e.run(ctx, &Execution{ID: uuid.NewString(), Kind: "task", Task: task, Code: code}), nil
}

// Index exposes the tool index for the listing and search surfaces.
func (e *Engine) Index() *toolindex.Index { return e.index }

// History exposes the execution store, nil when persistence is disabled.
func (e *Engine) History() history.Store { return e.store }

func (e *Engine) run(ctx context.Context, ex *Execution) *Execution {
	e.publish(events.Event{Type: events.TypeExecutionStarted, ID: ex.ID})

	ex.Outcome = e.exec.Execute(ctx, ex.Code)

	e.publish(events.Event{
		Type:     events.TypeExecutionFinished,
		ID:       ex.ID,
		Status:   ex.Outcome.Status.String(),
		WorkerID: ex.Outcome.WorkerID,
	})
	e.record(ctx, ex)
	return ex
}

func (e *Engine) record(ctx context.Context, ex *Execution) {
	if e.store == nil {
		return
	}
	rec := &history.Record{
		ID:         ex.ID,
		Kind:       ex.Kind,
		Task:       ex.Task,
		Code:       ex.Code,
		Status:     ex.Outcome.Status.String(),
		Output:     ex.Outcome.Output,
		WorkerID:   ex.Outcome.WorkerID,
		DurationMS: ex.Outcome.Duration.Milliseconds(),
	}
	if ex.Outcome.Err != nil {
		rec.Error = ex.Outcome.Err.Error()
	}
	if err := e.store.Append(ctx, rec); err != nil {
		e.logger.Warn("recording execution failed",
			slog.String("id", ex.ID),
			slog.String("error", err.Error()))
	}
}

func (e *Engine) publish(ev events.Event) {
	if e.hub != nil {
		e.hub.Publish(ev)
	}
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
