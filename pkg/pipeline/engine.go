package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/snorkysnark/ralsei-dev/pkg/storage"
)

// Logger defines the logging interface for the Engine.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Engine drives a pipeline against a database: it walks tasks in dependency
// order, skips the ones whose output already exists, executes the rest, and
// cascades deletions. Completion is always a fresh read of database state,
// so a crashed or interrupted run resumes exactly where it stopped.
type Engine struct {
	db      storage.DB
	p       *Pipeline
	logger  Logger
	workers int
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// Workers enables bounded concurrent execution of independent tasks. A task
// becomes eligible only once all of its dependencies are complete; with
// n <= 1 the engine runs strictly sequentially.
func Workers(n int) EngineOption {
	return func(e *Engine) { e.workers = n }
}

func NewEngine(db storage.DB, p *Pipeline, logger Logger, opts ...EngineOption) *Engine {
	e := &Engine{db: db, p: p, logger: logger, workers: 1}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunAll executes every incomplete task in topological order. The walk stops
// at the first failure; everything committed before it stays committed, so a
// later RunAll resumes at the failed task.
func (e *Engine) RunAll(ctx context.Context) error {
	runID := shortRunID()
	e.logger.Infof("run %s: %d tasks", runID, len(e.p.order))
	if e.workers > 1 {
		return e.runPool(ctx, runID)
	}
	for _, t := range e.p.order {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.runTask(ctx, runID, t); err != nil {
			e.logger.Errorf("run %s: task %q failed: %v", runID, t.Name(), err)
			return err
		}
	}
	e.logger.Infof("run %s: done", runID)
	return nil
}

// RunTask executes the single named task, ignoring the completion state of
// its dependencies; the caller is responsible for having satisfied them. An
// already-complete task is skipped.
func (e *Engine) RunTask(ctx context.Context, name string) error {
	t, ok := e.p.Task(name)
	if !ok {
		return &GraphError{Task: name, Err: errors.New("unknown task")}
	}
	return e.runTask(ctx, shortRunID(), t)
}

// DeleteFrom deletes the named task's output and the outputs of everything
// transitively built on it, descendants first. A failure stops the cascade;
// tasks already deleted stay deleted.
func (e *Engine) DeleteFrom(ctx context.Context, name string) error {
	order, err := e.p.DeleteOrder(name)
	if err != nil {
		return err
	}
	for _, t := range order {
		e.logger.Infof("deleting output of task %q (%s)", t.Name(), t.Output())
		if err := t.Delete(ctx, e.db); err != nil {
			e.logger.Errorf("delete of task %q failed: %v", t.Name(), err)
			return &DeletionError{Task: t.Name(), Err: err}
		}
	}
	return nil
}

// TaskStatus is one line of a pipeline status report.
type TaskStatus struct {
	Name     string
	Table    string
	Complete bool
}

// Describe reports the resolved execution order and each task's completion
// state. Read-only.
func (e *Engine) Describe(ctx context.Context) ([]TaskStatus, error) {
	out := make([]TaskStatus, 0, len(e.p.order))
	for _, t := range e.p.order {
		done, err := t.IsComplete(ctx, e.db)
		if err != nil {
			return nil, &ExecutionError{Task: t.Name(), Err: errors.Wrap(err, "completion check")}
		}
		out = append(out, TaskStatus{Name: t.Name(), Table: t.Output().String(), Complete: done})
	}
	return out, nil
}

// runTask checks completion and runs the task when needed, wrapping failures
// with the task name. Template failures keep their own type.
func (e *Engine) runTask(ctx context.Context, runID string, t Task) error {
	done, err := t.IsComplete(ctx, e.db)
	if err != nil {
		return &ExecutionError{Task: t.Name(), Err: errors.Wrap(err, "completion check")}
	}
	if done {
		e.logger.Infof("run %s: task %q already complete, skipping", runID, t.Name())
		return nil
	}
	e.logger.Infof("run %s: running task %q -> %s", runID, t.Name(), t.Output())
	if err := t.Run(ctx, e.db); err != nil {
		var tmplErr *TemplateError
		if errors.As(err, &tmplErr) {
			return err
		}
		return &ExecutionError{Task: t.Name(), Err: err}
	}
	e.logger.Infof("run %s: task %q complete", runID, t.Name())
	return nil
}

type taskResult struct {
	name    string
	err     error
	skipped bool
}

// runPool executes independent tasks concurrently on a bounded worker pool.
// A task is admitted once all of its dependencies have completed. On the
// first failure the pool stops admitting tasks, lets the running ones
// finish, and reports the aggregate, so no task is ever left half-run by an
// external cancellation.
func (e *Engine) runPool(ctx context.Context, runID string) error {
	taskChan := make(chan Task, len(e.p.order))
	results := make(chan taskResult)
	var stop atomic.Bool

	var wg sync.WaitGroup
	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range taskChan {
				if stop.Load() || ctx.Err() != nil {
					results <- taskResult{name: t.Name(), skipped: true}
					continue
				}
				results <- taskResult{name: t.Name(), err: e.runTask(ctx, runID, t)}
			}
		}()
	}

	pending := make(map[string]int, len(e.p.order))
	for _, t := range e.p.order {
		pending[t.Name()] = len(t.Inputs())
	}

	inFlight := 0
	admit := func(name string) {
		taskChan <- e.p.tasks[name]
		inFlight++
	}
	for _, t := range e.p.order {
		if pending[t.Name()] == 0 {
			admit(t.Name())
		}
	}

	taskErrors := make(map[string]error)
	handle := func(r taskResult) {
		inFlight--
		if r.skipped {
			return
		}
		if r.err != nil {
			stop.Store(true)
			taskErrors[r.name] = r.err
			e.logger.Errorf("run %s: task %q failed: %v", runID, r.name, r.err)
			return
		}
		for _, dep := range e.p.g.dependents[r.name] {
			pending[dep]--
			if pending[dep] == 0 && !stop.Load() {
				admit(dep)
			}
		}
	}
	for inFlight > 0 {
		if stop.Load() {
			handle(<-results)
			continue
		}
		select {
		case <-ctx.Done():
			stop.Store(true)
			e.logger.Errorf("run %s: cancelled: %v", runID, ctx.Err())
			taskErrors["<cancelled>"] = ctx.Err()
		case r := <-results:
			handle(r)
		}
	}
	close(taskChan)
	wg.Wait()

	if len(taskErrors) > 0 {
		if len(taskErrors) == 1 {
			for _, err := range taskErrors {
				return err
			}
		}
		var combined []string
		for name, err := range taskErrors {
			combined = append(combined, fmt.Sprintf("%s: %v", name, err))
		}
		return errors.Errorf("run %s failed: %s", runID, strings.Join(combined, "; "))
	}
	e.logger.Infof("run %s: done", runID)
	return nil
}

func shortRunID() string {
	return uuid.NewString()[:8]
}
