package pipeline

import "fmt"

// GraphError reports a pipeline definition problem: a dependency cycle, a
// reference to a task name that does not exist, or a duplicate task name.
// Fatal at construction time; no task runs.
type GraphError struct {
	Task string // involved task, when one can be named
	Err  error
}

func (e *GraphError) Error() string {
	if e.Task != "" {
		return fmt.Sprintf("pipeline graph: task %q: %v", e.Task, e.Err)
	}
	return fmt.Sprintf("pipeline graph: %v", e.Err)
}

func (e *GraphError) Unwrap() error { return e.Err }

// TemplateError reports an unresolved placeholder or a malformed statement
// template at render time.
type TemplateError struct {
	Task string
	Err  error
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("task %q: template: %v", e.Task, e.Err)
}

func (e *TemplateError) Unwrap() error { return e.Err }

// ExecutionError reports a failed statement or row function during a task
// run. The task remains incomplete; rows and tasks already committed are
// untouched, so the run is safe to retry.
type ExecutionError struct {
	Task string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("task %q: %v", e.Task, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// DeletionError reports a failure while dropping a task's output. Tasks
// already deleted earlier in the cascade stay deleted.
type DeletionError struct {
	Task string
	Err  error
}

func (e *DeletionError) Error() string {
	return fmt.Sprintf("task %q: delete: %v", e.Task, e.Err)
}

func (e *DeletionError) Unwrap() error { return e.Err }
