package pipeline

import (
	"github.com/pkg/errors"

	"github.com/snorkysnark/ralsei-dev/pkg/models"
)

// Pipeline is the named collection of tasks plus the resolved dependency
// graph. Built once from the task declarations and immutable afterwards.
//
// Construction is two-phase: tasks are declared with placeholder references
// to other tasks by name, then resolved to concrete output tables in
// dependency order once the whole mapping is known.
type Pipeline struct {
	tasks map[string]Task
	order []Task // topological, declaration-order ties
	g     *graph
}

// New builds and resolves a pipeline. Duplicate task names, references to
// unknown tasks, invalid task definitions and dependency cycles all fail
// here with a *GraphError; no task runs.
func New(tasks ...Task) (*Pipeline, error) {
	p := &Pipeline{tasks: make(map[string]Task, len(tasks))}

	names := make([]string, 0, len(tasks))
	deps := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		if err := t.validate(); err != nil {
			return nil, &GraphError{Task: t.Name(), Err: errors.Wrap(err, "invalid task")}
		}
		if _, dup := p.tasks[t.Name()]; dup {
			return nil, &GraphError{Task: t.Name(), Err: errors.New("duplicate task name")}
		}
		p.tasks[t.Name()] = t
		names = append(names, t.Name())
		deps[t.Name()] = t.Inputs()
	}

	g, err := newGraph(names, deps)
	if err != nil {
		return nil, err
	}
	orderNames, err := g.topologicalOrder()
	if err != nil {
		return nil, err
	}

	// resolve in dependency order so every input's output table is known
	outputs := make(map[string]models.TableRef, len(tasks))
	p.order = make([]Task, len(orderNames))
	for i, name := range orderNames {
		t := p.tasks[name]
		if err := t.resolve(outputs); err != nil {
			return nil, err
		}
		outputs[name] = t.Output()
		p.order[i] = t
	}
	p.g = g
	return p, nil
}

// Tasks returns the tasks in topological order.
func (p *Pipeline) Tasks() []Task {
	return append([]Task(nil), p.order...)
}

// Task looks up a task by name.
func (p *Pipeline) Task(name string) (Task, bool) {
	t, ok := p.tasks[name]
	return t, ok
}

// DeleteOrder returns the given task and all of its transitive dependents in
// reverse topological order: descendants first, the task itself last, so no
// output ever dangles on an already-dropped dependency mid-cascade.
func (p *Pipeline) DeleteOrder(name string) ([]Task, error) {
	if _, ok := p.tasks[name]; !ok {
		return nil, &GraphError{Task: name, Err: errors.New("unknown task")}
	}
	set := p.g.descendants(name)
	set[name] = struct{}{}
	var out []Task
	for i := len(p.order) - 1; i >= 0; i-- {
		if _, in := set[p.order[i].Name()]; in {
			out = append(out, p.order[i])
		}
	}
	return out, nil
}
