package pipeline

import "github.com/pkg/errors"

// graph is the dependency graph inferred from the tasks' declared inputs.
// Edges point from a task to the tasks it depends on.
type graph struct {
	names      []string // declaration order
	deps       map[string][]string
	dependents map[string][]string
}

func newGraph(names []string, deps map[string][]string) (*graph, error) {
	g := &graph{
		names:      names,
		deps:       deps,
		dependents: make(map[string][]string),
	}
	for _, name := range names {
		for _, dep := range deps[name] {
			if _, ok := deps[dep]; !ok {
				return nil, &GraphError{Task: name, Err: errors.Errorf("references unknown task %q", dep)}
			}
			g.dependents[dep] = append(g.dependents[dep], name)
		}
	}
	return g, nil
}

// topologicalOrder returns a deterministic order in which every task appears
// after all of its dependencies, with ties broken by declaration order.
func (g *graph) topologicalOrder() ([]string, error) {
	placed := make(map[string]bool, len(g.names))
	order := make([]string, 0, len(g.names))
	for len(order) < len(g.names) {
		progressed := false
		for _, name := range g.names {
			if placed[name] {
				continue
			}
			ready := true
			for _, dep := range g.deps[name] {
				if !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				placed[name] = true
				order = append(order, name)
				progressed = true
			}
		}
		if !progressed {
			var stuck []string
			for _, name := range g.names {
				if !placed[name] {
					stuck = append(stuck, name)
				}
			}
			return nil, &GraphError{Err: errors.Errorf("dependency cycle among tasks %v", stuck)}
		}
	}
	return order, nil
}

// descendants returns the set of tasks transitively depending on the given
// task's output.
func (g *graph) descendants(name string) map[string]struct{} {
	out := make(map[string]struct{})
	stack := append([]string(nil), g.dependents[name]...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := out[cur]; seen {
			continue
		}
		out[cur] = struct{}{}
		stack = append(stack, g.dependents[cur]...)
	}
	return out
}
