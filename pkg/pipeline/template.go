package pipeline

import (
	"strings"
	"text/template"

	"github.com/pkg/errors"
)

// SplitMarker, on a line of its own, divides one statement template into an
// ordered sequence of statements executed within a single task run. It lets
// a logically atomic bootstrap (create + seed insert) stay one graph node.
const SplitMarker = "{%split%}"

// renderStatements binds a task's placeholders and splits the result into
// the statement sequence. Placeholders resolve against the bindings map:
// {{.table}} is the task's own output, {{.<input task>}} an input's output,
// and {{.not_done}} the not-done predicate on row-level resumable tasks.
//
// Rendering is pure. An unresolved placeholder is a *TemplateError; a split
// sequence whose later statement references an identifier an earlier one has
// not created yet is only caught at execution time.
func renderStatements(task, tmpl string, bindings map[string]string) ([]string, error) {
	t, err := template.New(task).Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return nil, &TemplateError{Task: task, Err: err}
	}
	var sb strings.Builder
	if err := t.Execute(&sb, bindings); err != nil {
		return nil, &TemplateError{Task: task, Err: err}
	}
	stmts := splitStatements(sb.String())
	if len(stmts) == 0 {
		return nil, &TemplateError{Task: task, Err: errors.New("template rendered no statements")}
	}
	return stmts, nil
}

func splitStatements(text string) []string {
	var stmts []string
	var cur []string
	flush := func() {
		stmt := strings.TrimSpace(strings.Join(cur, "\n"))
		if stmt != "" {
			stmts = append(stmts, stmt)
		}
		cur = cur[:0]
	}
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == SplitMarker {
			flush()
			continue
		}
		cur = append(cur, line)
	}
	flush()
	return stmts
}
