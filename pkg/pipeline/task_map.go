package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/snorkysnark/ralsei-dev/pkg/models"
	"github.com/snorkysnark/ralsei-dev/pkg/storage"
)

// MapToNewTable creates a new table from the column declarations, applies a
// MultiRowFunc to every input row (or to one synthetic empty row when the
// task has no input), and inserts all produced rows. The create and the
// inserts commit as one transaction, so a failed run leaves no table behind.
// Complete when the table exists.
type MapToNewTable struct {
	name      string
	table     models.TableRef
	columns   []models.Column
	fn        MultiRowFunc
	input     string
	selectSQL string
	bindings  map[string]string
}

// MapTableOpt configures a MapToNewTable task.
type MapTableOpt func(*MapToNewTable)

// MapFrom names the task whose output table supplies the input rows.
func MapFrom(task string) MapTableOpt {
	return func(t *MapToNewTable) { t.input = task }
}

// MapSelect overrides the input row query with a statement template
// (default: SELECT * FROM {{.<input task>}}).
func MapSelect(sqlTemplate string) MapTableOpt {
	return func(t *MapToNewTable) { t.selectSQL = sqlTemplate }
}

func NewMapToNewTable(name string, table models.TableRef, columns []models.Column, fn MultiRowFunc, opts ...MapTableOpt) *MapToNewTable {
	t := &MapToNewTable{name: name, table: table, columns: columns, fn: fn}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *MapToNewTable) Name() string            { return t.name }
func (t *MapToNewTable) Output() models.TableRef { return t.table }

func (t *MapToNewTable) Inputs() []string {
	if t.input == "" {
		return nil
	}
	return []string{t.input}
}

func (t *MapToNewTable) validate() error {
	if t.name == "" {
		return errors.New("empty task name")
	}
	if t.table.Zero() {
		return errors.New("no output table")
	}
	if len(t.columns) == 0 {
		return errors.New("no columns declared")
	}
	if t.fn == nil {
		return errors.New("no row function")
	}
	return checkUniqueColumns(t.columns)
}

func (t *MapToNewTable) resolve(outputs map[string]models.TableRef) error {
	bindings, err := inputBindings(t.name, t.Inputs(), outputs)
	if err != nil {
		return err
	}
	bindings["table"] = t.table.Quoted()
	t.bindings = bindings
	return nil
}

func (t *MapToNewTable) IsComplete(ctx context.Context, db storage.DB) (bool, error) {
	return db.TableExists(ctx, t.table)
}

func (t *MapToNewTable) createStmt() string {
	defs := make([]string, len(t.columns))
	for i, col := range t.columns {
		defs[i] = col.DDL()
	}
	return fmt.Sprintf("CREATE TABLE %s (%s)", t.table.Quoted(), strings.Join(defs, ", "))
}

func (t *MapToNewTable) inputRows(ctx context.Context, db storage.DB) (storage.Rows, error) {
	if t.input == "" && t.selectSQL == "" {
		// no input table: a single synthetic empty row
		return &syntheticRows{}, nil
	}
	sel := t.selectSQL
	if sel == "" {
		sel = fmt.Sprintf("SELECT * FROM {{.%s}}", t.input)
	}
	stmts, err := renderStatements(t.name, sel, t.bindings)
	if err != nil {
		return nil, err
	}
	if len(stmts) != 1 {
		return nil, &TemplateError{Task: t.name, Err: errors.New("select template must render exactly one statement")}
	}
	return db.Query(ctx, stmts[0])
}

func (t *MapToNewTable) Run(ctx context.Context, db storage.DB) error {
	rows, err := t.inputRows(ctx, db)
	if err != nil {
		return err
	}
	defer rows.Close()

	tx, err := db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	abort := func(err error) error {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Wrapf(err, "rollback failed: %v; run error", rbErr)
		}
		return err
	}

	if err := tx.Exec(ctx, t.createStmt()); err != nil {
		return abort(err)
	}
	valueCols := models.ValueColumnNames(t.columns)
	for rows.Next() {
		in, err := rows.Scan()
		if err != nil {
			return abort(err)
		}
		seq, err := t.fn(ctx, in)
		if err != nil {
			return abort(errors.Wrap(err, "row function"))
		}
		var produced []models.Row
		for {
			out, ok := seq.Next()
			if !ok {
				break
			}
			produced = append(produced, out)
		}
		if err := seq.Err(); err != nil {
			return abort(errors.Wrap(err, "row function"))
		}
		if err := tx.InsertRows(ctx, t.table, valueCols, produced); err != nil {
			return abort(err)
		}
	}
	if err := rows.Err(); err != nil {
		return abort(err)
	}
	return tx.Commit()
}

func (t *MapToNewTable) Delete(ctx context.Context, db storage.DB) error {
	return db.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", t.table.Quoted()))
}

// syntheticRows yields a single empty row, for map tasks without an input.
type syntheticRows struct {
	yielded bool
}

func (r *syntheticRows) Next() bool {
	if r.yielded {
		return false
	}
	r.yielded = true
	return true
}

func (r *syntheticRows) Scan() (models.Row, error) { return models.Row{}, nil }
func (r *syntheticRows) Err() error                { return nil }
func (r *syntheticRows) Close() error              { return nil }

// MapToNewColumns adds declared value columns plus a boolean done-marker
// column to the output table of another task, then applies a SingleRowFunc
// to every not-yet-done row, writing the new column values and the done
// marker in a single per-row UPDATE. Each row commits on its own, so an
// interrupted run leaves correctly marked partial progress and the not-done
// predicate is the only recovery mechanism needed.
//
// Complete when all columns exist and no undone rows remain.
type MapToNewColumns struct {
	name       string
	input      string
	columns    []models.Column
	keys       []string
	fn         SingleRowFunc
	doneColumn string
	selectSQL  string
	table      models.TableRef
	bindings   map[string]string
}

// MapColumnsOpt configures a MapToNewColumns task.
type MapColumnsOpt func(*MapToNewColumns)

// DoneColumn overrides the done-marker column name
// (default __<task name>_done).
func DoneColumn(name string) MapColumnsOpt {
	return func(t *MapToNewColumns) { t.doneColumn = name }
}

// ColumnsSelect overrides the input row query with a statement template
// (default: SELECT * FROM {{.table}} WHERE {{.not_done}}). A custom query
// must keep the {{.not_done}} predicate to stay resumable.
func ColumnsSelect(sqlTemplate string) MapColumnsOpt {
	return func(t *MapToNewColumns) { t.selectSQL = sqlTemplate }
}

// NewMapToNewColumns declares a row-level resumable task extending the
// output table of the input task. keys name the columns identifying a row in
// the UPDATE; they must be part of the select output.
func NewMapToNewColumns(name, input string, columns []models.Column, keys []string, fn SingleRowFunc, opts ...MapColumnsOpt) *MapToNewColumns {
	t := &MapToNewColumns{name: name, input: input, columns: columns, keys: keys, fn: fn}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *MapToNewColumns) Name() string            { return t.name }
func (t *MapToNewColumns) Output() models.TableRef { return t.table }
func (t *MapToNewColumns) Inputs() []string        { return []string{t.input} }

func (t *MapToNewColumns) validate() error {
	if t.name == "" {
		return errors.New("empty task name")
	}
	if t.input == "" {
		return errors.New("no input task")
	}
	if len(t.columns) == 0 {
		return errors.New("no columns declared")
	}
	if len(t.keys) == 0 {
		return errors.New("no key columns")
	}
	if t.fn == nil {
		return errors.New("no row function")
	}
	return checkUniqueColumns(t.allColumns())
}

func (t *MapToNewColumns) resolve(outputs map[string]models.TableRef) error {
	bindings, err := inputBindings(t.name, t.Inputs(), outputs)
	if err != nil {
		return err
	}
	if t.doneColumn == "" {
		t.doneColumn = fmt.Sprintf("__%s_done", t.name)
	}
	t.table = outputs[t.input]
	bindings["table"] = t.table.Quoted()
	bindings["not_done"] = fmt.Sprintf("NOT %q", t.doneColumn)
	t.bindings = bindings
	return nil
}

// allColumns is the declared value columns plus the done marker, which is
// added as part of this task's column set and initialized false.
func (t *MapToNewColumns) allColumns() []models.Column {
	cols := make([]models.Column, 0, len(t.columns)+1)
	cols = append(cols, t.columns...)
	cols = append(cols, models.Column{
		Name:       t.doneColumn,
		Definition: "boolean NOT NULL DEFAULT FALSE",
	})
	return cols
}

func (t *MapToNewColumns) selectStmt() (string, error) {
	sel := t.selectSQL
	if sel == "" {
		sel = "SELECT * FROM {{.table}} WHERE {{.not_done}}"
	}
	stmts, err := renderStatements(t.name, sel, t.bindings)
	if err != nil {
		return "", err
	}
	if len(stmts) != 1 {
		return "", &TemplateError{Task: t.name, Err: errors.New("select template must render exactly one statement")}
	}
	return stmts[0], nil
}

func (t *MapToNewColumns) IsComplete(ctx context.Context, db storage.DB) (bool, error) {
	ok, err := db.ColumnsExist(ctx, t.table, models.ColumnNames(t.allColumns()))
	if err != nil || !ok {
		return false, err
	}
	sel, err := t.selectStmt()
	if err != nil {
		return false, err
	}
	rows, err := db.Query(ctx, sel)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	undone := rows.Next()
	if err := rows.Err(); err != nil {
		return false, err
	}
	return !undone, nil
}

func (t *MapToNewColumns) Run(ctx context.Context, db storage.DB) error {
	// Each missing column is added on its own; the adds are idempotent
	// across interrupted runs because presence is checked first.
	for _, col := range t.allColumns() {
		exists, err := db.ColumnsExist(ctx, t.table, []string{col.Name})
		if err != nil {
			return err
		}
		if !exists {
			if err := db.Exec(ctx, addColumnStmt(t.table, col)); err != nil {
				return err
			}
		}
	}

	sel, err := t.selectStmt()
	if err != nil {
		return err
	}
	rows, err := db.Query(ctx, sel)
	if err != nil {
		return err
	}
	defer rows.Close()

	valueCols := models.ValueColumnNames(t.columns)
	setCols := append(append([]string(nil), valueCols...), t.doneColumn)
	for rows.Next() {
		in, err := rows.Scan()
		if err != nil {
			return err
		}
		out, err := t.fn(ctx, in)
		if err != nil {
			return errors.Wrap(err, "row function")
		}
		set := models.Row{t.doneColumn: true}
		for _, c := range valueCols {
			set[c] = out[c]
		}
		where := models.Row{}
		for _, k := range t.keys {
			where[k] = in[k]
		}
		// one UPDATE writes the values and the done marker together
		if err := db.UpdateRow(ctx, t.table, setCols, set, t.keys, where); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (t *MapToNewColumns) Delete(ctx context.Context, db storage.DB) error {
	for _, col := range t.allColumns() {
		if err := db.Exec(ctx, dropColumnStmt(t.table, col.Name)); err != nil {
			return err
		}
	}
	return nil
}
