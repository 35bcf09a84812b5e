package pipeline

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/snorkysnark/ralsei-dev/pkg/models"
	"github.com/snorkysnark/ralsei-dev/pkg/storage"
)

// CreateTableSQL creates a new table from a user-authored statement template.
// The template may contain a {%split%} marker to follow the CREATE with seed
// statements in the same run. Complete when the table exists.
type CreateTableSQL struct {
	name     string
	table    models.TableRef
	sql      string
	inputs   []string
	bindings map[string]string
}

// NewCreateTableSQL declares a templated table-creating task. inputs name
// the tasks whose output tables the template references as {{.<input>}}.
func NewCreateTableSQL(name string, table models.TableRef, sqlTemplate string, inputs ...string) *CreateTableSQL {
	return &CreateTableSQL{name: name, table: table, sql: sqlTemplate, inputs: inputs}
}

func (t *CreateTableSQL) Name() string            { return t.name }
func (t *CreateTableSQL) Output() models.TableRef { return t.table }
func (t *CreateTableSQL) Inputs() []string        { return t.inputs }

func (t *CreateTableSQL) validate() error {
	if t.name == "" {
		return errors.New("empty task name")
	}
	if t.table.Zero() {
		return errors.New("no output table")
	}
	if t.sql == "" {
		return errors.New("empty statement template")
	}
	return nil
}

func (t *CreateTableSQL) resolve(outputs map[string]models.TableRef) error {
	bindings, err := inputBindings(t.name, t.inputs, outputs)
	if err != nil {
		return err
	}
	bindings["table"] = t.table.Quoted()
	t.bindings = bindings
	return nil
}

func (t *CreateTableSQL) IsComplete(ctx context.Context, db storage.DB) (bool, error) {
	return db.TableExists(ctx, t.table)
}

func (t *CreateTableSQL) Run(ctx context.Context, db storage.DB) error {
	stmts, err := renderStatements(t.name, t.sql, t.bindings)
	if err != nil {
		return err
	}
	return execSequence(ctx, db, stmts)
}

func (t *CreateTableSQL) Delete(ctx context.Context, db storage.DB) error {
	return db.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", t.table.Quoted()))
}

// AddColumnsSQL adds declared columns to the output table of another task.
// With an empty template the ALTER statements are generated from the column
// declarations. Complete when every declared column exists.
type AddColumnsSQL struct {
	name     string
	input    string
	sql      string
	columns  []models.Column
	table    models.TableRef
	bindings map[string]string
}

// NewAddColumnsSQL declares a templated column-adding task extending the
// output table of the input task. Pass an empty sqlTemplate to generate
// ALTER TABLE ... ADD COLUMN statements from the declarations.
func NewAddColumnsSQL(name, input, sqlTemplate string, columns ...models.Column) *AddColumnsSQL {
	return &AddColumnsSQL{name: name, input: input, sql: sqlTemplate, columns: columns}
}

func (t *AddColumnsSQL) Name() string            { return t.name }
func (t *AddColumnsSQL) Output() models.TableRef { return t.table }
func (t *AddColumnsSQL) Inputs() []string        { return []string{t.input} }

func (t *AddColumnsSQL) validate() error {
	if t.name == "" {
		return errors.New("empty task name")
	}
	if t.input == "" {
		return errors.New("no input task")
	}
	if len(t.columns) == 0 {
		return errors.New("no columns declared")
	}
	return checkUniqueColumns(t.columns)
}

func (t *AddColumnsSQL) resolve(outputs map[string]models.TableRef) error {
	bindings, err := inputBindings(t.name, t.Inputs(), outputs)
	if err != nil {
		return err
	}
	t.table = outputs[t.input]
	bindings["table"] = t.table.Quoted()
	t.bindings = bindings
	return nil
}

func (t *AddColumnsSQL) IsComplete(ctx context.Context, db storage.DB) (bool, error) {
	return db.ColumnsExist(ctx, t.table, models.ColumnNames(t.columns))
}

func (t *AddColumnsSQL) Run(ctx context.Context, db storage.DB) error {
	var stmts []string
	if t.sql != "" {
		var err error
		if stmts, err = renderStatements(t.name, t.sql, t.bindings); err != nil {
			return err
		}
	} else {
		for _, col := range t.columns {
			stmts = append(stmts, addColumnStmt(t.table, col))
		}
	}
	return execSequence(ctx, db, stmts)
}

func (t *AddColumnsSQL) Delete(ctx context.Context, db storage.DB) error {
	for _, col := range t.columns {
		if err := db.Exec(ctx, dropColumnStmt(t.table, col.Name)); err != nil {
			return err
		}
	}
	return nil
}
