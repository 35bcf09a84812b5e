package pipeline

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/snorkysnark/ralsei-dev/pkg/models"
	"github.com/snorkysnark/ralsei-dev/pkg/storage"
)

// Task is the unit of orchestration: a named piece of work that creates or
// extends one database table. Completion is always derived from the database
// itself, which is what makes interrupted pipelines safe to re-run.
//
// The four variants are CreateTableSQL, AddColumnsSQL, MapToNewTable and
// MapToNewColumns; dispatch is static per task instance.
type Task interface {
	// Name is the task's unique key within a pipeline.
	Name() string
	// Output is the task's resolved output table. Zero until the pipeline
	// has been built.
	Output() models.TableRef
	// Inputs are the names of the tasks whose outputs this task reads.
	Inputs() []string

	// IsComplete derives the task's completion state from the database.
	// Read-only; safe to call repeatedly.
	IsComplete(ctx context.Context, db storage.DB) (bool, error)
	// Run performs the work. Only defined when IsComplete is false; after a
	// successful return IsComplete is true.
	Run(ctx context.Context, db storage.DB) error
	// Delete removes the task's output, making IsComplete false again.
	Delete(ctx context.Context, db storage.DB) error

	// validate checks the task definition in isolation.
	validate() error
	// resolve binds declared input references to the outputs of named tasks
	// once the full task mapping is known.
	resolve(outputs map[string]models.TableRef) error
}

// execSequence runs an ordered statement sequence inside one transaction, so
// a later statement failing leaves no partial effect behind (Postgres DDL is
// transactional).
func execSequence(ctx context.Context, db storage.DB, stmts []string) error {
	tx, err := db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	for _, stmt := range stmts {
		if err := tx.Exec(ctx, stmt); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				return errors.Wrapf(err, "rollback failed: %v; statement error", rbErr)
			}
			return err
		}
	}
	return tx.Commit()
}

// inputBindings resolves each declared input task name to its quoted output
// table.
func inputBindings(task string, inputs []string, outputs map[string]models.TableRef) (map[string]string, error) {
	bindings := make(map[string]string, len(inputs)+2)
	for _, in := range inputs {
		out, ok := outputs[in]
		if !ok || out.Zero() {
			return nil, &GraphError{Task: task, Err: errors.Errorf("input task %q has no resolved output", in)}
		}
		bindings[in] = out.Quoted()
	}
	return bindings, nil
}

func checkUniqueColumns(cols []models.Column) error {
	seen := make(map[string]struct{}, len(cols))
	for _, c := range cols {
		if c.Name == "" {
			return errors.New("column with empty name")
		}
		if _, dup := seen[c.Name]; dup {
			return errors.Errorf("duplicate column %q", c.Name)
		}
		seen[c.Name] = struct{}{}
	}
	return nil
}

func dropColumnStmt(table models.TableRef, col string) string {
	return fmt.Sprintf("ALTER TABLE %s DROP COLUMN IF EXISTS %q", table.Quoted(), col)
}

func addColumnStmt(table models.TableRef, col models.Column) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", table.Quoted(), col.DDL())
}
