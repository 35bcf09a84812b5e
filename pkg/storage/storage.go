package storage

import (
	"context"

	"github.com/snorkysnark/ralsei-dev/pkg/models"
)

// Rows is a lazy, forward-only stream of query results. The consumer must
// call Close once done (or after the first error).
type Rows interface {
	// Next advances to the next row, reporting whether one is available.
	Next() bool
	// Scan returns the current row as a column name -> value mapping.
	Scan() (models.Row, error)
	// Err returns the error, if any, that terminated iteration.
	Err() error
	Close() error
}

// DB defines the database operations the task engine is built on: statement
// execution with parameter binding, lazy row queries, schema introspection,
// structured row writes, and transactions. Begin returns a DB scoped to a
// transaction; Commit and Rollback error when the receiver is not one.
//
// Dialect differences inside user-authored statements (autoincrement syntax
// and the like) are the template author's concern, not the engine's.
type DB interface {
	// Exec executes one literal statement.
	Exec(ctx context.Context, stmt string, args ...interface{}) error
	// Query runs a literal query and streams its rows lazily.
	Query(ctx context.Context, query string, args ...interface{}) (Rows, error)

	// TableExists reports whether the referenced table exists.
	TableExists(ctx context.Context, table models.TableRef) (bool, error)
	// ColumnsExist reports whether every named column exists on the table.
	// A missing table reports false, not an error.
	ColumnsExist(ctx context.Context, table models.TableRef, columns []string) (bool, error)

	// InsertRows inserts the given rows into the table, taking values from
	// each row in the order of cols.
	InsertRows(ctx context.Context, table models.TableRef, cols []string, rows []models.Row) error
	// UpdateRow sets the setCols of the rows matched by whereCols to the
	// values carried in set and where respectively.
	UpdateRow(ctx context.Context, table models.TableRef, setCols []string, set models.Row, whereCols []string, where models.Row) error

	Begin() (DB, error)
	Commit() error
	Rollback() error
	Close() error
}
