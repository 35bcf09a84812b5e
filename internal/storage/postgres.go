package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/snorkysnark/ralsei-dev/pkg/models"
	"github.com/snorkysnark/ralsei-dev/pkg/storage"
)

// Batched inserts stay well under Postgres' 65535 bind-parameter limit.
const insertBatchSize = 500

type DBInterface interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryxContext(ctx context.Context, query string, args ...interface{}) (*sqlx.Rows, error)
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

// PostgresDB implements storage.DB on top of sqlx. The same implementation
// serves inside and outside a transaction: db is either a *sqlx.DB or the
// *sqlx.Tx handed out by Begin.
type PostgresDB struct {
	db DBInterface
}

func NewPostgresDB(connStr string) (*PostgresDB, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresDB{db: db}, nil
}

func (s *PostgresDB) Begin() (storage.DB, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresDB{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresDB) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresDB) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresDB) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// Exec executes a single literal statement with parameter binding.
func (s *PostgresDB) Exec(ctx context.Context, stmt string, args ...interface{}) error {
	if _, err := s.db.ExecContext(ctx, stmt, args...); err != nil {
		return errors.Wrap(err, "exec statement")
	}
	return nil
}

// Query runs a literal query, streaming rows lazily via MapScan.
func (s *PostgresDB) Query(ctx context.Context, query string, args ...interface{}) (storage.Rows, error) {
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query")
	}
	return &pgRows{rows: rows}, nil
}

// TableExists checks information_schema for the referenced table. An empty
// schema falls back to the connection's current_schema().
func (s *PostgresDB) TableExists(ctx context.Context, table models.TableRef) (bool, error) {
	var exists bool
	var err error
	if table.Schema != "" {
		err = s.db.GetContext(ctx, &exists,
			`SELECT EXISTS (
				SELECT FROM information_schema.tables
				WHERE table_schema = $1 AND table_name = $2
			)`, table.Schema, table.Name)
	} else {
		err = s.db.GetContext(ctx, &exists,
			`SELECT EXISTS (
				SELECT FROM information_schema.tables
				WHERE table_schema = current_schema() AND table_name = $1
			)`, table.Name)
	}
	if err != nil {
		return false, errors.Wrapf(err, "table exists check for %s", table)
	}
	return exists, nil
}

// ColumnsExist reports whether every named column is present on the table.
// A missing table simply reports false.
func (s *PostgresDB) ColumnsExist(ctx context.Context, table models.TableRef, columns []string) (bool, error) {
	if len(columns) == 0 {
		return true, nil
	}
	var count int
	var err error
	if table.Schema != "" {
		err = s.db.GetContext(ctx, &count,
			`SELECT count(*) FROM information_schema.columns
			WHERE table_schema = $1 AND table_name = $2 AND column_name = ANY($3)`,
			table.Schema, table.Name, pq.Array(columns))
	} else {
		err = s.db.GetContext(ctx, &count,
			`SELECT count(*) FROM information_schema.columns
			WHERE table_schema = current_schema() AND table_name = $1 AND column_name = ANY($2)`,
			table.Name, pq.Array(columns))
	}
	if err != nil {
		return false, errors.Wrapf(err, "columns exist check for %s", table)
	}
	return count == len(columns), nil
}

// InsertRows inserts rows in batches using multi-row VALUES lists.
func (s *PostgresDB) InsertRows(ctx context.Context, table models.TableRef, cols []string, rows []models.Row) error {
	if len(rows) == 0 {
		return nil
	}
	for start := 0; start < len(rows); start += insertBatchSize {
		end := start + insertBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		if err := s.insertBatch(ctx, table, cols, rows[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresDB) insertBatch(ctx context.Context, table models.TableRef, cols []string, rows []models.Row) error {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = fmt.Sprintf("%q", c)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ", table.Quoted(), strings.Join(quoted, ", "))
	args := make([]interface{}, 0, len(rows)*len(cols))
	for ri, row := range rows {
		if ri > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for ci, c := range cols {
			if ci > 0 {
				sb.WriteString(", ")
			}
			args = append(args, row[c])
			fmt.Fprintf(&sb, "$%d", len(args))
		}
		sb.WriteString(")")
	}
	if _, err := s.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return errors.Wrapf(err, "insert %d rows into %s", len(rows), table)
	}
	return nil
}

// UpdateRow writes the set columns of the row matched by the where columns.
// A single statement, so the write and any done marker it carries commit as
// one unit.
func (s *PostgresDB) UpdateRow(ctx context.Context, table models.TableRef, setCols []string, set models.Row, whereCols []string, where models.Row) error {
	var sb strings.Builder
	args := make([]interface{}, 0, len(setCols)+len(whereCols))
	fmt.Fprintf(&sb, "UPDATE %s SET ", table.Quoted())
	for i, c := range setCols {
		if i > 0 {
			sb.WriteString(", ")
		}
		args = append(args, set[c])
		fmt.Fprintf(&sb, "%q = $%d", c, len(args))
	}
	sb.WriteString(" WHERE ")
	for i, c := range whereCols {
		if i > 0 {
			sb.WriteString(" AND ")
		}
		args = append(args, where[c])
		fmt.Fprintf(&sb, "%q = $%d", c, len(args))
	}
	if _, err := s.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return errors.Wrapf(err, "update row in %s", table)
	}
	return nil
}

type pgRows struct {
	rows *sqlx.Rows
}

func (r *pgRows) Next() bool { return r.rows.Next() }

func (r *pgRows) Scan() (models.Row, error) {
	row := models.Row{}
	if err := r.rows.MapScan(row); err != nil {
		return nil, err
	}
	return row, nil
}

func (r *pgRows) Err() error   { return r.rows.Err() }
func (r *pgRows) Close() error { return r.rows.Close() }
