package storage

import (
	"time"

	"github.com/jmoiron/sqlx"
)

// InitDB connects and sizes the pool for pipeline workloads: a handful of
// long-lived worker connections rather than a large request pool. Row-level
// tasks hold a connection for the whole table scan, so the open limit also
// bounds worker concurrency against the database.
func InitDB(connStr string) (*PostgresDB, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(time.Hour)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return &PostgresDB{db: db}, nil
}
