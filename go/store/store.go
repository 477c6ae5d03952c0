// Package store is the coordinator's persistence layer: a sqlite
// database accessed through sqlx, with schema owned by embedded goose
// migrations. All timestamps are written in UTC; callers pass UTC
// times and get UTC times back.
package store

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	log "github.com/sirupsen/logrus"
)

//go:embed migrations/*.sql
var migrations embed.FS

var (
	// ErrNotFound marks a by-id lookup that matched no row.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks a write rejected by a status or uniqueness rule.
	ErrConflict = errors.New("conflict")
	// ErrJobAlreadyRunning rejects backfill admission while another job
	// is pending or running.
	ErrJobAlreadyRunning = errors.New("a backfill job is already active")
)

// Queries is the query surface, bound to either the root connection or
// an open transaction.
type Queries struct {
	ext sqlx.ExtContext
}

// Store owns the database handle. Its embedded Queries run outside any
// transaction; WithTx provides a transactional view.
type Store struct {
	db *sqlx.DB
	*Queries
}

// Open opens (creating when absent) the coordinator database at path
// and applies pending migrations. ":memory:" opens a private in-memory
// database, used by tests.
func Open(ctx context.Context, path string) (*Store, error) {
	var dsn string
	var maxConns = 4
	if path == ":memory:" {
		dsn = "file::memory:?_busy_timeout=5000&_foreign_keys=on&_loc=UTC"
		// Separate connections would each see a distinct memory database.
		maxConns = 1
	} else {
		dsn = fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_loc=UTC", path)
	}

	var db, err = sqlx.ConnectContext(ctx, "sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)

	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return nil, fmt.Errorf("configuring migrations: %w", err)
	}
	if err := goose.UpContext(ctx, db.DB, "migrations"); err != nil {
		return nil, fmt.Errorf("applying migrations: %w", err)
	}
	log.WithField("path", path).Debug("database opened")

	return &Store{db: db, Queries: &Queries{ext: db}}, nil
}

// WithTx runs fn inside one transaction, committing when it returns nil
// and rolling back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(q *Queries) error) error {
	var tx, err = s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(&Queries{ext: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.WithError(rbErr).Warn("transaction rollback failed")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
