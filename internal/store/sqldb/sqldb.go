// Package sqldb implements store.Repository on database/sql through sqlx.
// Queries are written with ? placeholders and rebound for the driver, so the
// PostgreSQL and SQLite backends share one implementation and differ only
// in their Dialect.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"salesledger/backend/internal/store"
)

type Dialect struct {
	Name string
	// ForUpdate is appended to row-locking selects. Empty when the backend
	// serializes writers at BEGIN.
	ForUpdate  string
	TxOptions  *sql.TxOptions
	Schema     []string
	IsUnique   func(err error) bool
	IsConflict func(err error) bool
}

type Store struct {
	queries
	db *sqlx.DB
}

func New(db *sqlx.DB, dialect Dialect) *Store {
	if dialect.IsUnique == nil {
		dialect.IsUnique = func(error) bool { return false }
	}
	if dialect.IsConflict == nil {
		dialect.IsConflict = func(error) bool { return false }
	}
	return &Store{
		queries: queries{ext: db, dialect: dialect},
		db:      db,
	}
}

func (s *Store) DB() *sqlx.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the dialect schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range s.dialect.Schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s schema statement %d: %w", s.dialect.Name, i+1, err)
		}
	}
	return nil
}

func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, s.dialect.TxOptions)
	if err != nil {
		return s.classify(err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(&tx{queries: queries{ext: sqlTx, dialect: s.dialect}}); err != nil {
		return s.classify(err)
	}
	if err := sqlTx.Commit(); err != nil {
		return s.classify(err)
	}
	return nil
}

func (s *Store) classify(err error) error {
	if s.dialect.IsConflict(err) {
		return fmt.Errorf("%w: %v", store.ErrConflict, err)
	}
	return err
}

type tx struct {
	queries
}
