package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"salesledger/backend/internal/store/sqldb"
)

// Dialect runs every unit of work at SERIALIZABLE and locks package and sale
// rows with FOR UPDATE, so concurrent debits of one package queue behind
// each other.
var Dialect = sqldb.Dialect{
	Name:       "postgres",
	ForUpdate:  " FOR UPDATE",
	TxOptions:  &sql.TxOptions{Isolation: sql.LevelSerializable},
	Schema:     schema,
	IsUnique:   isUniqueViolation,
	IsConflict: isSerializationFailure,
}

func New(ctx context.Context, databaseURL string) (*sqldb.Store, error) {
	db, err := sqlx.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return sqldb.New(db, Dialect), nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// 40001 serialization_failure, 40P01 deadlock_detected.
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}
