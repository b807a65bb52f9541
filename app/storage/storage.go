// Package storage provides the persistence layer for the relay engine.
// Each table is represented by a store struct created over an engine.SQL
// connection; the store owns the table schema and all business logic for its
// data type. All durable state lives here; in-memory caches elsewhere are
// derived and rebuildable from these stores.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/umputun/tg-relay/app/storage/engine"
)

// sentinel errors allowing callers to branch on the kind of failure
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")     // uniqueness violation, e.g. second open thread for a user
	ErrInvalidRule = errors.New("invalid rule") // malformed keyword or reply pattern
)

// initTable creates a table schema in a transaction
func initTable(ctx context.Context, db *engine.SQL, schema engine.Query) error {
	if db == nil {
		return fmt.Errorf("db connection is nil")
	}

	query, err := schema.Pick(db.Type())
	if err != nil {
		return fmt.Errorf("failed to pick schema: %w", err)
	}

	tx, err := db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err = tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether the error is a uniqueness constraint
// failure on any of the supported engines
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite
		strings.Contains(msg, "duplicate key value") // postgres
}

// checkAffected maps a zero-row update to ErrNotFound for the given subject
func checkAffected(res sql.Result, subject string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", subject, ErrNotFound)
	}
	return nil
}
