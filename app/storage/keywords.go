package storage

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/umputun/tg-relay/app/storage/engine"
)

// Keyword is a spam keyword pattern. Patterns are validated as regular
// expressions on write, so the table never holds an uncompilable entry put
// there through the API; hand-edited document imports go through the same
// validation.
type Keyword struct {
	ID        int64     `db:"id"`
	Pattern   string    `db:"pattern"`
	Author    string    `db:"author"`
	CreatedAt time.Time `db:"created_at"`
}

// Keywords is a storage for spam keyword patterns
type Keywords struct {
	db   *engine.SQL
	lock engine.RWLocker
}

var keywordsSchema = engine.Query{
	Sqlite: `
        CREATE TABLE IF NOT EXISTS spam_keywords (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            pattern TEXT NOT NULL UNIQUE,
            author TEXT NOT NULL DEFAULT '',
            created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
        );
    `,
	Postgres: `
        CREATE TABLE IF NOT EXISTS spam_keywords (
            id SERIAL PRIMARY KEY,
            pattern TEXT NOT NULL UNIQUE,
            author TEXT NOT NULL DEFAULT '',
            created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
        )
    `,
}

// NewKeywords creates keywords storage and makes sure the table exists
func NewKeywords(ctx context.Context, db *engine.SQL) (*Keywords, error) {
	if err := initTable(ctx, db, keywordsSchema); err != nil {
		return nil, fmt.Errorf("failed to init spam_keywords table: %w", err)
	}
	return &Keywords{db: db, lock: db.MakeLock()}, nil
}

// Add validates and stores a keyword pattern. A malformed regex is rejected
// with ErrInvalidRule and the store is left unchanged. Duplicate patterns are
// ignored.
func (k *Keywords) Add(ctx context.Context, pattern, author string) error {
	if pattern == "" {
		return fmt.Errorf("empty pattern: %w", ErrInvalidRule)
	}
	if _, err := regexp.Compile(pattern); err != nil {
		return fmt.Errorf("pattern %q does not compile: %v: %w", pattern, err, ErrInvalidRule)
	}

	k.lock.Lock()
	defer k.lock.Unlock()

	query := k.db.Adopt("INSERT INTO spam_keywords (pattern, author) VALUES (?, ?) ON CONFLICT (pattern) DO NOTHING")
	if _, err := k.db.ExecContext(ctx, query, pattern, author); err != nil {
		return fmt.Errorf("failed to add keyword %q: %w", pattern, err)
	}
	return nil
}

// Delete removes a keyword by its pattern, ErrNotFound if absent
func (k *Keywords) Delete(ctx context.Context, pattern string) error {
	k.lock.Lock()
	defer k.lock.Unlock()

	res, err := k.db.ExecContext(ctx, k.db.Adopt("DELETE FROM spam_keywords WHERE pattern = ?"), pattern)
	if err != nil {
		return fmt.Errorf("failed to delete keyword %q: %w", pattern, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("keyword %q: %w", pattern, ErrNotFound)
	}
	return nil
}

// List returns all keywords in insertion order
func (k *Keywords) List(ctx context.Context) ([]Keyword, error) {
	k.lock.RLock()
	defer k.lock.RUnlock()

	var res []Keyword
	if err := k.db.SelectContext(ctx, &res, "SELECT * FROM spam_keywords ORDER BY id"); err != nil {
		return nil, fmt.Errorf("failed to list keywords: %w", err)
	}
	return res, nil
}

// Patterns returns just the pattern strings, for building the matcher snapshot
func (k *Keywords) Patterns(ctx context.Context) ([]string, error) {
	k.lock.RLock()
	defer k.lock.RUnlock()

	var res []string
	if err := k.db.SelectContext(ctx, &res, "SELECT pattern FROM spam_keywords ORDER BY id"); err != nil {
		return nil, fmt.Errorf("failed to get keyword patterns: %w", err)
	}
	return res, nil
}

// Replace swaps the whole keyword set in one transaction, used by document
// import. All patterns must be pre-validated by the caller.
func (k *Keywords) Replace(ctx context.Context, keywords []Keyword) error {
	k.lock.Lock()
	defer k.lock.Unlock()

	tx, err := k.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err = tx.ExecContext(ctx, "DELETE FROM spam_keywords"); err != nil {
		return fmt.Errorf("failed to clear keywords: %w", err)
	}
	query := k.db.Adopt("INSERT INTO spam_keywords (pattern, author, created_at) VALUES (?, ?, ?) ON CONFLICT (pattern) DO NOTHING")
	for _, kw := range keywords {
		created := kw.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}
		if _, err = tx.ExecContext(ctx, query, kw.Pattern, kw.Author, created); err != nil {
			return fmt.Errorf("failed to insert keyword %q: %w", kw.Pattern, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
