package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/umputun/tg-relay/app/storage/engine"
)

// settings keys used by the app
const (
	SettingSpamThreadID = "spam_thread_id"
)

// Settings is a small key-value store for runtime state the app discovers on
// first start, like the id of the spam intake topic.
type Settings struct {
	db   *engine.SQL
	lock engine.RWLocker
}

var settingsSchema = engine.Query{
	Sqlite: `
        CREATE TABLE IF NOT EXISTS settings (
            key TEXT PRIMARY KEY,
            value TEXT NOT NULL
        );
    `,
	Postgres: `
        CREATE TABLE IF NOT EXISTS settings (
            key TEXT PRIMARY KEY,
            value TEXT NOT NULL
        )
    `,
}

// NewSettings creates settings storage and makes sure the table exists
func NewSettings(ctx context.Context, db *engine.SQL) (*Settings, error) {
	if err := initTable(ctx, db, settingsSchema); err != nil {
		return nil, fmt.Errorf("failed to init settings table: %w", err)
	}
	return &Settings{db: db, lock: db.MakeLock()}, nil
}

// Set stores or replaces a value
func (s *Settings) Set(ctx context.Context, key, value string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	query := s.db.Adopt("INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT (key) DO UPDATE SET value = excluded.value")
	if _, err := s.db.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to set %q: %w", key, err)
	}
	return nil
}

// Get returns a value, ErrNotFound if the key was never set
func (s *Settings) Get(ctx context.Context, key string) (string, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	var value string
	err := s.db.GetContext(ctx, &value, s.db.Adopt("SELECT value FROM settings WHERE key = ?"), key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("setting %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get %q: %w", key, err)
	}
	return value, nil
}

// GetInt returns a value parsed as int64
func (s *Settings) GetInt(ctx context.Context, key string) (int64, error) {
	value, err := s.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	res, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("setting %q is not a number: %w", key, err)
	}
	return res, nil
}

// SetInt stores an int64 value
func (s *Settings) SetInt(ctx context.Context, key string, value int64) error {
	return s.Set(ctx, key, strconv.FormatInt(value, 10))
}
