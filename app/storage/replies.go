package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/umputun/tg-relay/app/storage/engine"
)

// ReplyRule is an auto-reply definition. Trigger is matched against inbound
// message text, either exact or as a regex depending on IsRegexp. Rules with
// a time window fire only while now is inside [StartsAt, EndsAt]; open-ended
// rules leave either bound NULL. Higher priority wins when several match.
type ReplyRule struct {
	ID        int64        `db:"id"`
	Trigger   string       `db:"trigger_text"`
	IsRegexp  bool         `db:"is_regexp"`
	Response  string       `db:"response"`
	Priority  int          `db:"priority"`
	StartsAt  sql.NullTime `db:"starts_at"`
	EndsAt    sql.NullTime `db:"ends_at"`
	CreatedAt time.Time    `db:"created_at"`
}

// Active reports if the rule's time window covers the given moment
func (r ReplyRule) Active(now time.Time) bool {
	if r.StartsAt.Valid && now.Before(r.StartsAt.Time) {
		return false
	}
	if r.EndsAt.Valid && now.After(r.EndsAt.Time) {
		return false
	}
	return true
}

// Replies is a storage for auto-reply rules
type Replies struct {
	db   *engine.SQL
	lock engine.RWLocker
}

var repliesSchema = engine.Query{
	Sqlite: `
        CREATE TABLE IF NOT EXISTS auto_replies (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            trigger_text TEXT NOT NULL,
            is_regexp BOOLEAN NOT NULL DEFAULT 0,
            response TEXT NOT NULL,
            priority INTEGER NOT NULL DEFAULT 0,
            starts_at DATETIME,
            ends_at DATETIME,
            created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
        );
    `,
	Postgres: `
        CREATE TABLE IF NOT EXISTS auto_replies (
            id SERIAL PRIMARY KEY,
            trigger_text TEXT NOT NULL,
            is_regexp BOOLEAN NOT NULL DEFAULT FALSE,
            response TEXT NOT NULL,
            priority INTEGER NOT NULL DEFAULT 0,
            starts_at TIMESTAMP,
            ends_at TIMESTAMP,
            created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
        )
    `,
}

// NewReplies creates replies storage and makes sure the table exists
func NewReplies(ctx context.Context, db *engine.SQL) (*Replies, error) {
	if err := initTable(ctx, db, repliesSchema); err != nil {
		return nil, fmt.Errorf("failed to init auto_replies table: %w", err)
	}
	return &Replies{db: db, lock: db.MakeLock()}, nil
}

// Add stores an auto-reply rule and returns its id
func (r *Replies) Add(ctx context.Context, rule ReplyRule) (int64, error) {
	if rule.Trigger == "" {
		return 0, fmt.Errorf("empty trigger: %w", ErrInvalidRule)
	}
	if rule.Response == "" {
		return 0, fmt.Errorf("empty response: %w", ErrInvalidRule)
	}
	if rule.StartsAt.Valid && rule.EndsAt.Valid && rule.EndsAt.Time.Before(rule.StartsAt.Time) {
		return 0, fmt.Errorf("window ends before it starts: %w", ErrInvalidRule)
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	switch r.db.Type() {
	case engine.Postgres:
		var id int64
		query := r.db.Adopt(`INSERT INTO auto_replies (trigger_text, is_regexp, response, priority, starts_at, ends_at)
             VALUES (?, ?, ?, ?, ?, ?) RETURNING id`)
		err := r.db.GetContext(ctx, &id, query,
			rule.Trigger, rule.IsRegexp, rule.Response, rule.Priority, rule.StartsAt, rule.EndsAt)
		if err != nil {
			return 0, fmt.Errorf("failed to add reply rule: %w", err)
		}
		return id, nil
	default:
		res, err := r.db.ExecContext(ctx,
			`INSERT INTO auto_replies (trigger_text, is_regexp, response, priority, starts_at, ends_at)
             VALUES (?, ?, ?, ?, ?, ?)`,
			rule.Trigger, rule.IsRegexp, rule.Response, rule.Priority, rule.StartsAt, rule.EndsAt)
		if err != nil {
			return 0, fmt.Errorf("failed to add reply rule: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("failed to get rule id: %w", err)
		}
		return id, nil
	}
}

// Delete removes a rule by id, ErrNotFound if absent
func (r *Replies) Delete(ctx context.Context, id int64) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	res, err := r.db.ExecContext(ctx, r.db.Adopt("DELETE FROM auto_replies WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("failed to delete reply rule %d: %w", id, err)
	}
	return checkAffected(res, fmt.Sprintf("reply rule %d", id))
}

// List returns all rules ordered by priority desc, then id
func (r *Replies) List(ctx context.Context) ([]ReplyRule, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	var res []ReplyRule
	if err := r.db.SelectContext(ctx, &res, "SELECT * FROM auto_replies ORDER BY priority DESC, id"); err != nil {
		return nil, fmt.Errorf("failed to list reply rules: %w", err)
	}
	return res, nil
}

// ActiveAt returns rules whose window covers the given moment, priority desc.
// The window filter runs in Go rather than SQL to keep one query for both
// dialects.
func (r *Replies) ActiveAt(ctx context.Context, now time.Time) ([]ReplyRule, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	res := make([]ReplyRule, 0, len(all))
	for _, rule := range all {
		if rule.Active(now) {
			res = append(res, rule)
		}
	}
	return res, nil
}

// Replace swaps the whole rule set in one transaction, used by document import
func (r *Replies) Replace(ctx context.Context, rules []ReplyRule) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err = tx.ExecContext(ctx, "DELETE FROM auto_replies"); err != nil {
		return fmt.Errorf("failed to clear reply rules: %w", err)
	}
	query := r.db.Adopt(`INSERT INTO auto_replies (trigger_text, is_regexp, response, priority, starts_at, ends_at)
         VALUES (?, ?, ?, ?, ?, ?)`)
	for _, rule := range rules {
		if _, err = tx.ExecContext(ctx, query,
			rule.Trigger, rule.IsRegexp, rule.Response, rule.Priority, rule.StartsAt, rule.EndsAt); err != nil {
			return fmt.Errorf("failed to insert reply rule %q: %w", rule.Trigger, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
