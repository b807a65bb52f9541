package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/umputun/tg-relay/app/storage/engine"
)

// CaptchaState is the liveness verification state of a user
type CaptchaState string

// enum of captcha states. Failed is terminal until an admin reset; passed is
// sticky for the user's lifetime.
const (
	CaptchaUnchallenged CaptchaState = "unchallenged"
	CaptchaPending      CaptchaState = "pending"
	CaptchaPassed       CaptchaState = "passed"
	CaptchaFailed       CaptchaState = "failed"
)

// Validate checks if the captcha state is one of the known values
func (s CaptchaState) Validate() error {
	switch s {
	case CaptchaUnchallenged, CaptchaPending, CaptchaPassed, CaptchaFailed:
		return nil
	}
	return fmt.Errorf("invalid captcha state: %q", s)
}

// User is an end user of the relay, created on first inbound contact and
// never hard-deleted. Ban is a soft flag with reason and time.
type User struct {
	ID              int64        `db:"id"`
	UserName        string       `db:"username"`
	DisplayName     string       `db:"display_name"`
	Lang            string       `db:"lang"`
	Banned          bool         `db:"banned"`
	BanReason       string       `db:"ban_reason"`
	BannedAt        sql.NullTime `db:"banned_at"`
	Unreachable     bool         `db:"unreachable"`
	CaptchaState    CaptchaState `db:"captcha_state"`
	CaptchaAttempts int          `db:"captcha_attempts"`
	LastActive      time.Time    `db:"last_active"`
	CreatedAt       time.Time    `db:"created_at"`
}

// Users is a storage for relay users
type Users struct {
	db   *engine.SQL
	lock engine.RWLocker
}

var usersSchema = engine.Query{
	Sqlite: `
        CREATE TABLE IF NOT EXISTS users (
            id INTEGER PRIMARY KEY,
            username TEXT NOT NULL DEFAULT '',
            display_name TEXT NOT NULL DEFAULT '',
            lang TEXT NOT NULL DEFAULT '',
            banned BOOLEAN NOT NULL DEFAULT 0,
            ban_reason TEXT NOT NULL DEFAULT '',
            banned_at DATETIME,
            unreachable BOOLEAN NOT NULL DEFAULT 0,
            captcha_state TEXT NOT NULL DEFAULT 'unchallenged'
                CHECK (captcha_state IN ('unchallenged', 'pending', 'passed', 'failed')),
            captcha_attempts INTEGER NOT NULL DEFAULT 0,
            last_active DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
            created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
        );
        CREATE INDEX IF NOT EXISTS idx_users_last_active ON users(last_active);
    `,
	Postgres: `
        CREATE TABLE IF NOT EXISTS users (
            id BIGINT PRIMARY KEY,
            username TEXT NOT NULL DEFAULT '',
            display_name TEXT NOT NULL DEFAULT '',
            lang TEXT NOT NULL DEFAULT '',
            banned BOOLEAN NOT NULL DEFAULT false,
            ban_reason TEXT NOT NULL DEFAULT '',
            banned_at TIMESTAMP,
            unreachable BOOLEAN NOT NULL DEFAULT false,
            captcha_state TEXT NOT NULL DEFAULT 'unchallenged'
                CHECK (captcha_state IN ('unchallenged', 'pending', 'passed', 'failed')),
            captcha_attempts INTEGER NOT NULL DEFAULT 0,
            last_active TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
        );
        CREATE INDEX IF NOT EXISTS idx_users_last_active ON users(last_active)
    `,
}

// NewUsers creates users storage and makes sure the table exists
func NewUsers(ctx context.Context, db *engine.SQL) (*Users, error) {
	if err := initTable(ctx, db, usersSchema); err != nil {
		return nil, fmt.Errorf("failed to init users table: %w", err)
	}
	return &Users{db: db, lock: db.MakeLock()}, nil
}

// Upsert creates the user on first contact or refreshes the mutable profile
// fields (name, language, last-active), and returns the stored row with ban
// and captcha state intact.
func (u *Users) Upsert(ctx context.Context, user User) (User, error) {
	u.lock.Lock()
	query := u.db.Adopt(`INSERT INTO users (id, username, display_name, lang, last_active)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT (id) DO UPDATE SET
            username = excluded.username,
            display_name = excluded.display_name,
            lang = excluded.lang,
            last_active = excluded.last_active`)
	_, err := u.db.ExecContext(ctx, query, user.ID, user.UserName, user.DisplayName, user.Lang, time.Now())
	u.lock.Unlock()
	if err != nil {
		return User{}, fmt.Errorf("failed to upsert user %d: %w", user.ID, err)
	}
	return u.Get(ctx, user.ID)
}

// Get returns a user by id, ErrNotFound if absent
func (u *Users) Get(ctx context.Context, id int64) (User, error) {
	u.lock.RLock()
	defer u.lock.RUnlock()

	var res User
	err := u.db.GetContext(ctx, &res, u.db.Adopt("SELECT * FROM users WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return User{}, fmt.Errorf("failed to get user %d: %w", id, err)
	}
	return res, nil
}

// SetBanned sets or clears the soft-ban flag with a reason
func (u *Users) SetBanned(ctx context.Context, id int64, banned bool, reason string) error {
	u.lock.Lock()
	defer u.lock.Unlock()

	var bannedAt any
	if banned {
		bannedAt = time.Now()
	}
	query := u.db.Adopt("UPDATE users SET banned = ?, ban_reason = ?, banned_at = ? WHERE id = ?")
	res, err := u.db.ExecContext(ctx, query, banned, reason, bannedAt, id)
	if err != nil {
		return fmt.Errorf("failed to set ban for user %d: %w", id, err)
	}
	return checkAffected(res, fmt.Sprintf("user %d", id))
}

// SetCaptcha sets the captcha state and attempt counter
func (u *Users) SetCaptcha(ctx context.Context, id int64, state CaptchaState, attempts int) error {
	if err := state.Validate(); err != nil {
		return err
	}

	u.lock.Lock()
	defer u.lock.Unlock()

	query := u.db.Adopt("UPDATE users SET captcha_state = ?, captcha_attempts = ? WHERE id = ?")
	res, err := u.db.ExecContext(ctx, query, state, attempts, id)
	if err != nil {
		return fmt.Errorf("failed to set captcha state for user %d: %w", id, err)
	}
	return checkAffected(res, fmt.Sprintf("user %d", id))
}

// SetUnreachable marks a user as permanently undeliverable; such users are
// skipped by future broadcasts until the flag is cleared.
func (u *Users) SetUnreachable(ctx context.Context, id int64, unreachable bool) error {
	u.lock.Lock()
	defer u.lock.Unlock()

	res, err := u.db.ExecContext(ctx, u.db.Adopt("UPDATE users SET unreachable = ? WHERE id = ?"), unreachable, id)
	if err != nil {
		return fmt.Errorf("failed to set unreachable for user %d: %w", id, err)
	}
	return checkAffected(res, fmt.Sprintf("user %d", id))
}

// RecipientsAfter returns up to limit broadcast recipients with id greater
// than afterID, in stable id order. Banned and unreachable users are skipped.
func (u *Users) RecipientsAfter(ctx context.Context, afterID int64, limit int) ([]User, error) {
	u.lock.RLock()
	defer u.lock.RUnlock()

	var res []User
	query := u.db.Adopt(`SELECT * FROM users WHERE id > ? AND NOT banned AND NOT unreachable ORDER BY id LIMIT ?`)
	if err := u.db.SelectContext(ctx, &res, query, afterID, limit); err != nil {
		return nil, fmt.Errorf("failed to get recipients: %w", err)
	}
	return res, nil
}

// Unreachable returns all users marked permanently undeliverable
func (u *Users) Unreachable(ctx context.Context) ([]User, error) {
	u.lock.RLock()
	defer u.lock.RUnlock()

	var res []User
	if err := u.db.SelectContext(ctx, &res, "SELECT * FROM users WHERE unreachable ORDER BY id"); err != nil {
		return nil, fmt.Errorf("failed to get unreachable users: %w", err)
	}
	return res, nil
}

// Count returns the total number of users
func (u *Users) Count(ctx context.Context) (int, error) {
	u.lock.RLock()
	defer u.lock.RUnlock()

	var res int
	if err := u.db.GetContext(ctx, &res, "SELECT COUNT(*) FROM users"); err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return res, nil
}
