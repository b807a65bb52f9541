package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/umputun/tg-relay/app/storage/engine"
)

// ThreadStatus is the lifecycle state of a conversation thread
type ThreadStatus string

// enum of thread statuses
const (
	ThreadOpen   ThreadStatus = "open"
	ThreadClosed ThreadStatus = "closed"
)

// Thread is a per-user conversation topic in the staff group. At most one
// open thread per user, enforced by a partial unique index. A second insert
// for the same owner fails with ErrConflict.
type Thread struct {
	ID        int64        `db:"id"` // platform-assigned topic id
	UserID    int64        `db:"user_id"`
	Status    ThreadStatus `db:"status"`
	CreatedAt time.Time    `db:"created_at"`
	ClosedAt  sql.NullTime `db:"closed_at"`
}

// Threads is a storage for conversation threads
type Threads struct {
	db   *engine.SQL
	lock engine.RWLocker
}

var threadsSchema = engine.Query{
	Sqlite: `
        CREATE TABLE IF NOT EXISTS threads (
            id INTEGER PRIMARY KEY,
            user_id INTEGER NOT NULL,
            status TEXT NOT NULL DEFAULT 'open' CHECK (status IN ('open', 'closed')),
            created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
            closed_at DATETIME
        );
        CREATE UNIQUE INDEX IF NOT EXISTS idx_threads_owner_open ON threads(user_id) WHERE status = 'open';
        CREATE INDEX IF NOT EXISTS idx_threads_user ON threads(user_id);
    `,
	Postgres: `
        CREATE TABLE IF NOT EXISTS threads (
            id BIGINT PRIMARY KEY,
            user_id BIGINT NOT NULL,
            status TEXT NOT NULL DEFAULT 'open' CHECK (status IN ('open', 'closed')),
            created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            closed_at TIMESTAMP
        );
        CREATE UNIQUE INDEX IF NOT EXISTS idx_threads_owner_open ON threads(user_id) WHERE status = 'open';
        CREATE INDEX IF NOT EXISTS idx_threads_user ON threads(user_id)
    `,
}

// NewThreads creates threads storage and makes sure the table exists
func NewThreads(ctx context.Context, db *engine.SQL) (*Threads, error) {
	if err := initTable(ctx, db, threadsSchema); err != nil {
		return nil, fmt.Errorf("failed to init threads table: %w", err)
	}
	return &Threads{db: db, lock: db.MakeLock()}, nil
}

// Open returns the open thread owned by the user, ErrNotFound if none
func (t *Threads) Open(ctx context.Context, userID int64) (Thread, error) {
	t.lock.RLock()
	defer t.lock.RUnlock()

	var res Thread
	query := t.db.Adopt("SELECT * FROM threads WHERE user_id = ? AND status = 'open'")
	err := t.db.GetContext(ctx, &res, query, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return Thread{}, fmt.Errorf("open thread for user %d: %w", userID, ErrNotFound)
	}
	if err != nil {
		return Thread{}, fmt.Errorf("failed to get open thread for user %d: %w", userID, err)
	}
	return res, nil
}

// Create inserts a new open thread for the user. A concurrent open thread for
// the same owner violates the partial unique index and returns ErrConflict;
// the caller should re-read the winning row rather than fail the message.
func (t *Threads) Create(ctx context.Context, id, userID int64) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	query := t.db.Adopt("INSERT INTO threads (id, user_id, status) VALUES (?, ?, 'open')")
	if _, err := t.db.ExecContext(ctx, query, id, userID); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("open thread for user %d exists: %w", userID, ErrConflict)
		}
		return fmt.Errorf("failed to create thread %d for user %d: %w", id, userID, err)
	}
	return nil
}

// Close marks the thread closed and detaches the owner mapping; the next
// contact from the owner creates a fresh thread.
func (t *Threads) Close(ctx context.Context, id int64) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	query := t.db.Adopt("UPDATE threads SET status = 'closed', closed_at = ? WHERE id = ? AND status = 'open'")
	res, err := t.db.ExecContext(ctx, query, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to close thread %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("open thread %d: %w", id, ErrNotFound)
	}
	return nil
}

// Owner returns the owner user id of an open thread, ErrNotFound if the
// thread is unknown or closed. Used to route staff replies back to the user.
func (t *Threads) Owner(ctx context.Context, threadID int64) (int64, error) {
	t.lock.RLock()
	defer t.lock.RUnlock()

	var userID int64
	query := t.db.Adopt("SELECT user_id FROM threads WHERE id = ? AND status = 'open'")
	err := t.db.GetContext(ctx, &userID, query, threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("thread %d: %w", threadID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get owner of thread %d: %w", threadID, err)
	}
	return userID, nil
}

// CountOpen returns the number of open threads
func (t *Threads) CountOpen(ctx context.Context) (int, error) {
	t.lock.RLock()
	defer t.lock.RUnlock()

	var res int
	if err := t.db.GetContext(ctx, &res, "SELECT COUNT(*) FROM threads WHERE status = 'open'"); err != nil {
		return 0, fmt.Errorf("failed to count open threads: %w", err)
	}
	return res, nil
}
