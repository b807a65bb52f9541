package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/umputun/tg-relay/app/storage/engine"
)

// BroadcastStatus is the lifecycle state of a broadcast job
type BroadcastStatus string

// broadcast job statuses
const (
	BroadcastRunning  BroadcastStatus = "running"
	BroadcastDone     BroadcastStatus = "done"
	BroadcastCanceled BroadcastStatus = "canceled"
)

// BroadcastJob is a mass-send job. Cursor holds the id of the last user the
// message was sent to; on restart the job resumes from users with id > Cursor.
type BroadcastJob struct {
	ID        int64           `db:"id"`
	Message   string          `db:"message"`
	Status    BroadcastStatus `db:"status"`
	Cursor    int64           `db:"last_id"`
	Sent      int             `db:"sent"`
	Failed    int             `db:"failed"`
	CreatedAt time.Time       `db:"created_at"`
	DoneAt    sql.NullTime    `db:"done_at"`
}

// BroadcastFailure records a single recipient the job could not reach
type BroadcastFailure struct {
	ID     int64  `db:"id"`
	JobID  int64  `db:"job_id"`
	UserID int64  `db:"user_id"`
	Reason string `db:"reason"`
}

// Broadcasts is a storage for broadcast jobs and their failures
type Broadcasts struct {
	db   *engine.SQL
	lock engine.RWLocker
}

var broadcastsSchema = engine.Query{
	Sqlite: `
        CREATE TABLE IF NOT EXISTS broadcasts (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            message TEXT NOT NULL,
            status TEXT NOT NULL DEFAULT 'running',
            last_id INTEGER NOT NULL DEFAULT 0,
            sent INTEGER NOT NULL DEFAULT 0,
            failed INTEGER NOT NULL DEFAULT 0,
            created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
            done_at DATETIME,
            CHECK (status IN ('running', 'done', 'canceled'))
        );
        CREATE TABLE IF NOT EXISTS broadcast_failures (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            job_id INTEGER NOT NULL REFERENCES broadcasts(id),
            user_id INTEGER NOT NULL,
            reason TEXT NOT NULL DEFAULT ''
        );
        CREATE INDEX IF NOT EXISTS idx_broadcast_failures_job ON broadcast_failures(job_id);
    `,
	Postgres: `
        CREATE TABLE IF NOT EXISTS broadcasts (
            id SERIAL PRIMARY KEY,
            message TEXT NOT NULL,
            status TEXT NOT NULL DEFAULT 'running',
            last_id BIGINT NOT NULL DEFAULT 0,
            sent INTEGER NOT NULL DEFAULT 0,
            failed INTEGER NOT NULL DEFAULT 0,
            created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            done_at TIMESTAMP,
            CHECK (status IN ('running', 'done', 'canceled'))
        );
        CREATE TABLE IF NOT EXISTS broadcast_failures (
            id SERIAL PRIMARY KEY,
            job_id INTEGER NOT NULL REFERENCES broadcasts(id),
            user_id BIGINT NOT NULL,
            reason TEXT NOT NULL DEFAULT ''
        );
        CREATE INDEX IF NOT EXISTS idx_broadcast_failures_job ON broadcast_failures(job_id)
    `,
}

// NewBroadcasts creates broadcasts storage and makes sure the tables exist
func NewBroadcasts(ctx context.Context, db *engine.SQL) (*Broadcasts, error) {
	if err := initTable(ctx, db, broadcastsSchema); err != nil {
		return nil, fmt.Errorf("failed to init broadcasts tables: %w", err)
	}
	return &Broadcasts{db: db, lock: db.MakeLock()}, nil
}

// Create starts a new broadcast job and returns it. Only one running job is
// allowed at a time, a second Create while one runs returns ErrConflict.
func (b *Broadcasts) Create(ctx context.Context, message string) (BroadcastJob, error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	var running int
	query := b.db.Adopt("SELECT COUNT(*) FROM broadcasts WHERE status = ?")
	if err := b.db.GetContext(ctx, &running, query, BroadcastRunning); err != nil {
		return BroadcastJob{}, fmt.Errorf("failed to check running broadcasts: %w", err)
	}
	if running > 0 {
		return BroadcastJob{}, fmt.Errorf("broadcast already running: %w", ErrConflict)
	}

	var id int64
	switch b.db.Type() {
	case engine.Postgres:
		query = b.db.Adopt("INSERT INTO broadcasts (message) VALUES (?) RETURNING id")
		if err := b.db.GetContext(ctx, &id, query, message); err != nil {
			return BroadcastJob{}, fmt.Errorf("failed to create broadcast: %w", err)
		}
	default:
		res, err := b.db.ExecContext(ctx, "INSERT INTO broadcasts (message) VALUES (?)", message)
		if err != nil {
			return BroadcastJob{}, fmt.Errorf("failed to create broadcast: %w", err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return BroadcastJob{}, fmt.Errorf("failed to get broadcast id: %w", err)
		}
	}
	return b.get(ctx, id)
}

// Get returns a job by id, ErrNotFound if absent
func (b *Broadcasts) Get(ctx context.Context, id int64) (BroadcastJob, error) {
	b.lock.RLock()
	defer b.lock.RUnlock()
	return b.get(ctx, id)
}

func (b *Broadcasts) get(ctx context.Context, id int64) (BroadcastJob, error) {
	var job BroadcastJob
	err := b.db.GetContext(ctx, &job, b.db.Adopt("SELECT * FROM broadcasts WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return BroadcastJob{}, fmt.Errorf("broadcast %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return BroadcastJob{}, fmt.Errorf("failed to get broadcast %d: %w", id, err)
	}
	return job, nil
}

// Running returns the currently running job if any, ErrNotFound otherwise
func (b *Broadcasts) Running(ctx context.Context) (BroadcastJob, error) {
	b.lock.RLock()
	defer b.lock.RUnlock()

	var job BroadcastJob
	query := b.db.Adopt("SELECT * FROM broadcasts WHERE status = ? ORDER BY id LIMIT 1")
	err := b.db.GetContext(ctx, &job, query, BroadcastRunning)
	if errors.Is(err, sql.ErrNoRows) {
		return BroadcastJob{}, fmt.Errorf("no running broadcast: %w", ErrNotFound)
	}
	if err != nil {
		return BroadcastJob{}, fmt.Errorf("failed to get running broadcast: %w", err)
	}
	return job, nil
}

// Advance moves the job cursor forward and bumps counters. The guard keeps the
// cursor monotonic, a stale checkpoint from a slower writer never moves it back.
func (b *Broadcasts) Advance(ctx context.Context, id, cursor int64, sent, failed int) error {
	b.lock.Lock()
	defer b.lock.Unlock()

	query := b.db.Adopt(`UPDATE broadcasts SET last_id = ?, sent = sent + ?, failed = failed + ?
         WHERE id = ? AND status = ? AND last_id < ?`)
	res, err := b.db.ExecContext(ctx, query, cursor, sent, failed, id, BroadcastRunning, cursor)
	if err != nil {
		return fmt.Errorf("failed to advance broadcast %d: %w", id, err)
	}
	return checkAffected(res, fmt.Sprintf("running broadcast %d with cursor below %d", id, cursor))
}

// Complete marks the job done or canceled
func (b *Broadcasts) Complete(ctx context.Context, id int64, status BroadcastStatus) error {
	if status != BroadcastDone && status != BroadcastCanceled {
		return fmt.Errorf("invalid terminal status %q: %w", status, ErrInvalidRule)
	}
	b.lock.Lock()
	defer b.lock.Unlock()

	query := b.db.Adopt("UPDATE broadcasts SET status = ?, done_at = ? WHERE id = ? AND status = ?")
	res, err := b.db.ExecContext(ctx, query, status, time.Now(), id, BroadcastRunning)
	if err != nil {
		return fmt.Errorf("failed to complete broadcast %d: %w", id, err)
	}
	return checkAffected(res, fmt.Sprintf("running broadcast %d", id))
}

// AddFailure records a recipient the job could not deliver to
func (b *Broadcasts) AddFailure(ctx context.Context, jobID, userID int64, reason string) error {
	b.lock.Lock()
	defer b.lock.Unlock()

	query := b.db.Adopt("INSERT INTO broadcast_failures (job_id, user_id, reason) VALUES (?, ?, ?)")
	if _, err := b.db.ExecContext(ctx, query, jobID, userID, reason); err != nil {
		return fmt.Errorf("failed to record broadcast failure for user %d: %w", userID, err)
	}
	return nil
}

// Failures returns all recorded failures for a job
func (b *Broadcasts) Failures(ctx context.Context, jobID int64) ([]BroadcastFailure, error) {
	b.lock.RLock()
	defer b.lock.RUnlock()

	var res []BroadcastFailure
	query := b.db.Adopt("SELECT * FROM broadcast_failures WHERE job_id = ? ORDER BY id")
	if err := b.db.SelectContext(ctx, &res, query, jobID); err != nil {
		return nil, fmt.Errorf("failed to list broadcast failures: %w", err)
	}
	return res, nil
}

// List returns recent jobs, newest first
func (b *Broadcasts) List(ctx context.Context, limit int) ([]BroadcastJob, error) {
	b.lock.RLock()
	defer b.lock.RUnlock()

	var res []BroadcastJob
	query := b.db.Adopt("SELECT * FROM broadcasts ORDER BY id DESC LIMIT ?")
	if err := b.db.SelectContext(ctx, &res, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list broadcasts: %w", err)
	}
	return res, nil
}
