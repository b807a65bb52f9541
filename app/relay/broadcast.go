package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-pkgz/repeater/v2"

	"github.com/umputun/tg-relay/app/storage"
)

// Broadcaster fans a message out to all reachable users in stable id order.
// Progress is checkpointed per batch so a crash resumes from the last
// committed cursor. Per-recipient failures are recorded and never abort the
// job; a recipient rejected outright or still failing after bounded retries
// is marked unreachable and skipped by later jobs.
type Broadcaster struct {
	transport Transport
	users     *storage.Users
	jobs      *storage.Broadcasts

	batchSize int
	attempts  int
	delay     time.Duration
}

// BroadcasterParams configures a Broadcaster
type BroadcasterParams struct {
	Transport Transport
	Users     *storage.Users
	Jobs      *storage.Broadcasts
	BatchSize int           // recipients per checkpoint, default 50
	Attempts  int           // send attempts per recipient, default 3
	Delay     time.Duration // initial backoff delay, default 500ms
}

// NewBroadcaster creates the broadcast service
func NewBroadcaster(params BroadcasterParams) *Broadcaster {
	res := &Broadcaster{
		transport: params.Transport,
		users:     params.Users,
		jobs:      params.Jobs,
		batchSize: params.BatchSize,
		attempts:  params.Attempts,
		delay:     params.Delay,
	}
	if res.batchSize <= 0 {
		res.batchSize = 50
	}
	if res.attempts <= 0 {
		res.attempts = 3
	}
	if res.delay <= 0 {
		res.delay = 500 * time.Millisecond
	}
	return res
}

// Broadcast creates a job and runs it to completion in the background.
// Returns the job id immediately; ErrConflict if another job is running.
func (b *Broadcaster) Broadcast(ctx context.Context, content string) (int64, error) {
	job, err := b.jobs.Create(ctx, content)
	if err != nil {
		return 0, fmt.Errorf("failed to create broadcast: %w", err)
	}
	go b.run(ctx, job)
	return job.ID, nil
}

// Resume picks up an unfinished job left by a previous run, if any. Called
// once at startup.
func (b *Broadcaster) Resume(ctx context.Context) error {
	job, err := b.jobs.Running(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to check for unfinished broadcast: %w", err)
	}
	log.Printf("[INFO] resuming broadcast %d from cursor %d", job.ID, job.Cursor)
	go b.run(ctx, job)
	return nil
}

// run processes recipients batch by batch, committing the cursor after each.
// The cursor is the id of the last user handled, so a resumed job starts
// strictly after it, never re-sending and never skipping.
func (b *Broadcaster) run(ctx context.Context, job storage.BroadcastJob) {
	cursor := job.Cursor
	for {
		if ctx.Err() != nil {
			log.Printf("[INFO] broadcast %d interrupted at cursor %d, %v", job.ID, cursor, ctx.Err())
			return
		}

		recipients, err := b.users.RecipientsAfter(ctx, cursor, b.batchSize)
		if err != nil {
			log.Printf("[WARN] broadcast %d failed to read recipients: %v", job.ID, err)
			return
		}
		if len(recipients) == 0 {
			if err := b.jobs.Complete(ctx, job.ID, storage.BroadcastDone); err != nil {
				log.Printf("[WARN] failed to complete broadcast %d: %v", job.ID, err)
				return
			}
			log.Printf("[INFO] broadcast %d completed", job.ID)
			return
		}

		sent, failed := 0, 0
		for _, user := range recipients {
			if ctx.Err() != nil {
				return
			}
			if err := b.send(ctx, user.ID, job.Message); err != nil {
				failed++
				log.Printf("[WARN] broadcast %d failed for user %d: %v", job.ID, user.ID, err)
				if aerr := b.jobs.AddFailure(ctx, job.ID, user.ID, err.Error()); aerr != nil {
					log.Printf("[WARN] failed to record broadcast failure: %v", aerr)
				}
				// send already retried transient failures, so any error here
				// means undeliverable, skip the recipient on future jobs
				if uerr := b.users.SetUnreachable(ctx, user.ID, true); uerr != nil {
					log.Printf("[WARN] failed to mark user %d unreachable: %v", user.ID, uerr)
				}
				cursor = user.ID
				continue
			}
			sent++
			cursor = user.ID
		}

		if err := b.jobs.Advance(ctx, job.ID, cursor, sent, failed); err != nil {
			log.Printf("[WARN] broadcast %d failed to commit cursor %d: %v", job.ID, cursor, err)
			return
		}
		log.Printf("[DEBUG] broadcast %d advanced to cursor %d, batch sent %d failed %d", job.ID, cursor, sent, failed)
	}
}

// send delivers to one recipient with bounded exponential backoff. Permanent
// errors stop the retries early.
func (b *Broadcaster) send(ctx context.Context, userID int64, content string) error {
	var permanent error
	err := repeater.NewBackoff(b.attempts, b.delay).Do(ctx, func() error {
		_, serr := b.transport.Send(ctx, Destination{ChatID: userID}, content, true)
		if serr != nil && !errors.Is(serr, ErrTransient) {
			permanent = serr
			return nil // stop retrying, remember the failure
		}
		return serr
	})
	if permanent != nil {
		return permanent
	}
	return err
}
