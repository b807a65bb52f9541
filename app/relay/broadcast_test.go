package relay

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/tg-relay/app/storage"
	"github.com/umputun/tg-relay/app/storage/engine"
)

type broadcastEnv struct {
	users *storage.Users
	jobs  *storage.Broadcasts
}

func newBroadcastEnv(t *testing.T, userCount int) *broadcastEnv {
	t.Helper()
	ctx := context.Background()
	db, err := engine.NewSqlite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	users, err := storage.NewUsers(ctx, db)
	require.NoError(t, err)
	jobs, err := storage.NewBroadcasts(ctx, db)
	require.NoError(t, err)

	for id := int64(1); id <= int64(userCount); id++ {
		_, err = users.Upsert(ctx, storage.User{ID: id, UserName: fmt.Sprintf("u%d", id)})
		require.NoError(t, err)
	}
	return &broadcastEnv{users: users, jobs: jobs}
}

func waitForStatus(t *testing.T, jobs *storage.Broadcasts, id int64, status storage.BroadcastStatus) storage.BroadcastJob {
	t.Helper()
	var job storage.BroadcastJob
	require.Eventually(t, func() bool {
		var err error
		job, err = jobs.Get(context.Background(), id)
		require.NoError(t, err)
		return job.Status == status
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

func TestBroadcaster_SendsToAllInOrder(t *testing.T) {
	env := newBroadcastEnv(t, 7)
	ctx := context.Background()

	var mu sync.Mutex
	var order []int64
	transport := &mockTransport{sendFunc: func(dest Destination, text string, silent bool) (int64, error) {
		mu.Lock()
		order = append(order, dest.ChatID)
		mu.Unlock()
		assert.True(t, silent)
		assert.Equal(t, "hello everyone", text)
		return 1, nil
	}}

	b := NewBroadcaster(BroadcasterParams{Transport: transport, Users: env.users, Jobs: env.jobs, BatchSize: 3})
	jobID, err := b.Broadcast(ctx, "hello everyone")
	require.NoError(t, err)

	job := waitForStatus(t, env.jobs, jobID, storage.BroadcastDone)
	assert.Equal(t, 7, job.Sent)
	assert.Equal(t, 0, job.Failed)
	assert.Equal(t, int64(7), job.Cursor)

	mu.Lock()
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7}, order, "stable id order")
	mu.Unlock()

	// a second broadcast is allowed once the first finished
	_, err = b.Broadcast(ctx, "next")
	require.NoError(t, err)
}

func TestBroadcaster_ResumesFromCheckpoint(t *testing.T) {
	env := newBroadcastEnv(t, 10)
	ctx := context.Background()

	// simulate a crash after checkpoint 4: a running job with cursor 4
	// left in the store by a previous process
	job, err := env.jobs.Create(ctx, "resumed message")
	require.NoError(t, err)
	require.NoError(t, env.jobs.Advance(ctx, job.ID, 4, 4, 0))

	var mu sync.Mutex
	var delivered []int64
	transport := &mockTransport{sendFunc: func(dest Destination, _ string, _ bool) (int64, error) {
		mu.Lock()
		delivered = append(delivered, dest.ChatID)
		mu.Unlock()
		return 1, nil
	}}

	b := NewBroadcaster(BroadcasterParams{Transport: transport, Users: env.users, Jobs: env.jobs, BatchSize: 3})
	require.NoError(t, b.Resume(ctx))

	done := waitForStatus(t, env.jobs, job.ID, storage.BroadcastDone)
	assert.Equal(t, 10, done.Sent, "4 before the crash plus 6 after")
	assert.Equal(t, int64(10), done.Cursor)

	mu.Lock()
	assert.Equal(t, []int64{5, 6, 7, 8, 9, 10}, delivered,
		"resumes at K+1, never re-sends below the checkpoint, never skips above it")
	mu.Unlock()
}

func TestBroadcaster_ResumeNoJob(t *testing.T) {
	env := newBroadcastEnv(t, 3)
	transport := &mockTransport{}
	b := NewBroadcaster(BroadcasterParams{Transport: transport, Users: env.users, Jobs: env.jobs})
	require.NoError(t, b.Resume(context.Background()))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, transport.sentTexts())
}

func TestBroadcaster_PermanentFailureRecordedAndSkippedLater(t *testing.T) {
	env := newBroadcastEnv(t, 5)
	ctx := context.Background()

	var mu sync.Mutex
	attempts := map[int64]int{}
	transport := &mockTransport{sendFunc: func(dest Destination, _ string, _ bool) (int64, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts[dest.ChatID]++
		if dest.ChatID == 3 {
			return 0, fmt.Errorf("forbidden: user blocked the bot")
		}
		return 1, nil
	}}

	b := NewBroadcaster(BroadcasterParams{
		Transport: transport, Users: env.users, Jobs: env.jobs, Attempts: 3, Delay: time.Millisecond})
	jobID, err := b.Broadcast(ctx, "msg")
	require.NoError(t, err)

	job := waitForStatus(t, env.jobs, jobID, storage.BroadcastDone)
	assert.Equal(t, 4, job.Sent)
	assert.Equal(t, 1, job.Failed)

	failures, err := env.jobs.Failures(ctx, jobID)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, int64(3), failures[0].UserID)
	assert.Contains(t, failures[0].Reason, "forbidden")

	mu.Lock()
	assert.Equal(t, 1, attempts[3], "permanent error not retried")
	mu.Unlock()

	unreachable, err := env.users.Unreachable(ctx)
	require.NoError(t, err)
	require.Len(t, unreachable, 1)
	assert.Equal(t, int64(3), unreachable[0].ID)

	// the next job skips the unreachable recipient
	mu.Lock()
	attempts = map[int64]int{}
	mu.Unlock()
	jobID, err = b.Broadcast(ctx, "second run")
	require.NoError(t, err)
	job = waitForStatus(t, env.jobs, jobID, storage.BroadcastDone)
	assert.Equal(t, 4, job.Sent)
	assert.Equal(t, 0, job.Failed)
	mu.Lock()
	assert.Zero(t, attempts[3], "unreachable user skipped")
	mu.Unlock()
}

func TestBroadcaster_ExhaustedRetriesMarkUnreachable(t *testing.T) {
	env := newBroadcastEnv(t, 3)
	ctx := context.Background()

	var mu sync.Mutex
	attempts := map[int64]int{}
	transport := &mockTransport{sendFunc: func(dest Destination, _ string, _ bool) (int64, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts[dest.ChatID]++
		if dest.ChatID == 2 {
			return 0, fmt.Errorf("timeout: %w", ErrTransient)
		}
		return 1, nil
	}}

	b := NewBroadcaster(BroadcasterParams{
		Transport: transport, Users: env.users, Jobs: env.jobs, Attempts: 3, Delay: time.Millisecond})
	jobID, err := b.Broadcast(ctx, "msg")
	require.NoError(t, err)

	job := waitForStatus(t, env.jobs, jobID, storage.BroadcastDone)
	assert.Equal(t, 2, job.Sent)
	assert.Equal(t, 1, job.Failed)

	mu.Lock()
	assert.Equal(t, 3, attempts[2], "all attempts spent before giving up")
	mu.Unlock()

	failures, err := env.jobs.Failures(ctx, jobID)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, int64(2), failures[0].UserID)

	unreachable, err := env.users.Unreachable(ctx)
	require.NoError(t, err)
	require.Len(t, unreachable, 1)
	assert.Equal(t, int64(2), unreachable[0].ID, "exhausted retries make the user unreachable")

	// the next job no longer attempts the unreachable recipient
	mu.Lock()
	attempts = map[int64]int{}
	mu.Unlock()
	jobID, err = b.Broadcast(ctx, "second run")
	require.NoError(t, err)
	job = waitForStatus(t, env.jobs, jobID, storage.BroadcastDone)
	assert.Equal(t, 2, job.Sent)
	assert.Equal(t, 0, job.Failed)
	mu.Lock()
	assert.Zero(t, attempts[2])
	mu.Unlock()
}

func TestBroadcaster_TransientFailureRetried(t *testing.T) {
	env := newBroadcastEnv(t, 1)
	ctx := context.Background()

	var mu sync.Mutex
	calls := 0
	transport := &mockTransport{sendFunc: func(Destination, string, bool) (int64, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return 0, fmt.Errorf("timeout: %w", ErrTransient)
		}
		return 1, nil
	}}

	b := NewBroadcaster(BroadcasterParams{
		Transport: transport, Users: env.users, Jobs: env.jobs, Attempts: 5, Delay: time.Millisecond})
	jobID, err := b.Broadcast(ctx, "msg")
	require.NoError(t, err)

	job := waitForStatus(t, env.jobs, jobID, storage.BroadcastDone)
	assert.Equal(t, 1, job.Sent)
	assert.Equal(t, 0, job.Failed)
	mu.Lock()
	assert.Equal(t, 3, calls)
	mu.Unlock()
}
