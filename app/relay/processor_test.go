package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/tg-relay/app/storage"
	"github.com/umputun/tg-relay/app/storage/engine"
	"github.com/umputun/tg-relay/lib/filter"
)

const (
	testGroupID      = int64(-100500)
	testSpamThreadID = int64(777)
)

type testEnv struct {
	engine    *Engine
	admin     *AdminOps
	transport *mockTransport
	users     *storage.Users
	threads   *storage.Threads
	keywords  *storage.Keywords
	replies   *storage.Replies
	detector  *filter.KeywordDetector
	captcha   *Captcha
}

func newTestEnv(t *testing.T, captchaOn bool) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := engine.NewSqlite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	users, err := storage.NewUsers(ctx, db)
	require.NoError(t, err)
	threads, err := storage.NewThreads(ctx, db)
	require.NoError(t, err)
	keywords, err := storage.NewKeywords(ctx, db)
	require.NoError(t, err)
	replies, err := storage.NewReplies(ctx, db)
	require.NoError(t, err)

	detector := filter.NewKeywordDetector()
	pipeline := filter.NewPipeline(time.Second, filter.FailOpen).Add(detector)

	autoReply, err := NewAutoReply(ctx, replies)
	require.NoError(t, err)

	captcha := NewCaptcha(captchaOn, 3, time.Minute)
	captcha.randInt = func(int) int { return 2 } // question is always 3 + 3

	transport := &mockTransport{}
	eng := NewEngine(EngineParams{
		Transport: transport, Users: users, Threads: threads, Pipeline: pipeline,
		Captcha: captcha, AutoReply: autoReply, GroupID: testGroupID, SpamThreadID: testSpamThreadID,
	})
	admin, err := NewAdminOps(ctx, eng, keywords, detector)
	require.NoError(t, err)

	return &testEnv{engine: eng, admin: admin, transport: transport, users: users,
		threads: threads, keywords: keywords, replies: replies, detector: detector, captcha: captcha}
}

func TestEngine_CleanMessageCreatesThreadAndForwards(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	msg := Message{ID: 1, UserID: 42, UserName: "alice", DisplayName: "Alice", Text: "hello"}
	require.NoError(t, env.engine.Handle(ctx, msg))

	th, err := env.threads.Open(ctx, 42)
	require.NoError(t, err)

	require.Equal(t, 1, env.transport.forwardCount())
	fwd := env.transport.forwards[0]
	assert.Equal(t, testGroupID, fwd.dest.ChatID)
	assert.Equal(t, th.ID, fwd.dest.ThreadID)
	assert.Equal(t, int64(42), fwd.fromChatID)
	assert.False(t, fwd.silent, "clean forward is not silent")

	require.Equal(t, 1, env.transport.createdCount())
	assert.Equal(t, "Alice (@alice)", env.transport.created[0])
}

func TestEngine_ThreadResolutionIdempotent(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		require.NoError(t, env.engine.Handle(ctx, Message{ID: int64(i), UserID: 42, UserName: "alice", Text: "hi"}))
	}

	assert.Equal(t, 1, env.transport.createdCount(), "repeated messages reuse the thread")
	count, err := env.threads.CountOpen(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestEngine_SpamRoutedSilentlyNoThread(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	var logged []Message
	env.engine.spamLogger = SpamLoggerFunc(func(msg Message, _ []filter.Response) { logged = append(logged, msg) })

	require.NoError(t, env.admin.AddKeyword(ctx, `http://spam\.example`, "admin"))

	msg := Message{ID: 1, UserID: 42, UserName: "alice", Text: "check http://spam.example now"}
	require.NoError(t, env.engine.Handle(ctx, msg))

	require.Equal(t, 1, env.transport.forwardCount())
	fwd := env.transport.forwards[0]
	assert.Equal(t, testSpamThreadID, fwd.dest.ThreadID, "routed to spam intake")
	assert.True(t, fwd.silent, "spam delivery is silent")

	_, err := env.threads.Open(ctx, 42)
	assert.ErrorIs(t, err, storage.ErrNotFound, "spam never creates a thread")
	assert.Equal(t, 0, env.transport.createdCount())
	require.Len(t, logged, 1)
	assert.Equal(t, int64(42), logged[0].UserID)
}

func TestEngine_SpamBypassesExistingThread(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	require.NoError(t, env.engine.Handle(ctx, Message{ID: 1, UserID: 42, UserName: "alice", Text: "hello"}))
	th, err := env.threads.Open(ctx, 42)
	require.NoError(t, err)

	require.NoError(t, env.admin.AddKeyword(ctx, "viagra", "admin"))
	require.NoError(t, env.engine.Handle(ctx, Message{ID: 2, UserID: 42, UserName: "alice", Text: "buy viagra"}))

	require.Equal(t, 2, env.transport.forwardCount())
	assert.Equal(t, testSpamThreadID, env.transport.forwards[1].dest.ThreadID,
		"spam goes to intake even with an open thread")
	assert.NotEqual(t, th.ID, env.transport.forwards[1].dest.ThreadID)
}

func TestEngine_KeywordRoundTrip(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	require.NoError(t, env.admin.AddKeyword(ctx, "lottery", "admin"))
	require.NoError(t, env.engine.Handle(ctx, Message{ID: 1, UserID: 1, UserName: "u", Text: "win the lottery"}))
	assert.Equal(t, testSpamThreadID, env.transport.forwards[0].dest.ThreadID)

	require.NoError(t, env.admin.RemoveKeyword(ctx, "lottery", "admin"))
	require.NoError(t, env.engine.Handle(ctx, Message{ID: 2, UserID: 1, UserName: "u", Text: "win the lottery"}))
	require.Equal(t, 2, env.transport.forwardCount())
	assert.NotEqual(t, testSpamThreadID, env.transport.forwards[1].dest.ThreadID,
		"same message is clean after keyword removal")
}

func TestEngine_BannedUserDroppedBeforeFilter(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	checked := 0
	probe := &probeDetector{onCheck: func() { checked++ }}
	env.engine.pipeline = filter.NewPipeline(time.Second, filter.FailOpen).Add(probe)

	_, err := env.users.Upsert(ctx, storage.User{ID: 42, UserName: "alice"})
	require.NoError(t, err)
	require.NoError(t, env.admin.Ban(ctx, 42, "admin", "spamming"))

	require.NoError(t, env.engine.Handle(ctx, Message{ID: 1, UserID: 42, UserName: "alice", Text: "hi"}))

	assert.Equal(t, 0, checked, "ban drops before classification")
	assert.Equal(t, 0, env.transport.forwardCount())
	assert.Empty(t, env.transport.sentTexts(), "no error surfaced to the user")
}

func TestEngine_ConflictResolvedByRereading(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	_, err := env.users.Upsert(ctx, storage.User{ID: 42, UserName: "alice"})
	require.NoError(t, err)

	// simulate a lost race: the winning row appears after the platform
	// thread is created but before ours is persisted
	env.transport.createFunc = func(string) (int64, error) {
		require.NoError(t, env.threads.Create(ctx, 9999, 42))
		return 1234, nil
	}

	require.NoError(t, env.engine.Handle(ctx, Message{ID: 1, UserID: 42, UserName: "alice", Text: "hi"}))

	th, err := env.threads.Open(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(9999), th.ID, "winning row used")
	assert.Equal(t, []int64{1234}, env.transport.closed, "orphaned topic closed")
	assert.Equal(t, th.ID, env.transport.forwards[0].dest.ThreadID)
}

func TestEngine_SingleThreadUnderConcurrency(t *testing.T) {
	env := newTestEnv(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcher := NewDispatcher(env.engine, DispatcherParams{Workers: 8})
	done := make(chan struct{})
	go func() {
		dispatcher.Do(ctx)
		close(done)
	}()

	var wg sync.WaitGroup
	for i := 1; i <= 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			dispatcher.Submit(Message{ID: int64(i), UserID: 42, UserName: "alice", Text: "hello"})
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return env.transport.forwardCount() == 100 },
		5*time.Second, 10*time.Millisecond)

	count, err := env.threads.CountOpen(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "exactly one thread for 100 concurrent messages")
	assert.Equal(t, 1, env.transport.createdCount())

	cancel()
	<-done
}

func TestEngine_AutoReplyFiresAndForwards(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	_, err := env.replies.Add(ctx, storage.ReplyRule{Trigger: "opening hours", Response: "We are open 9 to 5."})
	require.NoError(t, err)
	require.NoError(t, env.engine.autoReply.Reload(ctx))

	require.NoError(t, env.engine.Handle(ctx, Message{ID: 1, UserID: 42, UserName: "alice", Text: "what are your opening hours?"}))

	assert.Equal(t, 1, env.transport.forwardCount(), "reply never suppresses the forward")
	require.Len(t, env.transport.sends, 1)
	assert.Equal(t, int64(42), env.transport.sends[0].dest.ChatID)
	assert.Equal(t, "We are open 9 to 5.", env.transport.sends[0].text)
}

// probeDetector counts Check calls
type probeDetector struct {
	onCheck func()
}

func (p *probeDetector) Name() string { return "probe" }

func (p *probeDetector) Check(_ context.Context, _ filter.Request) filter.Response {
	p.onCheck()
	return filter.Response{Name: "probe"}
}
