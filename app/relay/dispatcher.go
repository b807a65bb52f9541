package relay

import (
	"context"
	"errors"
	"hash/fnv"
	"log"
	"sync"
	"time"
)

// Handler processes one inbound message. A returned error wrapping
// ErrTransient gets the message re-enqueued with backoff; any other error is
// final and only logged.
type Handler interface {
	Handle(ctx context.Context, msg Message) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, msg Message) error

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, msg Message) error { return f(ctx, msg) }

// Dispatcher fans inbound messages out to a fixed pool of workers, sharded by
// user id. All messages from one user land on one shard and are processed in
// arrival order; distinct users run in parallel. This ordering is what lets
// the thread manager use plain check-then-create without a per-user lock.
type Dispatcher struct {
	handler     Handler
	shards      []*shard
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	onDrop      func(msg Message, err error)

	wg sync.WaitGroup
}

// DispatcherParams configures a Dispatcher
type DispatcherParams struct {
	Workers     int                          // shard and worker count
	MaxAttempts int                          // send attempts per message before giving up
	BaseDelay   time.Duration                // initial retry delay, doubled per attempt
	MaxDelay    time.Duration                // retry delay cap
	OnDrop      func(msg Message, err error) // called when retries are exhausted, optional
}

type queued struct {
	msg     Message
	attempt int
}

// shard is an unbounded FIFO with a wakeup channel. Submit appends under a
// short mutex and never blocks on the consumer.
type shard struct {
	mu     sync.Mutex
	queue  []queued
	notify chan struct{}
}

func (s *shard) push(q queued) {
	s.mu.Lock()
	s.queue = append(s.queue, q)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *shard) popAll() []queued {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := s.queue
	s.queue = nil
	return res
}

// NewDispatcher creates a dispatcher with the given worker count
func NewDispatcher(handler Handler, params DispatcherParams) *Dispatcher {
	if params.Workers <= 0 {
		params.Workers = 4
	}
	if params.MaxAttempts <= 0 {
		params.MaxAttempts = 5
	}
	if params.BaseDelay <= 0 {
		params.BaseDelay = time.Second
	}
	if params.MaxDelay <= 0 {
		params.MaxDelay = time.Minute
	}
	res := &Dispatcher{
		handler:     handler,
		shards:      make([]*shard, params.Workers),
		maxAttempts: params.MaxAttempts,
		baseDelay:   params.BaseDelay,
		maxDelay:    params.MaxDelay,
		onDrop:      params.OnDrop,
	}
	for i := range res.shards {
		res.shards[i] = &shard{notify: make(chan struct{}, 1)}
	}
	return res
}

// Submit enqueues a message for processing, non-blocking
func (d *Dispatcher) Submit(msg Message) {
	d.shardFor(msg.UserID).push(queued{msg: msg})
}

// Do runs the worker pool until ctx is canceled
func (d *Dispatcher) Do(ctx context.Context) {
	log.Printf("[INFO] dispatcher started with %d workers", len(d.shards))
	for _, s := range d.shards {
		d.wg.Add(1)
		go func(s *shard) {
			defer d.wg.Done()
			d.work(ctx, s)
		}(s)
	}
	d.wg.Wait()
	log.Printf("[INFO] dispatcher terminated, %v", ctx.Err())
}

func (d *Dispatcher) work(ctx context.Context, s *shard) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.notify:
		}
		for _, q := range s.popAll() {
			if ctx.Err() != nil {
				return
			}
			d.process(ctx, s, q)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, s *shard, q queued) {
	err := d.handler.Handle(ctx, q.msg)
	if err == nil {
		return
	}
	if !errors.Is(err, ErrTransient) {
		log.Printf("[WARN] message %d from user %d failed: %v", q.msg.ID, q.msg.UserID, err)
		return
	}

	q.attempt++
	if q.attempt >= d.maxAttempts {
		log.Printf("[WARN] message %d from user %d dropped after %d attempts: %v",
			q.msg.ID, q.msg.UserID, q.attempt, err)
		if d.onDrop != nil {
			d.onDrop(q.msg, err)
		}
		return
	}

	// re-enqueue after a delay so the worker moves on to other users
	delay := d.backoff(q.attempt)
	log.Printf("[DEBUG] message %d from user %d re-enqueued, attempt %d, retry in %v",
		q.msg.ID, q.msg.UserID, q.attempt, delay)
	time.AfterFunc(delay, func() {
		if ctx.Err() != nil {
			return
		}
		s.push(q)
	})
}

func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := d.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= d.maxDelay {
			return d.maxDelay
		}
	}
	return delay
}

func (d *Dispatcher) shardFor(userID int64) *shard {
	h := fnv.New64a()
	var buf [8]byte
	for i := range 8 {
		buf[i] = byte(uint64(userID) >> (8 * i))
	}
	_, _ = h.Write(buf[:]) // fnv write never fails
	return d.shards[h.Sum64()%uint64(len(d.shards))]
}
