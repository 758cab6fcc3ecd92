package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/nickqweaver/litequeue/internal/capacity"
	"github.com/nickqweaver/litequeue/internal/claim"
	"github.com/nickqweaver/litequeue/internal/sqlitex"
	"github.com/nickqweaver/litequeue/internal/store"
	memory "github.com/nickqweaver/litequeue/internal/store/adapters/memory"
	"github.com/nickqweaver/litequeue/internal/store/adapters/sqlite"
	"github.com/nickqweaver/litequeue/internal/utils"
)

// Queue is a durable FIFO of opaque payloads with leased, at-least-once
// delivery. It owns its storage handle. All methods are safe for concurrent
// use.
type Queue struct {
	backend  store.Backend
	claims   *claim.Manager
	capacity *capacity.Controller
	cfg      Config
	now      func() time.Time

	// ready is signalled whenever a message may have become claimable.
	ready *utils.Notifier

	// mu is held shared by every operation and exclusively by Close.
	mu      sync.RWMutex
	closed  bool
	closing context.Context
	cancel  context.CancelFunc
}

type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now for timestamps and lease arithmetic.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// Open opens or creates the queue stored at path.
func Open(path string, cfg Config, opts ...Option) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s, err := sqlite.Open(path, sqlitex.Options{
		FastMode:     cfg.FastMode,
		BusyTimeout:  cfg.BusyTimeout,
		CacheSizeKiB: cfg.CacheSizeKiB,
	})
	if err != nil {
		return nil, wrap("open", err)
	}

	q, err := New(s, cfg, opts...)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	klog.V(2).InfoS("Opened queue", "path", path, "maxSize", cfg.MaxSize, "fastMode", cfg.FastMode)
	return q, nil
}

// NewMemory returns a queue that lives only as long as the process.
func NewMemory(cfg Config, opts ...Option) (*Queue, error) {
	return New(memory.NewMemoryStore(), cfg, opts...)
}

// New wraps an already opened backend. The queue takes ownership of it.
func New(b store.Backend, cfg Config, opts ...Option) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	closing, cancel := context.WithCancel(context.Background())
	return &Queue{
		backend: b,
		claims:  claim.NewManager(b, claim.WithClock(o.now)),
		capacity: capacity.New(b, cfg.MaxSize,
			capacity.WithClock(o.now),
			capacity.WithBackoff(cfg.PollInterval, cfg.MaxPollInterval),
		),
		cfg:     cfg,
		now:     o.now,
		ready:   utils.NewNotifier(),
		closing: closing,
		cancel:  cancel,
	}, nil
}

// Config returns the validated configuration.
func (q *Queue) Config() Config {
	return q.cfg
}

// Put appends payload and returns its id. On a bounded queue that is full,
// timeout decides: NoWait fails at once, a positive timeout waits that long
// and WaitForever waits until ctx ends. Either way the failure is
// ErrQueueFull.
func (q *Queue) Put(ctx context.Context, payload []byte, timeout time.Duration) (int64, error) {
	if err := q.enter(); err != nil {
		return 0, err
	}
	defer q.leave()

	waitCtx, cancel := q.bind(ctx)
	defer cancel()

	id, err := q.capacity.Put(waitCtx, payload, timeout)
	if err != nil {
		return 0, q.interrupted(ctx, wrap("put", err))
	}

	q.ready.Signal()
	return id, nil
}

// Pop claims the oldest pending message for lease, waiting up to timeout for
// one to arrive. lease <= 0 uses Config.LeaseDuration. timeout 0 does not
// wait and WaitForever waits until ctx ends. When nothing arrives in time Pop
// returns ErrTimeout.
func (q *Queue) Pop(ctx context.Context, lease time.Duration, timeout time.Duration) (Message, error) {
	if err := q.enter(); err != nil {
		return Message{}, err
	}
	defer q.leave()

	msg, err := q.pop(ctx, lease, timeout)
	if err != nil {
		return Message{}, err
	}
	return convertMessageFromInternal(msg), nil
}

// TryPop claims the oldest pending message or returns ErrQueueEmpty at once.
func (q *Queue) TryPop(ctx context.Context, lease time.Duration) (Message, error) {
	if err := q.enter(); err != nil {
		return Message{}, err
	}
	defer q.leave()

	msg, ok, err := q.claimOne(ctx, lease)
	if err != nil {
		return Message{}, err
	}
	if !ok {
		return Message{}, ErrQueueEmpty
	}
	return convertMessageFromInternal(msg), nil
}

// Complete marks msg done. It reports false when the claim that returned msg
// no longer owns it, because it was completed already or its lease ran out.
func (q *Queue) Complete(ctx context.Context, msg Message) (bool, error) {
	return q.CompleteID(ctx, msg.ID, msg.Token)
}

// CompleteID is Complete for callers that kept only the id and token.
func (q *Queue) CompleteID(ctx context.Context, id int64, token string) (bool, error) {
	if err := q.enter(); err != nil {
		return false, err
	}
	defer q.leave()

	ok, err := q.claims.Complete(ctx, id, token)
	return ok, wrap("complete", err)
}

// Release returns msg to pending ahead of its lease, so that it is delivered
// again. It reports false when the claim no longer owns msg.
func (q *Queue) Release(ctx context.Context, msg Message) (bool, error) {
	return q.ReleaseID(ctx, msg.ID, msg.Token)
}

func (q *Queue) ReleaseID(ctx context.Context, id int64, token string) (bool, error) {
	if err := q.enter(); err != nil {
		return false, err
	}
	defer q.leave()

	ok, err := q.claims.Release(ctx, id, token)
	if err != nil {
		return false, wrap("release", err)
	}
	if ok {
		q.ready.Signal()
	}
	return ok, nil
}

// Peek returns the message Pop would claim next without claiming it.
func (q *Queue) Peek(ctx context.Context) (Message, bool, error) {
	if err := q.enter(); err != nil {
		return Message{}, false, err
	}
	defer q.leave()

	msg, ok, err := q.backend.Peek(ctx)
	if err != nil || !ok {
		return Message{}, false, wrap("peek", err)
	}
	return convertMessageFromInternal(msg), true, nil
}

// Get looks a message up by id, whatever its state.
func (q *Queue) Get(ctx context.Context, id int64) (Message, bool, error) {
	if err := q.enter(); err != nil {
		return Message{}, false, err
	}
	defer q.leave()

	msg, ok, err := q.backend.Get(ctx, id)
	if err != nil || !ok {
		return Message{}, false, wrap("get", err)
	}
	return convertMessageFromInternal(msg), true, nil
}

// Qsize returns the number of pending messages.
func (q *Queue) Qsize(ctx context.Context) (int, error) {
	if err := q.enter(); err != nil {
		return 0, err
	}
	defer q.leave()

	n, err := q.backend.Count(ctx, store.Pending)
	return n, wrap("qsize", err)
}

func (q *Queue) Empty(ctx context.Context) (bool, error) {
	n, err := q.Qsize(ctx)
	return n == 0, err
}

// Full reports whether a NoWait Put would fail. It is always false for an
// unbounded queue.
func (q *Queue) Full(ctx context.Context) (bool, error) {
	if err := q.enter(); err != nil {
		return false, err
	}
	defer q.leave()

	full, err := q.capacity.Full(ctx)
	return full, wrap("full", err)
}

// Reap returns lapsed claims to pending. With lease > 0, claims taken more
// than lease ago are returned too, whatever lease they were granted.
func (q *Queue) Reap(ctx context.Context, lease time.Duration) (int, error) {
	if err := q.enter(); err != nil {
		return 0, err
	}
	defer q.leave()

	return q.reap(ctx, lease)
}

// Vacuum deletes done messages older than Config.Retention and compacts the
// file. With no retention nothing is deleted.
func (q *Queue) Vacuum(ctx context.Context) (int, error) {
	if err := q.enter(); err != nil {
		return 0, err
	}
	defer q.leave()

	var cutoff time.Time
	if q.cfg.Retention > 0 {
		cutoff = q.now().Add(-q.cfg.Retention)
	}

	n, err := q.backend.Vacuum(ctx, cutoff)
	if err != nil {
		return 0, wrap("vacuum", err)
	}
	klog.V(2).InfoS("Vacuumed queue", "pruned", n, "retention", q.cfg.Retention)
	return n, nil
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	if err := q.enter(); err != nil {
		return Stats{}, err
	}
	defer q.leave()

	counts, err := q.counts(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Pending: counts[store.Pending],
		Claimed: counts[store.Claimed],
		Done:    counts[store.Done],
		MaxSize: q.capacity.MaxSize(),
	}, nil
}

// Close wakes blocked Put and Pop calls, waits for in-flight operations and
// releases the storage. Every later call, Close included, returns ErrClosed.
func (q *Queue) Close() error {
	q.cancel()

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	q.closed = true
	q.ready.Signal()

	if err := q.backend.Close(); err != nil && !errors.Is(err, store.ErrClosed) {
		return &StorageError{Op: "close", Err: err}
	}
	return nil
}

func (q *Queue) enter() error {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return ErrClosed
	}
	return nil
}

func (q *Queue) leave() {
	q.mu.RUnlock()
}

// bind derives a context that also ends when the queue starts closing.
func (q *Queue) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(q.closing, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// interrupted reports ErrClosed for a wait cut short by Close rather than by
// the caller.
func (q *Queue) interrupted(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) && ctx.Err() == nil && q.closing.Err() != nil {
		return ErrClosed
	}
	return err
}

func (q *Queue) pop(ctx context.Context, lease time.Duration, timeout time.Duration) (store.Message, error) {
	waitCtx, cancel := q.bind(ctx)
	defer cancel()

	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	step := q.cfg.PollInterval / 2
	var delay time.Duration
	for {
		wake := q.ready.C()

		msg, ok, err := q.claimOne(ctx, lease)
		if err != nil {
			return store.Message{}, err
		}
		if ok {
			return msg, nil
		}

		if timeout == 0 {
			return store.Message{}, ErrTimeout
		}

		step, delay = utils.Backoff(step, q.cfg.MaxPollInterval, true)
		if delay <= 0 {
			step, delay = q.cfg.PollInterval, q.cfg.PollInterval
		}

		t := time.NewTimer(delay)
		select {
		case <-waitCtx.Done():
			t.Stop()
			return store.Message{}, q.interrupted(ctx, waitCtx.Err())
		case <-deadline:
			t.Stop()
			return store.Message{}, ErrTimeout
		case <-wake:
			t.Stop()
		case <-t.C:
		}
	}
}

// claimOne reaps lapsed leases and claims the oldest pending message.
func (q *Queue) claimOne(ctx context.Context, lease time.Duration) (store.Message, bool, error) {
	if lease <= 0 {
		lease = q.cfg.LeaseDuration
	}

	if _, err := q.reap(ctx, 0); err != nil {
		return store.Message{}, false, err
	}

	msg, ok, err := q.claims.Claim(ctx, lease)
	if err != nil {
		return store.Message{}, false, wrap("claim", err)
	}
	if ok {
		q.capacity.Freed()
	}
	return msg, ok, nil
}

func (q *Queue) reap(ctx context.Context, lease time.Duration) (int, error) {
	n, err := q.claims.ReapExpired(ctx, lease)
	if err != nil {
		return 0, wrap("reap", err)
	}
	if n > 0 {
		q.ready.Signal()
	}
	return n, nil
}

func (q *Queue) counts(ctx context.Context) (map[store.State]int, error) {
	counts := make(map[store.State]int, len(store.States))
	for _, s := range store.States {
		n, err := q.backend.Count(ctx, s)
		if err != nil {
			return nil, wrap("stats", err)
		}
		counts[s] = n
	}
	return counts, nil
}
