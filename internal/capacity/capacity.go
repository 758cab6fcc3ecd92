// Package capacity bounds the number of pending messages a queue accepts.
package capacity

import (
	"context"
	"errors"
	"time"

	"k8s.io/klog/v2"

	"github.com/nickqweaver/litequeue/internal/metrics"
	"github.com/nickqweaver/litequeue/internal/store"
	"github.com/nickqweaver/litequeue/internal/utils"
)

const (
	defaultStep    = 10 * time.Millisecond
	defaultMaxWait = 500 * time.Millisecond
)

// Controller admits a put only while the pending count is below MaxSize. The
// count and the insert happen in one backend transaction, so concurrent
// producers cannot overshoot.
type Controller struct {
	backend store.Backend
	maxSize int
	step    time.Duration
	maxWait time.Duration
	now     func() time.Time
	freed   *utils.Notifier
}

type Option func(*Controller)

// WithBackoff sets the first and the largest wait between admission attempts.
func WithBackoff(step, maximum time.Duration) Option {
	return func(c *Controller) {
		if step > 0 {
			c.step = step
		}
		if maximum >= c.step {
			c.maxWait = maximum
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// New returns a controller for b. maxSize <= 0 disables the bound.
func New(b store.Backend, maxSize int, opts ...Option) *Controller {
	c := &Controller{
		backend: b,
		maxSize: maxSize,
		step:    defaultStep,
		maxWait: defaultMaxWait,
		now:     time.Now,
		freed:   utils.NewNotifier(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) Bounded() bool {
	return c.maxSize > 0
}

func (c *Controller) MaxSize() int {
	return max(0, c.maxSize)
}

// Put inserts payload, waiting for room when the queue is full. timeout 0
// fails at once, a negative timeout waits until ctx ends. A put that cannot
// find room returns store.ErrFull.
func (c *Controller) Put(ctx context.Context, payload []byte, timeout time.Duration) (int64, error) {
	start := c.now()

	if !c.Bounded() {
		id, err := c.backend.Insert(ctx, payload, start)
		c.record(err, start)
		return id, err
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	wait := c.step / 2
	var delay time.Duration
	for {
		wake := c.freed.C()

		id, err := c.backend.InsertBounded(ctx, payload, c.maxSize, c.now())
		if !errors.Is(err, store.ErrFull) {
			c.record(err, start)
			return id, err
		}

		if timeout == 0 {
			c.record(err, start)
			return 0, store.ErrFull
		}

		wait, delay = utils.Backoff(wait, c.maxWait, true)
		if delay <= 0 {
			wait, delay = c.step, c.step
		}
		klog.V(4).InfoS("Queue full, waiting for room", "delay", delay)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			metrics.IncPut("error")
			return 0, ctx.Err()
		case <-deadline:
			t.Stop()
			c.record(store.ErrFull, start)
			return 0, store.ErrFull
		case <-wake:
			t.Stop()
		case <-t.C:
		}
	}
}

// Full reports whether a NoWait put would be refused right now. The answer
// may be stale by the time the caller acts on it.
func (c *Controller) Full(ctx context.Context) (bool, error) {
	if !c.Bounded() {
		return false, nil
	}

	pending, err := c.backend.Count(ctx, store.Pending)
	if err != nil {
		return false, err
	}
	return pending >= c.maxSize, nil
}

// Freed wakes producers waiting for room. Call it whenever a pending message
// is claimed.
func (c *Controller) Freed() {
	c.freed.Signal()
}

func (c *Controller) record(err error, start time.Time) {
	switch {
	case err == nil:
		metrics.IncPut("ok")
		metrics.ObservePutWait(c.now().Sub(start))
	case errors.Is(err, store.ErrFull):
		metrics.IncPut("full")
	default:
		metrics.IncPut("error")
	}
}
