package server

import (
	"context"
	"time"

	"k8s.io/klog/v2"

	"github.com/nickqweaver/litequeue/internal/metrics"
)

// Reaper periodically returns lapsed claims to pending, so messages held by
// a crashed consumer are delivered again even when nobody calls Pop.
type Reaper struct {
	queue    Queue
	interval time.Duration
}

func NewReaper(q Queue, interval time.Duration) *Reaper {
	return &Reaper{queue: q, interval: interval}
}

func (r *Reaper) run(ctx context.Context) {
	every(ctx, r.interval, func() {
		n, err := r.queue.Reap(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			klog.FromContext(ctx).Error(err, "Reap failed")
		case n > 0:
			klog.FromContext(ctx).V(2).Info("Reaped lapsed claims", "count", n)
		}
	})
}

// Collector publishes the per-state message counts as gauges.
type Collector struct {
	queue    Queue
	interval time.Duration
	publish  func(state string, count int)
}

func NewCollector(q Queue, interval time.Duration) *Collector {
	return &Collector{queue: q, interval: interval, publish: metrics.SetMessages}
}

func (c *Collector) collect(ctx context.Context) {
	counts, err := c.queue.Counts(ctx)
	if err != nil {
		if ctx.Err() == nil {
			klog.FromContext(ctx).Error(err, "Collecting stats failed")
		}
		return
	}
	for state, n := range counts {
		c.publish(state.String(), n)
	}
}

func (c *Collector) run(ctx context.Context) {
	c.collect(ctx)
	every(ctx, c.interval, func() { c.collect(ctx) })
}

func every(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		<-ctx.Done()
		return
	}

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn()
		}
	}
}
