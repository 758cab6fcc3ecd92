package server

import (
	"context"
	"sync"
	"time"

	"k8s.io/klog/v2"
)

type Pending struct {
	req <-chan Req
	res chan<- Res
}

type Consumer struct {
	pending     Pending
	handler     Handler
	concurrency int
	timeout     time.Duration
	now         func() time.Time
}

func NewConsumer(h Handler, concurrency int, timeout time.Duration, req chan Req, res chan Res) *Consumer {
	return &Consumer{
		pending:     Pending{req: req, res: res},
		handler:     h,
		concurrency: max(1, concurrency),
		timeout:     timeout,
		now:         time.Now,
	}
}

func (c *Consumer) Cleanup() {
	close(c.pending.res)
}

// Run blocks until the request channel is closed and drained.
func (c *Consumer) Run(ctx context.Context) {
	defer c.Cleanup()
	klog.FromContext(ctx).V(2).Info("Starting workers", "count", c.concurrency)

	var wg sync.WaitGroup
	wg.Add(c.concurrency)

	// Spawn the workers...
	for w := 1; w <= c.concurrency; w++ {
		go func(id int) {
			defer wg.Done()
			w := NewWorker(id, c.handler, c.timeout, c.pending.req, c.pending.res)
			w.now = c.now
			w.Run(ctx)
		}(w)
	}
	// Wait till all workers have finished
	wg.Wait()
}
