package server

import (
	"context"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"github.com/nickqweaver/litequeue/internal/metrics"
	"github.com/nickqweaver/litequeue/internal/store"
)

const (
	msgLeaseExpired = "Lease expired before handling"
	msgShuttingDown = "Server shutting down"
)

type Worker struct {
	req     <-chan Req
	res     chan<- Res
	handler Handler
	timeout time.Duration
	now     func() time.Time
	ID      int
}

func NewWorker(id int, h Handler, timeout time.Duration, req <-chan Req, res chan<- Res) *Worker {
	return &Worker{
		ID:      id,
		res:     res,
		req:     req,
		handler: h,
		timeout: timeout,
		now:     time.Now,
	}
}

func (w *Worker) Run(ctx context.Context) {
	for r := range w.req {
		w.res <- w.handle(ctx, r.Msg)
	}
}

func (w *Worker) handle(ctx context.Context, msg store.Message) Res {
	res := Res{ID: msg.ID, Token: msg.LockToken, From: w.ID}

	if ctx.Err() != nil {
		res.Status = NAck
		res.Message = msgShuttingDown
		return res
	}

	// Another consumer may already hold the message again.
	if !msg.LeaseUntil.After(w.now()) {
		res.Status = NAck
		res.Message = msgLeaseExpired
		return res
	}

	start := w.now()
	err := w.call(ctx, msg)
	elapsed := w.now().Sub(start)

	if err != nil {
		res.Status = NAck
		res.Message = err.Error()
		metrics.ObserveHandle("nack", elapsed)
		klog.FromContext(ctx).V(2).Info("Handler failed", "id", msg.ID, "worker", w.ID, "err", err)
		return res
	}

	res.Status = Ack
	res.Message = fmt.Sprintf("Successfully completed message %d", msg.ID)
	metrics.ObserveHandle("ack", elapsed)
	return res
}

// call runs the handler until it returns, ExecutionTimeout passes or the lease
// runs out, whichever is first.
func (w *Worker) call(ctx context.Context, msg store.Message) (err error) {
	// LeaseUntil is on the queue's clock, which may not be the wall clock.
	limit := msg.LeaseUntil.Sub(w.now())
	if w.timeout > 0 && w.timeout < limit {
		limit = w.timeout
	}

	ctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()

	if err := w.handler(ctx, msg); err != nil {
		return err
	}
	// A handler that ignored its context may have outlived the lease.
	return ctx.Err()
}
