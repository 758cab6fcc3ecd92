package server

import (
	"context"
	"errors"
	"time"

	"k8s.io/klog/v2"

	"github.com/nickqweaver/litequeue/internal/utils"
)

const maxCommitAttempts = 5

type Committer struct {
	queue            Queue
	res              <-chan Res
	releaseOnFailure bool
	backoffBase      time.Duration
	backoffMax       time.Duration
}

func NewCommitter(q Queue, res chan Res, releaseOnFailure bool) *Committer {
	return &Committer{
		queue:            q,
		res:              res,
		releaseOnFailure: releaseOnFailure,
		backoffBase:      utils.DefaultRetryBackoffBase,
		backoffMax:       utils.DefaultRetryBackoffMax,
	}
}

func (c *Committer) batchWrite(ctx context.Context, batch []Res) {
	logger := klog.FromContext(ctx)

	for _, r := range batch {
		var (
			ok  bool
			err error
		)
		switch {
		case r.Status == Ack:
			ok, err = c.settle(ctx, func() (bool, error) { return c.queue.Complete(ctx, r.ID, r.Token) })
		case c.releaseOnFailure:
			ok, err = c.settle(ctx, func() (bool, error) { return c.queue.Release(ctx, r.ID, r.Token) })
		default:
			logger.V(2).Info("Leaving failed message to lease expiry", "id", r.ID, "reason", r.Message)
			continue
		}

		if err != nil {
			logger.Error(err, "Error settling message", "id", r.ID, "status", r.Status)
			continue
		}
		if !ok {
			logger.V(2).Info("Claim lost before settling", "id", r.ID, "status", r.Status)
		}
	}
}

// settle retries writes that failed on lock contention.
func (c *Committer) settle(ctx context.Context, write func() (bool, error)) (bool, error) {
	var err error
	for attempt := 1; attempt <= maxCommitAttempts; attempt++ {
		var ok bool
		ok, err = write()
		if err == nil || !isTemporary(err) {
			return ok, err
		}

		if err := utils.Sleep(ctx, utils.RetryDelay(attempt, c.backoffBase, c.backoffMax), nil); err != nil {
			return false, err
		}
	}
	return false, err
}

func (c *Committer) run(ctx context.Context) {
	logger := klog.FromContext(ctx)
	batchSize := max(1, cap(c.res))

	batch := make([]Res, 0, batchSize)
	for r := range c.res {
		batch = append(batch, r)

		// Settle as soon as nothing else is waiting, so claims do not sit
		// unsettled while a partial batch fills.
		if len(batch) == batchSize || len(c.res) == 0 {
			c.batchWrite(ctx, batch)
			logger.V(4).Info("Wrote batch", "size", len(batch))
			batch = batch[:0]
		}
	}

	if len(batch) > 0 {
		c.batchWrite(ctx, batch)
		logger.V(4).Info("Flushed final batch", "size", len(batch))
	}

	logger.V(2).Info("Committer stopped")
}

func isTemporary(err error) bool {
	var t interface{ Temporary() bool }
	return errors.As(err, &t) && t.Temporary()
}
