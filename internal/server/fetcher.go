package server

import (
	"context"
	"time"

	"k8s.io/klog/v2"

	"github.com/nickqweaver/litequeue/internal/utils"
)

type Fetcher struct {
	queue           Queue
	BatchSize       int
	LeaseDuration   time.Duration
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	pending         chan Req
}

func NewFetcher(q Queue, pending chan Req, c Config) *Fetcher {
	return &Fetcher{
		queue:           q,
		BatchSize:       max(1, c.BatchSize),
		LeaseDuration:   c.LeaseDuration,
		PollInterval:    c.PollInterval,
		MaxPollInterval: max(c.PollInterval, c.MaxPollInterval),
		pending:         pending,
	}
}

func (f *Fetcher) Cleanup() {
	close(f.pending)
}

// fetch claims up to BatchSize messages per round and hands them to the
// workers. Rounds that find nothing back off up to MaxPollInterval.
func (f *Fetcher) fetch(ctx context.Context) {
	logger := klog.FromContext(ctx)
	defer f.Cleanup()

	missed := 0
	wait := f.PollInterval / 2
	var timeout time.Duration

	for {
		if ctx.Err() != nil {
			logger.V(2).Info("Shutting fetcher down")
			return
		}

		claimed := 0
		for claimed < f.BatchSize {
			msg, ok, err := f.queue.Claim(ctx, f.LeaseDuration)
			if err != nil {
				if ctx.Err() == nil {
					logger.Error(err, "Claim failed")
				}
				break
			}
			if !ok {
				break
			}
			claimed++

			// The claim stands even if we stop here: it is recovered once
			// its lease runs out.
			select {
			case <-ctx.Done():
				logger.V(2).Info("Shutting fetcher down", "abandoned", msg.ID)
				return
			case f.pending <- Req{Msg: msg}:
			}
		}

		if claimed > 0 {
			// Reset
			missed = 0
			wait = f.PollInterval / 2
			continue
		}

		missed++
		wait, timeout = utils.Backoff(wait, f.MaxPollInterval, true)
		if timeout <= 0 {
			wait, timeout = f.PollInterval, f.PollInterval
		}
		logger.V(4).Info("Queue cold, backing off", "missed", missed, "delay", timeout)

		t := time.NewTimer(timeout)
		select {
		case <-ctx.Done():
			t.Stop()
			logger.V(2).Info("Shutting fetcher down")
			return
		case <-t.C:
		}
	}
}
