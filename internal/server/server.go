package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/nickqweaver/litequeue/internal/store"
)

type Status int

const (
	Ack Status = iota
	NAck
)

func (s Status) String() string {
	if s == Ack {
		return "ack"
	}
	return "nack"
}

type Res struct {
	Status  Status
	ID      int64
	Token   string
	Message string
	From    int
}

type Req struct {
	Msg store.Message
}

// Queue is what the pipeline consumes. Claims are exclusive and leased, so
// any number of servers may share one queue.
type Queue interface {
	Claim(ctx context.Context, lease time.Duration) (store.Message, bool, error)
	Complete(ctx context.Context, id int64, token string) (bool, error)
	Release(ctx context.Context, id int64, token string) (bool, error)
	Reap(ctx context.Context) (int, error)
	Counts(ctx context.Context) (map[store.State]int, error)
}

// Handler processes one claimed message. A nil error acks it.
type Handler func(ctx context.Context, msg store.Message) error

var ErrAlreadyRunning = errors.New("server: already running")

type Server struct {
	queue     Queue
	handler   Handler
	config    Config
	fetcher   *Fetcher
	consumer  *Consumer
	committer *Committer
	reaper    *Reaper
	collector *Collector

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	used   bool
}

type Config struct {
	BatchSize        int
	MaxQueue         int
	MaxConcurrency   int
	LeaseDuration    time.Duration
	ExecutionTimeout time.Duration
	ShutdownTimeout  time.Duration
	PollInterval     time.Duration
	MaxPollInterval  time.Duration
	ReapInterval     time.Duration
	StatsInterval    time.Duration
	ReleaseOnFailure bool

	// Now is the clock leases are checked against. It must agree with the
	// queue's. Default: time.Now
	Now func() time.Time
}

func NewServer(q Queue, h Handler, c Config) *Server {
	if c.Now == nil {
		c.Now = time.Now
	}

	s := &Server{
		queue:     q,
		handler:   h,
		config:    c,
		reaper:    NewReaper(q, c.ReapInterval),
		collector: NewCollector(q, c.StatsInterval),
	}
	s.build()
	return s
}

// build wires a fresh pipeline. Its channels are closed when a run drains, so
// every run needs its own.
func (s *Server) build() {
	pending := make(chan Req, s.config.MaxQueue)
	finished := make(chan Res, s.config.BatchSize)

	s.fetcher = NewFetcher(s.queue, pending, s.config)
	s.consumer = NewConsumer(s.handler, s.config.MaxConcurrency, s.config.ExecutionTimeout, pending, finished)
	s.consumer.now = s.config.Now
	s.committer = NewCommitter(s.queue, finished, s.config.ReleaseOnFailure)
}

// Run blocks until ctx ends, then drains: the fetcher stops claiming, workers
// finish what they hold and the committer settles their results. Draining
// that outlasts ShutdownTimeout is cut short and the unsettled messages are
// left to lease expiry.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	if s.used {
		s.build()
	}
	s.used = true
	s.done = make(chan struct{})
	s.cancel = stop
	done := s.done
	fetcher, consumer, committer := s.fetcher, s.consumer, s.committer
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
		close(done)
	}()

	logger := klog.FromContext(ctx)
	drainCtx, hardStop := context.WithCancel(context.WithoutCancel(ctx))
	defer hardStop()

	var wg sync.WaitGroup
	wg.Add(5)

	go func() {
		defer wg.Done()
		committer.run(drainCtx)
	}()

	go func() {
		defer wg.Done()
		consumer.Run(drainCtx)
	}()

	go func() {
		defer wg.Done()
		fetcher.fetch(ctx)
	}()

	go func() {
		defer wg.Done()
		s.reaper.run(ctx)
	}()

	go func() {
		defer wg.Done()
		s.collector.run(ctx)
	}()

	logger.Info("Server started", "concurrency", s.config.MaxConcurrency, "batchSize", s.config.BatchSize)
	<-ctx.Done()
	logger.Info("Shutting down server", "timeout", s.config.ShutdownTimeout)

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()

	t := time.NewTimer(s.config.ShutdownTimeout)
	defer t.Stop()

	select {
	case <-drained:
	case <-t.C:
		logger.Info("Shutdown timeout exceeded, abandoning in-flight messages")
		hardStop()
		<-drained
	}

	logger.Info("Server stopped")
	return nil
}

// Close stops a running server and waits for it to drain. It is a no-op when
// the server is not running.
func (s *Server) Close() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	if done == nil {
		return
	}

	if cancel != nil {
		cancel()
	}
	<-done
}
