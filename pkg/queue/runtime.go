package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nickqweaver/litequeue/internal/server"
	"github.com/nickqweaver/litequeue/internal/store"
)

// Runtime consumes a Queue with a pool of workers, completing messages whose
// handler succeeds. Failed messages are released or left to lease expiry,
// following Config.ReleaseOnFailure.
type Runtime struct {
	queue  *Queue
	config Config

	mu      sync.Mutex
	handler Handler
	server  *server.Server
}

// NewRuntime creates a Runtime consuming q with q's configuration.
func NewRuntime(q *Queue) *Runtime {
	return &Runtime{queue: q, config: q.Config()}
}

// Register sets the handler. Only one handler may be registered.
func (r *Runtime) Register(handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.handler != nil {
		return ErrHandlerAlreadyRegistered
	}

	r.handler = handler
	return nil
}

// RegisterFunc is a convenience method to register a function as a handler.
func (r *Runtime) RegisterFunc(fn HandlerFunc) error {
	return r.Register(fn)
}

// Run starts the runtime and blocks until the context is cancelled or Stop is
// called. Messages are processed concurrently up to MaxConcurrency.
func (r *Runtime) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.handler == nil {
		r.mu.Unlock()
		return ErrNoHandler
	}
	if r.server == nil {
		r.server = server.NewServer(&queueAdapter{queue: r.queue}, r.dispatch(r.handler), r.serverConfig())
	}
	srv := r.server
	r.mu.Unlock()

	return srv.Run(ctx)
}

// Stop gracefully shuts down the runtime, waiting for in-flight messages.
// This is equivalent to cancelling the context passed to Run.
func (r *Runtime) Stop() {
	r.mu.Lock()
	srv := r.server
	r.mu.Unlock()

	if srv != nil {
		srv.Close()
	}
}

func (r *Runtime) serverConfig() server.Config {
	return server.Config{
		BatchSize:        r.config.BatchSize,
		MaxQueue:         r.config.MaxQueue,
		MaxConcurrency:   r.config.MaxConcurrency,
		LeaseDuration:    r.config.LeaseDuration,
		ExecutionTimeout: r.config.ExecutionTimeout,
		ShutdownTimeout:  r.config.ShutdownTimeout,
		PollInterval:     r.config.PollInterval,
		MaxPollInterval:  r.config.MaxPollInterval,
		ReapInterval:     r.config.ReapInterval,
		StatsInterval:    r.config.StatsInterval,
		ReleaseOnFailure: r.config.ReleaseOnFailure,
		Now:              r.queue.now,
	}
}

func (r *Runtime) dispatch(h Handler) server.Handler {
	return func(ctx context.Context, msg store.Message) error {
		return h.Handle(ctx, convertMessageFromInternal(msg))
	}
}

// queueAdapter adapts the public Queue to the internal server.Queue interface.
type queueAdapter struct {
	queue *Queue
}

// Claim never waits: the fetcher does its own backoff.
func (a *queueAdapter) Claim(ctx context.Context, lease time.Duration) (store.Message, bool, error) {
	msg, err := a.queue.TryPop(ctx, lease)
	switch {
	case errors.Is(err, ErrQueueEmpty):
		return store.Message{}, false, nil
	case err != nil:
		return store.Message{}, false, err
	}
	return convertMessageToInternal(msg), true, nil
}

func (a *queueAdapter) Complete(ctx context.Context, id int64, token string) (bool, error) {
	return a.queue.CompleteID(ctx, id, token)
}

func (a *queueAdapter) Release(ctx context.Context, id int64, token string) (bool, error) {
	return a.queue.ReleaseID(ctx, id, token)
}

func (a *queueAdapter) Reap(ctx context.Context) (int, error) {
	return a.queue.Reap(ctx, 0)
}

func (a *queueAdapter) Counts(ctx context.Context) (map[store.State]int, error) {
	stats, err := a.queue.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return map[store.State]int{
		store.Pending: stats.Pending,
		store.Claimed: stats.Claimed,
		store.Done:    stats.Done,
	}, nil
}
