package utils

import (
	"context"
	"sync"
	"time"
)

// Notifier is a broadcast wakeup. Every Signal closes the channel handed out
// by C and replaces it, releasing all goroutines waiting on the old one.
type Notifier struct {
	mu sync.Mutex
	ch chan struct{}
}

func NewNotifier() *Notifier {
	return &Notifier{ch: make(chan struct{})}
}

func (n *Notifier) Signal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	close(n.ch)
	n.ch = make(chan struct{})
}

// C must be read before the condition is checked, or a signal between the
// check and the wait is lost.
func (n *Notifier) C() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ch
}

// Sleep waits for d, a wakeup on wake, or ctx to end. Only the latter is an
// error.
func Sleep(ctx context.Context, d time.Duration, wake <-chan struct{}) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-wake:
		return nil
	case <-t.C:
		return nil
	}
}
