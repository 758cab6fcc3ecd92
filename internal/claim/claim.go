// Package claim hands out exclusive, time-bounded claims on queued messages
// and settles them.
package claim

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/nickqweaver/litequeue/internal/metrics"
	"github.com/nickqweaver/litequeue/internal/store"
)

var ErrInvalidLease = errors.New("claim: lease must be positive")

type Manager struct {
	backend  store.Backend
	now      func() time.Time
	newToken func() string
}

type Option func(*Manager)

// WithClock replaces time.Now, for stepping leases in tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithTokenSource replaces the uuid generator for lock tokens.
func WithTokenSource(newToken func() string) Option {
	return func(m *Manager) {
		if newToken != nil {
			m.newToken = newToken
		}
	}
}

func NewManager(b store.Backend, opts ...Option) *Manager {
	m := &Manager{
		backend:  b,
		now:      time.Now,
		newToken: uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Claim locks the oldest pending message under a fresh token for lease. ok is
// false when nothing is pending.
func (m *Manager) Claim(ctx context.Context, lease time.Duration) (store.Message, bool, error) {
	if lease <= 0 {
		return store.Message{}, false, ErrInvalidLease
	}

	now := m.now()
	msg, ok, err := m.backend.Claim(ctx, m.newToken(), now, now.Add(lease))
	switch {
	case err != nil:
		metrics.IncClaim("error")
		return store.Message{}, false, err
	case !ok:
		metrics.IncClaim("empty")
		return store.Message{}, false, nil
	}

	metrics.IncClaim("claimed")
	metrics.ObserveClaimLag(now.Sub(msg.EnqueuedAt))
	klog.V(4).InfoS("Claimed message", "id", msg.ID, "leaseUntil", msg.LeaseUntil)
	return msg, true, nil
}

// Complete finalizes the message if token still owns it. A stale or repeated
// call is not an error: it reports false and changes nothing.
func (m *Manager) Complete(ctx context.Context, id int64, token string) (bool, error) {
	ok, err := m.backend.Complete(ctx, id, token, m.now())
	if err != nil {
		metrics.IncCompletion("error")
		return false, err
	}

	if !ok {
		metrics.IncCompletion("stale")
		klog.V(2).InfoS("Ignored stale completion", "id", id)
		return false, nil
	}

	metrics.IncCompletion("done")
	return true, nil
}

// Release gives the claim up so the message can be claimed again right away.
func (m *Manager) Release(ctx context.Context, id int64, token string) (bool, error) {
	ok, err := m.backend.Release(ctx, id, token)
	if err != nil {
		return false, err
	}

	if ok {
		metrics.AddReleased("nack", 1)
	} else {
		klog.V(2).InfoS("Ignored stale release", "id", id)
	}
	return ok, nil
}

// ReapExpired returns lapsed claims to pending. With lease > 0, claims taken
// more than lease ago are reclaimed too, whatever lease they were granted.
func (m *Manager) ReapExpired(ctx context.Context, lease time.Duration) (int, error) {
	now := m.now()

	var claimedBefore time.Time
	if lease > 0 {
		claimedBefore = now.Add(-lease)
	}

	n, err := m.backend.ReleaseExpired(ctx, now, claimedBefore)
	if err != nil {
		return 0, err
	}

	if n > 0 {
		metrics.AddReleased("expired", n)
		klog.V(2).InfoS("Reaped expired claims", "count", n)
	}
	return n, nil
}
