package store

import (
	"context"
	"errors"
	"time"
)

type State int

const (
	Pending State = iota
	Claimed
	Done
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Claimed:
		return "claimed"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// ParseState is the inverse of State.String.
func ParseState(s string) (State, error) {
	switch s {
	case "pending":
		return Pending, nil
	case "claimed":
		return Claimed, nil
	case "done":
		return Done, nil
	default:
		return 0, errors.New("unknown message state: " + s)
	}
}

// States lists every state in lifecycle order.
var States = []State{Pending, Claimed, Done}

type Message struct {
	ID          int64
	Payload     []byte
	State       State
	LockToken   string
	EnqueuedAt  time.Time
	ClaimedAt   time.Time
	LeaseUntil  time.Time
	CompletedAt time.Time
}

var (
	// ErrFull is returned by InsertBounded when the pending count has
	// reached the bound.
	ErrFull = errors.New("store: pending bound reached")
	// ErrClosed is returned by every method once the backend is closed.
	ErrClosed = errors.New("store: closed")
)

// Backend is the durable table every queue adapter implements. Each mutating
// method is atomic and committed before it returns.
type Backend interface {
	Insert(ctx context.Context, payload []byte, now time.Time) (int64, error)

	// InsertBounded inserts only while fewer than maxPending messages are
	// pending, as one atomic check-and-insert.
	InsertBounded(ctx context.Context, payload []byte, maxPending int, now time.Time) (int64, error)

	// Claim locks the oldest pending message with token. ok is false when
	// nothing is pending.
	Claim(ctx context.Context, token string, now time.Time, leaseUntil time.Time) (msg Message, ok bool, err error)

	// Complete moves a claimed message to done when token still owns it.
	Complete(ctx context.Context, id int64, token string, now time.Time) (bool, error)

	// Release returns a claimed message to pending when token still owns it.
	Release(ctx context.Context, id int64, token string) (bool, error)

	// ReleaseExpired returns to pending every claim whose lease ended at or
	// before now, plus, when claimedBefore is non-zero, every claim taken at
	// or before claimedBefore.
	ReleaseExpired(ctx context.Context, now time.Time, claimedBefore time.Time) (int, error)

	Count(ctx context.Context, state State) (int, error)
	Peek(ctx context.Context) (Message, bool, error)
	Get(ctx context.Context, id int64) (Message, bool, error)

	// Vacuum deletes done messages completed at or before doneBefore (none
	// when zero) and compacts storage. It returns the number deleted.
	Vacuum(ctx context.Context, doneBefore time.Time) (int, error)

	Close() error
}
