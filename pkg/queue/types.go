package queue

import (
	"context"
	"time"

	"github.com/nickqweaver/litequeue/internal/store"
)

// Message is a queued payload together with its lifecycle.
type Message struct {
	ID      int64
	Payload []byte
	State   State

	// Token identifies the claim that returned this message. Complete and
	// Release only take effect while it still owns the message.
	Token string

	EnqueuedAt  time.Time
	ClaimedAt   time.Time
	LeaseUntil  time.Time
	CompletedAt time.Time
}

// State represents where a message is in its lifecycle.
type State int

const (
	// StatePending indicates the message is waiting to be claimed.
	StatePending State = iota
	// StateClaimed indicates a consumer holds the message under a lease.
	StateClaimed
	// StateDone indicates the message was completed. It is terminal.
	StateDone
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateClaimed:
		return "claimed"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Stats is a point-in-time count of messages per state.
type Stats struct {
	Pending int
	Claimed int
	Done    int

	// MaxSize is the configured bound, 0 when unbounded.
	MaxSize int
}

// Handler is the interface for processing messages.
type Handler interface {
	// Handle processes a message. Returning nil completes it. Returning an
	// error leaves it to be delivered again.
	Handle(ctx context.Context, msg Message) error
}

// HandlerFunc is an adapter to allow the use of ordinary functions as handlers.
type HandlerFunc func(ctx context.Context, msg Message) error

// Handle calls f(ctx, msg).
func (f HandlerFunc) Handle(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// convertStateToInternal converts public State to internal store.State.
func convertStateToInternal(s State) store.State {
	switch s {
	case StatePending:
		return store.Pending
	case StateClaimed:
		return store.Claimed
	case StateDone:
		return store.Done
	default:
		return store.Pending
	}
}

// convertStateFromInternal converts internal store.State to public State.
func convertStateFromInternal(s store.State) State {
	switch s {
	case store.Pending:
		return StatePending
	case store.Claimed:
		return StateClaimed
	case store.Done:
		return StateDone
	default:
		return StatePending
	}
}

func convertMessageFromInternal(m store.Message) Message {
	return Message{
		ID:          m.ID,
		Payload:     m.Payload,
		State:       convertStateFromInternal(m.State),
		Token:       m.LockToken,
		EnqueuedAt:  m.EnqueuedAt,
		ClaimedAt:   m.ClaimedAt,
		LeaseUntil:  m.LeaseUntil,
		CompletedAt: m.CompletedAt,
	}
}

func convertMessageToInternal(m Message) store.Message {
	return store.Message{
		ID:          m.ID,
		Payload:     m.Payload,
		State:       convertStateToInternal(m.State),
		LockToken:   m.Token,
		EnqueuedAt:  m.EnqueuedAt,
		ClaimedAt:   m.ClaimedAt,
		LeaseUntil:  m.LeaseUntil,
		CompletedAt: m.CompletedAt,
	}
}
