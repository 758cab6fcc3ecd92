package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/nickqweaver/litequeue/internal/store"
)

// MemoryStore keeps messages in insertion order behind one mutex. It does not
// survive the process and exists for tests and embedding.
type MemoryStore struct {
	mu       sync.Mutex
	messages []store.Message
	nextID   int64
	closed   bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: []store.Message{},
		nextID:   1,
	}
}

func (n *MemoryStore) Insert(ctx context.Context, payload []byte, now time.Time) (int64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return 0, store.ErrClosed
	}
	return n.insertLocked(payload, now), nil
}

func (n *MemoryStore) InsertBounded(ctx context.Context, payload []byte, maxPending int, now time.Time) (int64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return 0, store.ErrClosed
	}
	if n.countLocked(store.Pending) >= maxPending {
		return 0, store.ErrFull
	}
	return n.insertLocked(payload, now), nil
}

func (n *MemoryStore) Claim(ctx context.Context, token string, now time.Time, leaseUntil time.Time) (store.Message, bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return store.Message{}, false, store.ErrClosed
	}

	for i := range n.messages {
		if n.messages[i].State != store.Pending {
			continue
		}

		n.messages[i].State = store.Claimed
		n.messages[i].LockToken = token
		n.messages[i].ClaimedAt = now
		n.messages[i].LeaseUntil = leaseUntil
		return cloneMessage(n.messages[i]), true, nil
	}

	return store.Message{}, false, nil
}

func (n *MemoryStore) Complete(ctx context.Context, id int64, token string, now time.Time) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return false, store.ErrClosed
	}

	i, ok := n.ownedLocked(id, token)
	if !ok {
		return false, nil
	}

	n.messages[i].State = store.Done
	n.messages[i].LockToken = ""
	n.messages[i].LeaseUntil = time.Time{}
	n.messages[i].CompletedAt = now
	return true, nil
}

func (n *MemoryStore) Release(ctx context.Context, id int64, token string) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return false, store.ErrClosed
	}

	i, ok := n.ownedLocked(id, token)
	if !ok {
		return false, nil
	}

	n.releaseLocked(i)
	return true, nil
}

func (n *MemoryStore) ReleaseExpired(ctx context.Context, now time.Time, claimedBefore time.Time) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return 0, store.ErrClosed
	}

	released := 0
	for i := range n.messages {
		m := n.messages[i]
		if m.State != store.Claimed {
			continue
		}

		expired := !m.LeaseUntil.IsZero() && !m.LeaseUntil.After(now)
		stale := !claimedBefore.IsZero() && !m.ClaimedAt.After(claimedBefore)
		if !expired && !stale {
			continue
		}

		n.releaseLocked(i)
		released++
	}

	return released, nil
}

func (n *MemoryStore) Count(ctx context.Context, state store.State) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return 0, store.ErrClosed
	}
	return n.countLocked(state), nil
}

func (n *MemoryStore) Peek(ctx context.Context) (store.Message, bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return store.Message{}, false, store.ErrClosed
	}

	for _, m := range n.messages {
		if m.State == store.Pending {
			return cloneMessage(m), true, nil
		}
	}
	return store.Message{}, false, nil
}

func (n *MemoryStore) Get(ctx context.Context, id int64) (store.Message, bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return store.Message{}, false, store.ErrClosed
	}

	if i, ok := n.indexLocked(id); ok {
		return cloneMessage(n.messages[i]), true, nil
	}
	return store.Message{}, false, nil
}

func (n *MemoryStore) Vacuum(ctx context.Context, doneBefore time.Time) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return 0, store.ErrClosed
	}
	if doneBefore.IsZero() {
		return 0, nil
	}

	kept := n.messages[:0]
	pruned := 0
	for _, m := range n.messages {
		if m.State == store.Done && !m.CompletedAt.After(doneBefore) {
			pruned++
			continue
		}
		kept = append(kept, m)
	}
	n.messages = kept

	return pruned, nil
}

func (n *MemoryStore) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return store.ErrClosed
	}
	n.closed = true
	return nil
}

// Messages returns a snapshot of every message, for tests and debugging.
func (n *MemoryStore) Messages() []store.Message {
	n.mu.Lock()
	defer n.mu.Unlock()

	result := make([]store.Message, len(n.messages))
	for i, m := range n.messages {
		result[i] = cloneMessage(m)
	}
	return result
}

func (n *MemoryStore) insertLocked(payload []byte, now time.Time) int64 {
	id := n.nextID
	n.nextID++

	n.messages = append(n.messages, store.Message{
		ID:         id,
		Payload:    append([]byte(nil), payload...),
		State:      store.Pending,
		EnqueuedAt: now,
	})
	return id
}

func (n *MemoryStore) countLocked(state store.State) int {
	count := 0
	for _, m := range n.messages {
		if m.State == state {
			count++
		}
	}
	return count
}

// indexLocked relies on ids being appended in increasing order.
func (n *MemoryStore) indexLocked(id int64) (int, bool) {
	return slices.BinarySearchFunc(n.messages, id, func(m store.Message, id int64) int {
		return cmp.Compare(m.ID, id)
	})
}

func (n *MemoryStore) ownedLocked(id int64, token string) (int, bool) {
	i, ok := n.indexLocked(id)
	if !ok {
		return 0, false
	}

	m := n.messages[i]
	if m.State != store.Claimed || token == "" || m.LockToken != token {
		return 0, false
	}
	return i, true
}

func (n *MemoryStore) releaseLocked(i int) {
	n.messages[i].State = store.Pending
	n.messages[i].LockToken = ""
	n.messages[i].ClaimedAt = time.Time{}
	n.messages[i].LeaseUntil = time.Time{}
}

func cloneMessage(m store.Message) store.Message {
	m.Payload = append([]byte(nil), m.Payload...)
	return m
}
