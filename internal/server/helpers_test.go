package server

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/nickqweaver/litequeue/internal/claim"
	"github.com/nickqweaver/litequeue/internal/store"
	memory "github.com/nickqweaver/litequeue/internal/store/adapters/memory"
)

// memQueue is the Queue a runtime sees, backed by the memory store.
type memQueue struct {
	mem    *memory.MemoryStore
	claims *claim.Manager
}

func newMemQueue(t *testing.T, total int) *memQueue {
	t.Helper()

	mem := memory.NewMemoryStore()
	now := time.Now()
	for i := 1; i <= total; i++ {
		if _, err := mem.Insert(context.Background(), []byte(strconv.Itoa(i)), now); err != nil {
			t.Fatalf("failed to seed message %d: %v", i, err)
		}
	}
	return &memQueue{mem: mem, claims: claim.NewManager(mem)}
}

func (q *memQueue) Claim(ctx context.Context, lease time.Duration) (store.Message, bool, error) {
	return q.claims.Claim(ctx, lease)
}

func (q *memQueue) Complete(ctx context.Context, id int64, token string) (bool, error) {
	return q.claims.Complete(ctx, id, token)
}

func (q *memQueue) Release(ctx context.Context, id int64, token string) (bool, error) {
	return q.claims.Release(ctx, id, token)
}

func (q *memQueue) Reap(ctx context.Context) (int, error) {
	return q.claims.ReapExpired(ctx, 0)
}

func (q *memQueue) Counts(ctx context.Context) (map[store.State]int, error) {
	counts := map[store.State]int{}
	for _, s := range store.States {
		n, err := q.mem.Count(ctx, s)
		if err != nil {
			return nil, err
		}
		counts[s] = n
	}
	return counts, nil
}

func (q *memQueue) count(t *testing.T, s store.State) int {
	t.Helper()
	n, err := q.mem.Count(context.Background(), s)
	if err != nil {
		t.Fatalf("count %s: %v", s, err)
	}
	return n
}

func leasedMessage(id int64, leasedAt time.Time) store.Message {
	return store.Message{
		ID:         id,
		Payload:    []byte(strconv.FormatInt(id, 10)),
		State:      store.Claimed,
		LockToken:  "token-" + strconv.FormatInt(id, 10),
		ClaimedAt:  leasedAt,
		LeaseUntil: leasedAt.Add(time.Minute),
	}
}

func ackAll(context.Context, store.Message) error { return nil }
