package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nickqweaver/litequeue/internal/store"
	"github.com/nickqweaver/litequeue/internal/store/storetest"
)

const testLease = 5 * time.Second

func TestMemoryStore_Backend(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Backend {
		return NewMemoryStore()
	})
}

func TestClaim_SkipsClaimedAndDoneMessages(t *testing.T) {
	m := NewMemoryStore()
	now := time.Now().UTC()

	addMessages(t, m, 5)

	first := mustClaim(t, m, "t1", now)
	second := mustClaim(t, m, "t2", now)

	if ok, err := m.Complete(context.Background(), first.ID, "t1", now); err != nil || !ok {
		t.Fatalf("expected first message to complete, got ok=%v err=%v", ok, err)
	}

	third := mustClaim(t, m, "t3", now)
	if third.ID != second.ID+1 {
		t.Fatalf("expected claim to skip claimed and done messages, got id %d", third.ID)
	}

	states := byID(m.Messages())
	if states[first.ID].State != store.Done {
		t.Fatalf("expected message %d state %s, got %s", first.ID, store.Done, states[first.ID].State)
	}
	if states[second.ID].State != store.Claimed {
		t.Fatalf("expected message %d state %s, got %s", second.ID, store.Claimed, states[second.ID].State)
	}
}

func TestClaim_ReturnsCopyOfPayload(t *testing.T) {
	m := NewMemoryStore()
	addMessages(t, m, 1)

	msg := mustClaim(t, m, "token", time.Now())
	msg.Payload[0] = 'X'

	stored := m.Messages()[0]
	if string(stored.Payload) != "payload-1" {
		t.Fatalf("expected stored payload to be unaffected, got %q", stored.Payload)
	}
}

func TestReleaseExpired_OnlyTouchesClaimedMessages(t *testing.T) {
	m := NewMemoryStore()
	now := time.Now().UTC()
	ctx := context.Background()

	addMessages(t, m, 3)
	expired := mustClaim(t, m, "expired", now.Add(-time.Minute))
	done := mustClaim(t, m, "done", now.Add(-time.Minute))
	if _, err := m.Complete(ctx, done.ID, "done", now); err != nil {
		t.Fatalf("complete: %v", err)
	}

	n, err := m.ReleaseExpired(ctx, now, time.Time{})
	if err != nil {
		t.Fatalf("release expired: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 released message, got %d", n)
	}

	all := byID(m.Messages())
	if all[expired.ID].State != store.Pending {
		t.Fatalf("expected message %d to be pending, got %s", expired.ID, all[expired.ID].State)
	}
	if all[done.ID].State != store.Done {
		t.Fatalf("expected message %d to stay done, got %s", done.ID, all[done.ID].State)
	}
}

func TestClose_IsNotIdempotent(t *testing.T) {
	m := NewMemoryStore()

	if err := m.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := m.Close(); err != store.ErrClosed {
		t.Fatalf("expected %v on second close, got %v", store.ErrClosed, err)
	}
}

func addMessages(t *testing.T, m *MemoryStore, n int) {
	t.Helper()

	for i := range n {
		if _, err := m.Insert(context.Background(), []byte(fmt.Sprintf("payload-%d", i+1)), time.Now()); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
}

func mustClaim(t *testing.T, m *MemoryStore, token string, now time.Time) store.Message {
	t.Helper()

	msg, ok, err := m.Claim(context.Background(), token, now, now.Add(testLease))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !ok {
		t.Fatal("expected a pending message to claim")
	}
	return msg
}

func byID(messages []store.Message) map[int64]store.Message {
	result := make(map[int64]store.Message, len(messages))
	for _, m := range messages {
		result[m.ID] = m
	}
	return result
}
