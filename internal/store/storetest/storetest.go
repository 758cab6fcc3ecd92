// Package storetest holds the behaviour every store.Backend must share. Adapter
// packages run it from their own tests with a factory for fresh backends.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickqweaver/litequeue/internal/store"
)

// Factory returns an empty, open backend. The suite closes it.
type Factory func(t *testing.T) store.Backend

var base = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func Run(t *testing.T, newBackend Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, b store.Backend)
	}{
		{"InsertAssignsIncreasingIDs", testInsertAssignsIncreasingIDs},
		{"ClaimIsFIFO", testClaimIsFIFO},
		{"ClaimEmpty", testClaimEmpty},
		{"CompleteRequiresOwningToken", testCompleteRequiresOwningToken},
		{"CompleteIsIdempotent", testCompleteIsIdempotent},
		{"Release", testRelease},
		{"ReleaseExpiredByLease", testReleaseExpiredByLease},
		{"ReleaseExpiredByClaimAge", testReleaseExpiredByClaimAge},
		{"InsertBounded", testInsertBounded},
		{"PeekAndCount", testPeekAndCount},
		{"Vacuum", testVacuum},
		{"ConcurrentClaimsAreExclusive", testConcurrentClaimsAreExclusive},
		{"ClosedBackendRejectsCalls", testClosedBackendRejectsCalls},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBackend(t)
			t.Cleanup(func() { _ = b.Close() })
			tt.fn(t, b)
		})
	}
}

func insert(t *testing.T, b store.Backend, payloads ...string) []int64 {
	t.Helper()

	ids := make([]int64, 0, len(payloads))
	for _, p := range payloads {
		id, err := b.Insert(context.Background(), []byte(p), base)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func claim(t *testing.T, b store.Backend, token string, now time.Time) store.Message {
	t.Helper()

	msg, ok, err := b.Claim(context.Background(), token, now, now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok, "expected a message to claim")
	return msg
}

func testInsertAssignsIncreasingIDs(t *testing.T, b store.Backend) {
	ids := insert(t, b, "a", "b", "c")
	for i := 1; i < len(ids); i++ {
		assert.Greater(t, ids[i], ids[i-1])
	}

	msg, ok, err := b.Get(context.Background(), ids[1])
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("b"), msg.Payload)
	assert.Equal(t, store.Pending, msg.State)
	assert.Empty(t, msg.LockToken)
	assert.True(t, msg.EnqueuedAt.Equal(base))
	assert.True(t, msg.ClaimedAt.IsZero())
	assert.True(t, msg.CompletedAt.IsZero())
}

func testClaimIsFIFO(t *testing.T, b store.Backend) {
	ids := insert(t, b, "first", "second", "third")

	for i, want := range ids {
		msg := claim(t, b, fmt.Sprintf("token-%d", i), base)
		assert.Equal(t, want, msg.ID)
		assert.Equal(t, store.Claimed, msg.State)
		assert.Equal(t, fmt.Sprintf("token-%d", i), msg.LockToken)
		assert.True(t, msg.ClaimedAt.Equal(base))
		assert.True(t, msg.LeaseUntil.Equal(base.Add(time.Minute)))
	}
}

func testClaimEmpty(t *testing.T, b store.Backend) {
	_, ok, err := b.Claim(context.Background(), "token", base, base.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	insert(t, b, "only")
	claim(t, b, "token", base)

	_, ok, err = b.Claim(context.Background(), "other", base, base.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "a claimed message must not be claimed twice")
}

func testCompleteRequiresOwningToken(t *testing.T, b store.Backend) {
	ctx := context.Background()
	insert(t, b, "work")
	msg := claim(t, b, "owner", base)

	ok, err := b.Complete(ctx, msg.ID, "intruder", base)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = b.Complete(ctx, msg.ID, "", base)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = b.Complete(ctx, msg.ID+100, "owner", base)
	require.NoError(t, err)
	assert.False(t, ok)

	done := base.Add(time.Second)
	ok, err = b.Complete(ctx, msg.ID, "owner", done)
	require.NoError(t, err)
	assert.True(t, ok)

	got, _, err := b.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, store.Done, got.State)
	assert.Empty(t, got.LockToken)
	assert.True(t, got.CompletedAt.Equal(done))
}

func testCompleteIsIdempotent(t *testing.T, b store.Backend) {
	ctx := context.Background()
	insert(t, b, "work")
	msg := claim(t, b, "owner", base)

	ok, err := b.Complete(ctx, msg.ID, "owner", base.Add(time.Second))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.Complete(ctx, msg.ID, "owner", base.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	got, _, err := b.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, got.CompletedAt.Equal(base.Add(time.Second)), "completed_at must be set once")

	ok, err = b.Release(ctx, msg.ID, "owner")
	require.NoError(t, err)
	assert.False(t, ok, "done is terminal")
}

func testRelease(t *testing.T, b store.Backend) {
	ctx := context.Background()
	insert(t, b, "work")
	msg := claim(t, b, "owner", base)

	ok, err := b.Release(ctx, msg.ID, "intruder")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = b.Release(ctx, msg.ID, "owner")
	require.NoError(t, err)
	assert.True(t, ok)

	got, _, err := b.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, store.Pending, got.State)
	assert.Empty(t, got.LockToken)
	assert.True(t, got.ClaimedAt.IsZero())
	assert.True(t, got.LeaseUntil.IsZero())

	again := claim(t, b, "next", base)
	assert.Equal(t, msg.ID, again.ID)

	ok, err = b.Complete(ctx, msg.ID, "owner", base)
	require.NoError(t, err)
	assert.False(t, ok, "the released token is stale")
}

func testReleaseExpiredByLease(t *testing.T, b store.Backend) {
	ctx := context.Background()
	insert(t, b, "short", "long")

	short, ok, err := b.Claim(ctx, "short", base, base.Add(time.Second))
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = b.Claim(ctx, "long", base, base.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, ok)

	n, err := b.ReleaseExpired(ctx, base.Add(500*time.Millisecond), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = b.ReleaseExpired(ctx, base.Add(time.Second), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := b.Count(ctx, store.Pending)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	again := claim(t, b, "again", base.Add(2*time.Second))
	assert.Equal(t, short.ID, again.ID)
}

func testReleaseExpiredByClaimAge(t *testing.T, b store.Backend) {
	ctx := context.Background()
	insert(t, b, "old", "new")

	_, ok, err := b.Claim(ctx, "old", base, base.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = b.Claim(ctx, "new", base.Add(time.Minute), base.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, ok)

	n, err := b.ReleaseExpired(ctx, base.Add(2*time.Minute), base.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	claimed, err := b.Count(ctx, store.Claimed)
	require.NoError(t, err)
	assert.Equal(t, 1, claimed)
}

func testInsertBounded(t *testing.T, b store.Backend) {
	ctx := context.Background()

	for i := range 3 {
		_, err := b.InsertBounded(ctx, []byte(fmt.Sprint(i)), 3, base)
		require.NoError(t, err)
	}

	_, err := b.InsertBounded(ctx, []byte("overflow"), 3, base)
	require.ErrorIs(t, err, store.ErrFull)

	claim(t, b, "token", base)

	_, err = b.InsertBounded(ctx, []byte("fits"), 3, base)
	require.NoError(t, err, "claimed messages do not count against the bound")

	pending, err := b.Count(ctx, store.Pending)
	require.NoError(t, err)
	assert.Equal(t, 3, pending)
}

func testPeekAndCount(t *testing.T, b store.Backend) {
	ctx := context.Background()

	_, ok, err := b.Peek(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	ids := insert(t, b, "one", "two", "three")
	first := claim(t, b, "token", base)
	_, err = b.Complete(ctx, first.ID, "token", base)
	require.NoError(t, err)
	claim(t, b, "token-2", base)

	msg, ok, err := b.Peek(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ids[2], msg.ID)
	assert.Equal(t, store.Pending, msg.State)

	want := map[store.State]int{store.Pending: 1, store.Claimed: 1, store.Done: 1}
	for state, n := range want {
		got, err := b.Count(ctx, state)
		require.NoError(t, err)
		assert.Equal(t, n, got, "count(%s)", state)
	}
}

func testVacuum(t *testing.T, b store.Backend) {
	ctx := context.Background()
	insert(t, b, "old", "recent", "open")

	old := claim(t, b, "a", base)
	_, err := b.Complete(ctx, old.ID, "a", base)
	require.NoError(t, err)
	recent := claim(t, b, "b", base)
	_, err = b.Complete(ctx, recent.ID, "b", base.Add(time.Hour))
	require.NoError(t, err)

	n, err := b.Vacuum(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 0, n, "zero cutoff keeps every done message")

	n, err = b.Vacuum(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok, err := b.Get(ctx, old.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = b.Get(ctx, recent.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	pending, err := b.Count(ctx, store.Pending)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func testConcurrentClaimsAreExclusive(t *testing.T, b store.Backend) {
	const (
		total     = 60
		consumers = 6
	)

	payloads := make([]string, total)
	for i := range payloads {
		payloads[i] = fmt.Sprintf("m-%d", i)
	}
	insert(t, b, payloads...)

	var (
		mu   sync.Mutex
		seen = make(map[int64]int, total)
		wg   sync.WaitGroup
	)

	for c := range consumers {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			for i := 0; ; i++ {
				msg, ok, err := b.Claim(context.Background(), fmt.Sprintf("c%d-%d", c, i), base, base.Add(time.Minute))
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if !ok {
					return
				}
				mu.Lock()
				seen[msg.ID]++
				mu.Unlock()
			}
		}(c)
	}
	wg.Wait()

	require.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "message %d claimed %d times", id, n)
	}
}

func testClosedBackendRejectsCalls(t *testing.T, b store.Backend) {
	insert(t, b, "x")
	require.NoError(t, b.Close())

	_, err := b.Insert(context.Background(), []byte("y"), base)
	assert.Error(t, err)
	_, _, err = b.Claim(context.Background(), "token", base, base.Add(time.Minute))
	assert.Error(t, err)
	_, err = b.Count(context.Background(), store.Pending)
	assert.Error(t, err)
}
