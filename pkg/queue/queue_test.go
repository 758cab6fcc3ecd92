package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type opener func(t *testing.T, cfg Config, opts ...Option) *Queue

func openSQLite(t *testing.T, cfg Config, opts ...Option) *Queue {
	t.Helper()

	q, err := Open(filepath.Join(t.TempDir(), "queue.db"), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func openMemory(t *testing.T, cfg Config, opts ...Option) *Queue {
	t.Helper()

	q, err := NewMemory(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func fastPolling() Config {
	cfg := DefaultConfig()
	cfg.PollInterval = 2 * time.Millisecond
	cfg.MaxPollInterval = 20 * time.Millisecond
	return cfg
}

func forEachBackend(t *testing.T, fn func(t *testing.T, open opener)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, openSQLite) })
	t.Run("memory", func(t *testing.T) { fn(t, openMemory) })
}

func TestQueue_HelloRoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open opener) {
		ctx := context.Background()
		q := open(t, fastPolling())

		id, err := q.Put(ctx, []byte("hello"), NoWait)
		require.NoError(t, err)

		msg, err := q.Pop(ctx, time.Minute, time.Second)
		require.NoError(t, err)
		assert.Equal(t, id, msg.ID)
		assert.Equal(t, []byte("hello"), msg.Payload)
		assert.Equal(t, StateClaimed, msg.State)
		assert.NotEmpty(t, msg.Token)

		ok, err := q.Complete(ctx, msg)
		require.NoError(t, err)
		assert.True(t, ok)

		got, found, err := q.Get(ctx, id)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, StateDone, got.State)
		assert.False(t, got.CompletedAt.IsZero())
	})
}

func TestQueue_FreshQueueIsEmptyAndNotFull(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open opener) {
		ctx := context.Background()
		cfg := fastPolling()
		cfg.MaxSize = 3
		q := open(t, cfg)

		empty, err := q.Empty(ctx)
		require.NoError(t, err)
		assert.True(t, empty)

		full, err := q.Full(ctx)
		require.NoError(t, err)
		assert.False(t, full)

		size, err := q.Qsize(ctx)
		require.NoError(t, err)
		assert.Zero(t, size)

		_, found, err := q.Peek(ctx)
		require.NoError(t, err)
		assert.False(t, found)
	})
}

func TestQueue_FIFO(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open opener) {
		ctx := context.Background()
		q := open(t, fastPolling())

		for i := range 5 {
			_, err := q.Put(ctx, []byte(fmt.Sprint(i)), NoWait)
			require.NoError(t, err)
		}

		head, found, err := q.Peek(ctx)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, []byte("0"), head.Payload)

		for i := range 5 {
			msg, err := q.TryPop(ctx, time.Minute)
			require.NoError(t, err)
			assert.Equal(t, []byte(fmt.Sprint(i)), msg.Payload)
		}

		_, err = q.TryPop(ctx, time.Minute)
		assert.ErrorIs(t, err, ErrQueueEmpty)
	})
}

func TestQueue_ConcurrentPopsAreExclusive(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open opener) {
		const (
			total     = 100
			consumers = 8
		)
		ctx := context.Background()
		q := open(t, fastPolling())

		for i := range total {
			_, err := q.Put(ctx, []byte(fmt.Sprint(i)), NoWait)
			require.NoError(t, err)
		}

		var (
			mu   sync.Mutex
			seen = make(map[int64]int, total)
			wg   sync.WaitGroup
		)
		for range consumers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					msg, err := q.Pop(ctx, time.Minute, 50*time.Millisecond)
					if errors.Is(err, ErrTimeout) {
						return
					}
					if err != nil {
						t.Errorf("pop: %v", err)
						return
					}
					mu.Lock()
					seen[msg.ID]++
					mu.Unlock()
					if _, err := q.Complete(ctx, msg); err != nil {
						t.Errorf("complete: %v", err)
					}
				}
			}()
		}
		wg.Wait()

		require.Len(t, seen, total)
		for id, n := range seen {
			assert.Equal(t, 1, n, "message %d delivered %d times", id, n)
		}

		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, Stats{Done: total}, stats)
	})
}

func TestQueue_CompleteIsIdempotent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open opener) {
		ctx := context.Background()
		q := open(t, fastPolling())

		_, err := q.Put(ctx, []byte("once"), NoWait)
		require.NoError(t, err)
		msg, err := q.TryPop(ctx, time.Minute)
		require.NoError(t, err)

		ok, err := q.Complete(ctx, msg)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = q.Complete(ctx, msg)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = q.CompleteID(ctx, msg.ID, "forged")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestQueue_LeaseRecovery(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open opener) {
		ctx := context.Background()
		q := open(t, fastPolling())

		_, err := q.Put(ctx, []byte("work"), NoWait)
		require.NoError(t, err)

		crashed, err := q.Pop(ctx, 200*time.Millisecond, time.Second)
		require.NoError(t, err)

		_, err = q.TryPop(ctx, time.Minute)
		require.ErrorIs(t, err, ErrQueueEmpty, "claim is still live")

		recovered, err := q.Pop(ctx, time.Minute, 2*time.Second)
		require.NoError(t, err)
		assert.Equal(t, crashed.ID, recovered.ID)
		assert.NotEqual(t, crashed.Token, recovered.Token)

		ok, err := q.Complete(ctx, crashed)
		require.NoError(t, err)
		assert.False(t, ok, "stale claim must not complete")

		ok, err = q.Complete(ctx, recovered)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestQueue_LeaseRecoveryAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "crash.db")

	q, err := Open(path, fastPolling())
	require.NoError(t, err)
	id, err := q.Put(ctx, []byte("survives"), NoWait)
	require.NoError(t, err)
	crashed, err := q.Pop(ctx, 20*time.Millisecond, time.Second)
	require.NoError(t, err)
	require.NoError(t, q.Close())

	reopened, err := Open(path, fastPolling())
	require.NoError(t, err)
	defer reopened.Close()

	msg, err := reopened.Pop(ctx, time.Minute, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, id, msg.ID)
	assert.Equal(t, []byte("survives"), msg.Payload)

	ok, err := reopened.Complete(ctx, crashed)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQueue_ReapWithLeaseOverride(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open opener) {
		ctx := context.Background()
		clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		var mu sync.Mutex
		now := func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return clock
		}
		q := open(t, fastPolling(), WithClock(now))

		_, err := q.Put(ctx, []byte("long"), NoWait)
		require.NoError(t, err)
		_, err = q.TryPop(ctx, time.Hour)
		require.NoError(t, err)

		mu.Lock()
		clock = clock.Add(10 * time.Minute)
		mu.Unlock()

		n, err := q.Reap(ctx, 0)
		require.NoError(t, err)
		assert.Zero(t, n, "lease has not run out")

		n, err = q.Reap(ctx, 5*time.Minute)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		size, err := q.Qsize(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, size)
	})
}

func TestQueue_CapacityNoWait(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open opener) {
		ctx := context.Background()
		cfg := fastPolling()
		cfg.MaxSize = 2
		q := open(t, cfg)

		for range 2 {
			_, err := q.Put(ctx, []byte("x"), NoWait)
			require.NoError(t, err)
		}

		full, err := q.Full(ctx)
		require.NoError(t, err)
		assert.True(t, full)

		_, err = q.Put(ctx, []byte("x"), NoWait)
		assert.ErrorIs(t, err, ErrQueueFull)

		// A claimed message frees its slot.
		_, err = q.TryPop(ctx, time.Minute)
		require.NoError(t, err)
		_, err = q.Put(ctx, []byte("x"), NoWait)
		assert.NoError(t, err)
	})
}

func TestQueue_CapacityTimeout(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open opener) {
		ctx := context.Background()
		cfg := fastPolling()
		cfg.MaxSize = 1
		q := open(t, cfg)

		_, err := q.Put(ctx, []byte("first"), NoWait)
		require.NoError(t, err)

		start := time.Now()
		_, err = q.Put(ctx, []byte("second"), 50*time.Millisecond)
		assert.ErrorIs(t, err, ErrQueueFull)
		assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

		done := make(chan error, 1)
		go func() {
			_, err := q.Put(ctx, []byte("second"), 5*time.Second)
			done <- err
		}()

		time.Sleep(20 * time.Millisecond)
		_, err = q.TryPop(ctx, time.Minute)
		require.NoError(t, err)

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("blocked Put did not proceed after room was freed")
		}
	})
}

func TestQueue_PopTimesOut(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open opener) {
		q := open(t, fastPolling())

		start := time.Now()
		_, err := q.Pop(context.Background(), 0, 40*time.Millisecond)
		assert.ErrorIs(t, err, ErrTimeout)
		assert.ErrorIs(t, err, ErrQueueEmpty)
		assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	})
}

func TestQueue_PopWakesOnPut(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open opener) {
		ctx := context.Background()
		cfg := fastPolling()
		cfg.PollInterval = time.Second
		cfg.MaxPollInterval = 10 * time.Second
		q := open(t, cfg)

		got := make(chan Message, 1)
		go func() {
			msg, err := q.Pop(ctx, time.Minute, WaitForever)
			if err == nil {
				got <- msg
			}
		}()

		time.Sleep(20 * time.Millisecond)
		_, err := q.Put(ctx, []byte("wake"), NoWait)
		require.NoError(t, err)

		select {
		case msg := <-got:
			assert.Equal(t, []byte("wake"), msg.Payload)
		case <-time.After(500 * time.Millisecond):
			t.Fatal("Pop was not woken by Put")
		}
	})
}

func TestQueue_PopUsesDefaultLease(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open opener) {
		ctx := context.Background()
		cfg := fastPolling()
		cfg.LeaseDuration = 7 * time.Minute
		q := open(t, cfg)

		_, err := q.Put(ctx, []byte("x"), NoWait)
		require.NoError(t, err)

		msg, err := q.Pop(ctx, 0, time.Second)
		require.NoError(t, err)
		assert.Equal(t, 7*time.Minute, msg.LeaseUntil.Sub(msg.ClaimedAt))
	})
}

func TestQueue_ReleaseRedelivers(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open opener) {
		ctx := context.Background()
		q := open(t, fastPolling())

		_, err := q.Put(ctx, []byte("retry"), NoWait)
		require.NoError(t, err)

		first, err := q.TryPop(ctx, time.Minute)
		require.NoError(t, err)
		ok, err := q.Release(ctx, first)
		require.NoError(t, err)
		require.True(t, ok)

		second, err := q.TryPop(ctx, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)
		assert.NotEqual(t, first.Token, second.Token)

		ok, err = q.Release(ctx, first)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestQueue_VacuumHonoursRetention(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open opener) {
		ctx := context.Background()

		keep := open(t, fastPolling())
		completeOne(t, keep)
		n, err := keep.Vacuum(ctx)
		require.NoError(t, err)
		assert.Zero(t, n, "no retention keeps done messages")

		cfg := fastPolling()
		cfg.Retention = time.Nanosecond
		prune := open(t, cfg)
		completeOne(t, prune)
		time.Sleep(time.Millisecond)
		n, err = prune.Vacuum(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestQueue_Close(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open opener) {
		ctx := context.Background()
		q := open(t, fastPolling())

		blocked := make(chan error, 1)
		go func() {
			_, err := q.Pop(ctx, time.Minute, WaitForever)
			blocked <- err
		}()
		time.Sleep(20 * time.Millisecond)

		require.NoError(t, q.Close())

		select {
		case err := <-blocked:
			assert.ErrorIs(t, err, ErrClosed)
		case <-time.After(2 * time.Second):
			t.Fatal("Close did not wake the blocked Pop")
		}

		assert.ErrorIs(t, q.Close(), ErrClosed)
		_, err := q.Put(ctx, []byte("late"), NoWait)
		assert.ErrorIs(t, err, ErrClosed)
		_, err = q.Qsize(ctx)
		assert.ErrorIs(t, err, ErrClosed)
		_, _, err = q.Peek(ctx)
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestQueue_ContextCancelStopsPop(t *testing.T) {
	q := openMemory(t, fastPolling())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := q.Pop(ctx, time.Minute, WaitForever)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOpen_RejectsInvalidConfig(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "q.db"), Config{MaxSize: -1})
	assert.ErrorIs(t, err, ErrInvalidMaxSize)
}

func TestStorageError(t *testing.T) {
	cause := errors.New("disk I/O error")
	err := wrap("put", cause)

	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "put", se.Op)
	assert.ErrorIs(t, err, cause)
	assert.False(t, se.Temporary())
	assert.Equal(t, "queue: put: disk I/O error", err.Error())

	assert.NoError(t, wrap("put", nil))
	assert.ErrorIs(t, wrap("put", context.Canceled), context.Canceled)
}

func completeOne(t *testing.T, q *Queue) {
	t.Helper()
	ctx := context.Background()

	_, err := q.Put(ctx, []byte("done"), NoWait)
	require.NoError(t, err)
	msg, err := q.TryPop(ctx, time.Minute)
	require.NoError(t, err)
	ok, err := q.Complete(ctx, msg)
	require.NoError(t, err)
	require.True(t, ok)
}
