package kv

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickqweaver/litequeue/internal/sqlitex"
	sqlitequeue "github.com/nickqweaver/litequeue/internal/store/adapters/sqlite"
)

type store interface {
	Counter
	Dict
}

type factory func(t *testing.T) store

func sqliteFactory(t *testing.T) store {
	t.Helper()

	s, err := OpenSQLite(filepath.Join(t.TempDir(), "kv.db"), SQLiteOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func redisFactory(t *testing.T) store {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s, err := NewRedis(client, WithPrefix("test"))
	require.NoError(t, err)
	return s
}

func forEachStore(t *testing.T, fn func(t *testing.T, newStore factory)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, sqliteFactory) })
	t.Run("redis", func(t *testing.T) { fn(t, redisFactory) })
}

type point struct {
	X, Y int
}

func TestCounter(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore factory) {
		ctx := context.Background()
		s := newStore(t)

		n, err := s.Count(ctx, "hits")
		require.NoError(t, err)
		assert.Zero(t, n, "absent key counts as zero")

		for want := int64(1); want <= 3; want++ {
			n, err = s.Incr(ctx, "hits")
			require.NoError(t, err)
			assert.Equal(t, want, n)
		}

		n, err = s.Decr(ctx, "hits")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		n, err = s.Decr(ctx, "fresh")
		require.NoError(t, err)
		assert.Equal(t, int64(-1), n)

		require.NoError(t, s.Reset(ctx, "hits"))
		n, err = s.Count(ctx, "hits")
		require.NoError(t, err)
		assert.Zero(t, n)

		assert.ErrorIs(t, s.Delete(ctx, "hits"), ErrUnsupported)
	})
}

func TestDict(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore factory) {
		ctx := context.Background()
		s := newStore(t)

		var p point
		found, err := s.Get(ctx, "origin", &p)
		require.NoError(t, err)
		assert.False(t, found)

		has, err := s.Has(ctx, "origin")
		require.NoError(t, err)
		assert.False(t, has)

		require.NoError(t, s.Set(ctx, "origin", point{}))
		require.NoError(t, s.Set(ctx, "a", point{X: 1, Y: 2}))
		require.NoError(t, s.Set(ctx, "a", point{X: 3, Y: 4}))

		found, err = s.Get(ctx, "a", &p)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, point{X: 3, Y: 4}, p)

		has, err = s.Has(ctx, "origin")
		require.NoError(t, err)
		assert.True(t, has)

		n, err := s.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n, "overwrites do not add keys")

		assert.ErrorIs(t, s.Delete(ctx, "a"), ErrUnsupported)
		require.NoError(t, s.Vacuum(ctx))
	})
}

func TestDict_GetOr(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore factory) {
		ctx := context.Background()
		s := newStore(t)

		v, err := GetOr(ctx, s, "missing", "fallback")
		require.NoError(t, err)
		assert.Equal(t, "fallback", v)

		require.NoError(t, s.Set(ctx, "present", "value"))
		v, err = GetOr(ctx, s, "present", "fallback")
		require.NoError(t, err)
		assert.Equal(t, "value", v)
	})
}

func TestDict_Glob(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore factory) {
		ctx := context.Background()
		s := newStore(t)

		require.NoError(t, s.Set(ctx, "user:2", "bob"))
		require.NoError(t, s.Set(ctx, "user:1", "alice"))
		require.NoError(t, s.Set(ctx, "group:1", "admins"))

		var v string
		found, err := s.Glob(ctx, "user:*", &v)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "alice", v, "lowest matching key wins")

		found, err = s.Glob(ctx, "group:?", &v)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "admins", v)

		found, err = s.Glob(ctx, "nobody:*", &v)
		require.NoError(t, err)
		assert.False(t, found)
	})
}

func TestClose(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore factory) {
		ctx := context.Background()
		s := newStore(t)

		require.NoError(t, s.Close())
		assert.ErrorIs(t, s.Close(), ErrClosed)

		_, err := s.Incr(ctx, "x")
		assert.ErrorIs(t, err, ErrClosed)
		assert.ErrorIs(t, s.Set(ctx, "x", 1), ErrClosed)
		assert.ErrorIs(t, s.Vacuum(ctx), ErrClosed)
	})
}

func TestSQLite_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kv.db")

	s, err := OpenSQLite(path, SQLiteOptions{FastMode: true})
	require.NoError(t, err)
	_, err = s.Incr(ctx, "runs")
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "last", "ok"))
	require.NoError(t, s.Close())

	reopened, err := OpenSQLite(path, SQLiteOptions{})
	require.NoError(t, err)
	defer reopened.Close()

	n, err := reopened.Count(ctx, "runs")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	v, err := GetOr(ctx, reopened, "last", "")
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestSQLite_SharesFileWithQueue(t *testing.T) {
	ctx := context.Background()

	q, err := sqlitequeue.Open(filepath.Join(t.TempDir(), "shared.db"), sqlitex.Options{})
	require.NoError(t, err)
	defer q.Close()

	s, err := NewSQLite(q.DB())
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "k", 1))
	require.NoError(t, s.Close())

	// Closing the borrowed handle's store leaves the queue usable.
	_, err = q.Count(ctx, 0)
	assert.NoError(t, err)
}

func TestRedis_KeysAreNamespaced(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s, err := NewRedis(client, WithPrefix("app"))
	require.NoError(t, err)

	_, err = s.Incr(ctx, "hits")
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "cfg", "on"))

	assert.True(t, mr.Exists("app:counter:hits"))
	assert.True(t, mr.Exists("app:dict:cfg"))
	members, err := mr.Members("app:dict-keys")
	require.NoError(t, err)
	assert.Equal(t, []string{"cfg"}, members)

	_, err = NewRedis(nil)
	assert.Error(t, err)
}

func TestJSONCodec(t *testing.T) {
	var c JSONCodec

	raw, err := c.Encode(point{X: 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"X":1,"Y":0}`, string(raw))

	var p point
	require.NoError(t, c.Decode(raw, &p))
	assert.Equal(t, point{X: 1}, p)
}
