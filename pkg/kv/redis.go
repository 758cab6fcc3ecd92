package kv

import (
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Counter and a Dict kept in Redis under a key prefix. The
// dictionary's keys are also tracked in a set so Len and Glob need no
// keyspace scan.
type RedisStore struct {
	mu     sync.RWMutex
	client redis.UniversalClient
	codec  Codec
	prefix string
	closed bool
}

var (
	_ Counter = (*RedisStore)(nil)
	_ Dict    = (*RedisStore)(nil)
)

// NewRedis wraps client. Close does not close the client as it may be shared.
func NewRedis(client redis.UniversalClient, opts ...Option) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisStore{client: client, codec: o.codec, prefix: o.prefix}, nil
}

func (r *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	if err := r.enter(); err != nil {
		return 0, err
	}
	defer r.leave()

	v, err := r.client.Incr(ctx, r.counterKey(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("kv: incr %q: %w", key, err)
	}
	return v, nil
}

func (r *RedisStore) Decr(ctx context.Context, key string) (int64, error) {
	if err := r.enter(); err != nil {
		return 0, err
	}
	defer r.leave()

	v, err := r.client.Decr(ctx, r.counterKey(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("kv: decr %q: %w", key, err)
	}
	return v, nil
}

func (r *RedisStore) Count(ctx context.Context, key string) (int64, error) {
	if err := r.enter(); err != nil {
		return 0, err
	}
	defer r.leave()

	v, err := r.client.Get(ctx, r.counterKey(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("kv: count %q: %w", key, err)
	}
	return v, nil
}

func (r *RedisStore) Reset(ctx context.Context, key string) error {
	if err := r.enter(); err != nil {
		return err
	}
	defer r.leave()

	if err := r.client.Set(ctx, r.counterKey(key), 0, 0).Err(); err != nil {
		return fmt.Errorf("kv: reset %q: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, key string, dst any) (bool, error) {
	if err := r.enter(); err != nil {
		return false, err
	}
	defer r.leave()

	return r.get(ctx, key, dst)
}

func (r *RedisStore) get(ctx context.Context, key string, dst any) (bool, error) {
	raw, err := r.client.Get(ctx, r.dictKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("kv: get %q: %w", key, err)
	}

	if err := r.codec.Decode(raw, dst); err != nil {
		return false, fmt.Errorf("kv: decode %q: %w", key, err)
	}
	return true, nil
}

func (r *RedisStore) Set(ctx context.Context, key string, value any) error {
	if err := r.enter(); err != nil {
		return err
	}
	defer r.leave()

	raw, err := r.codec.Encode(value)
	if err != nil {
		return fmt.Errorf("kv: encode %q: %w", key, err)
	}

	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, r.dictKey(key), raw, 0)
		p.SAdd(ctx, r.keysKey(), key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("kv: set %q: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Has(ctx context.Context, key string) (bool, error) {
	if err := r.enter(); err != nil {
		return false, err
	}
	defer r.leave()

	n, err := r.client.Exists(ctx, r.dictKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("kv: has %q: %w", key, err)
	}
	return n > 0, nil
}

func (r *RedisStore) Len(ctx context.Context) (int, error) {
	if err := r.enter(); err != nil {
		return 0, err
	}
	defer r.leave()

	n, err := r.client.SCard(ctx, r.keysKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("kv: len: %w", err)
	}
	return int(n), nil
}

// Glob matches with Redis's own pattern syntax, which agrees with SQLite GLOB
// on *, ? and [...].
func (r *RedisStore) Glob(ctx context.Context, pattern string, dst any) (bool, error) {
	if err := r.enter(); err != nil {
		return false, err
	}
	defer r.leave()

	if _, err := path.Match(pattern, ""); err != nil {
		return false, fmt.Errorf("kv: glob %q: %w", pattern, err)
	}

	var matches []string
	iter := r.client.SScan(ctx, r.keysKey(), 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		matches = append(matches, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return false, fmt.Errorf("kv: glob %q: %w", pattern, err)
	}

	slices.Sort(matches)
	for _, key := range matches {
		found, err := r.get(ctx, key, dst)
		if err != nil || found {
			return found, err
		}
	}
	return false, nil
}

func (r *RedisStore) Delete(context.Context, string) error {
	return ErrUnsupported
}

// Vacuum is a no-op: Redis reclaims memory by itself.
func (r *RedisStore) Vacuum(context.Context) error {
	if err := r.enter(); err != nil {
		return err
	}
	r.leave()
	return nil
}

func (r *RedisStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	r.closed = true
	return nil
}

func (r *RedisStore) enter() error {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return ErrClosed
	}
	return nil
}

func (r *RedisStore) leave() {
	r.mu.RUnlock()
}

func (r *RedisStore) counterKey(key string) string {
	return r.prefixed("counter:" + key)
}

func (r *RedisStore) dictKey(key string) string {
	return r.prefixed("dict:" + key)
}

func (r *RedisStore) keysKey() string {
	return r.prefixed("dict-keys")
}

func (r *RedisStore) prefixed(key string) string {
	if r.prefix == "" {
		return key
	}
	return r.prefix + ":" + key
}
