// Package kv provides the small persistent key-value stores that sit next to
// a queue: a counter and a dictionary of encoded values. Both are backed by
// SQLite or Redis.
package kv

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrUnsupported is returned for deletion, which no store implements.
	ErrUnsupported = errors.New("kv: operation not supported")
	ErrClosed      = errors.New("kv: closed")
)

// Counter keeps an integer per key. An absent key counts as zero.
type Counter interface {
	Incr(ctx context.Context, key string) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)
	Count(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
	Delete(ctx context.Context, key string) error
	Vacuum(ctx context.Context) error
	Close() error
}

// Dict maps keys to values encoded by a Codec.
type Dict interface {
	// Get decodes the value stored under key into dst. found is false when
	// the key is absent, in which case dst is left untouched.
	Get(ctx context.Context, key string, dst any) (found bool, err error)
	Set(ctx context.Context, key string, value any) error
	Has(ctx context.Context, key string) (bool, error)
	Len(ctx context.Context) (int, error)

	// Glob decodes into dst the value of the lowest key matching pattern,
	// where * matches any run of characters, ? any single character and
	// [...] a character class.
	Glob(ctx context.Context, pattern string, dst any) (found bool, err error)

	Delete(ctx context.Context, key string) error
	Vacuum(ctx context.Context) error
	Close() error
}

// GetOr returns the value under key, or def when the key is absent.
func GetOr[T any](ctx context.Context, d Dict, key string, def T) (T, error) {
	var v T
	found, err := d.Get(ctx, key, &v)
	if err != nil {
		return def, err
	}
	if !found {
		return def, nil
	}
	return v, nil
}

// Codec turns values into bytes and back.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

type JSONCodec struct{}

func (JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// Option configures a store.
type Option func(*options)

type options struct {
	codec  Codec
	prefix string
}

func defaultOptions() options {
	return options{codec: JSONCodec{}, prefix: "litequeue"}
}

func WithCodec(c Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithPrefix namespaces Redis keys. It has no effect on SQLite stores.
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}
