package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"k8s.io/klog/v2"

	"github.com/nickqweaver/litequeue/internal/sqlitex"
)

const component = "kv"

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS kv_dict (
  key   TEXT NOT NULL PRIMARY KEY,
  value BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS kv_counter (
  key   TEXT    NOT NULL PRIMARY KEY,
  value INTEGER NOT NULL
);
`,
}

var psql = sqlitex.Builder

// SQLiteStore is both a Counter and a Dict, kept in two tables of one file.
// The file may also hold a queue.
type SQLiteStore struct {
	db    *sql.DB
	codec Codec
	owned bool

	mu     sync.RWMutex
	closed bool
}

var (
	_ Counter = (*SQLiteStore)(nil)
	_ Dict    = (*SQLiteStore)(nil)
)

// SQLiteOptions are the connection settings used by OpenSQLite.
type SQLiteOptions struct {
	FastMode    bool
	BusyTimeout time.Duration
}

// OpenSQLite opens or creates the store at path. Close releases the file.
func OpenSQLite(path string, so SQLiteOptions, opts ...Option) (*SQLiteStore, error) {
	db, err := sqlitex.Open(path, sqlitex.Options{FastMode: so.FastMode, BusyTimeout: so.BusyTimeout})
	if err != nil {
		return nil, err
	}

	s, err := NewSQLite(db, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewSQLite uses a handle opened elsewhere, such as a queue's. Close leaves
// the handle open.
func NewSQLite(db *sql.DB, opts ...Option) (*SQLiteStore, error) {
	if err := sqlitex.Migrate(context.Background(), db, component, migrations); err != nil {
		return nil, err
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &SQLiteStore{db: db, codec: o.codec}, nil
}

func (s *SQLiteStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.add(ctx, "incr", key, 1, "value = value + 1")
}

func (s *SQLiteStore) Decr(ctx context.Context, key string) (int64, error) {
	return s.add(ctx, "decr", key, -1, "value = value - 1")
}

func (s *SQLiteStore) Reset(ctx context.Context, key string) error {
	_, err := s.add(ctx, "reset", key, 0, "value = 0")
	return err
}

func (s *SQLiteStore) add(ctx context.Context, op, key string, initial int64, update string) (int64, error) {
	if err := s.enter(); err != nil {
		return 0, err
	}
	defer s.leave()

	query, args, err := psql.Insert("kv_counter").
		Columns("key", "value").
		Values(key, initial).
		Suffix("ON CONFLICT(key) DO UPDATE SET " + update + " RETURNING value").
		ToSql()
	if err != nil {
		return 0, err
	}

	var v int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&v); err != nil {
		return 0, fmt.Errorf("kv: %s %q: %w", op, key, err)
	}
	return v, nil
}

func (s *SQLiteStore) Count(ctx context.Context, key string) (int64, error) {
	if err := s.enter(); err != nil {
		return 0, err
	}
	defer s.leave()

	query, args, err := psql.Select("value").From("kv_counter").Where(sq.Eq{"key": key}).ToSql()
	if err != nil {
		return 0, err
	}

	var v int64
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("kv: count %q: %w", key, err)
	}
	return v, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string, dst any) (bool, error) {
	return s.lookup(ctx, psql.Select("value").From("kv_dict").Where(sq.Eq{"key": key}), dst)
}

func (s *SQLiteStore) Glob(ctx context.Context, pattern string, dst any) (bool, error) {
	return s.lookup(ctx, psql.Select("value").
		From("kv_dict").
		Where(sq.Expr("key GLOB ?", pattern)).
		OrderBy("key").
		Limit(1), dst)
}

func (s *SQLiteStore) lookup(ctx context.Context, b sq.SelectBuilder, dst any) (bool, error) {
	if err := s.enter(); err != nil {
		return false, err
	}
	defer s.leave()

	query, args, err := b.ToSql()
	if err != nil {
		return false, err
	}

	var raw []byte
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("kv: get: %w", err)
	}

	if err := s.codec.Decode(raw, dst); err != nil {
		return false, fmt.Errorf("kv: decode: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, value any) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()

	raw, err := s.codec.Encode(value)
	if err != nil {
		return fmt.Errorf("kv: encode %q: %w", key, err)
	}

	query, args, err := psql.Insert("kv_dict").
		Options("OR REPLACE").
		Columns("key", "value").
		Values(key, raw).
		ToSql()
	if err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("kv: set %q: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Has(ctx context.Context, key string) (bool, error) {
	if err := s.enter(); err != nil {
		return false, err
	}
	defer s.leave()

	query, args, err := psql.Select("1").From("kv_dict").Where(sq.Eq{"key": key}).ToSql()
	if err != nil {
		return false, err
	}

	var one int
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("kv: has %q: %w", key, err)
	}
	return true, nil
}

func (s *SQLiteStore) Len(ctx context.Context) (int, error) {
	if err := s.enter(); err != nil {
		return 0, err
	}
	defer s.leave()

	query, args, err := psql.Select("COUNT(*)").From("kv_dict").ToSql()
	if err != nil {
		return 0, err
	}

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("kv: len: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Delete(context.Context, string) error {
	return ErrUnsupported
}

// Vacuum compacts the whole file, including any queue sharing it.
func (s *SQLiteStore) Vacuum(ctx context.Context) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()

	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("kv: vacuum: %w", err)
	}
	klog.V(2).InfoS("Vacuumed kv store")
	return nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	s.closed = true

	if s.owned {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) enter() error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	return nil
}

func (s *SQLiteStore) leave() {
	s.mu.RUnlock()
}
