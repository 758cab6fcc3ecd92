// Package sqlitex opens SQLite databases with the pragmas litequeue relies on
// and runs versioned migrations and immediate transactions against them.
package sqlitex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"k8s.io/klog/v2"
	sqlite "modernc.org/sqlite"
)

// Builder renders squirrel statements with SQLite placeholders.
var Builder = sq.StatementBuilder.PlaceholderFormat(sq.Question)

// Options tune durability against throughput.
type Options struct {
	// FastMode relaxes fsync to NORMAL, keeps temp tables in memory and
	// grows the page cache.
	FastMode bool

	// BusyTimeout is how long a writer waits on another connection's lock.
	BusyTimeout time.Duration

	// CacheSizeKiB only applies in fast mode.
	CacheSizeKiB int
}

const (
	defaultBusyTimeout  = 5 * time.Second
	defaultCacheSizeKiB = 64000
)

// Open creates the parent directory when needed and returns a handle limited to
// one connection. Per-connection pragmas travel in the DSN so a replaced
// connection gets them too.
func Open(path string, opts Options) (*sql.DB, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite: empty db path")
	}

	memory := path == ":memory:"
	if !memory {
		dir := filepath.Dir(path)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("sqlite: create dir: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", dsn(path, opts))
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if !memory {
		var journalMode string
		if err := db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: set journal_mode=wal: %w", err)
		}
		if strings.ToLower(journalMode) != "wal" {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: journal_mode=%q, want wal", journalMode)
		}
	}

	klog.V(2).InfoS("Opened sqlite database", "path", path, "fastMode", opts.FastMode)
	return db, nil
}

func dsn(path string, opts Options) string {
	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}

	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	if opts.FastMode {
		cache := opts.CacheSizeKiB
		if cache <= 0 {
			cache = defaultCacheSizeKiB
		}
		q.Add("_pragma", "temp_store(2)")
		q.Add("_pragma", "synchronous(1)")
		q.Add("_pragma", fmt.Sprintf("cache_size(%d)", -cache))
	} else {
		q.Add("_pragma", "synchronous(FULL)")
	}

	return path + "?" + q.Encode()
}

// WithImmediateTx runs fn inside BEGIN IMMEDIATE on a dedicated connection.
// The write lock is taken up front, so a read inside fn cannot be invalidated
// by another writer before fn's writes land. fn must not touch db.
func WithImmediateTx(ctx context.Context, db *sql.DB, fn func(ctx context.Context, conn *sql.Conn) error) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;"); err != nil {
		return err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK;")
	}()

	if err := fn(ctx, conn); err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return err
	}
	committed = true
	return nil
}

// Migrate brings component's schema up to len(steps). Versions are tracked
// per component so several stores can share one file.
func Migrate(ctx context.Context, db *sql.DB, component string, steps []string) error {
	return WithImmediateTx(ctx, db, func(ctx context.Context, conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  component TEXT PRIMARY KEY,
  version   INTEGER NOT NULL
);
`); err != nil {
			return fmt.Errorf("sqlite: init migrations table: %w", err)
		}

		current, err := readSchemaVersion(ctx, conn, component)
		if err != nil {
			return err
		}

		want := len(steps)
		if current > want {
			return fmt.Errorf("sqlite: %s schema_version=%d, want <=%d", component, current, want)
		}

		for v := current + 1; v <= want; v++ {
			if _, err := conn.ExecContext(ctx, steps[v-1]); err != nil {
				return fmt.Errorf("sqlite: migrate %s v%d: %w", component, v, err)
			}
		}

		if current != want {
			if err := writeSchemaVersion(ctx, conn, component, want); err != nil {
				return err
			}
			klog.V(2).InfoS("Migrated sqlite schema", "component", component, "from", current, "to", want)
		}
		return nil
	})
}

func readSchemaVersion(ctx context.Context, conn *sql.Conn, component string) (int, error) {
	query, args, err := Builder.Select("version").From("schema_migrations").Where(sq.Eq{"component": component}).ToSql()
	if err != nil {
		return 0, err
	}

	var v int
	err = conn.QueryRowContext(ctx, query, args...).Scan(&v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("sqlite: read schema_version: %w", err)
	}
	return v, nil
}

func writeSchemaVersion(ctx context.Context, conn *sql.Conn, component string, v int) error {
	query, args, err := Builder.Insert("schema_migrations").
		Options("OR REPLACE").
		Columns("component", "version").
		Values(component, v).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("sqlite: write schema_version: %w", err)
	}
	return nil
}

// IsBusy reports whether err is SQLITE_BUSY or SQLITE_LOCKED, which callers
// may retry.
func IsBusy(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	// Extended result codes keep the primary code in the low byte.
	const (
		sqliteBusy   = 5
		sqliteLocked = 6
	)
	code := sqliteErr.Code() & 0xff
	return code == sqliteBusy || code == sqliteLocked
}

// FromNanos reads a nullable unix-nanosecond column. NULL is the zero time.
func FromNanos(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(0, v.Int64).UTC()
}
