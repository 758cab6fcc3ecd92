package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	sq "github.com/Masterminds/squirrel"
	"k8s.io/klog/v2"

	"github.com/nickqweaver/litequeue/internal/sqlitex"
	"github.com/nickqweaver/litequeue/internal/store"
)

const component = "queue"

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS messages (
  id           INTEGER PRIMARY KEY AUTOINCREMENT,
  payload      BLOB    NOT NULL,
  state        TEXT    NOT NULL DEFAULT 'pending'
               CHECK (state IN ('pending', 'claimed', 'done')),
  lock_token   TEXT,
  enqueued_at  INTEGER NOT NULL,
  claimed_at   INTEGER,
  lease_until  INTEGER,
  completed_at INTEGER,
  CHECK ((state = 'claimed') = (lock_token IS NOT NULL))
);
CREATE INDEX IF NOT EXISTS messages_state_id ON messages (state, id);
CREATE INDEX IF NOT EXISTS messages_state_lease ON messages (state, lease_until);
`,
}

var columns = []string{
	"id", "payload", "state", "lock_token",
	"enqueued_at", "claimed_at", "lease_until", "completed_at",
}

var psql = sqlitex.Builder

// SQLiteStore is the durable store.Backend. It owns db and closes it.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	closed atomic.Bool
}

// Open opens or creates the queue at path and migrates its schema.
func Open(path string, opts sqlitex.Options) (*SQLiteStore, error) {
	db, err := sqlitex.Open(path, opts)
	if err != nil {
		return nil, err
	}

	s, err := New(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.path = path
	return s, nil
}

// New adopts an already opened handle, for sharing a file with other stores.
func New(db *sql.DB) (*SQLiteStore, error) {
	if err := sqlitex.Migrate(context.Background(), db, component, migrations); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// DB exposes the handle so collaborators can share the file.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Insert(ctx context.Context, payload []byte, now time.Time) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}

	query, args, err := insertMessage(payload, now).ToSql()
	if err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("sqlite: insert message: %w", err)
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) InsertBounded(ctx context.Context, payload []byte, maxPending int, now time.Time) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}

	var id int64
	err := sqlitex.WithImmediateTx(ctx, s.db, func(ctx context.Context, conn *sql.Conn) error {
		query, args, err := countState(store.Pending).ToSql()
		if err != nil {
			return err
		}

		var pending int
		if err := conn.QueryRowContext(ctx, query, args...).Scan(&pending); err != nil {
			return fmt.Errorf("sqlite: count pending: %w", err)
		}
		if pending >= maxPending {
			return store.ErrFull
		}

		query, args, err = insertMessage(payload, now).ToSql()
		if err != nil {
			return err
		}
		res, err := conn.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("sqlite: insert message: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Claim selects and locks the oldest pending row in one UPDATE, so no other
// statement can observe the row between choice and lock.
func (s *SQLiteStore) Claim(ctx context.Context, token string, now time.Time, leaseUntil time.Time) (store.Message, bool, error) {
	if err := s.check(); err != nil {
		return store.Message{}, false, err
	}

	oldest, oldestArgs, err := psql.Select("id").
		From("messages").
		Where(sq.Eq{"state": store.Pending.String()}).
		OrderBy("id").
		Limit(1).
		ToSql()
	if err != nil {
		return store.Message{}, false, err
	}

	query, args, err := psql.Update("messages").
		Set("state", store.Claimed.String()).
		Set("lock_token", token).
		Set("claimed_at", now.UnixNano()).
		Set("lease_until", leaseUntil.UnixNano()).
		Where(sq.Expr("id = ("+oldest+")", oldestArgs...)).
		Where(sq.Eq{"state": store.Pending.String()}).
		Suffix("RETURNING " + strings.Join(columns, ", ")).
		ToSql()
	if err != nil {
		return store.Message{}, false, err
	}

	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return store.Message{}, false, nil
	}
	if err != nil {
		return store.Message{}, false, fmt.Errorf("sqlite: claim: %w", err)
	}
	return msg, true, nil
}

func (s *SQLiteStore) Complete(ctx context.Context, id int64, token string, now time.Time) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	if token == "" {
		return false, nil
	}

	query, args, err := psql.Update("messages").
		Set("state", store.Done.String()).
		Set("lock_token", nil).
		Set("lease_until", nil).
		Set("completed_at", now.UnixNano()).
		Where(sq.Eq{"id": id, "lock_token": token, "state": store.Claimed.String()}).
		ToSql()
	if err != nil {
		return false, err
	}

	return s.execOne(ctx, "complete", query, args)
}

func (s *SQLiteStore) Release(ctx context.Context, id int64, token string) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	if token == "" {
		return false, nil
	}

	query, args, err := releaseClaims().
		Where(sq.Eq{"id": id, "lock_token": token, "state": store.Claimed.String()}).
		ToSql()
	if err != nil {
		return false, err
	}

	return s.execOne(ctx, "release", query, args)
}

func (s *SQLiteStore) ReleaseExpired(ctx context.Context, now time.Time, claimedBefore time.Time) (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}

	expired := sq.Or{sq.LtOrEq{"lease_until": now.UnixNano()}}
	if !claimedBefore.IsZero() {
		expired = append(expired, sq.LtOrEq{"claimed_at": claimedBefore.UnixNano()})
	}

	query, args, err := releaseClaims().
		Where(sq.Eq{"state": store.Claimed.String()}).
		Where(expired).
		ToSql()
	if err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("sqlite: release expired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		klog.V(4).InfoS("Released expired claims", "count", n)
	}
	return int(n), nil
}

func (s *SQLiteStore) Count(ctx context.Context, state store.State) (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}

	query, args, err := countState(state).ToSql()
	if err != nil {
		return 0, err
	}

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count %s: %w", state, err)
	}
	return n, nil
}

func (s *SQLiteStore) Peek(ctx context.Context) (store.Message, bool, error) {
	return s.selectOne(ctx, "peek", sq.Eq{"state": store.Pending.String()})
}

func (s *SQLiteStore) Get(ctx context.Context, id int64) (store.Message, bool, error) {
	return s.selectOne(ctx, "get", sq.Eq{"id": id})
}

func (s *SQLiteStore) Vacuum(ctx context.Context, doneBefore time.Time) (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}

	var pruned int64
	if !doneBefore.IsZero() {
		query, args, err := psql.Delete("messages").
			Where(sq.Eq{"state": store.Done.String()}).
			Where(sq.LtOrEq{"completed_at": doneBefore.UnixNano()}).
			ToSql()
		if err != nil {
			return 0, err
		}

		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, fmt.Errorf("sqlite: prune done messages: %w", err)
		}
		if pruned, err = res.RowsAffected(); err != nil {
			return 0, err
		}
	}

	if _, err := s.db.ExecContext(ctx, "VACUUM;"); err != nil {
		return int(pruned), fmt.Errorf("sqlite: vacuum: %w", err)
	}

	klog.V(2).InfoS("Vacuumed queue", "path", s.path, "pruned", pruned)
	return int(pruned), nil
}

func (s *SQLiteStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return store.ErrClosed
	}
	return s.db.Close()
}

func (s *SQLiteStore) check() error {
	if s.closed.Load() {
		return store.ErrClosed
	}
	return nil
}

func (s *SQLiteStore) execOne(ctx context.Context, op string, query string, args []any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("sqlite: %s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteStore) selectOne(ctx context.Context, op string, where sq.Sqlizer) (store.Message, bool, error) {
	if err := s.check(); err != nil {
		return store.Message{}, false, err
	}

	query, args, err := psql.Select(columns...).
		From("messages").
		Where(where).
		OrderBy("id").
		Limit(1).
		ToSql()
	if err != nil {
		return store.Message{}, false, err
	}

	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return store.Message{}, false, nil
	}
	if err != nil {
		return store.Message{}, false, fmt.Errorf("sqlite: %s: %w", op, err)
	}
	return msg, true, nil
}

func insertMessage(payload []byte, now time.Time) sq.InsertBuilder {
	if payload == nil {
		payload = []byte{}
	}
	return psql.Insert("messages").
		Columns("payload", "state", "enqueued_at").
		Values(payload, store.Pending.String(), now.UnixNano())
}

func releaseClaims() sq.UpdateBuilder {
	return psql.Update("messages").
		Set("state", store.Pending.String()).
		Set("lock_token", nil).
		Set("claimed_at", nil).
		Set("lease_until", nil)
}

func countState(state store.State) sq.SelectBuilder {
	return psql.Select("COUNT(*)").From("messages").Where(sq.Eq{"state": state.String()})
}

func scanMessage(row *sql.Row) (store.Message, error) {
	var (
		msg         store.Message
		state       string
		token       sql.NullString
		enqueuedAt  int64
		claimedAt   sql.NullInt64
		leaseUntil  sql.NullInt64
		completedAt sql.NullInt64
	)

	if err := row.Scan(&msg.ID, &msg.Payload, &state, &token, &enqueuedAt, &claimedAt, &leaseUntil, &completedAt); err != nil {
		return store.Message{}, err
	}

	st, err := store.ParseState(state)
	if err != nil {
		return store.Message{}, err
	}

	msg.State = st
	msg.LockToken = token.String
	msg.EnqueuedAt = time.Unix(0, enqueuedAt).UTC()
	msg.ClaimedAt = sqlitex.FromNanos(claimedAt)
	msg.LeaseUntil = sqlitex.FromNanos(leaseUntil)
	msg.CompletedAt = sqlitex.FromNanos(completedAt)
	return msg, nil
}
