package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/nickqweaver/litequeue/internal/sqlitex"
	"github.com/nickqweaver/litequeue/internal/store"
)

var (
	// ErrQueueFull is returned by Put when a bounded queue has no room.
	ErrQueueFull = errors.New("queue: full")
	// ErrQueueEmpty is returned by TryPop when nothing is pending.
	ErrQueueEmpty = errors.New("queue: empty")
	// ErrTimeout is returned by Pop when its timeout elapses first. It
	// matches ErrQueueEmpty under errors.Is.
	ErrTimeout = fmt.Errorf("%w: pop timed out", ErrQueueEmpty)
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("queue: closed")

	ErrHandlerAlreadyRegistered = errors.New("queue: handler already registered")
	ErrNoHandler                = errors.New("queue: no handler registered")
)

// StorageError reports a failure of the underlying storage. The operation was
// not retried.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return "queue: " + e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Temporary reports whether the failure was lock contention that outlasted
// the busy timeout. Repeating the call may succeed.
func (e *StorageError) Temporary() bool {
	return sqlitex.IsBusy(e.Err)
}

// wrap maps backend errors onto the package's errors. Context errors pass
// through untouched.
func wrap(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrClosed):
		return ErrClosed
	case errors.Is(err, store.ErrFull):
		return ErrQueueFull
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return &StorageError{Op: op, Err: err}
	}
}
