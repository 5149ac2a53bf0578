// Package store persists undelivered records between process runs.
//
// A Store is only touched twice per process: Load at startup moves every
// persisted record into the in-memory queue and empties the store, and Save at
// shutdown hands whatever is still queued back to the store. Both run under an
// exclusive lock that also excludes other processes using the same backing store,
// and the lock is never held longer than one Load or Save.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrStoreUnavailable is returned when the backing store cannot be found or opened.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrLocked is returned when the exclusive lock could not be taken before ctx expired.
	ErrLocked = errors.New("store locked by another owner")
)

const lockRetryInterval = 10 * time.Millisecond

// Enqueuer receives records recovered by Load.
type Enqueuer interface {
	Enqueue(records ...string) int
}

// Store is a crash-recovery backend.
type Store interface {
	// Load moves every persisted record into dst in persisted order and empties the store.
	Load(ctx context.Context, dst Enqueuer) (int, error)

	// Save appends records after anything already persisted.
	Save(ctx context.Context, records []string) error

	// Close releases handles held since construction.
	Close() error

	// Name identifies the store in logs and registry keys.
	Name() string
}

// acquire retries tryLock until it succeeds, fails, or ctx is done.
func acquire(ctx context.Context, tryLock func() (bool, error)) error {
	for {
		ok, err := tryLock()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return errors.Join(ErrLocked, ctx.Err())
		case <-time.After(lockRetryInterval):
		}
	}
}
