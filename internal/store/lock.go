package store

import (
	"errors"
	"fmt"

	"github.com/gofrs/flock"
)

// ErrLocked is returned when another pipeline already holds the store lock.
var ErrLocked = errors.New("store is locked by another langsync process")

// Lock guards a database file against concurrent pipelines.
type Lock struct {
	fl *flock.Flock
}

// AcquireLock takes an exclusive, non-blocking lock on "<dbPath>.lock".
func AcquireLock(dbPath string) (*Lock, error) {
	fl := flock.New(dbPath + ".lock")
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", fl.Path(), err)
	}
	if !ok {
		return nil, fmt.Errorf("%w (%s)", ErrLocked, fl.Path())
	}
	return &Lock{fl: fl}, nil
}

// Release unlocks. It is safe to call on a nil Lock.
func (l *Lock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}
