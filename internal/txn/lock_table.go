package txn

import (
	"sync"

	grerrors "github.com/devrev/pairdb/datagrid/internal/errors"
)

// LockTable maps keys to the transaction holding them
type LockTable struct {
	mu    sync.Mutex
	locks map[string]string
}

// NewLockTable creates an empty lock table
func NewLockTable() *LockTable {
	return &LockTable{locks: make(map[string]string)}
}

// Lock acquires key for owner. Re-acquiring a key already held by owner succeeds.
func (l *LockTable) Lock(key, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if holder, ok := l.locks[key]; ok && holder != owner {
		return grerrors.KeyLocked(key, holder)
	}
	l.locks[key] = owner
	return nil
}

// Unlock releases key if owner holds it
func (l *LockTable) Unlock(key, owner string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.locks[key] == owner {
		delete(l.locks, key)
	}
}

// Owner returns the transaction holding key
func (l *LockTable) Owner(key string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	owner, ok := l.locks[key]
	return owner, ok
}

// ReleaseAll releases every key held by owner
func (l *LockTable) ReleaseAll(owner string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	released := 0
	for k, holder := range l.locks {
		if holder == owner {
			delete(l.locks, k)
			released++
		}
	}
	return released
}

// Len returns the number of locked keys
func (l *LockTable) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
