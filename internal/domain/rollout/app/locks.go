package app

import (
	"sync"

	"github.com/relicta-tech/rollout/internal/domain/rollout"
)

// keyLocks serializes read-modify-write sequences on a single release.
// Entries are dropped once no goroutine holds or waits for them.
type keyLocks struct {
	mu    sync.Mutex
	locks map[rollout.Key]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[rollout.Key]*keyLock)}
}

// Lock blocks until key is free and returns the matching unlock.
func (l *keyLocks) Lock(key rollout.Key) (unlock func()) {
	l.mu.Lock()
	lk, ok := l.locks[key]
	if !ok {
		lk = &keyLock{}
		l.locks[key] = lk
	}
	lk.refs++
	l.mu.Unlock()

	lk.mu.Lock()
	return func() {
		lk.mu.Unlock()
		l.mu.Lock()
		lk.refs--
		if lk.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}
