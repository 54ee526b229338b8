package pool

import "sync"

type keyMutex struct {
	mu   sync.Mutex
	refs int
}

// keyLock hands out one mutex per key. Entries are reference counted and
// dropped when the last holder unlocks, so the table only ever holds keys
// that are in use.
type keyLock struct {
	mu    sync.Mutex
	locks map[string]*keyMutex
}

func newKeyLock() *keyLock {
	return &keyLock{locks: make(map[string]*keyMutex)}
}

// Lock blocks until key is free and returns the matching unlock func.
func (l *keyLock) Lock(key string) func() {
	l.mu.Lock()
	km, ok := l.locks[key]
	if !ok {
		km = &keyMutex{}
		l.locks[key] = km
	}
	km.refs++
	l.mu.Unlock()

	km.mu.Lock()
	return func() {
		km.mu.Unlock()

		l.mu.Lock()
		km.refs--
		if km.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

func (l *keyLock) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
