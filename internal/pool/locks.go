package pool

import "sync"

// hashLocks serializes reference count changes per content hash within
// this process. Entries are dropped once nobody holds or waits on them.
type hashLocks struct {
	mu sync.Mutex
	m  map[string]*hashLock
}

type hashLock struct {
	mu   sync.Mutex
	refs int
}

func newHashLocks() *hashLocks {
	return &hashLocks{m: make(map[string]*hashLock)}
}

// lock blocks until the caller owns hash and returns the unlock function.
func (l *hashLocks) lock(hash string) func() {
	l.mu.Lock()
	hl, ok := l.m[hash]
	if !ok {
		hl = &hashLock{}
		l.m[hash] = hl
	}
	hl.refs++
	l.mu.Unlock()

	hl.mu.Lock()
	return func() {
		hl.mu.Unlock()
		l.mu.Lock()
		hl.refs--
		if hl.refs == 0 {
			delete(l.m, hash)
		}
		l.mu.Unlock()
	}
}

func (l *hashLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
