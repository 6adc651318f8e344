package versioning

import "sync"

// DocumentLocks serializes work on the same document inside this process.
// Entries are dropped once nobody holds or waits on them.
type DocumentLocks struct {
	mu    sync.Mutex
	locks map[int64]*documentLock
}

type documentLock struct {
	mu   sync.Mutex
	refs int
}

func NewDocumentLocks() *DocumentLocks {
	return &DocumentLocks{locks: make(map[int64]*documentLock)}
}

// Lock blocks until documentID is free and returns the matching unlock func.
func (l *DocumentLocks) Lock(documentID int64) func() {
	l.mu.Lock()
	lock, ok := l.locks[documentID]
	if !ok {
		lock = &documentLock{}
		l.locks[documentID] = lock
	}
	lock.refs++
	l.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		l.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(l.locks, documentID)
		}
		l.mu.Unlock()
	}
}

func (l *DocumentLocks) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
