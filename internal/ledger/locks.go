package ledger

import (
	"slices"
	"sync"
)

// userLocks hands out one mutex per user id. Entries are reference counted
// and dropped when no goroutine holds or waits for them.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	sync.Mutex
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[string]*userLock)}
}

// lock acquires the locks of all ids in ascending id order and returns the
// function releasing them. The global order keeps two settlements sharing a
// counterparty from deadlocking.
func (l *userLocks) lock(ids ...string) (unlock func()) {
	ids = slices.Clone(ids)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	held := make([]*userLock, 0, len(ids))
	for _, id := range ids {
		ul := l.acquire(id)
		ul.Lock()
		held = append(held, ul)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
			l.release(ids[i])
		}
	}
}

func (l *userLocks) acquire(id string) *userLock {
	l.mu.Lock()
	defer l.mu.Unlock()

	ul, ok := l.locks[id]
	if !ok {
		ul = &userLock{}
		l.locks[id] = ul
	}
	ul.refs++
	return ul
}

func (l *userLocks) release(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ul := l.locks[id]
	ul.refs--
	if ul.refs == 0 {
		delete(l.locks, id)
	}
}
