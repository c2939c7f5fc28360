package agent

import (
	"strings"
	"sync"
)

// convLock serializes turns against a single conversation. The refcount
// lets the table entry be dropped once the last waiter releases, so the
// map does not grow with conversation count.
type convLock struct {
	mu   sync.Mutex
	refs int
}

type lockTable struct {
	mu    sync.Mutex
	locks map[string]*convLock
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*convLock)}
}

// acquire blocks until the caller holds the conversation's writer lock and
// returns the release func.
func (t *lockTable) acquire(conversationID string) func() {
	if strings.TrimSpace(conversationID) == "" {
		return func() {}
	}

	t.mu.Lock()
	lock := t.locks[conversationID]
	if lock == nil {
		lock = &convLock{}
		t.locks[conversationID] = lock
	}
	lock.refs++
	t.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		t.mu.Lock()
		lock.refs--
		if lock.refs <= 0 {
			delete(t.locks, conversationID)
		}
		t.mu.Unlock()
	}
}
