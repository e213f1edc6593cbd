package cas

import (
	"sync"

	"github.com/opensandbox/pipagent/pkg/types"
)

// hashLocks hands out one mutex per content hash, dropping it once no
// goroutine holds or waits for it.
type hashLocks struct {
	mu    sync.Mutex
	locks map[types.ContentHash]*hashLock
}

type hashLock struct {
	mu   sync.Mutex
	refs int
}

func newHashLocks() *hashLocks {
	return &hashLocks{locks: make(map[types.ContentHash]*hashLock)}
}

func (h *hashLocks) lock(hash types.ContentHash) func() {
	h.mu.Lock()
	l, ok := h.locks[hash]
	if !ok {
		l = &hashLock{}
		h.locks[hash] = l
	}
	l.refs++
	h.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		h.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(h.locks, hash)
		}
		h.mu.Unlock()
	}
}
