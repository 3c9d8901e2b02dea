package lifecycle

import "sync"

// keyedLocks serializes operations per project name. There is deliberately no
// global lock across projects; cross-process safety comes from the state
// store's compare-and-swap.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*sync.Mutex)}
}

// acquire locks the named key and returns its unlock function.
func (k *keyedLocks) acquire(name string) func() {
	k.mu.Lock()
	l, ok := k.locks[name]
	if !ok {
		l = &sync.Mutex{}
		k.locks[name] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
