package ledger

import "sync"

// symbolLocks serialises all work on one symbol. Locks are created on
// first use and kept; the set of symbols is bounded by the registry.
type symbolLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (l *symbolLocks) lock(symbol string) (unlock func()) {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[string]*sync.Mutex)
	}
	mu, ok := l.m[symbol]
	if !ok {
		mu = &sync.Mutex{}
		l.m[symbol] = mu
	}
	l.mu.Unlock()

	mu.Lock()
	return mu.Unlock
}
