package trajectory

import "sync"

// goalLocks hands out one advisory mutex per goal id. Entries are dropped
// once nobody holds or waits on them.
type goalLocks struct {
	mu    sync.Mutex
	locks map[string]*goalLock
}

type goalLock struct {
	mu   sync.Mutex
	refs int
}

func newGoalLocks() *goalLocks {
	return &goalLocks{locks: make(map[string]*goalLock)}
}

// lock blocks until goalID is free and returns the matching unlock.
func (g *goalLocks) lock(goalID string) func() {
	g.mu.Lock()
	l, ok := g.locks[goalID]
	if !ok {
		l = &goalLock{}
		g.locks[goalID] = l
	}
	l.refs++
	g.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		g.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(g.locks, goalID)
		}
		g.mu.Unlock()
	}
}
