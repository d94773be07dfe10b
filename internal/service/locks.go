package service

import "sync"

// entityLocks hands out one mutex per entity id so unrelated intents and
// subscriptions process fully in parallel. Locks are never held across
// outbound gateway calls.
type entityLocks struct {
	mu    sync.Mutex
	locks map[string]*entityLock
}

type entityLock struct {
	sync.Mutex
	refs int
}

func newEntityLocks() *entityLocks {
	return &entityLocks{locks: make(map[string]*entityLock)}
}

// acquire blocks until the lock for id is held and returns the release
// function. The entry is dropped from the table once the last holder
// releases, keeping the map bounded by in-flight work.
func (e *entityLocks) acquire(id string) (release func()) {
	e.mu.Lock()
	l, ok := e.locks[id]
	if !ok {
		l = &entityLock{}
		e.locks[id] = l
	}
	l.refs++
	e.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		e.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, id)
		}
		e.mu.Unlock()
	}
}
