// Package locks provides per-key mutual exclusion inside one process.
package locks

import "sync"

// Keyed hands out one mutex per key. Entries are reference counted and
// removed once nobody holds or waits on them.
type Keyed struct {
	mu sync.Mutex
	m  map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

func NewKeyed() *Keyed {
	return &Keyed{m: make(map[string]*entry)}
}

// Lock blocks until key is held and returns the matching unlock func.
func (k *Keyed) Lock(key string) (unlock func()) {
	e := k.acquire(key)
	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.release(key, e)
	}
}

// TryLock is like Lock but returns ok=false instead of blocking when key is
// already held.
func (k *Keyed) TryLock(key string) (unlock func(), ok bool) {
	e := k.acquire(key)
	if !e.mu.TryLock() {
		k.release(key, e)
		return nil, false
	}
	return func() {
		e.mu.Unlock()
		k.release(key, e)
	}, true
}

func (k *Keyed) acquire(key string) *entry {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.m[key]
	if !ok {
		e = &entry{}
		k.m[key] = e
	}
	e.refs++
	return e
}

func (k *Keyed) release(key string, e *entry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.m, key)
	}
}
