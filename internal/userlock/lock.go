// Package userlock serializes all ledger operations for one user. The
// debit check-and-commit sequence must never run twice concurrently for
// the same user; operations for different users must not contend.
package userlock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Registry hands out one mutex per user id. Entries are reference-counted
// and dropped when the last holder releases, so the map stays bounded by
// the number of in-flight operations.
type Registry struct {
	mu    sync.Mutex
	locks map[string]*entry
}

func NewRegistry() *Registry {
	return &Registry{locks: make(map[string]*entry)}
}

// Lock acquires the per-user mutex and returns the release function. The
// caller must invoke release on every exit path.
func (r *Registry) Lock(userID string) (release func()) {
	r.mu.Lock()
	e, ok := r.locks[userID]
	if !ok {
		e = &entry{}
		r.locks[userID] = e
	}
	e.refs++
	r.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		r.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(r.locks, userID)
		}
		r.mu.Unlock()
	}
}
