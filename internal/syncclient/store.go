// Package syncclient is the client side of the change stream: a transport
// session that keeps one authenticated connection alive, a reconciler that
// merges change events into a local store, and a bridge that follows
// credential rotations of the signed-in user.
package syncclient

import (
	"sort"
	"sync"

	"github.com/lllypuk/matreq/internal/domain/change"
)

// Store is the local normalized view of every synchronized kind.
// Collections are replaced wholesale under the lock, so readers never observe
// a partially applied event.
type Store struct {
	mu          sync.RWMutex
	collections map[change.Kind]Collection
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{collections: make(map[change.Kind]Collection)}
}

// Get returns a copy of the stored aggregate.
func (s *Store) Get(kind change.Kind, id string) (change.Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.collections[kind][id]
	if !ok {
		return nil, false
	}
	return doc.Clone(), true
}

// All returns copies of every aggregate of kind ordered by id.
func (s *Store) All(kind change.Kind) []change.Document {
	s.mu.RLock()
	coll := s.collections[kind]
	s.mu.RUnlock()

	ids := make([]string, 0, len(coll))
	for id := range coll {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]change.Document, 0, len(ids))
	for _, id := range ids {
		out = append(out, coll[id].Clone())
	}
	return out
}

// Len returns the number of aggregates of kind.
func (s *Store) Len(kind change.Kind) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collections[kind])
}

// Snapshot returns the current collection of kind. It must not be modified.
func (s *Store) Snapshot(kind change.Kind) Collection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collections[kind]
}

// update replaces the collection of kind with fn's result when fn reports a change.
func (s *Store) update(kind change.Kind, fn func(Collection) (Collection, bool)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, changed := fn(s.collections[kind])
	if changed {
		s.collections[kind] = next
	}
	return changed
}

// Clear drops every aggregate.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections = make(map[change.Kind]Collection)
}
