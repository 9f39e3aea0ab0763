// Package reconcile holds the view-independent pieces of the sync core: an
// ordered id-keyed store that accepts partial patches, a lifecycle token that
// lets async work detect it has gone stale, a last-writer-wins debouncer, and
// the candidate aggregation used for suggestions.
package reconcile

import "sync"

// Patch overlays a partial update onto an item of type T. Apply must only
// touch the fields the patch carries and must not mutate base in place.
type Patch[T any] interface {
	ID() string
	Apply(base T) T
}

// Store is an ordered collection of items keyed by id. Insertion order is the
// iteration order. It is safe for concurrent use; every mutation is applied
// under the write lock so readers never observe a half-applied patch.
type Store[T any] struct {
	mu     sync.RWMutex
	order  []string
	items  map[string]T
	closed bool
}

func NewStore[T any]() *Store[T] {
	return &Store[T]{items: map[string]T{}}
}

// Upsert overlays p onto the existing item with the same id, or appends a new
// item built from the zero value. It reports whether anything was applied;
// a closed store or an empty id is a silent no-op.
func (s *Store[T]) Upsert(p Patch[T]) bool {
	if p == nil {
		return false
	}
	id := p.ID()
	if id == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	current, exists := s.items[id]
	s.items[id] = p.Apply(current)
	if !exists {
		s.order = append(s.order, id)
	}
	return true
}

// PatchExisting applies p only when the id is already present.
func (s *Store[T]) PatchExisting(p Patch[T]) bool {
	if p == nil || p.ID() == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	current, exists := s.items[p.ID()]
	if !exists {
		return false
	}
	s.items[p.ID()] = p.Apply(current)
	return true
}

// Insert adds the item only when the id is not yet present.
func (s *Store[T]) Insert(p Patch[T]) bool {
	if p == nil || p.ID() == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if _, exists := s.items[p.ID()]; exists {
		return false
	}
	var zero T
	s.items[p.ID()] = p.Apply(zero)
	s.order = append(s.order, p.ID())
	return true
}

// Update runs fn against the current value of id and stores the result.
// Returns false when the id is absent or the store is closed.
func (s *Store[T]) Update(id string, fn func(T) T) bool {
	if fn == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	current, exists := s.items[id]
	if !exists {
		return false
	}
	s.items[id] = fn(current)
	return true
}

// ReplaceAll reconciles the store against a full listing: ids missing from
// patches are dropped, existing ones are overlaid (keeping fields the listing
// does not carry), new ones are created. The resulting order is patch order.
func (s *Store[T]) ReplaceAll(patches []Patch[T]) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	items := make(map[string]T, len(patches))
	order := make([]string, 0, len(patches))
	for _, p := range patches {
		if p == nil || p.ID() == "" {
			continue
		}
		id := p.ID()
		base, seen := items[id]
		if !seen {
			base = s.items[id]
			order = append(order, id)
		}
		items[id] = p.Apply(base)
	}
	s.items = items
	s.order = order
	return true
}

func (s *Store[T]) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if _, exists := s.items[id]; !exists {
		return false
	}
	delete(s.items, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (s *Store[T]) Get(id string) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	return item, ok
}

// Snapshot returns a copy of all items in insertion order.
func (s *Store[T]) Snapshot() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]T, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.items[id])
	}
	return out
}

func (s *Store[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Reset drops every item but leaves the store usable.
func (s *Store[T]) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = map[string]T{}
	s.order = nil
}

// Close tears the store down. Later mutations are accepted and ignored.
func (s *Store[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.items = map[string]T{}
	s.order = nil
}

func (s *Store[T]) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}
