package metrics

import (
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Set is a monotonic-union set of metric kinds: kinds are only ever added,
// never removed (a sensor going silent does not make its metric
// unsupported). Insertion order is preserved so the first-seen order drives
// display registration. Safe for concurrent use.
type Set struct {
	mu    sync.RWMutex
	kinds *orderedmap.OrderedMap[Kind, struct{}]
}

// NewSet returns an empty Set.
func NewSet() *Set {
	return &Set{kinds: orderedmap.New[Kind, struct{}]()}
}

// Add inserts kind. Returns true if the kind was newly added.
func (s *Set) Add(kind Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, present := s.kinds.Get(kind); present {
		return false
	}
	s.kinds.Set(kind, struct{}{})
	return true
}

// Contains reports whether kind has been added.
func (s *Set) Contains(kind Kind) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, present := s.kinds.Get(kind)
	return present
}

// Kinds returns the kinds in insertion order.
func (s *Set) Kinds() []Kind {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Kind, 0, s.kinds.Len())
	for pair := s.kinds.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

// Union adds every kind from other, preserving other's order for kinds not
// already present.
func (s *Set) Union(other *Set) {
	for _, k := range other.Kinds() {
		s.Add(k)
	}
}

// Len returns the number of kinds added so far.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.kinds.Len()
}
