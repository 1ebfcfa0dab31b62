package denylist

import (
	"sort"
	"sync"
)

// Set is a concurrency-safe set of flagged player ids. It is shared between
// the orchestrator (writer, via co-op propagation) and the detection engine
// (many concurrent readers), so access goes through a RWMutex.
type Set struct {
	mu  sync.RWMutex
	ids map[int64]bool
}

// NewSet seeds a set with statically configured ids.
func NewSet(seed []int64) *Set {
	ids := make(map[int64]bool, len(seed))
	for _, id := range seed {
		ids[id] = true
	}
	return &Set{ids: ids}
}

// Add flags a player id.
func (s *Set) Add(id int64) {
	s.mu.Lock()
	s.ids[id] = true
	s.mu.Unlock()
}

// Contains reports whether the id is flagged.
func (s *Set) Contains(id int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ids[id]
}

// ContainsAny reports whether any of the ids is flagged.
func (s *Set) ContainsAny(ids []int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range ids {
		if s.ids[id] {
			return true
		}
	}
	return false
}

// Matching returns the subset of the given ids that are flagged, sorted.
func (s *Set) Matching(ids []int64) []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []int64
	for _, id := range ids {
		if s.ids[id] {
			matched = append(matched, id)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i] < matched[j] })
	return matched
}

// PropagateCoop flags every member of a co-op group when at least one member
// is already flagged. It reports whether anything new was flagged.
func (s *Set) PropagateCoop(members []int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	flagged := false
	for _, id := range members {
		if s.ids[id] {
			flagged = true
			break
		}
	}
	if !flagged {
		return false
	}

	added := false
	for _, id := range members {
		if !s.ids[id] {
			s.ids[id] = true
			added = true
		}
	}
	return added
}

// Len returns the current number of flagged ids.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}
