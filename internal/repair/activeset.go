package repair

import (
	"sort"
	"sync"
)

// ActiveSet tracks which accounts currently have a repair in flight.
//
// It is the only shared mutable state between the scheduler loop and the
// repair units, and it is injected into both rather than living as a package
// singleton so its lifetime is explicit and tests can own one.
type ActiveSet struct {
	mu      sync.Mutex
	members map[int64]struct{}
}

func NewActiveSet() *ActiveSet {
	return &ActiveSet{members: map[int64]struct{}{}}
}

// TryAdd inserts id and reports whether it was absent. This is the
// at-most-one-repair-per-account gate: exactly one caller wins.
func (s *ActiveSet) TryAdd(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[id]; ok {
		return false
	}
	s.members[id] = struct{}{}
	return true
}

func (s *ActiveSet) Remove(id int64) {
	s.mu.Lock()
	delete(s.members, id)
	s.mu.Unlock()
}

func (s *ActiveSet) Contains(id int64) bool {
	s.mu.Lock()
	_, ok := s.members[id]
	s.mu.Unlock()
	return ok
}

func (s *ActiveSet) Members() []int64 {
	s.mu.Lock()
	out := make([]int64, 0, len(s.members))
	for id := range s.members {
		out = append(out, id)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *ActiveSet) Len() int {
	s.mu.Lock()
	n := len(s.members)
	s.mu.Unlock()
	return n
}
