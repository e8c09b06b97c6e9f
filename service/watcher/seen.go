package watcher

import "github.com/gagliardetto/solana-go"

// SeenSet tracks transaction ids a single watch has already considered.
// It is owned by one watch and is not safe for concurrent use.
type SeenSet struct {
	ids map[solana.Signature]struct{}
}

// NewSeenSet returns an empty set.
func NewSeenSet() *SeenSet {
	return &SeenSet{ids: make(map[solana.Signature]struct{})}
}

// Seed marks every id as seen. Seeding the same ids twice has no further effect.
func (s *SeenSet) Seed(ids []solana.Signature) {
	for _, id := range ids {
		s.ids[id] = struct{}{}
	}
}

// Add marks id as seen and reports whether it was new.
func (s *SeenSet) Add(id solana.Signature) bool {
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

// Contains reports whether id has been seen.
func (s *SeenSet) Contains(id solana.Signature) bool {
	_, ok := s.ids[id]
	return ok
}

// Len returns the number of ids seen.
func (s *SeenSet) Len() int {
	return len(s.ids)
}
