package validation

import (
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const defaultDuplicateHistory = 1 << 16

type shareKey struct {
	hash  chainhash.Hash
	nonce uint32
}

// duplicateSet remembers recently seen (hash, nonce) pairs. When full it
// drops the oldest tenth of its history.
type duplicateSet struct {
	mu    sync.Mutex
	limit int
	m     map[shareKey]struct{}
	order []shareKey
}

func newDuplicateSet(limit int) *duplicateSet {
	if limit <= 0 {
		limit = defaultDuplicateHistory
	}
	return &duplicateSet{
		limit: limit,
		m:     make(map[shareKey]struct{}, limit),
		order: make([]shareKey, 0, limit),
	}
}

// seenOrAdd reports whether key was already seen and records it if not
func (s *duplicateSet) seenOrAdd(key shareKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, seen := s.m[key]; seen {
		return true
	}

	if len(s.order) >= s.limit {
		evict := max(s.limit/10, 1)
		for _, k := range s.order[:evict] {
			delete(s.m, k)
		}
		s.order = append(s.order[:0], s.order[evict:]...)
	}

	s.m[key] = struct{}{}
	s.order = append(s.order, key)
	return false
}

// forget drops key so a share whose persistence failed can be resubmitted
func (s *duplicateSet) forget(key shareKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.m[key]; !ok {
		return
	}
	delete(s.m, key)
	for i := len(s.order) - 1; i >= 0; i-- {
		if s.order[i] == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *duplicateSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}
