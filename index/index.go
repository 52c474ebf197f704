// Package index implements the engine's concurrent key -> location map.
// It is sharded by key hash (grounded on the pack's sharded hash-index
// pattern) so unrelated keys never contend on the same mutex; per-key
// operations are linearizable relative to each other.
package index

import (
	"hash/fnv"
	"sync"
)

// Location is a BinLocation: the byte range of the authoritative record
// for a key, addressed by the epoch of the segment file that holds it.
type Location struct {
	Epoch  uint64
	Offset int64
	Length int64
}

const shardCount = 32

type shard struct {
	mu sync.RWMutex
	m  map[string]Location
}

// Index is the in-memory index: key -> Location. The zero value is not
// usable; construct with New.
type Index struct {
	shards [shardCount]*shard
}

// New returns an empty Index.
func New() *Index {
	idx := &Index{}
	for i := range idx.shards {
		idx.shards[i] = &shard{m: make(map[string]Location)}
	}
	return idx
}

func (idx *Index) shardFor(key []byte) *shard {
	h := fnv.New32a()
	h.Write(key)
	return idx.shards[h.Sum32()%shardCount]
}

// Get returns the Location for key, if any.
func (idx *Index) Get(key []byte) (Location, bool) {
	s := idx.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	loc, ok := s.m[string(key)]
	return loc, ok
}

// Insert records loc as the authoritative location for key, returning the
// Location it replaced, if any. Used by Set to discover the shadowed
// record whose bytes become dead.
func (idx *Index) Insert(key []byte, loc Location) (Location, bool) {
	s := idx.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	old, had := s.m[string(key)]
	s.m[string(key)] = loc
	return old, had
}

// Remove deletes key from the index, returning the Location it held, if
// any.
func (idx *Index) Remove(key []byte) (Location, bool) {
	s := idx.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	old, had := s.m[string(key)]
	delete(s.m, string(key))
	return old, had
}

// CompareAndSwap replaces the entry for key with newLoc only if the
// current entry still equals oldLoc. It reports whether the swap took
// place. Used exclusively by the compactor's republish step (spec §4.5
// step 3) so a key overwritten into the next epoch during compaction is
// never resurrected back to its pre-compaction location.
func (idx *Index) CompareAndSwap(key []byte, oldLoc, newLoc Location) bool {
	s := idx.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.m[string(key)]
	if !ok || cur != oldLoc {
		return false
	}
	s.m[string(key)] = newLoc
	return true
}

// ForEach calls fn for every live key in the index. fn must not mutate
// the index. Used only by the compactor to enumerate what to rewrite.
func (idx *Index) ForEach(fn func(key []byte, loc Location)) {
	for _, s := range idx.shards {
		s.mu.RLock()
		for k, loc := range s.m {
			fn([]byte(k), loc)
		}
		s.mu.RUnlock()
	}
}

// Len returns the number of live keys across all shards. Intended for
// tests and metrics, not the hot path.
func (idx *Index) Len() int {
	n := 0
	for _, s := range idx.shards {
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}

// MinEpoch returns the lowest epoch referenced by any live index entry,
// and whether the index is non-empty. Used to check the tail_epoch
// invariant in tests.
func (idx *Index) MinEpoch() (uint64, bool) {
	min := uint64(0)
	found := false
	idx.ForEach(func(_ []byte, loc Location) {
		if !found || loc.Epoch < min {
			min = loc.Epoch
			found = true
		}
	})
	return min, found
}
