package upload

import (
	"encoding/json"
	"sort"
)

// ChunkSet tracks which chunk indices of a session have been received.
//
// The zero value is not usable; construct with NewChunkSet. The set is not
// safe for concurrent mutation; sessions are only mutated under the
// repository's per-session CompareAndSwap.
//
// JSON encoding is a sorted index array, so persisted sessions stay readable
// and diffable regardless of arrival order.
type ChunkSet struct {
	indices map[uint32]struct{}
}

// NewChunkSet returns an empty set.
func NewChunkSet() ChunkSet {
	return ChunkSet{indices: make(map[uint32]struct{})}
}

// Add records index as received. Returns true if the index was not already
// present. Re-adding is how chunk overwrites stay idempotent: the index
// remains marked received either way.
func (c ChunkSet) Add(index uint32) bool {
	if _, ok := c.indices[index]; ok {
		return false
	}
	c.indices[index] = struct{}{}
	return true
}

// Has reports whether index has been received.
func (c ChunkSet) Has(index uint32) bool {
	_, ok := c.indices[index]
	return ok
}

// Len returns the number of received indices.
func (c ChunkSet) Len() int {
	return len(c.indices)
}

// Indices returns the received indices in ascending order.
func (c ChunkSet) Indices() []uint32 {
	out := make([]uint32, 0, len(c.indices))
	for i := range c.indices {
		out = append(out, i)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}

// Missing returns an iterator over the indices in [0, total) not yet
// received, in ascending order. The iterator is finite and restartable:
// ranging over it twice yields the same sequence.
//
// Usage:
//
//	for idx := range set.Missing(session.TotalChunks) {
//	    // idx has not been uploaded yet
//	}
func (c ChunkSet) Missing(total uint32) func(yield func(uint32) bool) {
	return func(yield func(uint32) bool) {
		for i := uint32(0); i < total; i++ {
			if _, ok := c.indices[i]; ok {
				continue
			}
			if !yield(i) {
				return
			}
		}
	}
}

// MissingSlice materializes Missing into a sorted slice. Returns an empty
// (non-nil) slice when nothing is missing.
func (c ChunkSet) MissingSlice(total uint32) []uint32 {
	out := make([]uint32, 0)
	for i := range c.Missing(total) {
		out = append(out, i)
	}
	return out
}

// Clone returns an independent copy of the set.
func (c ChunkSet) Clone() ChunkSet {
	out := ChunkSet{indices: make(map[uint32]struct{}, len(c.indices))}
	for i := range c.indices {
		out.indices[i] = struct{}{}
	}
	return out
}

// MarshalJSON encodes the set as a sorted index array.
func (c ChunkSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Indices())
}

// UnmarshalJSON decodes a (possibly unsorted) index array.
func (c *ChunkSet) UnmarshalJSON(data []byte) error {
	var indices []uint32
	if err := json.Unmarshal(data, &indices); err != nil {
		return err
	}
	c.indices = make(map[uint32]struct{}, len(indices))
	for _, i := range indices {
		c.indices[i] = struct{}{}
	}
	return nil
}
