// Package domainindex provides an immutable exact-match index over a static
// dictionary of domain names.
//
// The index is a double-array trie: two parallel int32 arrays (base and check)
// encode every transition, so a lookup costs one array lookup per query byte and
// does not depend on the dictionary size. Once built, an [*Index] is never
// mutated and may be shared by any number of goroutines without locking.
//
// Keys are raw bytes. The index performs no case folding and no trailing-dot
// handling: callers that want DNS-style normalization must apply the same
// normalizer before Build and before Search (see package dictionary).
package domainindex

import (
	"math"
	"slices"
	"strings"

	"github.com/bassosimone/runtimex"
)

const (
	// freeSlot marks an unused cell in the check array.
	freeSlot int32 = -1

	// rootCheck is stored in check[0] so the root is never mistaken for a child.
	rootCheck int32 = -2

	// terminator is the transition code that ends a key. Byte b uses code b+1.
	terminator int32 = 0
)

// MatchResult describes an exact hit.
type MatchResult struct {
	// Index is the position of the key in the dictionary passed to Build.
	Index int

	// MatchedLen is the number of bytes matched, always the full query length.
	MatchedLen int
}

// Option configures Build.
type Option func(*options)

type options struct {
	retainReverse bool
}

// WithReverseIndex keeps a copy of the dictionary so that [*Index.Domain] can
// map an index back to its key. It is meant for debugging and introspection and
// costs one string header per entry.
func WithReverseIndex(retain bool) Option {
	return func(o *options) {
		o.retainReverse = retain
	}
}

// Index is an immutable exact-match lookup structure.
type Index struct {
	base  []int32
	check []int32

	keys int
	dict []string
}

// Build constructs an index from an ordered dictionary. The position of each
// string is its index. When a key occurs more than once, the first occurrence
// wins and later duplicates are ignored. An empty dictionary yields an index
// that matches nothing.
func Build(dictionary []string, opts ...Option) *Index {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	runtimex.Assert(len(dictionary) < math.MaxInt32)

	entries := make([]entry, len(dictionary))
	for i, key := range dictionary {
		entries[i] = entry{key: key, index: int32(i)}
	}
	// A stable sort keeps equal keys in dictionary order, so CompactFunc
	// retains the earliest position.
	slices.SortStableFunc(entries, func(a, b entry) int {
		return strings.Compare(a.key, b.key)
	})
	entries = slices.CompactFunc(entries, func(a, b entry) bool {
		return a.key == b.key
	})

	b := newBuilder(entries)
	if len(entries) > 0 {
		b.insert(0, 0, len(entries), 0)
	}

	idx := &Index{
		keys: len(entries),
	}
	idx.base, idx.check = b.finish()
	if o.retainReverse {
		idx.dict = slices.Clone(dictionary)
	}
	return idx
}

// Search performs an exact-match lookup. It reports false when query is not a
// key, including when query is a proper prefix or extension of a key.
func (idx *Index) Search(query string) (MatchResult, bool) {
	var s int32
	for i := 0; i < len(query); i++ {
		t := idx.base[s] + int32(query[i]) + 1
		if !idx.isChild(s, t) {
			return MatchResult{}, false
		}
		s = t
	}

	t := idx.base[s] + terminator
	if !idx.isChild(s, t) {
		return MatchResult{}, false
	}
	value := idx.base[t]
	if value >= 0 {
		return MatchResult{}, false
	}
	return MatchResult{Index: int(-value - 1), MatchedLen: len(query)}, true
}

// Contains reports whether query is a key.
func (idx *Index) Contains(query string) bool {
	_, ok := idx.Search(query)
	return ok
}

func (idx *Index) isChild(parent, slot int32) bool {
	return slot > 0 && int(slot) < len(idx.check) && idx.check[slot] == parent
}

// Len returns the number of distinct keys.
func (idx *Index) Len() int {
	return idx.keys
}

// Slots returns the size of the base/check arrays.
func (idx *Index) Slots() int {
	return len(idx.check)
}

// SizeBytes estimates the memory used by the trie arrays, excluding the
// optional reverse index.
func (idx *Index) SizeBytes() int {
	return 4 * (cap(idx.base) + cap(idx.check))
}

// HasReverseIndex reports whether the index was built WithReverseIndex(true).
func (idx *Index) HasReverseIndex() bool {
	return idx.dict != nil
}

// Domain returns the dictionary string stored at index. It reports false when
// the reverse index was not retained or index is out of range.
func (idx *Index) Domain(index int) (string, bool) {
	if idx.dict == nil || index < 0 || index >= len(idx.dict) {
		return "", false
	}
	return idx.dict[index], true
}
