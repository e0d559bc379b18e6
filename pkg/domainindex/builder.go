package domainindex

import (
	"github.com/bassosimone/runtimex"
)

// entry is a dictionary key with its position.
type entry struct {
	key   string
	index int32
}

// sibling is one outgoing transition of a node under construction. The
// entries in [lo, hi) all continue through it.
type sibling struct {
	code   int32
	lo, hi int
}

// builder places sorted, de-duplicated entries into base/check arrays.
type builder struct {
	base    []int32
	check   []int32
	entries []entry

	// nextCheck is where the search for a free base starts.
	nextCheck int32
}

func newBuilder(entries []entry) *builder {
	b := &builder{
		entries:   entries,
		nextCheck: 1,
	}
	size := 1
	if len(entries) > 0 {
		size = 2 * len(entries)
	}
	b.grow(size)
	b.check[0] = rootCheck
	return b
}

// grow makes sure slot n exists.
func (b *builder) grow(n int) {
	if n < len(b.check) {
		return
	}
	size := max(2*len(b.check), n+1, 256)
	base := make([]int32, size)
	check := make([]int32, size)
	copy(base, b.base)
	copy(check, b.check)
	for i := len(b.check); i < size; i++ {
		check[i] = freeSlot
	}
	b.base, b.check = base, check
}

func codeAt(key string, depth int) int32 {
	if depth >= len(key) {
		return terminator
	}
	return int32(key[depth]) + 1
}

// children groups entries[lo:hi] by their byte at depth. Entries are sorted,
// so groups are contiguous and codes ascend, with the terminator first.
func (b *builder) children(lo, hi, depth int) []sibling {
	var out []sibling
	for i := lo; i < hi; i++ {
		code := codeAt(b.entries[i].key, depth)
		if n := len(out); n > 0 && out[n-1].code == code {
			out[n-1].hi = i + 1
			continue
		}
		out = append(out, sibling{code: code, lo: i, hi: i + 1})
	}
	return out
}

// insert places the subtree for entries[lo:hi], whose keys share the first
// depth bytes, below parent.
func (b *builder) insert(parent int32, lo, hi, depth int) {
	sibs := b.children(lo, hi, depth)
	base := b.findBase(sibs)
	b.base[parent] = base

	// Claim every child slot before descending so deeper nodes cannot take them.
	for _, sb := range sibs {
		b.check[base+sb.code] = parent
	}

	for _, sb := range sibs {
		slot := base + sb.code
		if sb.code == terminator {
			runtimex.Assert(sb.hi-sb.lo == 1)
			b.base[slot] = -(b.entries[sb.lo].index + 1)
			continue
		}
		b.insert(slot, sb.lo, sb.hi, depth+1)
	}
}

// findBase returns the smallest base >= 1 for which every sibling slot is free.
func (b *builder) findBase(sibs []sibling) int32 {
	first := sibs[0].code
	last := sibs[len(sibs)-1].code

	pos := max(first+1, b.nextCheck) - 1
	occupied := 0
	firstFree := true
	var base int32

	for {
		pos++
		b.grow(int(pos))
		if b.check[pos] != freeSlot {
			occupied++
			continue
		}
		if firstFree {
			b.nextCheck = pos
			firstFree = false
		}

		base = pos - first
		b.grow(int(base + last))
		if b.fits(base, sibs) {
			break
		}
	}

	// Skip over regions that are almost full.
	if span := pos - b.nextCheck + 1; span > 0 && float64(occupied)/float64(span) >= 0.95 {
		b.nextCheck = pos
	}
	return base
}

func (b *builder) fits(base int32, sibs []sibling) bool {
	for _, sb := range sibs {
		if b.check[base+sb.code] != freeSlot {
			return false
		}
	}
	return true
}

// finish trims the arrays after the last used slot.
func (b *builder) finish() (base, check []int32) {
	last := 0
	for i := len(b.check) - 1; i > 0; i-- {
		if b.check[i] != freeSlot {
			last = i
			break
		}
	}
	base = make([]int32, last+1)
	check = make([]int32, last+1)
	copy(base, b.base[:last+1])
	copy(check, b.check[:last+1])
	return base, check
}
