package dictionary

import (
	"sync/atomic"
	"time"

	"domainlens/pkg/domainindex"
)

// Snapshot is one published index together with where it came from.
type Snapshot struct {
	Index     *domainindex.Index
	Source    string
	LoadedAt  time.Time
	BuildTime time.Duration
}

// Holder publishes the current snapshot to concurrent readers. Readers never
// block: a reload builds a fresh index and swaps the pointer.
type Holder struct {
	value atomic.Pointer[Snapshot]
}

// NewHolder creates a holder whose initial index matches nothing.
func NewHolder() *Holder {
	h := &Holder{}
	h.value.Store(&Snapshot{Index: domainindex.Build(nil)})
	return h
}

// Get returns the current snapshot. It is never nil.
func (h *Holder) Get() *Snapshot {
	return h.value.Load()
}

// Index returns the current index. It is never nil.
func (h *Holder) Index() *domainindex.Index {
	return h.value.Load().Index
}

// Set publishes snap and returns the snapshot it replaced.
func (h *Holder) Set(snap *Snapshot) *Snapshot {
	return h.value.Swap(snap)
}
