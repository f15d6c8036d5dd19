package filter

import (
	"sync/atomic"

	webarchive "github.com/wolfeidau/web-archive"
)

// Active is the process-wide handle to the current filter instance.
// Compaction builds a replacement filter off to the side and swaps it
// in here; readers and writers always see a complete instance.
type Active struct {
	p atomic.Pointer[Filter]
}

// NewActive wraps a filter instance in a swappable handle.
func NewActive(f *Filter) *Active {
	a := &Active{}
	a.p.Store(f)
	return a
}

// Test reports whether the hash is possibly present.
func (a *Active) Test(h webarchive.Hash) bool {
	return a.p.Load().Test(h)
}

// Add records a hash in the current instance.
func (a *Active) Add(h webarchive.Hash) {
	a.p.Load().Add(h)
}

// Current returns the active filter instance.
func (a *Active) Current() *Filter {
	return a.p.Load()
}

// Swap atomically replaces the active instance.
func (a *Active) Swap(f *Filter) {
	a.p.Store(f)
}
