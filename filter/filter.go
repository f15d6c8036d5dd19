// Package filter provides the probabilistic existence filter over
// committed content hashes. The filter never produces false negatives:
// every hash committed to the metadata index tests possibly-present.
// It is a derived, disposable projection of the index and can be
// rebuilt from it at any time.
package filter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/willf/bloom"
	webarchive "github.com/wolfeidau/web-archive"
)

const (
	// DefaultCapacity is the minimum item count the filter is sized for.
	DefaultCapacity = 1_000_000

	// DefaultFPRate is the target false-positive rate at capacity.
	DefaultFPRate = 0.01

	// DefaultHighWater is the occupancy fraction past which the filter
	// should be rebuilt with a larger sizing.
	DefaultHighWater = 0.85
)

// Filter is a bloom-filter existence set over content hashes.
// Add is idempotent and monotonic; concurrent Add/Test are safe.
// Bloom filters cannot shrink or remove entries, so growth is handled
// by rebuilding a fresh instance from the metadata index (see Rebuild),
// never by mutating in place.
type Filter struct {
	mu       sync.RWMutex
	bloom    *bloom.BloomFilter
	items    uint64
	sizedFor uint64
	fpRate   float64
}

// New creates a filter sized for the given expected item count at the
// given false-positive rate. Zero values select the defaults.
func New(capacity uint64, fpRate float64) *Filter {
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = DefaultFPRate
	}
	return &Filter{
		bloom:    bloom.NewWithEstimates(uint(capacity), fpRate),
		sizedFor: capacity,
		fpRate:   fpRate,
	}
}

// Test reports whether the hash is possibly present. A false return is
// authoritative: the hash was never added.
func (f *Filter) Test(h webarchive.Hash) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.bloom.Test(h[:])
}

// Add records a hash. Safe to race: adding the same hash twice is a
// no-op for membership, and a hash the filter already claims does not
// grow the occupancy estimate.
func (f *Filter) Add(h webarchive.Hash) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.bloom.TestAndAdd(h[:]) {
		f.items++
	}
}

// Items returns the estimated number of distinct hashes added since
// construction (or load).
func (f *Filter) Items() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.items
}

// Occupancy returns the fraction of the sized-for capacity consumed.
func (f *Filter) Occupancy() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return float64(f.items) / float64(f.sizedFor)
}

// NeedsRebuild reports whether occupancy has crossed the high-water
// mark and the filter should be regenerated with fresh sizing.
func (f *Filter) NeedsRebuild(highWater float64) bool {
	if highWater <= 0 {
		highWater = DefaultHighWater
	}
	return f.Occupancy() >= highWater
}

// Source enumerates committed content hashes, typically backed by the
// metadata index.
type Source interface {
	// ContentCount returns the number of committed content records.
	ContentCount(ctx context.Context) (int64, error)

	// ForEachContentHash calls fn for every committed content hash.
	ForEachContentHash(ctx context.Context, fn func(webarchive.Hash) error) error
}

// Rebuild constructs a fresh filter from every hash in the source.
// It is a pure function of the source: the currently active filter is
// not touched, so the caller swaps the result in atomically once the
// rebuild succeeds.
func Rebuild(ctx context.Context, src Source, fpRate float64, logger *slog.Logger) (*Filter, error) {
	if logger == nil {
		logger = slog.Default()
	}

	count, err := src.ContentCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting content records: %w", err)
	}

	// Size for double the current population so the rebuilt filter has
	// headroom before the next high-water crossing, never below the
	// default sizing.
	capacity := uint64(count) * 2
	if capacity < DefaultCapacity {
		capacity = DefaultCapacity
	}
	f := New(capacity, fpRate)

	err = src.ForEachContentHash(ctx, func(h webarchive.Hash) error {
		f.Add(h)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("re-adding hashes: %w", err)
	}

	logger.Info("rebuilt existence filter", "hashes", count, "sized_for", f.sizedFor)
	return f, nil
}
