package chamt

import (
	"sync/atomic"

	"github.com/bnclabs/chamt-go/gatomic"
	"github.com/bnclabs/chamt-go/watcher"
)

// Counters holds the observability-only tallies spec'd for this map:
// none of them feed back into get/set/remove correctness, and reading them
// never blocks a concurrent writer.
type Counters struct {
	Retries  int64
	Compacts int64
	Allocs   int64
	Frees    int64
}

// statCounters is the live, per-Map set of atomics Counters snapshots from.
// It is embedded by value in Map so Stats() and the hot path share the same
// cache lines without an extra allocation.
type statCounters struct {
	retries  atomic.Int64
	compacts atomic.Int64
	allocs   atomic.Int64
	frees    atomic.Int64

	// watch is set at most once, by the first call to WatchStats, via a
	// compare-and-swap; publish reads it the same way gatomic is used
	// everywhere else in this module, so the lazy init is race-free without
	// needing a sync.Once whose happens-before guarantee only covers callers
	// of Do, not this field's other readers.
	watch *watcher.Value[Counters]
}

func (s *statCounters) snapshot() Counters {
	return Counters{
		Retries:  s.retries.Load(),
		Compacts: s.compacts.Load(),
		Allocs:   s.allocs.Load(),
		Frees:    s.frees.Load(),
	}
}

// publish pushes the current snapshot to the watcher.Value, if one has ever
// been requested via Map.WatchStats. Called from Set, Remove and
// GarbageCollect after they touch a counter, not on every single atomic
// bump, so watching stats never adds synchronization to the hot path when
// nobody is watching.
func (s *statCounters) publish() {
	if w := gatomic.LoadPointer(&s.watch); w != nil {
		w.Set(s.snapshot())
	}
}

// Stats returns a point-in-time snapshot of m's counters.
func (m *Map[Key, Value]) Stats() Counters {
	return m.stats.snapshot()
}

// WatchStats returns a Watcher that wakes up whenever Stats would return a
// different value, grounded on the teacher's watcher.Value/Watcher pair
// rather than polling.
func (m *Map[Key, Value]) WatchStats() *watcher.Watcher[Counters] {
	w := gatomic.LoadPointer(&m.stats.watch)
	if w == nil {
		candidate := watcher.NewValue(m.stats.snapshot())
		if gatomic.CompareAndSwapPointer(&m.stats.watch, nil, candidate) {
			w = candidate
		} else {
			w = gatomic.LoadPointer(&m.stats.watch)
		}
	}
	return w.Watch()
}
