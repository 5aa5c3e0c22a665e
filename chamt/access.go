package chamt

import "sync/atomic"

// enterMask flags a beacon as currently active (the Go rendering of the
// Rust Epoch's high bit); the remaining 63 bits hold the global epoch that
// was current when the access entered.
const enterMask uint64 = 1 << 63

// beacon is one goroutine's visible epoch marker. garbage_collect reads
// every attached Access's beacon to compute the oldest epoch still being
// observed; an inactive beacon (the zero value) is ignored.
type beacon struct {
	at atomic.Uint64
}

func (b *beacon) enter(globalEpoch uint64) {
	b.at.Store(enterMask | globalEpoch)
}

func (b *beacon) exit() {
	b.at.Store(0)
}

func (b *beacon) view() (epoch uint64, active bool) {
	v := b.at.Load()
	return v &^ enterMask, v&enterMask != 0
}

// Access is the Go realization of the Rust Epoch+Cas pair: an explicit,
// attach/close-scoped handle one goroutine holds for the duration of one or
// more map operations. Get only needs the beacon half (no allocation, no
// CAS); Set and Remove need the full Cas as well.
type Access[Key comparable, Value any] struct {
	m      *Map[Key, Value]
	id     int64
	beacon beacon
	cas    *Cas[Key, Value]
	// opSeq is the map-wide operation sequence number as of this access's
	// last completed Set/Remove, used to decide whether Close's turn has
	// come to run an opportunistic GarbageCollect. Zero means this access
	// has not completed a mutating operation.
	opSeq uint64
}

// Attach registers a new full Access (beacon plus Cas) against m. Callers
// that only intend to read can use attachReadOnly instead to skip the Cas
// allocation entirely.
func (m *Map[Key, Value]) Attach() *Access[Key, Value] {
	a := &Access[Key, Value]{
		m:   m,
		cas: newCas[Key, Value](&m.stats),
	}
	a.beacon.enter(m.globalEpoch.Load())
	a.id = m.registerAccess(a)
	return a
}

// Close releases a, running the configured opportunistic garbage collection
// pass first if a has accumulated reclaims and crossed the configured
// threshold. Closing an Access with a staged, unresolved compare-and-swap
// is a programming error: every Set or Remove call must reach a swing
// (success or failure) before returning, so older/newer are always drained
// by the time Close runs.
func (a *Access[Key, Value]) Close() {
	if len(a.cas.older) != 0 || len(a.cas.newer) != 0 {
		panic("chamt: access closed with a compare-and-swap still staged")
	}
	if every := a.m.cfg.GCEveryN; every > 0 && a.opSeq != 0 && a.cas.HasReclaims() && a.opSeq%every == 0 {
		a.m.GarbageCollect(a)
	}
	a.beacon.exit()
	a.m.unregisterAccess(a.id)
}

// Get looks up key through a's own beacon. Holding one Access across many
// Get calls from the same goroutine, instead of calling Map.Get repeatedly
// (which attaches and closes a fresh read-only Access every time), avoids
// the registry churn of re-registering a beacon for every lookup.
func (a *Access[Key, Value]) Get(key Key) (Value, bool) {
	return a.m.doGet(&a.m.root, 0, key, a.m.hash(key))
}

// Set inserts or replaces the value stored under key using a's own Cas.
// Unlike Map.Set, which attaches and closes a fresh Access per call and so
// discards that Access's pools and reclaim bin immediately, calling Set
// repeatedly on one Access lets the pooling and epoch-staged reclamation in
// cas.go actually amortize across a goroutine's whole sequence of
// operations, which is the point of that machinery.
func (a *Access[Key, Value]) Set(key Key, value Value) (Value, bool) {
	old, existed := a.m.setWith(a, key, value)
	a.opSeq = a.m.opCount.Add(1)
	a.m.stats.publish()
	return old, existed
}

// Remove is Set's counterpart for deletion; see Set's doc comment for why a
// long-lived Access should be preferred over repeated Map.Remove calls when
// a goroutine performs many operations in a row.
func (a *Access[Key, Value]) Remove(key Key) (Value, bool) {
	old, existed := a.m.removeWith(a, key)
	a.opSeq = a.m.opCount.Add(1)
	a.m.stats.publish()
	return old, existed
}

func (m *Map[Key, Value]) attachReadOnly() *Access[Key, Value] {
	a := &Access[Key, Value]{m: m}
	a.beacon.enter(m.globalEpoch.Load())
	a.id = m.registerAccess(a)
	return a
}

func (a *Access[Key, Value]) closeReadOnly() {
	a.beacon.exit()
	a.m.unregisterAccess(a.id)
}

func (m *Map[Key, Value]) registerAccess(a *Access[Key, Value]) int64 {
	id := m.nextAccess.Add(1)
	m.accesses.Store(id, a)
	return id
}

func (m *Map[Key, Value]) unregisterAccess(id int64) {
	m.accesses.Delete(id)
}

// minBeacon returns the oldest epoch still visible to any currently
// attached Access, or the current global epoch if none are active. Any
// reclaim bin stamped with an epoch below this value was retired before the
// oldest live reader began and is safe to recycle.
func (m *Map[Key, Value]) minBeacon() uint64 {
	cutoff := m.globalEpoch.Load()
	m.accesses.Range(func(_, v any) bool {
		a := v.(*Access[Key, Value])
		epoch, active := a.beacon.view()
		if active && epoch < cutoff {
			cutoff = epoch
		}
		return true
	})
	return cutoff
}

// GarbageCollect advances the global epoch, moves access's own beacon up to
// the new epoch (the calling goroutine holds no node while it collects), and
// sweeps access's own reclaim bins that fall below the resulting cutoff,
// returning the number of nodes recycled. Each Access only ever collects its own pools, matching the
// reference crate's thread-local Cas discipline; the registry exists solely
// to make the cutoff computation visible across every attached goroutine.
func (m *Map[Key, Value]) GarbageCollect(access *Access[Key, Value]) int {
	access.beacon.enter(m.globalEpoch.Add(1))
	cutoff := m.minBeacon()
	freed := access.cas.garbageCollect(cutoff)
	m.stats.publish()
	return freed
}
