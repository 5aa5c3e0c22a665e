package chamt

import (
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestCasPoolReusesFreedNodes(t *testing.T) {
	c := qt.New(t)
	stats := &statCounters{}
	cas := newCas[string, int](stats)

	n1 := cas.allocTrie(0, nil)
	c.Assert(stats.allocs.Load(), qt.Equals, int64(1))

	cas.poolNode(n1)
	n2 := cas.allocTrie(0, nil)
	c.Assert(stats.allocs.Load(), qt.Equals, int64(1), qt.Commentf("second alloc should have come from the pool"))
	c.Assert(n2.trie, qt.Equals, n1.trie)
}

func TestCasPoolCapsAtMaxPoolSize(t *testing.T) {
	c := qt.New(t)
	stats := &statCounters{}
	cas := newCas[string, int](stats)

	for i := 0; i < maxPoolSize+10; i++ {
		cas.poolNode(&node[string, int]{tomb: &tombNode[string, int]{}})
	}
	c.Assert(cas.tombPool.Len(), qt.Equals, maxPoolSize)
	c.Assert(stats.frees.Load(), qt.Equals, int64(10))
}

func TestSwingCommitsReclaimOnSuccess(t *testing.T) {
	c := qt.New(t)
	m := New[string, int](stringHash)
	a := m.Attach()
	defer a.Close()

	old := m.root.load()
	newNode := a.cas.allocTrie(0, nil)
	ok := a.cas.swing(&m.globalEpoch, &m.root, old, newNode)
	c.Assert(ok, qt.IsTrue)
	c.Assert(a.cas.HasReclaims(), qt.IsTrue)
	c.Assert(len(a.cas.older), qt.Equals, 0)
	c.Assert(len(a.cas.newer), qt.Equals, 0)
}

func TestSwingPoolsNewOnFailure(t *testing.T) {
	c := qt.New(t)
	m := New[string, int](stringHash)
	a := m.Attach()
	defer a.Close()

	old := m.root.load()
	stale := &node[string, int]{trie: &trieNode[string, int]{bmp: 0xFFFF}}
	newNode := a.cas.allocTrie(0, nil)

	ok := a.cas.swing(&m.globalEpoch, &m.root, stale, newNode)
	c.Assert(ok, qt.IsFalse)
	c.Assert(a.cas.HasReclaims(), qt.IsFalse)
	c.Assert(a.cas.triePool.Len(), qt.Equals, 1)
	c.Assert(m.root.load(), qt.Equals, old)
}

func TestGarbageCollectSweepsBelowCutoff(t *testing.T) {
	c := qt.New(t)
	m := New[string, int](stringHash)
	a := m.Attach()
	for i := 0; i < 64; i++ {
		a.Set(string(rune('a'+i%26))+string(rune('0'+i%10)), i)
	}

	c.Assert(a.cas.HasReclaims(), qt.IsTrue)

	freed := m.GarbageCollect(a)
	c.Assert(freed >= 0, qt.IsTrue)
	c.Assert(a.cas.HasReclaims(), qt.IsFalse)
	a.Close()
}

func TestOpportunisticGCEveryN(t *testing.T) {
	c := qt.New(t)
	m := NewWithConfig[string, int](stringHash, Config{GCEveryN: 4})

	for round := 0; round < 10; round++ {
		m.Set("k", round)
	}
	c.Assert(m.Stats().Allocs > 0, qt.IsTrue)
}
