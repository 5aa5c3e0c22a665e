package chamt

import (
	"sync/atomic"

	"github.com/bnclabs/chamt-go/ring"
)

// maxPoolSize bounds every one of Cas's five pools. A push beyond this cap
// falls through to a real free (n_frees is bumped) rather than growing
// without bound.
const maxPoolSize = 1024

// reclaimBin groups everything retired by one successful swing -- both
// orphaned node bodies and the child wrappers that pointed at them --
// together with the global epoch observed at the moment they were retired.
// A bin is safe to recycle once every attached Access's beacon has
// advanced past its epoch.
type reclaimBin[Key comparable, Value any] struct {
	epoch  uint64
	nodes  []*node[Key, Value]
	childs []*child[Key, Value]
}

// Cas is the per-Access staging area for one compare-and-swap attempt plus
// the five free-list pools backing this Access's node allocation. It is
// deliberately parameterized over Key as well as Value: the Rust source's
// Cas<V> only carries Value because its pools hold kind-tagged raw memory,
// but Go's generic pools must hold concretely typed *trieNode[Key,Value]
// (etc.) pointers, so Key has to be threaded through here too rather than
// erased behind an `any` that would need a type assertion on every pool
// hit.
//
// older/olderChilds stage objects that were live and published before this
// attempt and are being retired by it -- they must wait out the epoch
// before recycling. newer/newerChilds stage objects freshly built for this
// attempt and not yet published -- on failure they were never visible to
// any other goroutine and can be pooled immediately.
type Cas[Key comparable, Value any] struct {
	older       []*node[Key, Value]
	olderChilds []*child[Key, Value]
	newer       []*node[Key, Value]
	newerChilds []*child[Key, Value]

	reclaims *ring.Buffer[*reclaimBin[Key, Value]]

	childPool *ring.Buffer[*child[Key, Value]]
	triePool  *ring.Buffer[*trieNode[Key, Value]]
	listPool  *ring.Buffer[*listNode[Key, Value]]
	tombPool  *ring.Buffer[*tombNode[Key, Value]]
	binPool   *ring.Buffer[*reclaimBin[Key, Value]]

	stats *statCounters
}

func newCas[Key comparable, Value any](stats *statCounters) *Cas[Key, Value] {
	return &Cas[Key, Value]{
		reclaims:  ring.NewBuffer[*reclaimBin[Key, Value]](8),
		childPool: ring.NewBuffer[*child[Key, Value]](8),
		triePool:  ring.NewBuffer[*trieNode[Key, Value]](8),
		listPool:  ring.NewBuffer[*listNode[Key, Value]](8),
		tombPool:  ring.NewBuffer[*tombNode[Key, Value]](8),
		binPool:   ring.NewBuffer[*reclaimBin[Key, Value]](8),
		stats:     stats,
	}
}

// HasReclaims reports whether c has committed reclaim bins awaiting a
// garbage_collect sweep.
func (c *Cas[Key, Value]) HasReclaims() bool {
	return c.reclaims.Len() > 0
}

func (c *Cas[Key, Value]) allocTrie(bmp uint16, childs []*child[Key, Value]) *node[Key, Value] {
	var tn *trieNode[Key, Value]
	if c.triePool.Len() > 0 {
		tn = c.triePool.PopEnd()
	} else {
		tn = &trieNode[Key, Value]{}
		c.stats.allocs.Add(1)
	}
	tn.bmp, tn.childs = bmp, childs
	n := &node[Key, Value]{trie: tn}
	c.newer = append(c.newer, n)
	return n
}

func (c *Cas[Key, Value]) allocList(items []item[Key, Value]) *node[Key, Value] {
	var ln *listNode[Key, Value]
	if c.listPool.Len() > 0 {
		ln = c.listPool.PopEnd()
	} else {
		ln = &listNode[Key, Value]{}
		c.stats.allocs.Add(1)
	}
	ln.items = items
	n := &node[Key, Value]{list: ln}
	c.newer = append(c.newer, n)
	return n
}

func (c *Cas[Key, Value]) allocTomb(it item[Key, Value]) *node[Key, Value] {
	var tb *tombNode[Key, Value]
	if c.tombPool.Len() > 0 {
		tb = c.tombPool.PopEnd()
	} else {
		tb = &tombNode[Key, Value]{}
		c.stats.allocs.Add(1)
	}
	tb.item = it
	n := &node[Key, Value]{tomb: tb}
	c.newer = append(c.newer, n)
	return n
}

func (c *Cas[Key, Value]) allocChild() *child[Key, Value] {
	var ch *child[Key, Value]
	if c.childPool.Len() > 0 {
		ch = c.childPool.PopEnd()
		ch.ptr = nil
	} else {
		ch = &child[Key, Value]{}
		c.stats.allocs.Add(1)
	}
	c.newerChilds = append(c.newerChilds, ch)
	return ch
}

// discard stages n, a node that was live and published before this
// attempt, to be retired into the next successful swing's reclaim bin. It
// must never be called for a node this same attempt just allocated.
func (c *Cas[Key, Value]) discard(n *node[Key, Value]) {
	c.older = append(c.older, n)
}

// discardChild is discard's counterpart for a *child wrapper being dropped
// from its owning trieNode's childs slice.
func (c *Cas[Key, Value]) discardChild(ch *child[Key, Value]) {
	c.olderChilds = append(c.olderChilds, ch)
}

func (c *Cas[Key, Value]) poolNode(n *node[Key, Value]) {
	switch {
	case n.trie != nil:
		if c.triePool.Len() >= maxPoolSize {
			c.stats.frees.Add(1)
			return
		}
		n.trie.childs = nil
		c.triePool.PushEnd(n.trie)
	case n.list != nil:
		if c.listPool.Len() >= maxPoolSize {
			c.stats.frees.Add(1)
			return
		}
		n.list.items = nil
		c.listPool.PushEnd(n.list)
	case n.tomb != nil:
		if c.tombPool.Len() >= maxPoolSize {
			c.stats.frees.Add(1)
			return
		}
		c.tombPool.PushEnd(n.tomb)
	default:
		panic("chamt: node in an invalid state during free")
	}
}

func (c *Cas[Key, Value]) poolChild(ch *child[Key, Value]) {
	if c.childPool.Len() >= maxPoolSize {
		c.stats.frees.Add(1)
		return
	}
	c.childPool.PushEnd(ch)
}

func (c *Cas[Key, Value]) allocBin(epoch uint64) *reclaimBin[Key, Value] {
	var b *reclaimBin[Key, Value]
	if c.binPool.Len() > 0 {
		b = c.binPool.PopEnd()
		b.nodes, b.childs = b.nodes[:0], b.childs[:0]
	} else {
		b = &reclaimBin[Key, Value]{}
		c.stats.allocs.Add(1)
	}
	b.epoch = epoch
	return b
}

func (c *Cas[Key, Value]) freeBin(b *reclaimBin[Key, Value]) {
	if c.binPool.Len() >= maxPoolSize {
		c.stats.frees.Add(1)
		return
	}
	b.nodes, b.childs = nil, nil
	c.binPool.PushEnd(b)
}

// swing performs the one compare-and-swap this Cas is staged for.
//
// On success: old, plus anything staged via discard/discardChild, was live
// before this attempt and is now orphaned; it is stamped with the current
// global epoch and committed to a reclaim bin. new, plus anything
// allocated via allocChild this attempt, is now published and left alone.
//
// On failure: old and everything staged via discard/discardChild are still
// exactly as reachable as they were before the attempt and are left alone
// entirely. new, plus anything allocated via allocChild this attempt, was
// never published and is returned to its pool immediately.
//
// new must come from this Cas's allocTrie, allocList or allocTomb, which
// already stage it as newer; swing does not stage it a second time.
func (c *Cas[Key, Value]) swing(globalEpoch *atomic.Uint64, slot *child[Key, Value], old, new *node[Key, Value]) bool {
	c.older = append(c.older, old)

	if !slot.cas(old, new) {
		for _, n := range c.newer {
			c.poolNode(n)
		}
		for _, ch := range c.newerChilds {
			c.poolChild(ch)
		}
		c.older, c.olderChilds = c.older[:0], c.olderChilds[:0]
		c.newer, c.newerChilds = c.newer[:0], c.newerChilds[:0]
		return false
	}

	bin := c.allocBin(globalEpoch.Load())
	bin.nodes = append(bin.nodes, c.older...)
	bin.childs = append(bin.childs, c.olderChilds...)
	c.reclaims.PushEnd(bin)
	c.older, c.olderChilds = c.older[:0], c.olderChilds[:0]
	c.newer, c.newerChilds = c.newer[:0], c.newerChilds[:0]
	return true
}

// garbageCollect recycles every reclaim bin stamped with an epoch strictly
// below cutoff, returning the number of nodes freed back into c's pools.
func (c *Cas[Key, Value]) garbageCollect(cutoff uint64) int {
	freed := 0
	for c.reclaims.Len() > 0 && c.reclaims.PeekStart().epoch < cutoff {
		bin := c.reclaims.PopStart()
		for _, n := range bin.nodes {
			c.poolNode(n)
		}
		for _, ch := range bin.childs {
			c.poolChild(ch)
		}
		freed += len(bin.nodes)
		c.freeBin(bin)
	}
	return freed
}
