/*
Copyright 2015 Workiva, LLC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

 http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package chamt

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"
)

// Config tunes the ambient behaviour of a Map that has no bearing on
// get/set/remove correctness.
type Config struct {
	// GCEveryN runs an opportunistic GarbageCollect from Access.Close when
	// the map-wide count of completed Set/Remove calls, as of the closing
	// Access's last one, is a multiple of N and that Access still holds
	// reclaims. Zero disables opportunistic collection; callers must then call
	// Map.GarbageCollect explicitly.
	GCEveryN uint64
}

// DefaultConfig returns the Config new Maps use when none is supplied.
func DefaultConfig() Config {
	return Config{GCEveryN: 256}
}

// Map is a concurrent, lock-free hash array mapped trie keyed by any
// comparable Key, hashed down to 64 bits by a user-supplied function. Its
// zero value is not usable; construct one with New.
type Map[Key comparable, Value any] struct {
	root        child[Key, Value]
	hash        func(Key) uint64
	globalEpoch atomic.Uint64
	nextAccess  atomic.Int64
	opCount     atomic.Uint64
	accesses    sync.Map // int64 -> *Access[Key, Value]
	stats       statCounters
	cfg         Config
}

// New returns an empty Map using hash to place keys in the trie. hash
// should spread its outputs roughly uniformly over 64 bits; a poor hash
// degrades this structure to a handful of deep collision lists, not
// incorrect behaviour.
func New[Key comparable, Value any](hash func(Key) uint64) *Map[Key, Value] {
	return NewWithConfig[Key, Value](hash, DefaultConfig())
}

// NewWithConfig is New with explicit ambient tuning, mirroring the
// teacher's own NewWithFuncs constructor shape.
func NewWithConfig[Key comparable, Value any](hash func(Key) uint64, cfg Config) *Map[Key, Value] {
	m := &Map[Key, Value]{hash: hash, cfg: cfg}
	m.root.ptr = &node[Key, Value]{trie: &trieNode[Key, Value]{}}
	return m
}

// Clone returns a handle sharing m's root and epoch state, suitable for
// handing to another goroutine. Unlike the teacher's ctrie.Map.Clone, this
// is not a point-in-time snapshot: Map carries no per-handle mutable state
// of its own (that now lives on the Access each goroutine attaches), so a
// "clone" is simply the same *Map -- every attached Access is already
// independent, which is what the sharing was for.
func (m *Map[Key, Value]) Clone() *Map[Key, Value] {
	return m
}

// Len walks the whole trie under one Access and counts reachable items. It
// walks the live child pointers rather than a frozen snapshot: an item fully
// installed before the call began and not removed during it is always
// counted, but writes that race with the walk may or may not be, and the
// returned count may be stale the instant Len returns.
func (m *Map[Key, Value]) Len() int {
	a := m.attachReadOnly()
	defer a.closeReadOnly()
	return m.countSlot(&m.root)
}

func (m *Map[Key, Value]) countSlot(slot *child[Key, Value]) int {
	cur := slot.load()
	switch {
	case cur.trie != nil:
		n := 0
		for _, c := range cur.trie.childs {
			n += m.countSlot(c)
		}
		return n
	case cur.list != nil:
		return len(cur.list.items)
	case cur.tomb != nil:
		return 1
	default:
		panic("chamt: node in an invalid state during len")
	}
}

// String returns a one-line summary of m, suitable for log lines.
func (m *Map[Key, Value]) String() string {
	return fmt.Sprintf("chamt.Map{len=%d, epoch=%d}", m.Len(), m.globalEpoch.Load())
}

// Dump renders the whole trie shape -- Trie/List/Tomb nodes indented by
// level -- for debug inspection. It is not meant to be parsed; it takes its
// own Access and is safe to call concurrently with readers and writers.
func (m *Map[Key, Value]) Dump() string {
	a := m.attachReadOnly()
	defer a.closeReadOnly()
	var buf bytes.Buffer
	m.dumpSlot(&buf, &m.root, 0)
	return buf.String()
}

func (m *Map[Key, Value]) dumpSlot(buf *bytes.Buffer, slot *child[Key, Value], depth int) {
	indent := bytes.Repeat([]byte("  "), depth)
	cur := slot.load()
	switch {
	case cur.trie != nil:
		fmt.Fprintf(buf, "%strie bmp=%016b\n", indent, cur.trie.bmp)
		for _, c := range cur.trie.childs {
			m.dumpSlot(buf, c, depth+1)
		}
	case cur.list != nil:
		fmt.Fprintf(buf, "%slist len=%d\n", indent, len(cur.list.items))
		for _, it := range cur.list.items {
			fmt.Fprintf(buf, "%s  %v -> %v\n", indent, it.key, it.value)
		}
	case cur.tomb != nil:
		fmt.Fprintf(buf, "%stomb %v -> %v\n", indent, cur.tomb.item.key, cur.tomb.item.value)
	default:
		fmt.Fprintf(buf, "%s<invalid>\n", indent)
	}
}

// Get returns the value stored under key, if any. Get allocates no trie
// nodes and performs no compare-and-swap on the trie; it only needs epoch protection against
// a concurrent garbage_collect recycling a node it is mid-traversal on.
func (m *Map[Key, Value]) Get(key Key) (Value, bool) {
	a := m.attachReadOnly()
	defer a.closeReadOnly()
	return m.doGet(&m.root, 0, key, m.hash(key))
}

func (m *Map[Key, Value]) doGet(slot *child[Key, Value], lev uint, key Key, hash uint64) (Value, bool) {
	cur := slot.load()
	switch {
	case cur.trie != nil:
		tn := cur.trie
		d := hammingDistance(nibble(hash, lev), tn.bmp)
		if d.insert {
			return zero[Value](), false
		}
		return m.doGet(tn.childs[d.pos], lev+1, key, hash)
	case cur.list != nil:
		return getFromList(cur.list.items, key)
	case cur.tomb != nil:
		if cur.tomb.item.key == key {
			return cur.tomb.item.value, true
		}
		return zero[Value](), false
	default:
		panic("chamt: node in an invalid state during get")
	}
}

// Set inserts or replaces the value stored under key, returning the value
// it replaced, if any. On a lost race at any level, the whole call restarts
// from the root; two or more restarts bump the Stats().Retries counter.
//
// Set attaches and closes a fresh Access for this one call, which discards
// that Access's pools and reclaim bin immediately afterwards. A goroutine
// calling Set or Remove many times in a row should instead call Map.Attach
// once and use Access.Set/Access.Remove, so the pooling in cas.go actually
// carries over between calls.
func (m *Map[Key, Value]) Set(key Key, value Value) (Value, bool) {
	a := m.Attach()
	defer a.Close()
	return a.Set(key, value)
}

func (m *Map[Key, Value]) setWith(a *Access[Key, Value], key Key, value Value) (Value, bool) {
	it := item[Key, Value]{key: key, value: value, hash: m.hash(key)}
	for retries := 0; ; retries++ {
		old, existed, ok := m.trySet(a, &m.root, 0, it)
		if ok {
			return old, existed
		}
		if retries+1 >= 2 {
			m.stats.retries.Add(1)
		}
	}
}

func (m *Map[Key, Value]) trySet(a *Access[Key, Value], slot *child[Key, Value], lev uint, it item[Key, Value]) (Value, bool, bool) {
	cur := slot.load()
	switch {
	case cur.trie != nil:
		tn := cur.trie
		nb := nibble(it.hash, lev)
		d := hammingDistance(nb, tn.bmp)

		if d.insert {
			leaf := a.cas.allocChild()
			leaf.ptr = a.cas.allocTomb(it)
			grown := tn.inserted(d.pos, nb, leaf)
			newNode := a.cas.allocTrie(grown.bmp, grown.childs)
			if a.cas.swing(&m.globalEpoch, slot, cur, newNode) {
				return zero[Value](), false, true
			}
			return zero[Value](), false, false
		}
		return m.trySet(a, tn.childs[d.pos], lev+1, it)

	case cur.list != nil:
		cloned := append([]item[Key, Value](nil), cur.list.items...)
		old, existed := updateIntoList(&cloned, it)
		newNode := a.cas.allocList(cloned)
		if a.cas.swing(&m.globalEpoch, slot, cur, newNode) {
			return old, existed, true
		}
		return zero[Value](), false, false

	case cur.tomb != nil:
		tb := cur.tomb
		if tb.item.key == it.key {
			newNode := a.cas.allocTomb(it)
			if a.cas.swing(&m.globalEpoch, slot, cur, newNode) {
				return tb.item.value, true, true
			}
			return zero[Value](), false, false
		}
		sub := m.expand(a, tb.item, it, lev)
		if a.cas.swing(&m.globalEpoch, slot, cur, sub) {
			return zero[Value](), false, true
		}
		return zero[Value](), false, false

	default:
		panic("chamt: node in an invalid state during set")
	}
}

// expand combines two items that landed in the same slot into a fresh
// subtrie, descending one nibble at a time until their hashes diverge, or
// folding both into a two-item list once the 64-bit hash is exhausted.
func (m *Map[Key, Value]) expand(a *Access[Key, Value], x, y item[Key, Value], lev uint) *node[Key, Value] {
	if lev >= maxLevel {
		return a.cas.allocList([]item[Key, Value]{x, y})
	}
	nx, ny := nibble(x.hash, lev), nibble(y.hash, lev)
	if nx == ny {
		sub := m.expand(a, x, y, lev+1)
		leaf := a.cas.allocChild()
		leaf.ptr = sub
		return a.cas.allocTrie(uint16(1)<<nx, []*child[Key, Value]{leaf})
	}
	cx, cy := a.cas.allocChild(), a.cas.allocChild()
	cx.ptr = a.cas.allocTomb(x)
	cy.ptr = a.cas.allocTomb(y)
	bmp := uint16(1)<<nx | uint16(1)<<ny
	childs := []*child[Key, Value]{cx, cy}
	if ny < nx {
		childs[0], childs[1] = cy, cx
	}
	return a.cas.allocTrie(bmp, childs)
}

// Remove deletes the value stored under key, if any, returning the value
// removed. Removing the last item reachable through a Trie collapses it
// into a Tomb on a best-effort basis; a lost collapse race leaves a
// residual single-child Trie, which is harmless and may be collapsed by a
// later operation.
//
// Like Set, Remove attaches and closes a fresh Access per call; see Set's
// doc comment for when to hold an Access across several calls instead.
func (m *Map[Key, Value]) Remove(key Key) (Value, bool) {
	a := m.Attach()
	defer a.Close()
	return a.Remove(key)
}

func (m *Map[Key, Value]) removeWith(a *Access[Key, Value], key Key) (Value, bool) {
	hash := m.hash(key)
	for retries := 0; ; retries++ {
		old, existed, ok := m.tryRemove(a, &m.root, 0, true, key, hash)
		if ok {
			return old, existed
		}
		if retries+1 >= 2 {
			m.stats.retries.Add(1)
		}
	}
}

func (m *Map[Key, Value]) tryRemove(a *Access[Key, Value], slot *child[Key, Value], lev uint, isRoot bool, key Key, hash uint64) (Value, bool, bool) {
	cur := slot.load()
	tn := cur.trie
	if tn == nil {
		panic("chamt: remove reached a non-trie slot")
	}
	nb := nibble(hash, lev)
	d := hammingDistance(nb, tn.bmp)
	if d.insert {
		return zero[Value](), false, true
	}

	branch := tn.childs[d.pos]
	branchNode := branch.load()
	switch {
	case branchNode.trie != nil:
		return m.tryRemove(a, branch, lev+1, false, key, hash)

	case branchNode.list != nil:
		newItems, val, existed := removeFromList(branchNode.list.items, key)
		if !existed {
			return zero[Value](), false, true
		}
		var newLeaf *node[Key, Value]
		if len(newItems) == 1 {
			newLeaf = a.cas.allocTomb(newItems[0])
		} else {
			newLeaf = a.cas.allocList(newItems)
		}
		if !a.cas.swing(&m.globalEpoch, branch, branchNode, newLeaf) {
			return zero[Value](), false, false
		}
		m.collapseIfSingleton(a, slot, tn, isRoot)
		return val, true, true

	case branchNode.tomb != nil:
		tb := branchNode.tomb
		if tb.item.key != key {
			return zero[Value](), false, true
		}
		shrunk := tn.removed(d.pos, nb)
		newNode := a.cas.allocTrie(shrunk.bmp, shrunk.childs)
		a.cas.discard(branchNode)
		a.cas.discardChild(branch)
		if !a.cas.swing(&m.globalEpoch, slot, cur, newNode) {
			return zero[Value](), false, false
		}
		m.collapseIfSingleton(a, slot, newNode.trie, isRoot)
		return tb.item.value, true, true

	default:
		panic("chamt: node in an invalid state during remove")
	}
}

// collapseIfSingleton re-absorbs tn into a Tomb when it has been reduced to
// exactly one child and that child is itself a Tomb. The attempt is
// best-effort: a lost CAS race here is not retried and not reported as a
// failed operation, since the value removal it follows already committed.
func (m *Map[Key, Value]) collapseIfSingleton(a *Access[Key, Value], slot *child[Key, Value], tn *trieNode[Key, Value], isRoot bool) {
	if isRoot || len(tn.childs) != 1 {
		return
	}
	only := tn.childs[0]
	onlyNode := only.load()
	if onlyNode.tomb == nil {
		return
	}
	installed := slot.load()
	if installed.trie != tn {
		return
	}
	collapsed := a.cas.allocTomb(onlyNode.tomb.item)
	a.cas.discardChild(only)
	a.cas.discard(onlyNode)
	if a.cas.swing(&m.globalEpoch, slot, installed, collapsed) {
		m.stats.compacts.Add(1)
	}
}
