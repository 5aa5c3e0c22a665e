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

// Package chamt implements a concurrent, lock-free hash array mapped trie
// (HAMT) reclaimed by an epoch-based memory manager. It supports Get, Set
// and Remove executed by any number of goroutines without mutual exclusion,
// using compare-and-swap on interior child pointers to publish updates.
//
// The trie has a fixed branching factor of 16 per level (one hex nibble of a
// 64-bit key hash). Keys whose hashes agree on all 16 nibbles fall into a
// collision list at the bottom of the trie.
package chamt

import "github.com/bnclabs/chamt-go/gatomic"

// w is the number of bits of hash consumed per trie level.
const w = 4

// maxLevel is the number of nibbles (levels) in a 64-bit hash before the
// trie must fall back to a collision list.
const maxLevel = 64 / w

// item is a key/value pair together with the hash used to place it in the
// trie. Both key and value are owned by value, matching the reference
// map's Item entity.
type item[Key comparable, Value any] struct {
	key   Key
	value Value
	hash  uint64
}

// node is the tagged union of trie variants: Trie, List or Tomb. Exactly
// one of the three fields is non-nil, mirroring the teacher ctrie package's
// mainNode struct (cNode/tNode/lNode) rather than a Rust-style enum, which
// has no direct Go equivalent.
type node[Key comparable, Value any] struct {
	trie *trieNode[Key, Value]
	list *listNode[Key, Value]
	tomb *tombNode[Key, Value]
}

// trieNode is an interior node: a 16-bit presence bitmap over the current
// nibble's 16 slots plus the matching slice of children, ordered by
// ascending slot index. len(childs) always equals bits.OnesCount16(bmp).
type trieNode[Key comparable, Value any] struct {
	bmp    uint16
	childs []*child[Key, Value]
}

// listNode is a hash-collision bucket used only once the 64-bit hash has
// been fully consumed (at level maxLevel). It always holds at least two
// items; a list that shrinks to one item is replaced by a tombNode.
type listNode[Key comparable, Value any] struct {
	items []item[Key, Value]
}

// tombNode is a singleton marker indicating that a subtree has collapsed to
// one item and may be re-absorbed by its parent on a later operation.
type tombNode[Key comparable, Value any] struct {
	item item[Key, Value]
}

// child wraps an atomically updated pointer to a node. Each child is owned
// by exactly one trieNode parent; the map's root is itself a child so that
// root replacement uses the same compare-and-swap machinery as any other
// interior update.
type child[Key comparable, Value any] struct {
	ptr *node[Key, Value]
}

func (c *child[Key, Value]) load() *node[Key, Value] {
	return gatomic.LoadPointer(&c.ptr)
}

func (c *child[Key, Value]) cas(old, new *node[Key, Value]) bool {
	return gatomic.CompareAndSwapPointer(&c.ptr, old, new)
}

// nibble extracts the 4-bit slot index for the given trie level from hash.
func nibble(hash uint64, lev uint) uint16 {
	return uint16((hash >> (w * lev)) & 0xF)
}

// inserted returns a copy of tn with a new child at the given position,
// corresponding to Distance.Insert(pos) from the hamming-distance decoder.
func (tn *trieNode[Key, Value]) inserted(pos int, slot uint16, c *child[Key, Value]) *trieNode[Key, Value] {
	childs := make([]*child[Key, Value], len(tn.childs)+1)
	copy(childs, tn.childs[:pos])
	childs[pos] = c
	copy(childs[pos+1:], tn.childs[pos:])
	return &trieNode[Key, Value]{bmp: tn.bmp | (1 << slot), childs: childs}
}

// removed returns a copy of tn with the child at the given position
// removed, corresponding to a Tomb match during remove.
func (tn *trieNode[Key, Value]) removed(pos int, slot uint16) *trieNode[Key, Value] {
	childs := make([]*child[Key, Value], len(tn.childs)-1)
	copy(childs, tn.childs[:pos])
	copy(childs[pos:], tn.childs[pos+1:])
	return &trieNode[Key, Value]{bmp: tn.bmp &^ (1 << slot), childs: childs}
}
