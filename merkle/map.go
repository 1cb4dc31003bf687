// Package merkle implements the hash-indexed key/value map backing the
// replicated tree snapshot. Entries live in a 256-way trie addressed by
// the sha256 digest of the key; every trie node carries a rollup hash,
// computed lazily, so two maps can be diffed by descending only into
// subtrees whose hashes disagree.
//
// Mutations copy the path from the root down to the touched entry and
// never modify shared nodes, so Clone is O(1) and an old clone remains a
// consistent pre-mutation snapshot. That is what lets the replicator
// diff "the map before this operation" against "the map after" at
// O(changed keys * log n) cost.
package merkle

import (
	"bytes"
	"encoding/binary"
	"sort"

	sha256 "github.com/minio/sha256-simd"
)

type node struct {
	// Exactly one of (key set) or (children set) holds: a leaf stores
	// the entry, a branch stores sub-nodes keyed by the next digest
	// byte.
	key      string
	value    []byte
	digest   [sha256.Size]byte
	children map[byte]*node

	// rollup hash cache; nil while dirty. Filling the cache is the only
	// in-place mutation ever performed on a node.
	hash []byte
}

func (n *node) isLeaf() bool { return n.children == nil }

// Map is a mutable key/value map with a merkle index.
type Map struct {
	root *node
	size int
}

// New returns an empty map.
func New() *Map {
	return &Map{}
}

// Clone returns a snapshot sharing structure with m. Later mutations of
// either map do not affect the other.
func (m *Map) Clone() *Map {
	return &Map{root: m.root, size: m.size}
}

// Len returns the number of entries.
func (m *Map) Len() int { return m.size }

// Get returns the value stored under key.
func (m *Map) Get(key string) ([]byte, bool) {
	d := digest(key)
	n := m.root
	depth := 0
	for n != nil {
		if n.isLeaf() {
			if n.key == key {
				return n.value, true
			}
			return nil, false
		}
		n = n.children[d[depth]]
		depth++
	}
	return nil, false
}

// Put stores value under key, replacing any previous value.
func (m *Map) Put(key string, value []byte) {
	leaf := &node{key: key, value: value, digest: digest(key)}
	var added bool
	m.root, added = insert(m.root, leaf, 0)
	if added {
		m.size++
	}
}

// Delete removes key if present.
func (m *Map) Delete(key string) {
	var removed bool
	m.root, removed = remove(m.root, key, digest(key), 0)
	if removed {
		m.size--
	}
}

// Range calls fn for every entry until it returns false.
func (m *Map) Range(fn func(key string, value []byte) bool) {
	walk(m.root, fn)
}

// Export copies the map into a plain Go map.
func (m *Map) Export() map[string][]byte {
	out := make(map[string][]byte, m.size)
	m.Range(func(k string, v []byte) bool {
		out[k] = v
		return true
	})
	return out
}

// UpdateHashes recomputes any stale rollup hashes. Diffing does this on
// demand; the method exists so callers can amortize the work earlier.
func (m *Map) UpdateHashes() {
	if m.root != nil {
		m.root.rollup()
	}
}

// RootHash returns the rollup hash of the whole map. Two maps hold the
// same entries iff their root hashes are equal. The empty map hashes to
// nil.
func (m *Map) RootHash() []byte {
	if m.root == nil {
		return nil
	}
	return m.root.rollup()
}

func insert(n *node, leaf *node, depth int) (*node, bool) {
	if n == nil {
		return leaf, true
	}
	if n.isLeaf() {
		if n.key == leaf.key {
			return leaf, false
		}
		// Split: push both leaves below a new branch chain until their
		// digests diverge.
		branch := &node{children: map[byte]*node{}}
		cur := branch
		d := depth
		for n.digest[d] == leaf.digest[d] {
			next := &node{children: map[byte]*node{}}
			cur.children[n.digest[d]] = next
			cur = next
			d++
		}
		cur.children[n.digest[d]] = n
		cur.children[leaf.digest[d]] = leaf
		return branch, true
	}
	children := make(map[byte]*node, len(n.children)+1)
	for b, c := range n.children {
		children[b] = c
	}
	child, added := insert(children[leaf.digest[depth]], leaf, depth+1)
	children[leaf.digest[depth]] = child
	return &node{children: children}, added
}

func remove(n *node, key string, d [sha256.Size]byte, depth int) (*node, bool) {
	if n == nil {
		return nil, false
	}
	if n.isLeaf() {
		if n.key == key {
			return nil, true
		}
		return n, false
	}
	b := d[depth]
	child, removed := remove(n.children[b], key, d, depth+1)
	if !removed {
		return n, false
	}
	children := make(map[byte]*node, len(n.children))
	for cb, c := range n.children {
		if cb != b {
			children[cb] = c
		}
	}
	if child != nil {
		children[b] = child
	}
	// Collapse a branch left with a single leaf child.
	if len(children) == 1 {
		for _, only := range children {
			if only.isLeaf() {
				return only, true
			}
		}
	}
	if len(children) == 0 {
		return nil, true
	}
	return &node{children: children}, true
}

func walk(n *node, fn func(string, []byte) bool) bool {
	if n == nil {
		return true
	}
	if n.isLeaf() {
		return fn(n.key, n.value)
	}
	for _, b := range sortedBytes(n.children) {
		if !walk(n.children[b], fn) {
			return false
		}
	}
	return true
}

// rollup returns the node's hash, computing and caching it if stale.
func (n *node) rollup() []byte {
	if n.hash != nil {
		return n.hash
	}
	h := sha256.New()
	if n.isLeaf() {
		var lenbuf [binary.MaxVarintLen64]byte
		h.Write([]byte{0x00})
		h.Write(lenbuf[:binary.PutUvarint(lenbuf[:], uint64(len(n.key)))])
		h.Write([]byte(n.key))
		h.Write(n.value)
	} else {
		h.Write([]byte{0x01})
		for _, b := range sortedBytes(n.children) {
			h.Write([]byte{b})
			h.Write(n.children[b].rollup())
		}
	}
	n.hash = h.Sum(nil)
	return n.hash
}

func sortedBytes(children map[byte]*node) []byte {
	out := make([]byte, 0, len(children))
	for b := range children {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func digest(key string) [sha256.Size]byte {
	return sha256.Sum256([]byte(key))
}

func hashesEqual(a, b *node) bool {
	return bytes.Equal(a.rollup(), b.rollup())
}
