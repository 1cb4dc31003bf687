package merkle

import (
	"bytes"
	"sort"
)

// DiffKeys returns the sorted set of keys whose values differ between a
// and b, including keys present on only one side. Subtrees with equal
// rollup hashes are skipped, so the cost is proportional to the number
// of differing keys times the trie depth rather than to map size.
func DiffKeys(a, b *Map) []string {
	set := make(map[string]struct{})
	diffNodes(a.root, b.root, 0, set)
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func diffNodes(a, b *node, depth int, out map[string]struct{}) {
	if a == b {
		return
	}
	if a == nil {
		collectKeys(b, out)
		return
	}
	if b == nil {
		collectKeys(a, out)
		return
	}
	if hashesEqual(a, b) {
		return
	}

	switch {
	case a.isLeaf() && b.isLeaf():
		if a.key == b.key {
			if !bytes.Equal(a.value, b.value) {
				out[a.key] = struct{}{}
			}
			return
		}
		out[a.key] = struct{}{}
		out[b.key] = struct{}{}

	case a.isLeaf():
		diffLeafBranch(a, b, depth, out)

	case b.isLeaf():
		diffLeafBranch(b, a, depth, out)

	default:
		for bb := range a.children {
			diffNodes(a.children[bb], b.children[bb], depth+1, out)
		}
		for bb, child := range b.children {
			if _, ok := a.children[bb]; !ok {
				collectKeys(child, out)
			}
		}
	}
}

// diffLeafBranch compares a single leaf against a branch subtree: the
// branch child on the leaf's digest path is compared recursively, every
// other child exists only on the branch side.
func diffLeafBranch(leaf, branch *node, depth int, out map[string]struct{}) {
	slot := leaf.digest[depth]
	for bb, child := range branch.children {
		if bb == slot {
			diffNodes(leaf, child, depth+1, out)
		} else {
			collectKeys(child, out)
		}
	}
	if _, ok := branch.children[slot]; !ok {
		out[leaf.key] = struct{}{}
	}
}

func collectKeys(n *node, out map[string]struct{}) {
	if n == nil {
		return
	}
	if n.isLeaf() {
		out[n.key] = struct{}{}
		return
	}
	for _, c := range n.children {
		collectKeys(c, out)
	}
}
