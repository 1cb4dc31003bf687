package tree

import (
	"fmt"
	"slices"

	"github.com/windfish-studio/rtree/geo"
)

// Insert adds a new leaf keyed by a user id. Inserting an id that is
// already present is an error.
func (t *Tree) Insert(id string, box geo.Box) error {
	if err := t.validBox(box); err != nil {
		return err
	}
	leaf := UserID(id)
	if _, ok := t.Nodes[leaf]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	t.insertLeaf(leaf, box)
	return nil
}

// BulkInsert folds Insert over the input, stopping at the first error.
// Intermediate states are valid trees.
func (t *Tree) BulkInsert(entries []LeafEntry) error {
	for _, e := range entries {
		if err := t.Insert(e.ID, e.Box); err != nil {
			return err
		}
	}
	return nil
}

// LeafEntry pairs a user id with its bounding box.
type LeafEntry struct {
	ID  string  `json:"id"`
	Box geo.Box `json:"box"`
}

func (t *Tree) insertLeaf(leaf Ident, box geo.Box) {
	parent := t.chooseLeaf(box)
	t.putNode(leaf, Record{Leaf: true, Parent: parent, MBB: box.Clone()})
	p := t.Nodes[parent]
	p.Children = append(p.Children, leaf)
	t.putNode(parent, p)
	t.adjustUpward(parent)
}

// chooseLeaf descends from the root picking the child needing the least
// enlargement, breaking ties by smaller area and then lower id, until it
// reaches the node whose children are leaves.
func (t *Tree) chooseLeaf(box geo.Box) Ident {
	cur := t.Root
	for {
		rec := t.Nodes[cur]
		if len(rec.Children) == 0 || t.Nodes[rec.Children[0]].Leaf {
			return cur
		}
		best := rec.Children[0]
		bestRec := t.Nodes[best]
		bestEnl := geo.Enlargement(bestRec.MBB, box)
		for _, child := range rec.Children[1:] {
			crec := t.Nodes[child]
			enl := geo.Enlargement(crec.MBB, box)
			switch {
			case enl < bestEnl:
			case enl == bestEnl && crec.MBB.Area() < bestRec.MBB.Area():
			case enl == bestEnl && crec.MBB.Area() == bestRec.MBB.Area() && child.Less(best):
			default:
				continue
			}
			best, bestRec, bestEnl = child, crec, enl
		}
		cur = best
	}
}

// cover returns the union of the children's bounding boxes, or the zero
// box when there are none.
func (t *Tree) cover(children []Ident) geo.Box {
	if len(children) == 0 {
		return geo.Zero(t.Dim)
	}
	mbb := t.Nodes[children[0]].MBB.Clone()
	for _, c := range children[1:] {
		mbb = geo.Union(mbb, t.Nodes[c].MBB)
	}
	return mbb
}

// adjustUpward walks from n to the root, recomputing bounding boxes and
// splitting any node that overflowed.
func (t *Tree) adjustUpward(n Ident) {
	for !n.IsZero() {
		rec := t.Nodes[n]
		rec.MBB = t.cover(rec.Children)
		t.putNode(n, rec)
		if len(rec.Children) > t.Width {
			t.splitNode(n)
		}
		n = t.Nodes[n].Parent
	}
}

// splitNode replaces an overfull node with two nodes using quadratic
// PickSeeds/PickNext. If the node was the root, a new root is created
// above the pair.
func (t *Tree) splitNode(n Ident) {
	rec := t.Nodes[n]
	entries := rec.Children

	s1, s2 := t.pickSeeds(entries)
	g1 := []Ident{entries[s1]}
	g2 := []Ident{entries[s2]}
	mbb1 := t.Nodes[entries[s1]].MBB.Clone()
	mbb2 := t.Nodes[entries[s2]].MBB.Clone()

	rest := make([]Ident, 0, len(entries)-2)
	for i, e := range entries {
		if i != s1 && i != s2 {
			rest = append(rest, e)
		}
	}

	for i, e := range rest {
		remaining := len(rest) - i
		// Exhaust rule: hand the tail to a group that cannot otherwise
		// reach the occupancy floor.
		if len(g1)+remaining <= t.minFill() {
			g1 = append(g1, e)
			mbb1 = geo.Union(mbb1, t.Nodes[e].MBB)
			continue
		}
		if len(g2)+remaining <= t.minFill() {
			g2 = append(g2, e)
			mbb2 = geo.Union(mbb2, t.Nodes[e].MBB)
			continue
		}
		box := t.Nodes[e].MBB
		enl1 := geo.Enlargement(mbb1, box)
		enl2 := geo.Enlargement(mbb2, box)
		toFirst := enl1 < enl2 ||
			(enl1 == enl2 && mbb1.Area() < mbb2.Area()) ||
			(enl1 == enl2 && mbb1.Area() == mbb2.Area())
		if toFirst {
			g1 = append(g1, e)
			mbb1 = geo.Union(mbb1, box)
		} else {
			g2 = append(g2, e)
			mbb2 = geo.Union(mbb2, box)
		}
	}

	sib := t.freshNode()
	rec.Children = g1
	rec.MBB = mbb1
	t.putNode(n, rec)
	t.putNode(sib, Record{Parent: rec.Parent, Children: g2, MBB: mbb2})
	for _, c := range g2 {
		crec := t.Nodes[c]
		crec.Parent = sib
		t.putNode(c, crec)
	}

	if rec.Parent.IsZero() {
		t.growRoot(n, sib)
		return
	}
	p := t.Nodes[rec.Parent]
	p.Children = append(p.Children, sib)
	t.putNode(rec.Parent, p)
}

// pickSeeds returns the indices of the pair wasting the most area when
// grouped together.
func (t *Tree) pickSeeds(entries []Ident) (int, int) {
	s1, s2 := 0, 1
	worst := -1.0
	for i := 0; i < len(entries); i++ {
		bi := t.Nodes[entries[i]].MBB
		for j := i + 1; j < len(entries); j++ {
			bj := t.Nodes[entries[j]].MBB
			waste := geo.Union(bi, bj).Area() - bi.Area() - bj.Area()
			if waste > worst {
				worst = waste
				s1, s2 = i, j
			}
		}
	}
	return s1, s2
}

// growRoot installs a new root above the split pair.
func (t *Tree) growRoot(a, b Ident) {
	root := t.freshNode()
	mbb := geo.Union(t.Nodes[a].MBB, t.Nodes[b].MBB)
	t.putNode(root, Record{Children: []Ident{a, b}, MBB: mbb})
	for _, c := range []Ident{a, b} {
		crec := t.Nodes[c]
		crec.Parent = root
		t.putNode(c, crec)
	}
	t.Root = root
	t.taint(KeyRoot)
}

func removeChild(children []Ident, id Ident) []Ident {
	if i := slices.Index(children, id); i >= 0 {
		return slices.Delete(children, i, i+1)
	}
	return children
}
