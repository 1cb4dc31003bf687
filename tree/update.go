package tree

import (
	"fmt"

	"github.com/windfish-studio/rtree/geo"
)

// Update replaces the bounding box of an existing leaf and repairs the
// ancestor chain. The leaf is not relocated to a better subtree; the
// tree trades locality for a cheap update.
func (t *Tree) Update(id string, box geo.Box) error {
	if err := t.validBox(box); err != nil {
		return err
	}
	leaf := UserID(id)
	rec, ok := t.Nodes[leaf]
	if !ok || !rec.Leaf {
		return fmt.Errorf("%w: %s", ErrUnknownID, id)
	}
	if rec.MBB.Equal(box) {
		return nil
	}
	rec.MBB = box.Clone()
	t.putNode(leaf, rec)

	// Recompute ancestors until one is unaffected.
	for n := rec.Parent; !n.IsZero(); {
		p := t.Nodes[n]
		mbb := t.cover(p.Children)
		if mbb.Equal(p.MBB) {
			break
		}
		p.MBB = mbb
		t.putNode(n, p)
		n = p.Parent
	}
	return nil
}

// BulkUpdate folds Update over the entries.
func (t *Tree) BulkUpdate(entries []LeafEntry) error {
	for _, e := range entries {
		if err := t.Update(e.ID, e.Box); err != nil {
			return err
		}
	}
	return nil
}
