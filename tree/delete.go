package tree

import "github.com/windfish-studio/rtree/geo"

// Delete removes a leaf by user id. Deleting an absent id is a no-op so
// that remotely replayed deletions stay idempotent.
func (t *Tree) Delete(id string) error {
	leaf := UserID(id)
	rec, ok := t.Nodes[leaf]
	if !ok || !rec.Leaf {
		return nil
	}
	parent := rec.Parent
	t.dropNode(leaf)
	p := t.Nodes[parent]
	p.Children = removeChild(p.Children, leaf)
	t.putNode(parent, p)

	orphans := t.condense(parent)
	for _, o := range orphans {
		t.insertLeaf(o.id, o.box)
	}
	return nil
}

// BulkDelete folds Delete over the ids.
func (t *Tree) BulkDelete(ids []string) error {
	for _, id := range ids {
		if err := t.Delete(id); err != nil {
			return err
		}
	}
	return nil
}

type orphan struct {
	id  Ident
	box geo.Box
}

// condense walks from n to the root. Underfull non-root nodes are
// detached and their descendant leaves collected for reinsertion; all
// other nodes on the path get their bounding box recomputed. Finally the
// root is collapsed while it has a single internal child.
func (t *Tree) condense(n Ident) []orphan {
	var orphans []orphan
	for !n.IsZero() {
		rec := t.Nodes[n]
		parent := rec.Parent
		if !parent.IsZero() && len(rec.Children) < t.minFill() {
			p := t.Nodes[parent]
			p.Children = removeChild(p.Children, n)
			t.putNode(parent, p)
			orphans = append(orphans, t.uproot(n)...)
		} else {
			rec.MBB = t.cover(rec.Children)
			t.putNode(n, rec)
		}
		n = parent
	}

	for {
		root := t.Nodes[t.Root]
		if len(root.Children) != 1 {
			break
		}
		child := root.Children[0]
		if t.Nodes[child].Leaf {
			break
		}
		t.dropNode(t.Root)
		crec := t.Nodes[child]
		crec.Parent = Ident{}
		t.putNode(child, crec)
		t.Root = child
		t.taint(KeyRoot)
	}
	return orphans
}

// uproot deletes the subtree under n and returns its leaves.
func (t *Tree) uproot(n Ident) []orphan {
	rec := t.Nodes[n]
	t.dropNode(n)
	if rec.Leaf {
		return []orphan{{id: n, box: rec.MBB}}
	}
	var out []orphan
	for _, c := range rec.Children {
		out = append(out, t.uproot(c)...)
	}
	return out
}
