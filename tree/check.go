package tree

import "fmt"

// Check validates the structural invariants of the tree: referential
// integrity of parent/child links, a unique root, correct bounding
// boxes, fan-out bounds, and uniform leaf depth. It is meant for tests
// and health checks; a replica whose group never split nodes
// concurrently passes, while one that absorbed conflicting concurrent
// splits may not, even after its map has converged.
func (t *Tree) Check() error {
	root, ok := t.Nodes[t.Root]
	if !ok {
		return fmt.Errorf("root %s has no entry", t.Root)
	}
	if root.Leaf {
		return fmt.Errorf("root %s is a leaf", t.Root)
	}
	if !root.Parent.IsZero() {
		return fmt.Errorf("root %s has parent %s", t.Root, root.Parent)
	}
	if len(root.Children) == 0 && !root.MBB.IsZero() {
		return fmt.Errorf("empty root has non-zero box %s", root.MBB)
	}

	seen := make(map[Ident]bool, len(t.Nodes))
	var depth = -1
	var walk func(n Ident, d int) error
	walk = func(n Ident, d int) error {
		rec, ok := t.Nodes[n]
		if !ok {
			return fmt.Errorf("dangling child reference %s", n)
		}
		if seen[n] {
			return fmt.Errorf("%s reachable twice", n)
		}
		seen[n] = true
		if rec.Leaf {
			if len(rec.Children) != 0 {
				return fmt.Errorf("leaf %s has children", n)
			}
			if depth == -1 {
				depth = d
			} else if d != depth {
				return fmt.Errorf("leaf %s at depth %d, expected %d", n, d, depth)
			}
			return nil
		}
		if n != t.Root {
			if len(rec.Children) < t.minFill() || len(rec.Children) > t.Width {
				return fmt.Errorf("node %s has %d children, want %d..%d",
					n, len(rec.Children), t.minFill(), t.Width)
			}
		} else if len(rec.Children) > t.Width {
			return fmt.Errorf("root has %d children, max %d", len(rec.Children), t.Width)
		}
		for _, c := range rec.Children {
			crec, ok := t.Nodes[c]
			if !ok {
				return fmt.Errorf("dangling child reference %s in %s", c, n)
			}
			if crec.Parent != n {
				return fmt.Errorf("%s lists parent %s but is child of %s", c, crec.Parent, n)
			}
			if err := walk(c, d+1); err != nil {
				return err
			}
		}
		if len(rec.Children) > 0 {
			want := t.cover(rec.Children)
			if !rec.MBB.Equal(want) {
				return fmt.Errorf("node %s box %s != union of children %s", n, rec.MBB, want)
			}
		}
		return nil
	}
	if err := walk(t.Root, 0); err != nil {
		return err
	}

	for id, rec := range t.Nodes {
		if !seen[id] {
			return fmt.Errorf("unreachable entry %s", id)
		}
		if !rec.MBB.Valid() {
			return fmt.Errorf("entry %s has invalid box %s", id, rec.MBB)
		}
		if rec.Leaf != id.IsUser() {
			return fmt.Errorf("entry %s kind does not match its record", id)
		}
	}
	return nil
}
