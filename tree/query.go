package tree

import "github.com/windfish-studio/rtree/geo"

// Query returns the ids of all leaves whose bounding box overlaps box,
// in no particular order.
func (t *Tree) Query(box geo.Box) ([]string, error) {
	if err := t.validBox(box); err != nil {
		return nil, err
	}
	var out []string
	t.search(t.Root, box, &out)
	return out, nil
}

func (t *Tree) search(n Ident, box geo.Box, out *[]string) {
	rec := t.Nodes[n]
	for _, c := range rec.Children {
		crec := t.Nodes[c]
		if !geo.Overlaps(crec.MBB, box) {
			continue
		}
		if crec.Leaf {
			*out = append(*out, c.User())
		} else {
			t.search(c, box, out)
		}
	}
}

// QueryDepth returns the idents of nodes at the given depth from the
// root (depth 0 is the root) whose bounding box overlaps box. Intended
// for diagnostics.
func (t *Tree) QueryDepth(box geo.Box, depth int) ([]Ident, error) {
	if err := t.validBox(box); err != nil {
		return nil, err
	}
	level := []Ident{t.Root}
	for d := 0; d < depth; d++ {
		var next []Ident
		for _, n := range level {
			rec := t.Nodes[n]
			if rec.Leaf {
				continue
			}
			next = append(next, rec.Children...)
		}
		level = next
	}
	var out []Ident
	for _, n := range level {
		if geo.Overlaps(t.Nodes[n].MBB, box) {
			out = append(out, n)
		}
	}
	return out, nil
}
