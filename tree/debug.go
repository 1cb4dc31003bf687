package tree

import (
	"fmt"

	"github.com/xlab/treeprint"
)

// Dump renders the tree hierarchy for debugging.
func (t *Tree) Dump() string {
	root := treeprint.NewWithRoot(t.describe(t.Root))
	t.dumpInto(root, t.Root)
	return root.String()
}

func (t *Tree) dumpInto(branch treeprint.Tree, n Ident) {
	for _, c := range t.Nodes[n].Children {
		rec := t.Nodes[c]
		if rec.Leaf {
			branch.AddNode(t.describe(c))
			continue
		}
		t.dumpInto(branch.AddBranch(t.describe(c)), c)
	}
}

func (t *Tree) describe(n Ident) string {
	rec := t.Nodes[n]
	return fmt.Sprintf("%s %s", n, rec.MBB)
}
