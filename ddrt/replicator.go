package ddrt

import (
	"fmt"
	"log/slog"

	"github.com/windfish-studio/rtree/crdt"
	"github.com/windfish-studio/rtree/merkle"
	"github.com/windfish-studio/rtree/tree"
)

// replicator owns the merkle mirror of the tree snapshot and the CRDT
// handle. It is driven entirely from the instance run loop, so it needs
// no locking of its own.
type replicator struct {
	crdt  crdt.Map
	local *merkle.Map
	log   *slog.Logger
	name  string
}

func newReplicator(name string, c crdt.Map, log *slog.Logger) *replicator {
	return &replicator{crdt: c, local: merkle.New(), log: log, name: name}
}

// seed loads the merkle mirror from a freshly built tree and pushes the
// whole snapshot into the CRDT.
func (r *replicator) seed(t *tree.Tree) error {
	flat, err := t.Snapshot().Flatten()
	if err != nil {
		return err
	}
	ops := make([]crdt.Op, 0, len(flat))
	for k, v := range flat {
		r.local.Put(k, v)
		ops = append(ops, crdt.Add(k, v))
	}
	t.Touched() // construction writes are covered by the seed
	r.crdt.Mutate(ops...)
	return nil
}

// adopt loads the merkle mirror from CRDT contents on join, without
// publishing anything back.
func (r *replicator) adopt(contents map[string][]byte) {
	for k, v := range contents {
		r.local.Put(k, v)
	}
}

// publish mirrors the tree's touched keys into the merkle map, diffs
// against the pre-mutation snapshot, and pushes the minimal mutation
// stream into the CRDT. The touched set may over-approximate; the
// merkle diff trims it down to the keys whose values actually changed.
func (r *replicator) publish(t *tree.Tree) error {
	touched := t.Touched()
	if len(touched) == 0 {
		return nil
	}
	prev := r.local.Clone()
	for key := range touched {
		value, ok, err := lookupSnapshotKey(t, key)
		if err != nil {
			return err
		}
		if ok {
			r.local.Put(key, value)
		} else {
			r.local.Delete(key)
		}
	}

	changed := merkle.DiffKeys(prev, r.local)
	if len(changed) == 0 {
		return nil
	}
	ops := make([]crdt.Op, 0, len(changed))
	for _, key := range changed {
		if value, ok := r.local.Get(key); ok {
			ops = append(ops, crdt.Add(key, value))
		} else {
			ops = append(ops, crdt.Remove(key))
		}
	}
	deltaKeysOut.WithLabelValues(r.name).Add(float64(len(ops)))
	r.log.Debug("publishing mutation diff", "keys", len(ops))
	r.crdt.Mutate(ops...)
	return nil
}

// lookupSnapshotKey resolves the current value of a snapshot key from
// the tree, or ok=false when the entry is gone.
func lookupSnapshotKey(t *tree.Tree, key string) ([]byte, bool, error) {
	switch key {
	case tree.KeyRoot:
		v, err := tree.EncodeRoot(t.Root)
		return v, true, err
	case tree.KeyTicket:
		v, err := tree.EncodeTicket(t.Ticket)
		return v, true, err
	}
	id, err := tree.ParseKey(key)
	if err != nil {
		return nil, false, fmt.Errorf("touched key %q: %w", key, err)
	}
	rec, ok := t.Nodes[id]
	if !ok {
		return nil, false, nil
	}
	v, err := tree.EncodeRecord(rec)
	return v, true, err
}

// absorb folds a merged remote diff into the merkle mirror and applies
// the same key changes directly onto the tree's flat state. No R-tree
// algorithm runs here: the merged map is the new tree, including any
// transient inconsistency the merge may carry.
func (r *replicator) absorb(t *tree.Tree, ops []crdt.Op) error {
	mergeDiffs.WithLabelValues(r.name).Inc()
	mergeDiffKeys.WithLabelValues(r.name).Add(float64(len(ops)))
	var firstErr error
	for _, op := range ops {
		switch op.Kind {
		case crdt.OpAdd:
			r.local.Put(op.Key, op.Value)
			// A remote diff is never rejected: an undecodable entry is
			// kept in the mirror and skipped in the tree view, and the
			// group converges past it.
			if err := applyKey(t, op.Key, op.Value); err != nil && firstErr == nil {
				firstErr = err
			}
		case crdt.OpRemove:
			r.local.Delete(op.Key)
			removeKey(t, op.Key)
		}
	}
	return firstErr
}

func applyKey(t *tree.Tree, key string, value []byte) error {
	switch key {
	case tree.KeyRoot:
		root, err := tree.DecodeRoot(value)
		if err != nil {
			return err
		}
		t.Root = root
		return nil
	case tree.KeyTicket:
		tk, err := tree.DecodeTicket(value)
		if err != nil {
			return err
		}
		t.Ticket = tk
		return nil
	}
	id, err := tree.ParseKey(key)
	if err != nil {
		return err
	}
	rec, err := tree.DecodeRecord(value)
	if err != nil {
		return err
	}
	t.Nodes[id] = rec
	return nil
}

func removeKey(t *tree.Tree, key string) {
	if key == tree.KeyRoot || key == tree.KeyTicket {
		// Leave the pointers as-is; a replica never retracts its own
		// root or ticket, so a remove here is a transient merge state.
		return
	}
	if id, err := tree.ParseKey(key); err == nil {
		delete(t.Nodes, id)
	}
}

// rootHash exposes the merkle root for metadata and tests.
func (r *replicator) rootHash() []byte {
	return r.local.RootHash()
}
