package ddrt

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/windfish-studio/rtree/crdt"
	"github.com/windfish-studio/rtree/geo"
	"github.com/windfish-studio/rtree/tree"
)

var ErrStopped = errors.New("instance stopped")

// Instance is a per-peer actor owning one R-tree. All requests are
// serialized through its run loop in arrival order; remote CRDT diffs
// are folded in between requests. Cross-instance coordination happens
// only through the CRDT.
type Instance struct {
	name string
	cfg  Config
	log  *slog.Logger

	crdtMap crdt.Map
	rep     *replicator

	// owned by the run loop
	tr    *tree.Tree
	peers map[string]struct{}

	seq  atomic.Uint64
	reqs chan func()
	done chan struct{}
	stop sync.Once
	wg   sync.WaitGroup
}

// Option configures an Instance.
type Option func(*Instance)

// WithCRDT wires the replicated map an instance in distributed mode
// publishes through. The instance takes over consumption of the map's
// diff channel.
func WithCRDT(m crdt.Map) Option {
	return func(in *Instance) { in.crdtMap = m }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(in *Instance) { in.log = log }
}

// New creates an instance named name. Call Start before issuing
// requests.
func New(name string, cfg Config, opts ...Option) *Instance {
	in := &Instance{
		name:  name,
		log:   slog.Default().With("system", "ddrt", "instance", name),
		peers: make(map[string]struct{}),
		reqs:  make(chan func(), 64),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(in)
	}
	in.cfg = cfg.normalize(in.log)
	if in.cfg.Verbose {
		in.log = in.log.With("verbose", true)
	}
	return in
}

// Start builds the tree (reconstructing from the CRDT when joining an
// existing group) and launches the run loop.
func (in *Instance) Start() error {
	switch in.cfg.Mode {
	case ModeDistributed:
		if in.crdtMap == nil {
			return fmt.Errorf("distributed mode requires a CRDT")
		}
		in.rep = newReplicator(in.name, in.crdtMap, in.log)
		contents := in.crdtMap.Read()
		if _, ok := contents[tree.KeyRoot]; ok {
			snap, err := tree.Unflatten(contents)
			if err != nil {
				return fmt.Errorf("reconstructing tree from CRDT: %w", err)
			}
			in.tr = tree.FromSnapshot(snap, in.cfg.Width, in.cfg.Dimensionality)
			in.rep.adopt(contents)
			in.log.Info("reconstructed tree from existing group state",
				"entries", len(contents), "leaves", in.tr.LeafCount())
		} else {
			in.tr = tree.New(in.cfg.Width, in.cfg.Dimensionality, in.cfg.Seed)
			if err := in.rep.seed(in.tr); err != nil {
				return fmt.Errorf("seeding CRDT: %w", err)
			}
			in.log.Info("started fresh distributed tree")
		}
	default:
		in.tr = tree.New(in.cfg.Width, in.cfg.Dimensionality, in.cfg.Seed)
	}
	leafCountGauge.WithLabelValues(in.name).Set(float64(in.tr.LeafCount()))

	in.wg.Add(1)
	go in.run()
	return nil
}

// Stop shuts the run loop down. In-flight requests fail with
// ErrStopped.
func (in *Instance) Stop() {
	in.stop.Do(func() { close(in.done) })
	in.wg.Wait()
}

func (in *Instance) run() {
	defer in.wg.Done()
	var diffs <-chan []crdt.Op
	if in.crdtMap != nil {
		diffs = in.crdtMap.Diffs()
	}
	for {
		select {
		case <-in.done:
			return
		case fn := <-in.reqs:
			fn()
		case ops := <-diffs:
			in.mergeDiff(ops)
		}
	}
}

type result struct {
	v   any
	err error
}

func (in *Instance) call(ctx context.Context, fn func() (any, error)) (any, error) {
	ch := make(chan result, 1)
	select {
	case in.reqs <- func() {
		v, err := fn()
		ch <- result{v, err}
	}:
	case <-in.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-ch:
		return r.v, r.err
	case <-in.done:
		return nil, ErrStopped
	}
}

// mutate runs a mutation on the run loop, publishes whatever changed
// (a failed bulk operation may have applied a prefix), and returns the
// resulting snapshot.
func (in *Instance) mutate(ctx context.Context, op string, fn func() error) (tree.Snapshot, error) {
	v, err := in.call(ctx, func() (any, error) {
		if in.tr == nil {
			return tree.Snapshot{}, tree.ErrBadTree
		}
		opErr := fn()
		if pubErr := in.publish(); pubErr != nil && opErr == nil {
			opErr = pubErr
		}
		// A failed bulk operation may still have applied a prefix, so
		// the sequence advances regardless of outcome.
		in.seq.Add(1)
		if in.cfg.Verbose {
			in.log.Debug("operation", "op", op, "err", opErr, "leaves", in.tr.LeafCount())
		}
		return in.tr.Snapshot(), opErr
	})
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	opsCounter.WithLabelValues(in.name, op, outcome).Inc()
	snap, _ := v.(tree.Snapshot)
	return snap, err
}

func (in *Instance) publish() error {
	leafCountGauge.WithLabelValues(in.name).Set(float64(in.tr.LeafCount()))
	if in.rep == nil {
		in.tr.Touched() // keep the set from growing in standalone mode
		return nil
	}
	return in.rep.publish(in.tr)
}

func (in *Instance) mergeDiff(ops []crdt.Op) {
	if in.tr == nil || in.rep == nil {
		return
	}
	if err := in.rep.absorb(in.tr, ops); err != nil {
		in.log.Warn("merge diff left undecodable entries", "err", err)
	}
	leafCountGauge.WithLabelValues(in.name).Set(float64(in.tr.LeafCount()))
	in.seq.Add(1)
	if in.cfg.Verbose {
		in.log.Debug("merged remote diff", "keys", len(ops))
	}
}

// Insert adds a leaf.
func (in *Instance) Insert(ctx context.Context, id string, box geo.Box) (tree.Snapshot, error) {
	return in.mutate(ctx, "insert", func() error { return in.tr.Insert(id, box) })
}

// BulkInsert folds Insert over the entries.
func (in *Instance) BulkInsert(ctx context.Context, entries []tree.LeafEntry) (tree.Snapshot, error) {
	return in.mutate(ctx, "bulk_insert", func() error { return in.tr.BulkInsert(entries) })
}

// Update replaces a leaf's box.
func (in *Instance) Update(ctx context.Context, id string, box geo.Box) (tree.Snapshot, error) {
	return in.mutate(ctx, "update", func() error { return in.tr.Update(id, box) })
}

// BulkUpdate folds Update over the entries.
func (in *Instance) BulkUpdate(ctx context.Context, entries []tree.LeafEntry) (tree.Snapshot, error) {
	return in.mutate(ctx, "bulk_update", func() error { return in.tr.BulkUpdate(entries) })
}

// Delete removes a leaf; absent ids succeed.
func (in *Instance) Delete(ctx context.Context, id string) (tree.Snapshot, error) {
	return in.mutate(ctx, "delete", func() error { return in.tr.Delete(id) })
}

// BulkDelete folds Delete over the ids.
func (in *Instance) BulkDelete(ctx context.Context, ids []string) (tree.Snapshot, error) {
	return in.mutate(ctx, "bulk_delete", func() error { return in.tr.BulkDelete(ids) })
}

// Query returns the ids of leaves overlapping box.
func (in *Instance) Query(ctx context.Context, box geo.Box) ([]string, error) {
	start := time.Now()
	v, err := in.call(ctx, func() (any, error) {
		if in.tr == nil {
			return nil, tree.ErrBadTree
		}
		return in.tr.Query(box)
	})
	queryDuration.WithLabelValues(in.name).Observe(time.Since(start).Seconds())
	ids, _ := v.([]string)
	return ids, err
}

// QueryDepth returns node idents at the given depth overlapping box.
func (in *Instance) QueryDepth(ctx context.Context, box geo.Box, depth int) ([]tree.Ident, error) {
	v, err := in.call(ctx, func() (any, error) {
		if in.tr == nil {
			return nil, tree.ErrBadTree
		}
		return in.tr.QueryDepth(box, depth)
	})
	ids, _ := v.([]tree.Ident)
	return ids, err
}

// Tree returns a copy of the current snapshot.
func (in *Instance) Tree(ctx context.Context) (tree.Snapshot, error) {
	v, err := in.call(ctx, func() (any, error) {
		if in.tr == nil {
			return tree.Snapshot{}, tree.ErrBadTree
		}
		return in.tr.Snapshot(), nil
	})
	snap, _ := v.(tree.Snapshot)
	return snap, err
}

// Check validates the structural invariants of the owned tree.
func (in *Instance) Check(ctx context.Context) error {
	_, err := in.call(ctx, func() (any, error) {
		if in.tr == nil {
			return nil, tree.ErrBadTree
		}
		return nil, in.tr.Check()
	})
	return err
}

// Dump renders the owned tree for diagnostics.
func (in *Instance) Dump(ctx context.Context) (string, error) {
	v, err := in.call(ctx, func() (any, error) {
		if in.tr == nil {
			return "", tree.ErrBadTree
		}
		return in.tr.Dump(), nil
	})
	s, _ := v.(string)
	return s, err
}

// Metadata describes the instance for diagnostics.
type Metadata struct {
	Name           string   `json:"name"`
	Mode           Mode     `json:"mode"`
	Width          int      `json:"width"`
	Dimensionality int      `json:"dimensionality"`
	Seed           int64    `json:"seed"`
	Leaves         int      `json:"leaves"`
	Height         int      `json:"height"`
	Root           string   `json:"root"`
	Seq            uint64   `json:"seq"`
	MerkleRoot     string   `json:"merkle_root,omitempty"`
	Peers          []string `json:"peers,omitempty"`
}

// Metadata reports the instance's configuration and live shape.
func (in *Instance) Metadata(ctx context.Context) (Metadata, error) {
	v, err := in.call(ctx, func() (any, error) {
		md := Metadata{
			Name:           in.name,
			Mode:           in.cfg.Mode,
			Width:          in.cfg.Width,
			Dimensionality: in.cfg.Dimensionality,
			Seed:           in.cfg.Seed,
			Seq:            in.seq.Load(),
			Peers:          in.peerList(),
		}
		if in.tr != nil {
			md.Leaves = in.tr.LeafCount()
			md.Height = in.tr.Height()
			md.Root = in.tr.Root.String()
		}
		if in.rep != nil {
			md.MerkleRoot = hex.EncodeToString(in.rep.rootHash())
		}
		return md, nil
	})
	md, _ := v.(Metadata)
	return md, err
}

// Seq is a monotonic counter bumped on every local or merged mutation;
// the HTTP layer keys its query cache on it.
func (in *Instance) Seq() uint64 { return in.seq.Load() }

// NodeUp records a peer as alive and pushes the recomputed neighbour
// set to the CRDT. Idempotent.
func (in *Instance) NodeUp(ctx context.Context, peer string) error {
	return in.membership(ctx, peer, true)
}

// NodeDown removes a peer and pushes the recomputed neighbour set to
// the CRDT. Idempotent; an empty peer list is valid.
func (in *Instance) NodeDown(ctx context.Context, peer string) error {
	return in.membership(ctx, peer, false)
}

func (in *Instance) membership(ctx context.Context, peer string, up bool) error {
	_, err := in.call(ctx, func() (any, error) {
		if up {
			in.peers[peer] = struct{}{}
		} else {
			delete(in.peers, peer)
		}
		if in.crdtMap != nil {
			in.crdtMap.SetNeighbours(in.peerList())
		}
		in.log.Info("membership change", "peer", peer, "up", up, "peers", len(in.peers))
		return nil, nil
	})
	return err
}

func (in *Instance) peerList() []string {
	out := make([]string, 0, len(in.peers))
	for p := range in.peers {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
