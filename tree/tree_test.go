package tree

import (
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windfish-studio/rtree/geo"
)

func box(ranges ...float64) geo.Box {
	b := make(geo.Box, 0, len(ranges)/2)
	for i := 0; i < len(ranges); i += 2 {
		b = append(b, geo.Range{Min: ranges[i], Max: ranges[i+1]})
	}
	return b
}

func randBox(rng *rand.Rand) geo.Box {
	b := make(geo.Box, 2)
	for i := range b {
		lo := rng.Float64()*200 - 100
		b[i] = geo.Range{Min: lo, Max: lo + rng.Float64()*20}
	}
	return b
}

func leafIDs(t *Tree) []string {
	var out []string
	for id, rec := range t.Nodes {
		if rec.Leaf {
			out = append(out, id.User())
		}
	}
	sort.Strings(out)
	return out
}

func TestTicketDeterminism(t *testing.T) {
	a := NewTicket(42)
	b := NewTicket(42)
	for i := 0; i < 100; i++ {
		ida, na := a.Fresh()
		idb, nb := b.Fresh()
		require.Equal(t, ida, idb)
		require.NotZero(t, ida&(1<<63), "generated ids carry the top bit")
		a, b = na, nb
	}
	c, _ := NewTicket(43).Fresh()
	d, _ := NewTicket(42).Fresh()
	assert.NotEqual(t, c, d)
}

func TestNewTreeIsEmptyRoot(t *testing.T) {
	tr := New(6, 2, 0)
	require.NoError(t, tr.Check())
	rec := tr.Nodes[tr.Root]
	assert.False(t, rec.Leaf)
	assert.Empty(t, rec.Children)
	assert.True(t, rec.MBB.IsZero())
	assert.Equal(t, 0, tr.LeafCount())
}

func TestInsertBasics(t *testing.T) {
	tr := New(6, 2, 0)
	require.NoError(t, tr.Insert("g", box(4, 5, 6, 7)))
	require.NoError(t, tr.Check())
	assert.Equal(t, box(4, 5, 6, 7), tr.Nodes[tr.Root].MBB)

	err := tr.Insert("g", box(0, 1, 0, 1))
	assert.ErrorIs(t, err, ErrDuplicate)

	err = tr.Insert("bad", box(5, 4, 0, 1))
	assert.ErrorIs(t, err, ErrInvalidBox)

	err = tr.Insert("wrongdim", box(0, 1))
	assert.ErrorIs(t, err, ErrInvalidBox)
}

func TestInsertSplitsKeepInvariants(t *testing.T) {
	tr := New(4, 2, 7)
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		require.NoError(t, tr.Insert(fmt.Sprintf("leaf-%03d", i), randBox(rng)))
		require.NoError(t, tr.Check(), "after insert %d", i)
	}
	assert.Equal(t, 200, tr.LeafCount())
	assert.Greater(t, tr.Height(), 1)
}

func TestTreeShapeIsSeedDeterministic(t *testing.T) {
	build := func() *Tree {
		tr := New(4, 2, 99)
		rng := rand.New(rand.NewSource(5))
		for i := 0; i < 100; i++ {
			_ = tr.Insert(fmt.Sprintf("l%d", i), randBox(rng))
		}
		return tr
	}
	a, b := build(), build()
	assert.True(t, a.Snapshot().Equal(b.Snapshot()))
}

func TestQueryScenario(t *testing.T) {
	tr := New(6, 2, 0)
	require.NoError(t, tr.Insert("g", box(4, 5, 6, 7)))
	require.NoError(t, tr.Insert("p", box(10, 11, 16, 17)))

	got, err := tr.Query(box(0, 7, 4, 8))
	require.NoError(t, err)
	assert.Equal(t, []string{"g"}, got)

	require.NoError(t, tr.Update("g", box(-6, -5, 11, 12)))
	got, err = tr.Query(box(0, 7, 4, 8))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestQueryMatchesBruteForce(t *testing.T) {
	tr := New(5, 2, 3)
	rng := rand.New(rand.NewSource(3))
	boxes := make(map[string]geo.Box)
	for i := 0; i < 150; i++ {
		id := fmt.Sprintf("b%d", i)
		b := randBox(rng)
		boxes[id] = b
		require.NoError(t, tr.Insert(id, b))
	}
	for i := 0; i < 50; i++ {
		probe := randBox(rng)
		var want []string
		for id, b := range boxes {
			if geo.Overlaps(b, probe) {
				want = append(want, id)
			}
		}
		got, err := tr.Query(probe)
		require.NoError(t, err)
		sort.Strings(want)
		sort.Strings(got)
		assert.Equal(t, want, got)
	}
}

func TestQueryDepth(t *testing.T) {
	tr := New(4, 2, 1)
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 60; i++ {
		require.NoError(t, tr.Insert(fmt.Sprintf("l%d", i), randBox(rng)))
	}
	everything := box(-200, 200, -200, 200)

	atRoot, err := tr.QueryDepth(everything, 0)
	require.NoError(t, err)
	assert.Equal(t, []Ident{tr.Root}, atRoot)

	level1, err := tr.QueryDepth(everything, 1)
	require.NoError(t, err)
	assert.ElementsMatch(t, tr.Nodes[tr.Root].Children, level1)

	leaves, err := tr.QueryDepth(everything, tr.Height())
	require.NoError(t, err)
	assert.Len(t, leaves, 60)
}

func TestUpdate(t *testing.T) {
	tr := New(6, 2, 0)
	require.NoError(t, tr.Insert("a", box(0, 1, 0, 1)))
	require.NoError(t, tr.Insert("b", box(10, 11, 10, 11)))

	err := tr.Update("missing", box(0, 1, 0, 1))
	assert.ErrorIs(t, err, ErrUnknownID)

	require.NoError(t, tr.Update("a", box(-5, -4, -5, -4)))
	require.NoError(t, tr.Check())
	assert.Equal(t, box(-5, -4, -5, -4), tr.Nodes[UserID("a")].MBB)

	// Second identical update is a no-op.
	before := tr.Snapshot()
	require.NoError(t, tr.Update("a", box(-5, -4, -5, -4)))
	assert.True(t, before.Equal(tr.Snapshot()))

	// Shrinking the only extreme leaf shrinks ancestors.
	require.NoError(t, tr.Update("b", box(2, 3, 2, 3)))
	require.NoError(t, tr.Check())
}

func TestUpdateUnderChurnKeepsInvariants(t *testing.T) {
	tr := New(4, 2, 11)
	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 80; i++ {
		require.NoError(t, tr.Insert(fmt.Sprintf("u%d", i), randBox(rng)))
	}
	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("u%d", rng.Intn(80))
		require.NoError(t, tr.Update(id, randBox(rng)))
		require.NoError(t, tr.Check(), "after update %d", i)
	}
}

func TestDeleteIdempotentAndRestoresKeySet(t *testing.T) {
	tr := New(4, 2, 2)
	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 40; i++ {
		require.NoError(t, tr.Insert(fmt.Sprintf("d%d", i), randBox(rng)))
	}
	before := leafIDs(tr)

	require.NoError(t, tr.Insert("extra", box(0, 1, 0, 1)))
	require.NoError(t, tr.Delete("extra"))
	require.NoError(t, tr.Check())
	assert.Equal(t, before, leafIDs(tr))

	// Absent deletes succeed.
	require.NoError(t, tr.Delete("extra"))
	require.NoError(t, tr.Delete("never-existed"))
}

func TestDeleteChurnKeepsInvariants(t *testing.T) {
	tr := New(4, 2, 13)
	rng := rand.New(rand.NewSource(13))
	alive := make(map[string]bool)
	for i := 0; i < 120; i++ {
		id := fmt.Sprintf("c%d", i)
		require.NoError(t, tr.Insert(id, randBox(rng)))
		alive[id] = true
	}
	for i := 0; i < 120; i++ {
		id := fmt.Sprintf("c%d", rng.Intn(120))
		require.NoError(t, tr.Delete(id))
		delete(alive, id)
		require.NoError(t, tr.Check(), "after delete %d", i)
	}
	assert.Equal(t, len(alive), tr.LeafCount())
}

func TestBulkDeleteToEmpty(t *testing.T) {
	tr := New(4, 2, 4)
	rng := rand.New(rand.NewSource(4))
	var ids []string
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("e%d", i)
		ids = append(ids, id)
		require.NoError(t, tr.Insert(id, randBox(rng)))
	}
	require.NoError(t, tr.BulkDelete(ids))
	require.NoError(t, tr.Check())
	assert.Equal(t, 0, tr.LeafCount())
	rec := tr.Nodes[tr.Root]
	assert.Empty(t, rec.Children)
	assert.True(t, rec.MBB.IsZero())
}

func TestSnapshotRoundTrip(t *testing.T) {
	tr := New(4, 2, 8)
	rng := rand.New(rand.NewSource(8))
	for i := 0; i < 30; i++ {
		require.NoError(t, tr.Insert(fmt.Sprintf("s%d", i), randBox(rng)))
	}
	snap := tr.Snapshot()

	flat, err := snap.Flatten()
	require.NoError(t, err)
	back, err := Unflatten(flat)
	require.NoError(t, err)
	assert.True(t, snap.Equal(back))

	rebuilt := FromSnapshot(back, tr.Width, tr.Dim)
	require.NoError(t, rebuilt.Check())
	got, err := rebuilt.Query(box(-200, 200, -200, 200))
	require.NoError(t, err)
	assert.Len(t, got, 30)
}

func TestUnflattenWithoutRoot(t *testing.T) {
	_, err := Unflatten(map[string][]byte{})
	assert.ErrorIs(t, err, ErrBadTree)
}

func TestTouchedTracksMutations(t *testing.T) {
	tr := New(6, 2, 0)
	tr.Touched() // drain construction writes
	require.NoError(t, tr.Insert("a", box(0, 1, 0, 1)))
	touched := tr.Touched()
	assert.Contains(t, touched, UserID("a").Key())
	assert.Contains(t, touched, tr.Root.Key())
	assert.Empty(t, tr.Touched(), "drained")
}

func TestDump(t *testing.T) {
	tr := New(4, 2, 6)
	rng := rand.New(rand.NewSource(6))
	for i := 0; i < 20; i++ {
		require.NoError(t, tr.Insert(fmt.Sprintf("p%d", i), randBox(rng)))
	}
	out := tr.Dump()
	assert.Contains(t, out, "u:p0")
}
