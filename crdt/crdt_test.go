package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pair builds two replicas on a synchronous mesh with immediate flush,
// not yet neighboured.
func pair(t *testing.T) (*AWORMap, *AWORMap, *Mesh) {
	t.Helper()
	mesh := NewSyncMesh()
	a := NewAWORMap("a", mesh, WithSyncInterval(0))
	b := NewAWORMap("b", mesh, WithSyncInterval(0))
	mesh.Register(a)
	mesh.Register(b)
	t.Cleanup(func() { a.Close(); b.Close() })
	return a, b, mesh
}

func connect(a, b *AWORMap) {
	a.SetNeighbours([]string{"b"})
	b.SetNeighbours([]string{"a"})
}

func drainDiffs(m *AWORMap) [][]Op {
	var out [][]Op
	for {
		select {
		case d := <-m.Diffs():
			out = append(out, d)
		default:
			return out
		}
	}
}

func TestAddPropagates(t *testing.T) {
	a, b, _ := pair(t)
	connect(a, b)

	a.Mutate(Add("k", []byte("v")))
	assert.Equal(t, map[string][]byte{"k": []byte("v")}, a.Read())
	assert.Equal(t, a.Read(), b.Read())

	diffs := drainDiffs(b)
	require.Len(t, diffs, 1)
	assert.Equal(t, []Op{Add("k", []byte("v"))}, diffs[0])
}

func TestRemovePropagates(t *testing.T) {
	a, b, _ := pair(t)
	connect(a, b)

	a.Mutate(Add("k", []byte("v")))
	b.Mutate(Remove("k"))
	assert.Empty(t, a.Read())
	assert.Empty(t, b.Read())

	drainDiffs(a)
	drainDiffs(b)
}

func TestAddWinsOverConcurrentRemove(t *testing.T) {
	mesh := NewSyncMesh()
	a := NewAWORMap("a", mesh, WithSyncInterval(0))
	b := NewAWORMap("b", mesh, WithSyncInterval(0))
	mesh.Register(a)
	mesh.Register(b)
	defer a.Close()
	defer b.Close()
	connect(a, b)

	a.Mutate(Add("k", []byte("v1")))
	require.Equal(t, a.Read(), b.Read())

	// Concurrent: disconnect, remove on a while b re-adds.
	a.SetNeighbours(nil)
	b.SetNeighbours(nil)
	a.Mutate(Remove("k"))
	b.Mutate(Add("k", []byte("v2")))
	connect(a, b)
	a.Flush()
	b.Flush()

	assert.Equal(t, map[string][]byte{"k": []byte("v2")}, a.Read())
	assert.Equal(t, a.Read(), b.Read())
}

func TestConcurrentAddsConverge(t *testing.T) {
	mesh := NewSyncMesh()
	a := NewAWORMap("a", mesh, WithSyncInterval(0))
	b := NewAWORMap("b", mesh, WithSyncInterval(0))
	mesh.Register(a)
	mesh.Register(b)
	defer a.Close()
	defer b.Close()

	// Both write before ever hearing from each other.
	a.Mutate(Add("k", []byte("from-a")))
	b.Mutate(Add("k", []byte("from-b")))
	connect(a, b)
	a.Flush()
	b.Flush()

	assert.Equal(t, a.Read(), b.Read())
	assert.Len(t, a.Read(), 1)
}

func TestJoinerGetsFullState(t *testing.T) {
	mesh := NewSyncMesh()
	a := NewAWORMap("a", mesh, WithSyncInterval(0))
	mesh.Register(a)
	defer a.Close()
	a.Mutate(Add("x", []byte("1")), Add("y", []byte("2")))

	late := NewAWORMap("late", mesh, WithSyncInterval(0))
	mesh.Register(late)
	defer late.Close()
	// The existing peer learns about the joiner and pushes its state.
	a.SetNeighbours([]string{"late"})
	late.SetNeighbours([]string{"a"})

	assert.Equal(t, a.Read(), late.Read())
	assert.Len(t, late.Read(), 2)
}

func TestRedeliveryIsIdempotent(t *testing.T) {
	a, b, _ := pair(t)

	a.Mutate(Add("k", []byte("v")))
	full := a.fullStateLocked()
	b.Receive(full)
	require.Len(t, drainDiffs(b), 1)
	b.Receive(full)
	assert.Empty(t, drainDiffs(b), "second delivery changes nothing")
	assert.Equal(t, a.Read(), b.Read())
}

func TestSetNeighboursEmptyAndIdempotent(t *testing.T) {
	a, b, _ := pair(t)
	a.SetNeighbours(nil)
	a.SetNeighbours([]string{"b"})
	a.SetNeighbours([]string{"b"})
	a.Mutate(Add("k", []byte("v")))
	assert.Equal(t, a.Read(), b.Read())
}

func TestDotContext(t *testing.T) {
	c := NewDotContext()
	d1 := c.Next("r")
	assert.Equal(t, Dot{Replica: "r", Counter: 1}, d1)
	assert.True(t, c.Contains(d1))

	// Out-of-order arrival sits in the cloud until contiguous.
	c.Add(Dot{Replica: "s", Counter: 3})
	assert.True(t, c.Contains(Dot{Replica: "s", Counter: 3}))
	assert.False(t, c.Contains(Dot{Replica: "s", Counter: 2}))
	c.Add(Dot{Replica: "s", Counter: 1})
	c.Add(Dot{Replica: "s", Counter: 2})
	assert.True(t, c.Contains(Dot{Replica: "s", Counter: 2}))
	assert.Equal(t, uint64(3), c.Clock["s"])
	assert.Empty(t, c.Cloud)
}
