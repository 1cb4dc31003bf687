package crdt

import (
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"
)

// Mesh is an in-process transport: replicas register under their name
// and deltas are handed straight to the target replica. It backs
// standalone multi-peer processes and the test suite.
type Mesh struct {
	peers *xsync.MapOf[string, *AWORMap]
	// sync delivers on the caller's goroutine, which makes convergence
	// deterministic in tests.
	sync bool
}

// NewMesh creates a mesh delivering deltas asynchronously.
func NewMesh() *Mesh {
	return &Mesh{peers: xsync.NewMapOf[string, *AWORMap]()}
}

// NewSyncMesh creates a mesh delivering deltas on the sender's
// goroutine.
func NewSyncMesh() *Mesh {
	return &Mesh{peers: xsync.NewMapOf[string, *AWORMap](), sync: true}
}

// Register adds a replica to the mesh.
func (m *Mesh) Register(p *AWORMap) {
	m.peers.Store(p.Name(), p)
}

// Unregister removes a replica; pending sends to it start failing.
func (m *Mesh) Unregister(name string) {
	m.peers.Delete(name)
}

// Send implements Transport.
func (m *Mesh) Send(to string, d Delta) error {
	peer, ok := m.peers.Load(to)
	if !ok {
		return fmt.Errorf("mesh: no peer %q", to)
	}
	if m.sync {
		peer.Receive(d)
		return nil
	}
	go peer.Receive(d)
	return nil
}
