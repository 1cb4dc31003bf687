package crdt

import (
	"log/slog"
	"sync"
	"time"
)

// TaggedValue is one dotted version of a key's value.
type TaggedValue struct {
	Value []byte `json:"value"`
	Stamp uint64 `json:"stamp"`
}

// Delta is the unit shipped between replicas: fresh dotted entries plus
// the causal context that makes removals observable.
type Delta struct {
	From    string                         `json:"from"`
	Entries map[string]map[Dot]TaggedValue `json:"entries,omitempty"`
	Context DotContext                     `json:"context"`
}

// Transport delivers deltas to peers by name.
type Transport interface {
	Send(to string, d Delta) error
}

// AWORMap is a delta-state add-wins observed-remove map replica.
type AWORMap struct {
	name      string
	transport Transport
	log       *slog.Logger

	mu         sync.Mutex
	entries    map[string]map[Dot]TaggedValue
	ctx        DotContext
	stamp      uint64
	buffered   *Delta
	neighbours []string

	diffs  chan []Op
	ticker *time.Ticker
	done   chan struct{}
	closed sync.Once
}

// AWORMapOption configures an AWORMap.
type AWORMapOption func(*AWORMap)

// WithSyncInterval sets how often buffered deltas are shipped. A zero
// interval ships on every mutation.
func WithSyncInterval(d time.Duration) AWORMapOption {
	return func(m *AWORMap) {
		if m.ticker != nil {
			m.ticker.Stop()
			m.ticker = nil
		}
		if d > 0 {
			m.ticker = time.NewTicker(d)
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) AWORMapOption {
	return func(m *AWORMap) { m.log = log }
}

// NewAWORMap creates a replica named name, shipping deltas over the
// given transport. The default sync interval is 50ms.
func NewAWORMap(name string, transport Transport, opts ...AWORMapOption) *AWORMap {
	m := &AWORMap{
		name:      name,
		transport: transport,
		log:       slog.Default().With("system", "crdt", "replica", name),
		entries:   make(map[string]map[Dot]TaggedValue),
		ctx:       NewDotContext(),
		diffs:     make(chan []Op, 256),
		ticker:    time.NewTicker(50 * time.Millisecond),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.ticker != nil {
		go m.syncLoop()
	}
	return m
}

func (m *AWORMap) Name() string { return m.name }

func (m *AWORMap) syncLoop() {
	for {
		select {
		case <-m.done:
			return
		case <-m.ticker.C:
			m.Flush()
		}
	}
}

// Mutate applies local add/remove operations and buffers the resulting
// delta for the neighbours.
func (m *AWORMap) Mutate(ops ...Op) {
	m.mu.Lock()
	delta := m.emptyDelta()
	for _, op := range ops {
		switch op.Kind {
		case OpAdd:
			m.applyAdd(op.Key, op.Value, delta)
		case OpRemove:
			m.applyRemove(op.Key, delta)
		}
	}
	m.bufferLocked(delta)
	immediate := m.ticker == nil
	m.mu.Unlock()
	if immediate {
		m.Flush()
	}
}

func (m *AWORMap) applyAdd(key string, value []byte, delta *Delta) {
	m.stamp++
	dot := m.ctx.Next(m.name)
	tv := TaggedValue{Value: value, Stamp: m.stamp}

	// Adding supersedes every version of the key this replica has
	// observed; shipping their dots in the context (without carrying
	// the versions) tells the neighbours to drop them.
	for old := range m.entries[key] {
		delta.Context.Add(old)
	}
	m.entries[key] = map[Dot]TaggedValue{dot: tv}

	delta.Entries[key] = map[Dot]TaggedValue{dot: tv}
	delta.Context.Add(dot)
}

func (m *AWORMap) applyRemove(key string, delta *Delta) {
	for dot := range m.entries[key] {
		delta.Context.Add(dot)
	}
	delete(m.entries, key)
	if _, ok := delta.Entries[key]; ok {
		delete(delta.Entries, key)
	}
}

func (m *AWORMap) emptyDelta() *Delta {
	return &Delta{
		From:    m.name,
		Entries: make(map[string]map[Dot]TaggedValue),
		Context: NewDotContext(),
	}
}

func (m *AWORMap) bufferLocked(delta *Delta) {
	if len(delta.Entries) == 0 && len(delta.Context.Clock) == 0 && len(delta.Context.Cloud) == 0 {
		return
	}
	if m.buffered == nil {
		m.buffered = delta
		return
	}
	for key, versions := range delta.Entries {
		if m.buffered.Entries[key] == nil {
			m.buffered.Entries[key] = make(map[Dot]TaggedValue)
		}
		for d, tv := range versions {
			m.buffered.Entries[key][d] = tv
		}
	}
	// A dot the new delta's context covers without carrying is dead;
	// drop it from the buffer so the combined delta removes it too.
	for key, versions := range m.buffered.Entries {
		for d := range versions {
			if delta.Context.Contains(d) {
				if _, carried := delta.Entries[key][d]; !carried {
					delete(versions, d)
				}
			}
		}
		if len(versions) == 0 {
			delete(m.buffered.Entries, key)
		}
	}
	m.buffered.Context.Merge(delta.Context)
}

// Flush ships the buffered delta to every neighbour. With no
// neighbours configured the buffer is retained; the full-state push on
// SetNeighbours covers peers that show up later.
func (m *AWORMap) Flush() {
	m.mu.Lock()
	peers := append([]string(nil), m.neighbours...)
	if len(peers) == 0 {
		m.mu.Unlock()
		return
	}
	delta := m.buffered
	m.buffered = nil
	m.mu.Unlock()
	if delta == nil || m.transport == nil {
		return
	}
	for _, peer := range peers {
		if peer == m.name {
			continue
		}
		if err := m.transport.Send(peer, *delta); err != nil {
			m.log.Debug("delta send failed", "to", peer, "err", err)
		}
	}
}

// SetNeighbours replaces the neighbour set. Newly seen neighbours get a
// full-state delta so a joining peer converges without waiting for
// fresh mutations.
func (m *AWORMap) SetNeighbours(names []string) {
	m.mu.Lock()
	known := make(map[string]bool, len(m.neighbours))
	for _, n := range m.neighbours {
		known[n] = true
	}
	m.neighbours = append([]string(nil), names...)
	full := m.fullStateLocked()
	m.mu.Unlock()

	for _, n := range names {
		if n == m.name || known[n] {
			continue
		}
		if m.transport == nil {
			continue
		}
		if err := m.transport.Send(n, full); err != nil {
			m.log.Debug("full state send failed", "to", n, "err", err)
		}
	}
}

func (m *AWORMap) fullStateLocked() Delta {
	d := Delta{From: m.name, Entries: make(map[string]map[Dot]TaggedValue, len(m.entries)), Context: m.ctx.Clone()}
	for key, versions := range m.entries {
		vs := make(map[Dot]TaggedValue, len(versions))
		for dot, tv := range versions {
			vs[dot] = tv
		}
		d.Entries[key] = vs
	}
	return d
}

// Receive joins a remote delta into the local state and surfaces the
// net key changes to the owner.
func (m *AWORMap) Receive(d Delta) {
	m.mu.Lock()

	affected := make(map[string]struct{}, len(d.Entries))
	for key := range d.Entries {
		affected[key] = struct{}{}
	}
	for key, versions := range m.entries {
		for dot := range versions {
			if d.Context.Contains(dot) {
				affected[key] = struct{}{}
				break
			}
		}
	}

	before := make(map[string]*TaggedValue, len(affected))
	for key := range affected {
		before[key] = m.resolveLocked(key)
	}

	// Join: keep a remote dotted version unless already seen; drop a
	// local version whose dot the remote context has seen but no longer
	// carries (it was removed there).
	for key, versions := range d.Entries {
		for dot, tv := range versions {
			if m.ctx.Contains(dot) {
				continue
			}
			if m.entries[key] == nil {
				m.entries[key] = make(map[Dot]TaggedValue)
			}
			m.entries[key][dot] = tv
			if tv.Stamp > m.stamp {
				m.stamp = tv.Stamp
			}
		}
	}
	for key, versions := range m.entries {
		for dot := range versions {
			if !d.Context.Contains(dot) {
				continue
			}
			if _, carried := d.Entries[key][dot]; !carried {
				delete(versions, dot)
			}
		}
		if len(versions) == 0 {
			delete(m.entries, key)
		}
	}
	m.ctx.Merge(d.Context)

	var diff []Op
	for key := range affected {
		after := m.resolveLocked(key)
		switch {
		case after == nil && before[key] == nil:
		case after == nil:
			diff = append(diff, Remove(key))
		case before[key] == nil || string(before[key].Value) != string(after.Value):
			diff = append(diff, Add(key, after.Value))
		}
	}
	m.mu.Unlock()

	if len(diff) > 0 {
		m.diffs <- diff
	}
}

// resolveLocked picks the surviving value for a key: highest stamp,
// ties broken by replica id then counter.
func (m *AWORMap) resolveLocked(key string) *TaggedValue {
	versions := m.entries[key]
	if len(versions) == 0 {
		return nil
	}
	var bestDot Dot
	var best *TaggedValue
	for dot, tv := range versions {
		tv := tv
		if best == nil || tv.Stamp > best.Stamp ||
			(tv.Stamp == best.Stamp && (dot.Replica > bestDot.Replica ||
				(dot.Replica == bestDot.Replica && dot.Counter > bestDot.Counter))) {
			best, bestDot = &tv, dot
		}
	}
	return best
}

// Read resolves the full map contents.
func (m *AWORMap) Read() map[string][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte, len(m.entries))
	for key := range m.entries {
		if tv := m.resolveLocked(key); tv != nil {
			out[key] = tv.Value
		}
	}
	return out
}

// Diffs delivers merged remote changes to the owner.
func (m *AWORMap) Diffs() <-chan []Op { return m.diffs }

// Close stops background synchronization. Buffered deltas are flushed
// one last time.
func (m *AWORMap) Close() {
	m.closed.Do(func() {
		if m.ticker != nil {
			m.ticker.Stop()
		}
		close(m.done)
		m.Flush()
	})
}
