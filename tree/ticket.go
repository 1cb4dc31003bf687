package tree

import "math/bits"

// Ticket is the xoroshiro128** generator state used for internal node
// ids. It lives in the tree snapshot so that replicas reconstructing a
// tree resume the same id stream, and so tests can fix a seed and get a
// reproducible shape.
type Ticket struct {
	A uint64 `json:"a"`
	B uint64 `json:"b"`
}

// NewTicket seeds a ticket via splitmix64, the recommended way to fill
// xoroshiro state from a small seed.
func NewTicket(seed int64) Ticket {
	s := uint64(seed)
	a := splitmix64(&s)
	b := splitmix64(&s)
	if a == 0 && b == 0 {
		b = 1
	}
	return Ticket{A: a, B: b}
}

// Fresh draws the next node id and returns the advanced state. The top
// bit is forced so generated ids are visibly distinct in dumps.
func (t Ticket) Fresh() (uint64, Ticket) {
	s0, s1 := t.A, t.B
	out := bits.RotateLeft64(s0*5, 7) * 9
	s1 ^= s0
	next := Ticket{
		A: bits.RotateLeft64(s0, 24) ^ s1 ^ (s1 << 16),
		B: bits.RotateLeft64(s1, 37),
	}
	return out | 1<<63, next
}

func splitmix64(s *uint64) uint64 {
	*s += 0x9e3779b97f4a7c15
	z := *s
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}
