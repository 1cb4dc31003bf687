package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func box(ranges ...float64) Box {
	b := make(Box, 0, len(ranges)/2)
	for i := 0; i < len(ranges); i += 2 {
		b = append(b, Range{Min: ranges[i], Max: ranges[i+1]})
	}
	return b
}

func TestArea(t *testing.T) {
	assert.Equal(t, 1.0, box(4, 5, 6, 7).Area())
	assert.Equal(t, 6.0, box(0, 2, 0, 3).Area())
	assert.Equal(t, 0.0, box(1, 1, 0, 5).Area())
	assert.Equal(t, 0.0, Box{}.Area())
	assert.Equal(t, 0.0, Zero(2).Area())
}

func TestUnion(t *testing.T) {
	a := box(0, 2, 0, 2)
	b := box(1, 3, -1, 1)
	assert.Equal(t, box(0, 3, -1, 2), Union(a, b))
	assert.Equal(t, a, Union(a, a))
}

func TestEnlargement(t *testing.T) {
	a := box(0, 2, 0, 2)
	assert.Equal(t, 0.0, Enlargement(a, box(0, 1, 0, 1)))
	assert.Equal(t, 12.0, Enlargement(a, box(0, 4, 0, 4)))
}

func TestOverlaps(t *testing.T) {
	cases := []struct {
		name string
		a, b Box
		want bool
	}{
		{"disjoint", box(0, 1, 0, 1), box(2, 3, 2, 3), false},
		{"touching edge", box(0, 1, 0, 1), box(1, 2, 0, 1), true},
		{"contained", box(0, 4, 0, 4), box(1, 2, 1, 2), true},
		{"one axis only", box(0, 4, 0, 1), box(1, 2, 2, 3), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Overlaps(tc.a, tc.b))
			assert.Equal(t, tc.want, Overlaps(tc.b, tc.a))
		})
	}
}

func TestContains(t *testing.T) {
	assert.True(t, Contains(box(0, 4, 0, 4), box(1, 2, 1, 2)))
	assert.True(t, Contains(box(0, 4, 0, 4), box(0, 4, 0, 4)))
	assert.False(t, Contains(box(1, 2, 1, 2), box(0, 4, 0, 4)))
	assert.False(t, Contains(box(0, 4, 0, 4), box(1, 5, 1, 2)))
}

func TestValid(t *testing.T) {
	assert.True(t, box(0, 0, 0, 0).Valid())
	assert.False(t, box(1, 0, 0, 2).Valid())
	assert.True(t, Zero(3).Valid())
	assert.True(t, Zero(3).IsZero())
	assert.False(t, box(0, 1, 0, 0).IsZero())
}
