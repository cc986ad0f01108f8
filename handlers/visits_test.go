package handlers

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestVisitSetRemembers(t *testing.T) {
	s := newVisitSet(4)
	assert.False(t, s.visit("10.0.0.1"))
	assert.True(t, s.visit("10.0.0.1"))
	assert.True(t, s.contains("10.0.0.1"))
	assert.False(t, s.contains("10.0.0.2"))
	assert.Equal(t, 1, s.len())
}

func TestVisitSetEvictsLeastRecent(t *testing.T) {
	s := newVisitSet(2)
	s.visit("a")
	s.visit("b")
	// refresh a, so b is the oldest
	s.visit("a")
	s.visit("c")

	assert.True(t, s.contains("a"))
	assert.False(t, s.contains("b"))
	assert.True(t, s.contains("c"))
	assert.Equal(t, 2, s.len())
}

func TestVisitSetDefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultVisitCapacity, newVisitSet(0).capacity)
}

func TestVisitSetBounded(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 8).Draw(t, "capacity")
		ips := rapid.SliceOf(rapid.IntRange(0, 16)).Draw(t, "ips")

		s := newVisitSet(capacity)
		for _, ip := range ips {
			s.visit(fmt.Sprintf("10.0.0.%d", ip))
			if s.len() > capacity {
				t.Fatalf("size %d exceeds capacity %d", s.len(), capacity)
			}
		}
		if len(ips) > 0 {
			last := fmt.Sprintf("10.0.0.%d", ips[len(ips)-1])
			if !s.contains(last) {
				t.Fatalf("most recent ip %s forgotten", last)
			}
		}
	})
}
