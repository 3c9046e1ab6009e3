package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEdgeKey(t *testing.T) {
	en := NewEdgeKey([2]int{1, 0})
	assert.Equal(t, EdgeKey(1<<32), en)
	assert.Equal(t, [2]int{0, 1}, en.GetVertices(false))
	assert.Equal(t, [2]int{1, 0}, en.GetVertices(true))
	assert.Equal(t, en, NewEdgeKey([2]int{0, 1}))

	en = NewEdgeKey([2]int{100, 100001})
	assert.Equal(t, EdgeKey(100001*(1<<32)+100), en)
	assert.Equal(t, [2]int{100, 100001}, en.GetVertices(false))
	assert.Equal(t, "100-100001", en.String())

	// Test maximum/minimum indices
	en = NewEdgeKey([2]int{1<<32 - 1, 1<<32 - 1})
	assert.Equal(t, EdgeKey(1<<64-1), en)
	assert.Equal(t, [2]int{1<<32 - 1, 1<<32 - 1}, en.GetVertices(false))

	en = NewEdgeKey([2]int{1<<32 - 1, 1})
	assert.Equal(t, EdgeKey((1<<32-1)<<32+1), en)
	assert.Equal(t, [2]int{1, 1<<32 - 1}, en.GetVertices(false))

	assert.Panics(t, func() { NewEdgeKey([2]int{-1, 3}) })
}
