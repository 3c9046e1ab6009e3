// Package types holds small value types shared by the mesh operators.
package types

import (
	"fmt"
	"math"
)

/*
EdgeKey stores the global node numbers of an edge's vertices packed in one
word, lower number in the low 32 bits, so that an edge seen from either end
gives the same key on every rank.
*/
type EdgeKey uint64

func NewEdgeKey(verts [2]int) (packed EdgeKey) {
	var (
		limit = math.MaxUint32
	)
	for _, vert := range verts {
		if vert < 0 || vert > limit {
			panic(fmt.Errorf("unable to pack two ints into a uint64, have %d and %d as inputs",
				verts[0], verts[1]))
		}
	}
	i1, i2 := verts[0], verts[1]
	if i1 > i2 {
		i1, i2 = i2, i1
	}
	packed = EdgeKey(i1 + i2<<32)
	return
}

// GetVertices unpacks the vertices, lower first unless rev.
func (ek EdgeKey) GetVertices(rev bool) (verts [2]int) {
	hi := ek >> 32
	verts[1] = int(hi)
	verts[0] = int(ek - hi<<32)
	if rev {
		verts[0], verts[1] = verts[1], verts[0]
	}
	return
}

func (ek EdgeKey) String() string {
	v := ek.GetVertices(false)
	return fmt.Sprintf("%d-%d", v[0], v[1])
}
