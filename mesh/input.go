package mesh

import (
	"fmt"
	"math"
	"sort"

	"github.com/notargets/goadapt/geometry"
)

const (
	// InterfaceTagBase offsets the facet tags generated for region interfaces
	// so they never collide with exterior boundary tags.
	InterfaceTagBase = 1000000
)

// InterfaceTag is the tag given to facets between regions lo and hi.
func InterfaceTag(lo, hi int) int {
	if lo > hi {
		lo, hi = hi, lo
	}
	return InterfaceTagBase + 1000*lo + hi
}

// Input is the global, undistributed description of a mesh as read from a
// file or built as a fixture.
type Input struct {
	Dim      int
	Coords   [][]float64
	Elements [][]int
	Regions  []int   // Per element, nil means all 0
	Boundary [][]int // Per element, tag of the facet opposite each vertex
}

type facetKey [3]int

func makeFacetKey(verts []int) (key facetKey) {
	key = facetKey{-1, -1, -1}
	copy(key[:], verts)
	sort.Ints(key[:len(verts)])
	return
}

// facetOf returns the vertices of the facet opposite local vertex i.
func facetOf(verts []int, i int) (f []int) {
	f = make([]int, 0, len(verts)-1)
	for j, v := range verts {
		if j != i {
			f = append(f, v)
		}
	}
	return
}

type facetUse struct {
	elem, slot int
}

// facets maps every facet to the element slots that use it.
func (in *Input) facets() (fm map[facetKey][]facetUse) {
	fm = make(map[facetKey][]facetUse)
	for k, verts := range in.Elements {
		for i := range verts {
			key := makeFacetKey(facetOf(verts, i))
			fm[key] = append(fm[key], facetUse{k, i})
		}
	}
	return
}

// Validate checks the input against the preconditions of adaptation.
func (in *Input) Validate() (err error) {
	if in.Dim != 2 && in.Dim != 3 {
		return fmt.Errorf("%w: dimension %d", ErrMalformedMesh, in.Dim)
	}
	var (
		nloc = in.Dim + 1
		nn   = len(in.Coords)
	)
	if len(in.Elements) == 0 {
		return fmt.Errorf("%w: no elements", ErrMalformedMesh)
	}
	if in.Regions != nil && len(in.Regions) != len(in.Elements) {
		return fmt.Errorf("%w: %d regions for %d elements", ErrMalformedMesh, len(in.Regions), len(in.Elements))
	}
	if in.Boundary != nil && len(in.Boundary) != len(in.Elements) {
		return fmt.Errorf("%w: %d boundary rows for %d elements", ErrMalformedMesh, len(in.Boundary), len(in.Elements))
	}
	for i, x := range in.Coords {
		if len(x) != in.Dim {
			return fmt.Errorf("%w: node %d has %d coordinates", ErrMalformedMesh, i, len(x))
		}
	}
	seen := make(map[ElementKey]int, len(in.Elements))
	for k, verts := range in.Elements {
		if len(verts) != nloc {
			return fmt.Errorf("%w: element %d has %d vertices", ErrMalformedMesh, k, len(verts))
		}
		if in.Boundary != nil && len(in.Boundary[k]) != nloc {
			return fmt.Errorf("%w: element %d has %d facet tags", ErrMalformedMesh, k, len(in.Boundary[k]))
		}
		pts := make([][]float64, nloc)
		for i, v := range verts {
			if v < 0 || v >= nn {
				return fmt.Errorf("%w: element %d references node %d of %d", ErrMalformedMesh, k, v, nn)
			}
			pts[i] = in.Coords[v]
		}
		key := KeyFromGNN(verts)
		for i := 1; i < nloc; i++ {
			if key[i] == key[i-1] {
				return fmt.Errorf("%w: element %d repeats node %d", ErrMalformedMesh, k, key[i])
			}
		}
		if other, dup := seen[key]; dup {
			return fmt.Errorf("%w: elements %d and %d share all nodes", ErrMalformedMesh, other, k)
		}
		seen[key] = k
		var hmax float64
		for i := 0; i < nloc; i++ {
			for j := i + 1; j < nloc; j++ {
				hmax = math.Max(hmax, geometry.FacetMeasure(pts[i], pts[j]))
			}
		}
		if math.Abs(geometry.SignedMeasure(pts...)) <= 1.e-12*math.Pow(hmax, float64(in.Dim)) {
			return fmt.Errorf("%w: element %d has zero measure", ErrMalformedMesh, k)
		}
	}
	for key, uses := range in.facets() {
		if len(uses) > 2 {
			return fmt.Errorf("%w: facet %v shared by %d elements", ErrMalformedMesh, key[:in.Dim], len(uses))
		}
		if len(uses) == 1 && (in.Boundary == nil || in.Boundary[uses[0].elem][uses[0].slot] == 0) {
			return fmt.Errorf("%w: exterior facet %v has no tag", ErrMalformedMesh, key[:in.Dim])
		}
	}
	return
}

func (in *Input) ensureBoundary() {
	if in.Boundary == nil {
		in.Boundary = make([][]int, len(in.Elements))
		for k := range in.Boundary {
			in.Boundary[k] = make([]int, in.Dim+1)
		}
	}
}

// CreateBoundary tags every untagged exterior facet by the plane it lies in,
// so that each flat face of the domain gets its own tag. Tags are numbered
// from one past the largest existing tag in order of first appearance.
func (in *Input) CreateBoundary() {
	in.ensureBoundary()
	var (
		next  = 1
		plane = make(map[string]int)
	)
	for _, row := range in.Boundary {
		for _, t := range row {
			if t < InterfaceTagBase {
				next = max(next, t+1)
			}
		}
	}
	fm := in.facets()
	for k, verts := range in.Elements {
		for i := range verts {
			if in.Boundary[k][i] != 0 {
				continue
			}
			f := facetOf(verts, i)
			if len(fm[makeFacetKey(f)]) != 1 {
				continue
			}
			key := in.planeKey(f)
			tag, ok := plane[key]
			if !ok {
				tag = next
				next++
				plane[key] = tag
			}
			in.Boundary[k][i] = tag
		}
	}
}

func (in *Input) planeKey(f []int) string {
	var (
		a = in.Coords[f[0]]
		b = in.Coords[f[1]]
		n []float64
	)
	if in.Dim == 2 {
		n = []float64{-(b[1] - a[1]), b[0] - a[0]}
	} else {
		c := in.Coords[f[2]]
		n = geometry.Cross(
			[]float64{b[0] - a[0], b[1] - a[1], b[2] - a[2]},
			[]float64{c[0] - a[0], c[1] - a[1], c[2] - a[2]})
	}
	norm := math.Sqrt(geometry.Dot(n, n))
	sign := 1.
	for _, v := range n {
		if math.Abs(v) > 1.e-12*norm {
			if v < 0 {
				sign = -1
			}
			break
		}
	}
	for i := range n {
		n[i] *= sign / norm
	}
	var (
		d   = geometry.Dot(n, a)
		key = make([]float64, 0, len(n)+1)
	)
	for _, v := range append(n, d) {
		v = math.Round(v*1.e8) / 1.e8
		if v == 0 {
			v = 0 // Fold -0
		}
		key = append(key, v)
	}
	return fmt.Sprintf("%v", key)
}

// SetInternalBoundaries tags both sides of every facet between elements of
// different regions with InterfaceTag.
func (in *Input) SetInternalBoundaries() {
	if in.Regions == nil {
		return
	}
	in.ensureBoundary()
	for _, uses := range in.facets() {
		if len(uses) != 2 {
			continue
		}
		var (
			u0, u1 = uses[0], uses[1]
			r0, r1 = in.Regions[u0.elem], in.Regions[u1.elem]
		)
		if r0 == r1 {
			continue
		}
		tag := InterfaceTag(r0, r1)
		if in.Boundary[u0.elem][u0.slot] == 0 {
			in.Boundary[u0.elem][u0.slot] = tag
		}
		if in.Boundary[u1.elem][u1.slot] == 0 {
			in.Boundary[u1.elem][u1.slot] = tag
		}
	}
}
