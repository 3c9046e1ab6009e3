// Package meshio converts between mesh files and mesh.Input.
package meshio

import (
	"fmt"
	"os"
	"sort"

	"github.com/notargets/goadapt/geometry"
	"github.com/notargets/goadapt/mesh"
)

// ReadFile reads a mesh, choosing the reader by file extension.
func ReadFile(filename string) (in *mesh.Input, names map[int]string, err error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, nil, err
	}
	defer file.Close()
	switch ext := extension(filename); ext {
	case ".msh":
		return ReadGmsh22(file)
	case ".neu":
		return ReadGambit(file)
	default:
		return nil, nil, fmt.Errorf("unsupported mesh file extension %q", ext)
	}
}

// WriteFile writes in as a Gmsh 2.2 file.
func WriteFile(filename string, in *mesh.Input, names map[int]string) (err error) {
	file, err := os.Create(filename)
	if err != nil {
		return
	}
	defer func() {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return WriteGmsh22(file, in, names)
}

func extension(filename string) string {
	for i := len(filename) - 1; i >= 0 && filename[i] != '/'; i-- {
		if filename[i] == '.' {
			return filename[i:]
		}
	}
	return ""
}

type facetKey [3]int

func keyOf(verts []int) (key facetKey) {
	key = facetKey{-1, -1, -1}
	copy(key[:], verts)
	sort.Ints(key[:len(verts)])
	return
}

func facetOf(verts []int, i int) (f []int) {
	for j, v := range verts {
		if j != i {
			f = append(f, v)
		}
	}
	return
}

// finish orients the elements positively, attaches the facet tags read from
// the file and tags what is left of the exterior and the region interfaces.
func finish(in *mesh.Input, facetTags map[facetKey]int) {
	in.Boundary = make([][]int, len(in.Elements))
	for k, el := range in.Elements {
		x := make([][]float64, len(el))
		for i, v := range el {
			x[i] = in.Coords[v]
		}
		if geometry.SignedMeasure(x...) < 0 {
			el[0], el[1] = el[1], el[0]
		}
		in.Boundary[k] = make([]int, len(el))
		for i := range el {
			in.Boundary[k][i] = facetTags[keyOf(facetOf(el, i))]
		}
	}
	in.CreateBoundary()
	in.SetInternalBoundaries()
}
