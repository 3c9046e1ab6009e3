package meshio

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/notargets/goadapt/mesh"
)

// Gambit element types
const (
	gambitTriangle = 3
	gambitTet      = 6
)

// Vertices of each Gambit face, numbered from 1 in the file
var gambitFaces = map[int][][]int{
	gambitTriangle: {{0, 1}, {1, 2}, {2, 0}},
	gambitTet:      {{0, 1, 2}, {0, 1, 3}, {1, 2, 3}, {0, 2, 3}},
}

type gambitHeader struct {
	numNodes, numElements, numGroups, numBCs, dim int
}

// ReadGambit reads a Gambit neutral file of triangles or tetrahedra. Element
// groups become regions numbered from 1 and boundary condition sets become
// facet tags in order of appearance, named after the set.
func ReadGambit(r io.Reader) (in *mesh.Input, names map[int]string, err error) {
	var (
		scanner   = bufio.NewScanner(r)
		hdr       gambitHeader
		facetTags = make(map[facetKey]int)
		bcSets    int
	)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	names = make(map[int]string)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "NUMNP"):
			if hdr, err = readGambitHeader(scanner); err != nil {
				return
			}
			in = &mesh.Input{Dim: hdr.dim}
		case strings.HasPrefix(line, "NODAL COORDINATES"):
			if in == nil {
				return nil, nil, fmt.Errorf("nodal coordinates before header")
			}
			if in.Coords, err = readGambitNodes(scanner, hdr); err != nil {
				return
			}
		case strings.HasPrefix(line, "ELEMENTS/CELLS"):
			if in == nil {
				return nil, nil, fmt.Errorf("elements before header")
			}
			if in.Elements, err = readGambitElements(scanner, hdr); err != nil {
				return
			}
			in.Regions = make([]int, len(in.Elements))
		case strings.HasPrefix(line, "ELEMENT GROUP"):
			if in == nil || in.Elements == nil {
				return nil, nil, fmt.Errorf("element group before elements")
			}
			if err = readGambitGroup(scanner, in.Regions); err != nil {
				return
			}
		case strings.HasPrefix(line, "BOUNDARY CONDITIONS"):
			if in == nil || in.Elements == nil {
				return nil, nil, fmt.Errorf("boundary conditions before elements")
			}
			bcSets++
			if err = readGambitBCs(scanner, in.Elements, bcSets, facetTags, names); err != nil {
				return
			}
		}
	}
	if err = scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("scanner error: %w", err)
	}
	if in == nil || len(in.Elements) == 0 {
		return nil, nil, fmt.Errorf("no elements found")
	}
	finish(in, facetTags)
	return
}

func scanFields(scanner *bufio.Scanner, section string) ([]string, error) {
	for scanner.Scan() {
		if fields := strings.Fields(scanner.Text()); len(fields) != 0 {
			return fields, nil
		}
	}
	return nil, fmt.Errorf("unexpected EOF in %s", section)
}

func atoi(fields []string) (vals []int, err error) {
	vals = make([]int, len(fields))
	for i, f := range fields {
		if vals[i], err = strconv.Atoi(f); err != nil {
			return nil, err
		}
	}
	return
}

func endSection(scanner *bufio.Scanner, section string) error {
	fields, err := scanFields(scanner, section)
	if err != nil {
		return err
	}
	if fields[0] != "ENDOFSECTION" {
		return fmt.Errorf("expected ENDOFSECTION in %s, got %q", section, strings.Join(fields, " "))
	}
	return nil
}

func readGambitHeader(scanner *bufio.Scanner) (hdr gambitHeader, err error) {
	fields, err := scanFields(scanner, "header")
	if err != nil {
		return
	}
	vals, err := atoi(fields)
	if err != nil || len(vals) < 5 {
		return hdr, fmt.Errorf("invalid header line %q", strings.Join(fields, " "))
	}
	hdr = gambitHeader{vals[0], vals[1], vals[2], vals[3], vals[4]}
	if hdr.dim != 2 && hdr.dim != 3 {
		return hdr, fmt.Errorf("unsupported dimension %d", hdr.dim)
	}
	return hdr, endSection(scanner, "header")
}

func readGambitNodes(scanner *bufio.Scanner, hdr gambitHeader) (coords [][]float64, err error) {
	coords = make([][]float64, hdr.numNodes)
	for i := 0; i < hdr.numNodes; i++ {
		fields, err := scanFields(scanner, "NODAL COORDINATES")
		if err != nil {
			return nil, err
		}
		if len(fields) < hdr.dim+1 {
			return nil, fmt.Errorf("invalid node entry %q", strings.Join(fields, " "))
		}
		id, err := strconv.Atoi(fields[0])
		if err != nil || id < 1 || id > hdr.numNodes {
			return nil, fmt.Errorf("invalid node ID: %v", fields[0])
		}
		x := make([]float64, hdr.dim)
		for j := range x {
			if x[j], err = strconv.ParseFloat(fields[j+1], 64); err != nil {
				return nil, fmt.Errorf("invalid coordinate: %w", err)
			}
		}
		coords[id-1] = x
	}
	return coords, endSection(scanner, "NODAL COORDINATES")
}

func readGambitElements(scanner *bufio.Scanner, hdr gambitHeader) (elems [][]int, err error) {
	want := gambitTriangle
	if hdr.dim == 3 {
		want = gambitTet
	}
	elems = make([][]int, hdr.numElements)
	for i := 0; i < hdr.numElements; i++ {
		fields, err := scanFields(scanner, "ELEMENTS/CELLS")
		if err != nil {
			return nil, err
		}
		vals, err := atoi(fields)
		if err != nil || len(vals) < 3 {
			return nil, fmt.Errorf("invalid element entry %q", strings.Join(fields, " "))
		}
		id, typ, ndp := vals[0], vals[1], vals[2]
		if typ != want || ndp != hdr.dim+1 || len(vals) != 3+ndp {
			return nil, fmt.Errorf("element %d: unsupported type %d with %d nodes", id, typ, ndp)
		}
		if id < 1 || id > hdr.numElements {
			return nil, fmt.Errorf("invalid element ID: %d", id)
		}
		verts := vals[3:]
		for j := range verts {
			if verts[j] < 1 || verts[j] > hdr.numNodes {
				return nil, fmt.Errorf("element %d: invalid node ID: %d", id, verts[j])
			}
			verts[j]--
		}
		elems[id-1] = verts
	}
	return elems, endSection(scanner, "ELEMENTS/CELLS")
}

// readGambitGroup reads
//
//	GROUP: g ELEMENTS: n MATERIAL: m NFLAGS: f
//	title
//	flags
//	element ids, ten per line
func readGambitGroup(scanner *bufio.Scanner, regions []int) (err error) {
	fields, err := scanFields(scanner, "ELEMENT GROUP")
	if err != nil {
		return
	}
	var group, count int
	for i := 0; i+1 < len(fields); i++ {
		switch fields[i] {
		case "GROUP:":
			group, err = strconv.Atoi(fields[i+1])
		case "ELEMENTS:":
			count, err = strconv.Atoi(fields[i+1])
		}
		if err != nil {
			return fmt.Errorf("invalid group header %q", strings.Join(fields, " "))
		}
	}
	// Title and flags
	for i := 0; i < 2; i++ {
		if _, err = scanFields(scanner, "ELEMENT GROUP"); err != nil {
			return
		}
	}
	for read := 0; read < count; {
		if fields, err = scanFields(scanner, "ELEMENT GROUP"); err != nil {
			return
		}
		ids, err := atoi(fields)
		if err != nil {
			return fmt.Errorf("invalid element ID in group %d: %w", group, err)
		}
		for _, id := range ids {
			if id < 1 || id > len(regions) {
				return fmt.Errorf("invalid element ID in group %d: %d", group, id)
			}
			regions[id-1] = group
		}
		read += len(ids)
	}
	return endSection(scanner, "ELEMENT GROUP")
}

// readGambitBCs reads one boundary condition set of element/face entries.
// The header is the set name followed by a type or parameter and the entry
// count.
func readGambitBCs(scanner *bufio.Scanner, elems [][]int, tag int,
	facetTags map[facetKey]int, names map[int]string) (err error) {
	fields, err := scanFields(scanner, "BOUNDARY CONDITIONS")
	if err != nil {
		return
	}
	if len(fields) < 3 {
		return fmt.Errorf("invalid boundary condition header %q", strings.Join(fields, " "))
	}
	count, err := strconv.Atoi(fields[2])
	if err != nil {
		return fmt.Errorf("invalid boundary condition count: %w", err)
	}
	names[tag] = fields[0]
	for i := 0; i < count; i++ {
		if fields, err = scanFields(scanner, "BOUNDARY CONDITIONS"); err != nil {
			return
		}
		vals, err := atoi(fields)
		if err != nil || len(vals) < 3 {
			return fmt.Errorf("invalid boundary condition entry %q", strings.Join(fields, " "))
		}
		elem, typ, face := vals[0]-1, vals[1], vals[2]-1
		faces, ok := gambitFaces[typ]
		if !ok || elem < 0 || elem >= len(elems) || face < 0 || face >= len(faces) {
			return fmt.Errorf("invalid boundary condition entry %q", strings.Join(fields, " "))
		}
		var verts []int
		for _, j := range faces[face] {
			verts = append(verts, elems[elem][j])
		}
		facetTags[keyOf(verts)] = tag
	}
	return endSection(scanner, "BOUNDARY CONDITIONS")
}
