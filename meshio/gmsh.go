package meshio

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/notargets/goadapt/mesh"
)

// Gmsh 2.2 element types used here
const (
	gmshLine     = 1
	gmshTriangle = 2
	gmshTet      = 4
)

var gmshNodes = map[int]int{gmshLine: 2, gmshTriangle: 3, gmshTet: 4}

type gmshElement struct {
	typ, physical int
	nodes         []int
}

// ReadGmsh22 reads an ASCII Gmsh 2.2 file of triangles or tetrahedra. The
// dimension is 3 if any tetrahedron is present. The physical tag of a
// volume element is its region, that of a facet element its boundary tag.
func ReadGmsh22(r io.Reader) (in *mesh.Input, names map[int]string, err error) {
	var (
		scanner = bufio.NewScanner(r)
		ids     = make(map[int]int)
		coords  [][]float64
		elems   []gmshElement
	)
	// Increase scanner buffer for large files
	const maxScanTokenSize = 1024 * 1024 * 10 // 10MB
	scanner.Buffer(make([]byte, 64*1024), maxScanTokenSize)
	names = make(map[int]string)

	for scanner.Scan() {
		switch strings.TrimSpace(scanner.Text()) {
		case "$MeshFormat":
			if err = readMeshFormat(scanner); err != nil {
				return
			}
		case "$PhysicalNames":
			if err = readPhysicalNames(scanner, names); err != nil {
				return
			}
		case "$Nodes":
			if coords, err = readNodes(scanner, ids); err != nil {
				return
			}
		case "$Elements":
			if elems, err = readElements(scanner); err != nil {
				return
			}
		}
	}
	if err = scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("scanner error: %w", err)
	}

	in = &mesh.Input{Dim: 2}
	for _, e := range elems {
		if e.typ == gmshTet {
			in.Dim = 3
		}
	}
	for _, x := range coords {
		in.Coords = append(in.Coords, x[:in.Dim])
	}
	var (
		facetTags = make(map[facetKey]int)
		volume    = gmshTriangle
	)
	if in.Dim == 3 {
		volume = gmshTet
	}
	for _, e := range elems {
		verts := make([]int, len(e.nodes))
		for i, id := range e.nodes {
			v, ok := ids[id]
			if !ok {
				return nil, nil, fmt.Errorf("element uses unknown node %d", id)
			}
			verts[i] = v
		}
		switch {
		case e.typ == volume:
			in.Elements = append(in.Elements, verts)
			in.Regions = append(in.Regions, e.physical)
		case len(verts) == in.Dim && e.physical != 0:
			facetTags[keyOf(verts)] = e.physical
		}
	}
	if len(in.Elements) == 0 {
		return nil, nil, fmt.Errorf("no triangles or tetrahedra found")
	}
	finish(in, facetTags)
	return
}

func skipTo(scanner *bufio.Scanner, end string) {
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) == end {
			return
		}
	}
}

func readMeshFormat(scanner *bufio.Scanner) error {
	if !scanner.Scan() {
		return fmt.Errorf("unexpected EOF in MeshFormat")
	}
	parts := strings.Fields(scanner.Text())
	if len(parts) < 3 {
		return fmt.Errorf("invalid MeshFormat line")
	}
	if !strings.HasPrefix(parts[0], "2") {
		return fmt.Errorf("unsupported Gmsh version: %s", parts[0])
	}
	if parts[1] != "0" {
		return fmt.Errorf("binary Gmsh files are not supported")
	}
	skipTo(scanner, "$EndMeshFormat")
	return nil
}

func readPhysicalNames(scanner *bufio.Scanner, names map[int]string) error {
	if !scanner.Scan() {
		return fmt.Errorf("unexpected EOF in PhysicalNames")
	}
	numPhysical, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil {
		return fmt.Errorf("invalid number of physical names: %w", err)
	}
	for i := 0; i < numPhysical; i++ {
		if !scanner.Scan() {
			return fmt.Errorf("unexpected EOF in PhysicalNames")
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			return fmt.Errorf("invalid physical name entry")
		}
		tag, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("invalid physical tag: %w", err)
		}
		names[tag] = strings.Trim(strings.Join(fields[2:], " "), "\"")
	}
	skipTo(scanner, "$EndPhysicalNames")
	return nil
}

func readNodes(scanner *bufio.Scanner, ids map[int]int) (coords [][]float64, err error) {
	if !scanner.Scan() {
		return nil, fmt.Errorf("unexpected EOF in Nodes")
	}
	numNodes, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil {
		return nil, fmt.Errorf("invalid number of nodes: %w", err)
	}
	coords = make([][]float64, numNodes)
	for i := 0; i < numNodes; i++ {
		if !scanner.Scan() {
			return nil, fmt.Errorf("unexpected EOF in Nodes at node %d", i)
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			return nil, fmt.Errorf("invalid node entry at line %d", i+1)
		}
		nodeID, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("invalid node ID: %w", err)
		}
		x := make([]float64, 3)
		for j := range x {
			if x[j], err = strconv.ParseFloat(fields[j+1], 64); err != nil {
				return nil, fmt.Errorf("invalid coordinate: %w", err)
			}
		}
		ids[nodeID] = i
		coords[i] = x
	}
	skipTo(scanner, "$EndNodes")
	return
}

func readElements(scanner *bufio.Scanner) (elems []gmshElement, err error) {
	if !scanner.Scan() {
		return nil, fmt.Errorf("unexpected EOF in Elements")
	}
	numElems, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil {
		return nil, fmt.Errorf("invalid number of elements: %w", err)
	}
	for i := 0; i < numElems; i++ {
		if !scanner.Scan() {
			return nil, fmt.Errorf("unexpected EOF in Elements at element %d", i)
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			return nil, fmt.Errorf("invalid element entry at line %d", i+1)
		}
		vals := make([]int, len(fields))
		for j, f := range fields {
			if vals[j], err = strconv.Atoi(f); err != nil {
				return nil, fmt.Errorf("invalid element entry at line %d: %w", i+1, err)
			}
		}
		var (
			typ, numTags = vals[1], vals[2]
			nn, ok       = gmshNodes[typ]
		)
		if !ok {
			continue // Points, quads and high order elements play no part
		}
		if len(vals) != 3+numTags+nn {
			return nil, fmt.Errorf("element %d of type %d has %d fields", vals[0], typ, len(vals))
		}
		e := gmshElement{typ: typ, nodes: vals[3+numTags:]}
		if numTags > 0 {
			e.physical = vals[3]
		}
		elems = append(elems, e)
	}
	skipTo(scanner, "$EndElements")
	return
}

// WriteGmsh22 writes in as ASCII Gmsh 2.2: tagged facets first, each once,
// then the volume elements with their region as physical tag.
func WriteGmsh22(w io.Writer, in *mesh.Input, names map[int]string) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "$MeshFormat\n2.2 0 8\n$EndMeshFormat\n")
	if len(names) > 0 {
		tags := make([]int, 0, len(names))
		for t := range names {
			tags = append(tags, t)
		}
		sort.Ints(tags)
		fmt.Fprintf(bw, "$PhysicalNames\n%d\n", len(tags))
		for _, t := range tags {
			dim := in.Dim - 1
			for _, r := range in.Regions {
				if r == t {
					dim = in.Dim
					break
				}
			}
			fmt.Fprintf(bw, "%d %d \"%s\"\n", dim, t, names[t])
		}
		fmt.Fprintf(bw, "$EndPhysicalNames\n")
	}
	fmt.Fprintf(bw, "$Nodes\n%d\n", len(in.Coords))
	for i, x := range in.Coords {
		z := 0.
		if in.Dim == 3 {
			z = x[2]
		}
		fmt.Fprintf(bw, "%d %s %s %s\n", i+1, ftoa(x[0]), ftoa(x[1]), ftoa(z))
	}
	fmt.Fprintf(bw, "$EndNodes\n")

	type facet struct {
		verts []int
		tag   int
	}
	var (
		facets   []facet
		seen     = make(map[facetKey]bool)
		facetTyp = gmshLine
		volTyp   = gmshTriangle
	)
	if in.Dim == 3 {
		facetTyp, volTyp = gmshTriangle, gmshTet
	}
	for k, el := range in.Elements {
		if in.Boundary == nil {
			break
		}
		for i, t := range in.Boundary[k] {
			if t == 0 {
				continue
			}
			f := facetOf(el, i)
			if key := keyOf(f); !seen[key] {
				seen[key] = true
				facets = append(facets, facet{f, t})
			}
		}
	}
	fmt.Fprintf(bw, "$Elements\n%d\n", len(facets)+len(in.Elements))
	id := 1
	writeElement := func(typ, tag int, verts []int) {
		fmt.Fprintf(bw, "%d %d 2 %d %d", id, typ, tag, tag)
		for _, v := range verts {
			fmt.Fprintf(bw, " %d", v+1)
		}
		fmt.Fprintln(bw)
		id++
	}
	for _, f := range facets {
		writeElement(facetTyp, f.tag, f.verts)
	}
	for k, el := range in.Elements {
		region := 0
		if in.Regions != nil {
			region = in.Regions[k]
		}
		writeElement(volTyp, region, el)
	}
	fmt.Fprintf(bw, "$EndElements\n")
	return bw.Flush()
}

func ftoa(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
