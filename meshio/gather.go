package meshio

import (
	"fmt"
	"sort"

	"github.com/notargets/goadapt/comm"
	"github.com/notargets/goadapt/mesh"
)

// Gather collects a distributed mesh on rank 0 as an Input with nodes in
// global node number order. Other ranks get a nil Input. Collective.
func Gather(m *mesh.Mesh) (in *mesh.Input, err error) {
	var p comm.Packer
	for n := range m.GNN {
		if m.NodeAlive(n) && m.IsOwned(n) {
			p.Int(m.GNN[n])
			p.Float(m.X(n)...)
		}
	}
	p.Int(-1)
	for e := range m.Regions {
		if !m.Accounted(e) {
			continue
		}
		el := m.Element(e)
		for _, n := range el {
			p.Int(m.GNN[n])
		}
		p.Int(m.Regions[e])
		p.Int(m.ElementTags(e)...)
	}
	recv := m.Comm.Exchange(map[int]comm.Message{0: p.Msg})
	if m.Rank() != 0 {
		return
	}

	var (
		coords = make(map[int][]float64)
		elems  [][]int
		region []int
		tags   [][]int
	)
	for _, r := range comm.SortedRanks(recv) {
		u := comm.NewUnpacker(recv[r])
		for {
			gnn := u.Int()
			if gnn < 0 || u.Err() != nil {
				break
			}
			coords[gnn] = u.Floats(m.Dim)
		}
		for u.More() {
			elems = append(elems, u.Ints(m.NLoc))
			region = append(region, u.Int())
			tags = append(tags, u.Ints(m.NLoc))
		}
		if err = u.Err(); err != nil {
			return nil, fmt.Errorf("gather from rank %d: %w", r, err)
		}
	}

	gnns := make([]int, 0, len(coords))
	for g := range coords {
		gnns = append(gnns, g)
	}
	sort.Ints(gnns)
	index := make(map[int]int, len(gnns))
	in = &mesh.Input{Dim: m.Dim, Regions: region, Boundary: tags}
	for i, g := range gnns {
		index[g] = i
		in.Coords = append(in.Coords, coords[g])
	}
	for _, el := range elems {
		verts := make([]int, len(el))
		for i, g := range el {
			v, ok := index[g]
			if !ok {
				return nil, fmt.Errorf("element references node %d that no rank owns", g)
			}
			verts[i] = v
		}
		in.Elements = append(in.Elements, verts)
	}
	return
}
