// Package partition assigns the elements of an input mesh to ranks.
package partition

import (
	"sort"

	"github.com/james-bowman/sparse"
	"go.uber.org/zap"

	"github.com/notargets/goadapt/mesh"
	"github.com/notargets/goadapt/utils"
)

// Graph is the element dual graph in compressed row form: elements are
// vertices and two elements are joined when they share a facet.
type Graph struct {
	Xadj   []int32
	Adjncy []int32
}

func (g *Graph) NVertices() int { return len(g.Xadj) - 1 }

func (g *Graph) Neighbours(e int) []int32 { return g.Adjncy[g.Xadj[e]:g.Xadj[e+1]] }

// DualGraph connects elements sharing dim vertices. The element to vertex
// incidence A is assembled as a sparse matrix; A·Aᵀ counts the vertices any
// two elements have in common.
func DualGraph(in *mesh.Input) (g *Graph) {
	var (
		ne  = len(in.Elements)
		nv  = len(in.Coords)
		dok = sparse.NewDOK(ne, nv)
	)
	for k, el := range in.Elements {
		for _, v := range el {
			dok.Set(k, v, 1)
		}
	}
	var (
		ev     = dok.ToCSR()
		shared = sparse.NewCSR(ne, ne, nil, nil, nil)
	)
	shared.Mul(ev, ev.T())
	raw := shared.RawMatrix()
	g = &Graph{Xadj: make([]int32, ne+1)}
	for i := 0; i < ne; i++ {
		var row []int
		for k := raw.Indptr[i]; k < raw.Indptr[i+1]; k++ {
			if j := raw.Ind[k]; j != i && int(raw.Data[k]) == in.Dim {
				row = append(row, j)
			}
		}
		sort.Ints(row)
		for _, j := range row {
			g.Adjncy = append(g.Adjncy, int32(j))
		}
		g.Xadj[i+1] = int32(len(g.Adjncy))
	}
	return
}

// Block gives each of np ranks a contiguous run of element indices.
func Block(ne, np int) (epart []int) {
	var (
		pm = utils.NewPartitionMap(np, ne)
	)
	epart = make([]int, ne)
	for bn := 0; bn < np; bn++ {
		lo, _ := pm.GetBucketRange(bn)
		for k := lo; k < lo+pm.GetBucketDimension(bn); k++ {
			epart[k] = bn
		}
	}
	return
}

// Stats describes the quality of an element partition.
type Stats struct {
	Elements   []int          // Elements per part
	Neighbours []int          // Adjacent parts per part
	CutEdges   int            // Dual graph edges between parts
	Interfaces map[[2]int]int // Shared facets per pair of parts, lower first
	Imbalance  float64        // Largest part over the mean, minus one
}

// Analyze measures epart over the dual graph.
func Analyze(g *Graph, epart []int, np int) (st Stats) {
	st = Stats{
		Elements:   make([]int, np),
		Neighbours: make([]int, np),
		Interfaces: make(map[[2]int]int),
	}
	for _, p := range epart {
		st.Elements[p]++
	}
	for e := 0; e < g.NVertices(); e++ {
		for _, o := range g.Neighbours(e) {
			p1, p2 := epart[e], epart[o]
			if int(o) < e || p1 == p2 {
				continue
			}
			st.CutEdges++
			if p1 > p2 {
				p1, p2 = p2, p1
			}
			st.Interfaces[[2]int{p1, p2}]++
		}
	}
	for pair := range st.Interfaces {
		st.Neighbours[pair[0]]++
		st.Neighbours[pair[1]]++
	}
	var maxLoad int
	for _, n := range st.Elements {
		maxLoad = max(maxLoad, n)
	}
	if len(epart) > 0 {
		st.Imbalance = float64(maxLoad)*float64(np)/float64(len(epart)) - 1
	}
	return
}

// Log reports the statistics on l.
func (st Stats) Log(l *zap.Logger) {
	l.Info("partition analysis",
		zap.Int("parts", len(st.Elements)),
		zap.Int("cut_edges", st.CutEdges),
		zap.Float64("imbalance", st.Imbalance),
		zap.Ints("elements", st.Elements),
		zap.Ints("neighbours", st.Neighbours))
	for pair, n := range st.Interfaces {
		l.Debug("partition interface",
			zap.Int("part", pair[0]),
			zap.Int("other", pair[1]),
			zap.Int("facets", n))
	}
}
