package adapt

import (
	"fmt"
	"math"

	"go.opentelemetry.io/otel/attribute"

	"github.com/notargets/goadapt/comm"
	"github.com/notargets/goadapt/geometry"
	"github.com/notargets/goadapt/mesh"
	"github.com/notargets/goadapt/metric"
	"github.com/notargets/goadapt/types"
	"github.com/notargets/goadapt/utils"
)

// Refine splits every edge longer than LRef in metric space.
type Refine struct {
	LRef float64
}

func (Refine) Name() string { return "refine" }

type split struct {
	a, b   int // Local ends, GNN[a] < GNN[b]
	length float64
	w      float64 // Position of the new node from a
	node   int     // Local id of the new node, -1 until known
}

// before orders splits for bisection: longer first, then by end numbers.
func (s *split) before(o *split, m *mesh.Mesh) bool {
	if s.length != o.length {
		return s.length > o.length
	}
	if m.GNN[s.a] != m.GNN[o.a] {
		return m.GNN[s.a] < m.GNN[o.a]
	}
	return m.GNN[s.b] < m.GNN[o.b]
}

// Apply marks long edges, lets the owner of each edge's lower numbered end
// create the new node and tell every holder of that end about it, and then
// has every rank bisect its elements through the marked edges. The order of
// bisection only depends on the marked lengths and global numbers, so both
// sides of a shared facet are cut the same way.
func (r Refine) Apply(c *Context) (st Stats, err error) {
	end := c.begin(r.Name(), attribute.Float64("l_ref", r.LRef))
	defer func() { end(&st, err) }()
	var (
		m    = c.Mesh
		rank = m.Rank()
	)
	st.Rounds = 1

	var cand []*split
	m.ForEachEdge(func(a, b int) {
		cand = append(cand, &split{a: a, b: b, node: -1})
	})
	_ = utils.ParallelFor(c.Workers, len(cand), func(lo, hi int) error {
		for _, s := range cand[lo:hi] {
			s.length = m.EdgeLength(s.a, s.b)
			if s.length > r.LRef {
				s.w = geometry.SplitWeight(m.X(s.a), m.X(s.b), m.M(s.a), m.M(s.b))
			}
		}
		return nil
	})
	var (
		splits = make(map[types.EdgeKey]*split)
		owned  []*split
	)
	for _, s := range cand {
		if !(s.length > r.LRef) {
			continue
		}
		if math.Min(s.w, 1-s.w) < geometry.SplitTolerance {
			st.Rejected.Add(DegenerateGeometry, 1)
			continue
		}
		splits[types.NewEdgeKey([2]int{m.GNN[s.a], m.GNN[s.b]})] = s
		if m.Owner[s.a] == rank {
			owned = append(owned, s)
		}
	}

	// Number the new nodes: a global base, then a prefix sum over ranks
	var (
		base   = m.Comm.AllReduceInt(m.MaxGNN()+1, comm.Max)
		counts = m.Comm.AllGatherInt(len(owned))
		next   = base
		out    = make(map[int]*comm.Packer)
	)
	for k := 0; k < rank; k++ {
		next += counts[k]
	}
	for _, s := range owned {
		var (
			x       = geometry.Interpolate(m.X(s.a), m.X(s.b), s.w)
			t, ierr = metric.Interpolate(m.M(s.a), m.M(s.b), s.w)
		)
		if ierr != nil {
			t = geometry.Interpolate(m.M(s.a), m.M(s.b), s.w)
		}
		s.node = m.AppendNode(next, rank, x, t, nil)
		next++
		for _, to := range m.Sharers[s.a] {
			if to == rank {
				continue
			}
			pk, ok := out[to]
			if !ok {
				pk = &comm.Packer{}
				out[to] = pk
			}
			pk.Int(m.GNN[s.a], m.GNN[s.b], m.GNN[s.node])
			pk.Float(x...)
			pk.Float(t...)
		}
	}
	in := m.Comm.Exchange(packed(out))
	for _, from := range comm.SortedRanks(in) {
		u := comm.NewUnpacker(in[from])
		for u.More() {
			var (
				ga, gb, gnew = u.Int(), u.Int(), u.Int()
				x            = u.Floats(m.Dim)
				t            = u.Floats(m.MetricStride())
			)
			if u.Err() != nil {
				st.Rejected.Add(HaloInconsistency, 1)
				break
			}
			s, marked := splits[types.NewEdgeKey([2]int{ga, gb})]
			if !marked {
				// Holders of the lower end that lack the edge ignore it
				a, okA := m.Local(ga)
				b, okB := m.Local(gb)
				if okA && okB && len(m.ElementsWith(a, b)) != 0 {
					st.Rejected.Add(HaloInconsistency, 1)
				}
				continue
			}
			if s.node >= 0 {
				st.Rejected.Add(HaloInconsistency, 1)
				continue
			}
			s.node = m.AppendNode(gnew, from, x, t, nil)
		}
	}
	var (
		missing int
		first   types.EdgeKey
	)
	for key, s := range splits {
		if s.node < 0 {
			if missing == 0 || key < first {
				first = key
			}
			missing++
			delete(splits, key)
		}
	}
	if missing != 0 {
		st.Rejected.Add(HaloInconsistency, missing)
		err = fmt.Errorf("%w: rank %d never learned the new node of %d split edges, first %s",
			mesh.ErrHaloInconsistency, rank, missing, first)
	}

	nelem := m.NElements()
	for e := 0; e < nelem; e++ {
		if !m.ElementAlive(e) {
			continue
		}
		var (
			nodes = append([]int(nil), m.Element(e)...)
			tags  = append([]int(nil), m.ElementTags(e)...)
			hit   bool
		)
		for i := 0; i < m.NLoc && !hit; i++ {
			for j := i + 1; j < m.NLoc; j++ {
				if _, ok := splits[orderedKey(m, nodes[i], nodes[j])]; ok {
					hit = true
					break
				}
			}
		}
		if !hit {
			continue
		}
		region := m.Regions[e]
		m.EraseElement(e)
		bisect(m, splits, nodes, tags, func(cn, ct []int) {
			m.AppendElement(cn, region, ct)
		})
	}
	m.RefreshNNList()
	if e := m.RebuildHalo(); e != nil && err == nil {
		err = e
	}
	if e := m.UpdateNodeTags(); e != nil && err == nil {
		err = e
	}
	st.Applied = m.Comm.AllReduceInt(len(owned), comm.Sum)
	return
}

func orderedKey(m *mesh.Mesh, a, b int) types.EdgeKey {
	return types.NewEdgeKey([2]int{m.GNN[a], m.GNN[b]})
}

// bisect cuts the element through its highest priority marked edge and
// recurses into both halves until no marked edge is left. The half that
// replaces end a of the cut keeps the facet opposite a; the facet opposite
// the other end is the new cut and is interior.
func bisect(m *mesh.Mesh, splits map[types.EdgeKey]*split, nodes, tags []int, emit func(nodes, tags []int)) {
	var (
		best   *split
		bi, bj int
	)
	for i := 0; i < len(nodes); i++ {
		for j := i + 1; j < len(nodes); j++ {
			s, ok := splits[orderedKey(m, nodes[i], nodes[j])]
			if !ok {
				continue
			}
			if best == nil || s.before(best, m) {
				best, bi, bj = s, i, j
			}
		}
	}
	if best == nil {
		emit(nodes, tags)
		return
	}
	var (
		n1 = append([]int(nil), nodes...)
		t1 = append([]int(nil), tags...)
		n2 = append([]int(nil), nodes...)
		t2 = append([]int(nil), tags...)
	)
	n1[bi], t1[bj] = best.node, 0
	n2[bj], t2[bi] = best.node, 0
	bisect(m, splits, n1, t1, emit)
	bisect(m, splits, n2, t2, emit)
}
