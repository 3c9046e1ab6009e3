package adapt

import (
	"math"
	"sort"

	"go.opentelemetry.io/otel/attribute"

	"github.com/notargets/goadapt/comm"
	"github.com/notargets/goadapt/mesh"
)

// DefaultSwapRounds caps the rounds of one Swap call.
const DefaultSwapRounds = 10

// Swap reconnects pairs of elements whose worse quality is below QMin when
// the new connection has a strictly better worst element. In 2D it flips
// the shared edge of two triangles, in 3D it turns two tetrahedra sharing a
// face into three around a new edge, or three around an edge into two.
// Tagged facets are never touched.
type Swap struct {
	QMin      float64
	MaxRounds int // DefaultSwapRounds when zero
}

func (Swap) Name() string { return "swap" }

// Apply evaluates swaps on the rank owning the lowest numbered vertex of the
// shared facet or edge, which holds every element around it. Winners are
// chosen by the lowest facet key without a vote, since nothing but the
// owner's own data enters the decision.
func (r Swap) Apply(c *Context) (st Stats, err error) {
	end := c.begin(r.Name(), attribute.Float64("q_min", r.QMin))
	defer func() { end(&st, err) }()
	var (
		m         = c.Mesh
		maxRounds = r.MaxRounds
	)
	if maxRounds <= 0 {
		maxRounds = DefaultSwapRounds
	}
	for round := 0; round < maxRounds; round++ {
		st.Rounds++
		var cands []*proposal
		if m.Dim == 2 {
			cands = r.edgeFlips(m, &st.Rejected)
		} else {
			cands = append(r.faceSwaps(m, &st.Rejected), r.edgeRemovals(m, &st.Rejected)...)
		}
		props := independent(cands)
		won, rej := negotiate(m, props, false, nil)
		st.Rejected.Merge(rej)
		local, e := commit(m, props, won)
		if e != nil && err == nil {
			err = e
		}
		n := m.Comm.AllReduceInt(local, comm.Sum)
		st.Applied += n
		if n == 0 {
			break
		}
	}
	return
}

// independent keeps, in key order, the candidates that claim no node
// already claimed locally.
func independent(cands []*proposal) (props []*proposal) {
	sort.Slice(cands, func(i, j int) bool { return cands[i].key.less(cands[j].key) })
	claimed := make(map[int]bool)
	for _, p := range cands {
		free := true
		for _, g := range p.claims {
			if claimed[g] {
				free = false
				break
			}
		}
		if !free {
			continue
		}
		for _, g := range p.claims {
			claimed[g] = true
		}
		props = append(props, p)
	}
	return
}

// swapProposal wraps a replacement of elements old by the new element
// records, claiming every vertex involved.
func swapProposal(m *mesh.Mesh, key claimKey, old []int, add []mesh.ElementRecord) *proposal {
	var (
		p     = &mesh.Patch{Add: add}
		nodes []int
		seen  = make(map[int]bool)
	)
	for _, e := range old {
		p.Remove = append(p.Remove, m.Key(e))
		for _, n := range m.Element(e) {
			if !seen[n] {
				seen[n] = true
				nodes = append(nodes, n)
			}
		}
	}
	m.AddNodeRecords(p)
	claims := make([]int, len(nodes))
	for i, n := range nodes {
		claims[i] = m.GNN[n]
	}
	sort.Ints(claims)
	dest := sharersOf(m, nodes...)
	return &proposal{key: key, subject: -1, target: -1, claims: claims, patch: p, dest: dest}
}

func parents(n int) (p []int) {
	p = make([]int, n)
	for i := range p {
		p[i] = i
	}
	return
}

func minQuality(m *mesh.Mesh, elems []int) (q float64) {
	q = math.Inf(1)
	for _, e := range elems {
		q = math.Min(q, m.Quality[e])
	}
	return
}

// rotateTo returns the element vertices and tags rotated cyclically so that
// slot i comes last; this keeps the orientation of a triangle.
func rotateTo(nodes, tags []int, i int) (rn, rt []int) {
	k := len(nodes)
	for j := 1; j <= k; j++ {
		rn = append(rn, nodes[(i+j)%k])
		rt = append(rt, tags[(i+j)%k])
	}
	return
}

func (r Swap) edgeFlips(m *mesh.Mesh, tally *Tally) (cands []*proposal) {
	rank := m.Rank()
	m.ForEachEdge(func(a, b int) {
		if m.Owner[a] != rank {
			return
		}
		elems := m.ElementsWith(a, b)
		if len(elems) != 2 {
			return
		}
		e1, e2 := elems[0], elems[1]
		qOld := minQuality(m, elems)
		if qOld >= r.QMin {
			return
		}
		var (
			s1     = apexSlot(m, e1, a, b)
			s2     = apexSlot(m, e2, a, b)
			t1     = m.ElementTags(e1)
			t2     = m.ElementTags(e2)
			n1, g1 = rotateTo(m.Element(e1), t1, s1) // (p, q, c) positive
		)
		if t1[s1] != 0 || t2[s2] != 0 || m.Regions[e1] != m.Regions[e2] {
			return
		}
		var (
			p, q, cc = n1[0], n1[1], n1[2]
			d        = m.Element(e2)[s2]
			slotP2   = m.LocalSlot(e2, p)
			slotQ2   = m.LocalSlot(e2, q)
			new1     = []int{cc, p, d}
			new2     = []int{cc, d, q}
			// Facet tags: opposite c is (p,d) from e2 opposite q, opposite
			// d is (c,p) from e1 opposite q, and so on.
			tag1 = []int{t2[slotQ2], 0, g1[1]}
			tag2 = []int{t2[slotP2], g1[0], 0}
		)
		q1, q2 := m.QualityOf(new1), m.QualityOf(new2)
		if q1 <= 0 || q2 <= 0 {
			if q1 < 0 || q2 < 0 {
				tally.Add(DegenerateGeometry, 1)
			}
			return
		}
		if math.Min(q1, q2) <= qOld {
			return
		}
		cands = append(cands, swapProposal(m, claimKey{m.GNN[a], m.GNN[b], -1}, elems, []mesh.ElementRecord{
			m.ElementRecordOf(new1, m.Regions[e1], tag1, parents(2)...),
			m.ElementRecordOf(new2, m.Regions[e1], tag2, parents(2)...),
		}))
	})
	return
}

// apexSlot is the slot of the vertex of e that is neither a nor b, for a
// triangle.
func apexSlot(m *mesh.Mesh, e, a, b int) int {
	for i, v := range m.Element(e) {
		if v != a && v != b {
			return i
		}
	}
	return -1
}

// faceSwaps proposes 2-3 swaps across untagged interior faces.
func (r Swap) faceSwaps(m *mesh.Mesh, tally *Tally) (cands []*proposal) {
	rank := m.Rank()
	for e1 := 0; e1 < m.NElements(); e1++ {
		if !m.ElementAlive(e1) {
			continue
		}
		for s1 := 0; s1 < 4; s1++ {
			if m.ElementTags(e1)[s1] != 0 {
				continue
			}
			face := make([]int, 0, 3)
			for i, v := range m.Element(e1) {
				if i != s1 {
					face = append(face, v)
				}
			}
			low := face[0]
			for _, v := range face[1:] {
				if m.GNN[v] < m.GNN[low] {
					low = v
				}
			}
			if m.Owner[low] != rank {
				continue
			}
			nbrs := m.ElementsWith(face...)
			if len(nbrs) != 2 {
				continue
			}
			e2 := nbrs[0]
			if e2 == e1 {
				e2 = nbrs[1]
			}
			if e2 < e1 {
				continue // Visited from the other side
			}
			if m.Regions[e1] != m.Regions[e2] {
				continue
			}
			pair := []int{e1, e2}
			qOld := minQuality(m, pair)
			if qOld >= r.QMin {
				continue
			}
			if p := faceSwap(m, e1, s1, e2, qOld, tally); p != nil {
				cands = append(cands, p)
			}
		}
	}
	return
}

func faceSwap(m *mesh.Mesh, e1, s1, e2 int, qOld float64, tally *Tally) *proposal {
	var (
		el1 = m.Element(e1)
		t1  = m.ElementTags(e1)
		t2  = m.ElementTags(e2)
		d   = el1[s1]
		abc = make([]int, 0, 3)
	)
	for i, v := range el1 {
		if i != s1 {
			abc = append(abc, v)
		}
	}
	// Order the face so that (a, b, c, d) is positive
	if m.SignedMeasure([]int{abc[0], abc[1], abc[2], d}) < 0 {
		abc[0], abc[1] = abc[1], abc[0]
	}
	var e = -1
	for _, v := range m.Element(e2) {
		if v != abc[0] && v != abc[1] && v != abc[2] {
			e = v
		}
	}
	if e < 0 || len(m.ElementsWith(d, e)) != 0 {
		return nil
	}
	var (
		qNew = math.Inf(1)
		add  []mesh.ElementRecord
	)
	for k := 0; k < 3; k++ {
		var (
			a, b, c = abc[k], abc[(k+1)%3], abc[(k+2)%3]
			nodes   = []int{a, b, e, d}
			// (a,b,d) was the facet of e1 opposite c, (a,b,e) that of e2
			tags = []int{0, 0, t1[m.LocalSlot(e1, c)], t2[m.LocalSlot(e2, c)]}
		)
		q := m.QualityOf(nodes)
		if q <= 0 {
			if q < 0 {
				tally.Add(DegenerateGeometry, 1)
			}
			return nil
		}
		qNew = math.Min(qNew, q)
		add = append(add, m.ElementRecordOf(nodes, m.Regions[e1], tags, 0, 1))
	}
	if qNew <= qOld {
		return nil
	}
	key := m.KeyOf(abc)
	return swapProposal(m, claimKey{key[0], key[1], key[2]}, []int{e1, e2}, add)
}

// edgeRemovals proposes 3-2 swaps of interior edges with three tetrahedra.
func (r Swap) edgeRemovals(m *mesh.Mesh, tally *Tally) (cands []*proposal) {
	rank := m.Rank()
	m.ForEachEdge(func(a, b int) {
		if m.Owner[a] != rank {
			return
		}
		ring := m.ElementsWith(a, b)
		if len(ring) != 3 {
			return
		}
		var others []int
		for _, e := range ring {
			bt := m.ElementTags(e)
			for i, v := range m.Element(e) {
				if v != a && v != b {
					if bt[i] != 0 {
						return // A facet through the edge is tagged
					}
					if !containsInt(others, v) {
						others = append(others, v)
					}
				}
			}
		}
		if len(others) != 3 || m.Regions[ring[0]] != m.Regions[ring[1]] || m.Regions[ring[0]] != m.Regions[ring[2]] {
			return
		}
		qOld := minQuality(m, ring)
		if qOld >= r.QMin {
			return
		}
		c, d, e := others[0], others[1], others[2]
		if m.SignedMeasure([]int{c, d, e, a}) < 0 {
			c, d = d, c
		}
		var (
			topA = []int{c, d, e, a}
			topB = []int{d, c, e, b}
			tagA = make([]int, 4)
			tagB = make([]int, 4)
		)
		// The facet of topA opposite ring vertex x is the old facet of the
		// element without x, opposite b.
		for i, x := range topA[:3] {
			for _, el := range ring {
				if m.LocalSlot(el, x) < 0 {
					tagA[i] = m.ElementTags(el)[m.LocalSlot(el, b)]
				}
			}
		}
		for i, x := range topB[:3] {
			for _, el := range ring {
				if m.LocalSlot(el, x) < 0 {
					tagB[i] = m.ElementTags(el)[m.LocalSlot(el, a)]
				}
			}
		}
		qa, qb := m.QualityOf(topA), m.QualityOf(topB)
		if qa <= 0 || qb <= 0 {
			if qa < 0 || qb < 0 {
				tally.Add(DegenerateGeometry, 1)
			}
			return
		}
		if math.Min(qa, qb) <= qOld {
			return
		}
		cands = append(cands, swapProposal(m, claimKey{m.GNN[a], m.GNN[b], -1}, ring, []mesh.ElementRecord{
			m.ElementRecordOf(topA, m.Regions[ring[0]], tagA, 0, 1, 2),
			m.ElementRecordOf(topB, m.Regions[ring[0]], tagB, 0, 1, 2),
		}))
	})
	return
}

func containsInt(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
