package adapt

import (
	"sort"

	"go.opentelemetry.io/otel/attribute"

	"github.com/notargets/goadapt/comm"
	"github.com/notargets/goadapt/mesh"
	"github.com/notargets/goadapt/utils"
)

const (
	// DefaultCoarsenRounds caps the collapse rounds of one Coarsen call.
	DefaultCoarsenRounds = 50
	// qualityFloor rejects collapses leaving nearly flat elements.
	qualityFloor = 1.e-4
)

// Coarsen collapses edges shorter than LLow, never creating an edge longer
// than LUp.
type Coarsen struct {
	LLow, LUp     float64
	AllowBoundary bool // Let nodes on one flat boundary slide along it
	MaxRounds     int  // DefaultCoarsenRounds when zero
}

func (Coarsen) Name() string { return "coarsen" }

type collapse struct {
	rm, t    int
	patch    *mesh.Patch
	rejected Tally
	ok       bool
}

// Apply runs collapse rounds until a round commits nothing anywhere. Each
// round every rank proposes collapses of nodes it owns onto any neighbour,
// the proposals are made independent across ranks and confirmed by every
// holder of the removed node, and the winners are committed as patches. The
// owner of the target re-checks the link condition, since only it holds the
// target's whole star.
func (r Coarsen) Apply(c *Context) (st Stats, err error) {
	end := c.begin(r.Name(),
		attribute.Float64("l_low", r.LLow),
		attribute.Float64("l_up", r.LUp),
		attribute.Bool("allow_boundary", r.AllowBoundary))
	defer func() { end(&st, err) }()
	var (
		m         = c.Mesh
		maxRounds = r.MaxRounds
		vetoed    = make(map[[2]int]bool) // {rm, t} global numbers
	)
	if maxRounds <= 0 {
		maxRounds = DefaultCoarsenRounds
	}
	for round := 0; round < maxRounds; round++ {
		st.Rounds++
		props := r.propose(c, vetoed, &st.Rejected)
		won, rej := negotiate(m, props, true, linkHolds)
		st.Rejected.Merge(rej)
		retry := 0
		for _, p := range props {
			if p.vetoed {
				vetoed[[2]int{p.subject, p.target}] = true
				retry++
			}
		}
		local, e := commit(m, props, won)
		if e != nil && err == nil {
			err = e
		}
		n := m.Comm.AllReduceInt(local, comm.Sum)
		st.Applied += n
		// A vetoed node gets another round to try its next target
		if n == 0 && m.Comm.AllReduceInt(retry, comm.Sum) == 0 {
			break
		}
	}
	return
}

// propose evaluates every owned node and keeps a locally independent set of
// valid collapses, lowest degree first. Collapses vetoed in an earlier round
// are not tried again.
func (r Coarsen) propose(c *Context, vetoed map[[2]int]bool, tally *Tally) (props []*proposal) {
	var (
		m    = c.Mesh
		rank = m.Rank()
		rms  []int
	)
	for n := 0; n < m.NNodes(); n++ {
		if !m.NodeAlive(n) || !m.IsOwned(n) {
			continue
		}
		switch len(m.NodeTags[n]) {
		case 0:
		case 1:
			if !r.AllowBoundary {
				continue
			}
		default:
			continue
		}
		rms = append(rms, n)
	}
	sort.Slice(rms, func(i, j int) bool {
		di, dj := len(m.NNList[rms[i]]), len(m.NNList[rms[j]])
		if di != dj {
			return di < dj
		}
		return m.GNN[rms[i]] < m.GNN[rms[j]]
	})
	results := make([]collapse, len(rms))
	_ = utils.ParallelFor(c.Workers, len(rms), func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			results[i] = r.evaluate(m, rms[i], vetoed)
		}
		return nil
	})
	claimed := make(map[int]bool)
	for _, res := range results {
		tally.Merge(res.rejected)
		if !res.ok {
			continue
		}
		ring := append([]int{res.rm}, m.NNList[res.rm]...)
		free := true
		for _, n := range ring {
			if claimed[n] {
				free = false
				break
			}
		}
		if !free {
			continue
		}
		claims := make([]int, len(ring))
		for i, n := range ring {
			claimed[n] = true
			claims[i] = m.GNN[n]
		}
		sort.Ints(claims)
		var dest []int
		for _, s := range sharersOf(m, res.rm) {
			if s != rank {
				dest = append(dest, s)
			}
		}
		if o := m.Owner[res.t]; o != rank && !containsInt(dest, o) {
			dest = append(dest, o)
		}
		props = append(props, &proposal{
			key:     claimKey{m.GNN[res.rm], -1, -1},
			subject: m.GNN[res.rm],
			target:  m.GNN[res.t],
			claims:  claims,
			patch:   res.patch,
			dest:    dest,
		})
	}
	return
}

// evaluate finds the best valid collapse of rm: the shortest short edge
// that passes every check.
func (r Coarsen) evaluate(m *mesh.Mesh, rm int, vetoed map[[2]int]bool) (res collapse) {
	res.rm = rm
	type target struct {
		t      int
		length float64
	}
	var targets []target
	for _, t := range m.NNList[rm] {
		if vetoed[[2]int{m.GNN[rm], m.GNN[t]}] {
			continue
		}
		if l := m.EdgeLength(rm, t); l < r.LLow {
			targets = append(targets, target{t, l})
		}
	}
	sort.Slice(targets, func(i, j int) bool {
		if targets[i].length != targets[j].length {
			return targets[i].length < targets[j].length
		}
		return m.GNN[targets[i].t] < m.GNN[targets[j].t]
	})
	for _, tg := range targets {
		patch, kind, ok, reject := r.collapsePatch(m, rm, tg.t)
		if ok {
			res.t, res.patch, res.ok = tg.t, patch, true
			return
		}
		if reject {
			res.rejected.Add(kind, 1)
		}
	}
	return
}

// collapsePatch builds the patch moving rm onto t, or explains why it cannot
// be done. reject is false for plain length limits, which are not errors.
func (r Coarsen) collapsePatch(m *mesh.Mesh, rm, t int) (p *mesh.Patch, kind Kind, ok, reject bool) {
	var (
		shared = m.ElementsWith(rm, t)
		star   = m.NEList[rm]
	)
	if len(shared) == 0 {
		return nil, TopologyViolation, false, true
	}
	if tags := m.NodeTags[rm]; len(tags) == 1 {
		// rm may only slide along a facet carrying its single tag
		along := false
		for _, e := range shared {
			el, bt := m.Element(e), m.ElementTags(e)
			for i, tg := range bt {
				if tg == tags[0] && el[i] != rm && el[i] != t {
					along = true
				}
			}
		}
		if !along {
			return nil, TopologyViolation, false, true
		}
	}

	// Link condition: common neighbours must come from elements on the edge
	apex := make(map[int]bool)
	for _, e := range shared {
		for _, v := range m.Element(e) {
			apex[v] = true
		}
	}
	for _, v := range mesh.IntersectSorted(m.NNList[rm], m.NNList[t]) {
		if !apex[v] {
			return nil, TopologyViolation, false, true
		}
	}

	// The facet of a vanishing element opposite t folds onto the facet
	// opposite rm; the neighbour across it inherits that tag.
	inherit := make(map[int]map[int]int) // element -> slot -> tag
	for _, e := range shared {
		var (
			el, bt = m.Element(e), m.ElementTags(e)
			slotT  = m.LocalSlot(e, t)
			slotRm = m.LocalSlot(e, rm)
			facet  = make([]int, 0, m.Dim)
		)
		if bt[slotT] != 0 {
			return nil, TopologyViolation, false, true
		}
		for i, v := range el {
			if i != slotT {
				facet = append(facet, v)
			}
		}
		var nb = -1
		for _, o := range m.ElementsWith(facet...) {
			if o != e {
				nb = o
			}
		}
		if nb < 0 || m.LocalSlot(nb, t) >= 0 {
			return nil, TopologyViolation, false, true
		}
		slot := -1
		for j, v := range m.Element(nb) {
			in := false
			for _, f := range facet {
				if f == v {
					in = true
				}
			}
			if !in {
				slot = j
			}
		}
		if inherit[nb] == nil {
			inherit[nb] = make(map[int]int)
		}
		inherit[nb][slot] = bt[slotRm]
	}

	p = &mesh.Patch{}
	nodes := make([]int, m.NLoc)
	for _, e := range star {
		p.Remove = append(p.Remove, m.Key(e))
	}
	for idx, e := range star {
		if m.LocalSlot(e, t) >= 0 {
			continue
		}
		copy(nodes, m.Element(e))
		tags := append([]int(nil), m.ElementTags(e)...)
		nodes[m.LocalSlot(e, rm)] = t
		for slot, tg := range inherit[e] {
			tags[slot] = tg
		}
		if q := m.QualityOf(nodes); q < qualityFloor {
			return nil, DegenerateGeometry, false, true
		}
		if _, dup := m.FindElement(m.KeyOf(nodes)); dup {
			return nil, DegenerateGeometry, false, true
		}
		p.Add = append(p.Add, m.ElementRecordOf(nodes, m.Regions[e], tags, idx))
	}
	for _, v := range m.NNList[rm] {
		if v != t && m.EdgeLength(t, v) > r.LUp {
			return nil, 0, false, false
		}
	}
	m.AddNodeRecords(p)
	return p, 0, true, false
}

// linkHolds checks on the owner of target that no neighbour of target outside
// the elements on the edge is also a neighbour of subject. claims holds
// subject and its whole 1-ring.
func linkHolds(m *mesh.Mesh, subject, target int, claims []int) bool {
	rm, ok := m.Local(subject)
	if !ok {
		return false
	}
	t, _ := m.Local(target)
	apex := make(map[int]bool)
	for _, e := range m.ElementsWith(rm, t) {
		for _, v := range m.Element(e) {
			apex[v] = true
		}
	}
	if len(apex) == 0 {
		return false
	}
	for _, v := range m.NNList[t] {
		if !apex[v] && containsSorted(claims, m.GNN[v]) {
			return false
		}
	}
	return true
}
