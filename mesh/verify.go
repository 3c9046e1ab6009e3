package mesh

import (
	"fmt"
	"math"
	"strings"

	"github.com/notargets/goadapt/comm"
)

const maxReported = 10

type problems struct {
	list  []string
	count int
}

func (p *problems) add(format string, args ...any) {
	p.count++
	if len(p.list) < maxReported {
		p.list = append(p.list, fmt.Sprintf(format, args...))
	}
}

// Verify checks the local invariants of this rank and the agreement of its
// ghosts with their owners. Collective.
func (m *Mesh) Verify() (err error) {
	var (
		p    problems
		rank = m.Comm.Rank()
	)
	keys := make(map[ElementKey]int)
	for e := range m.Regions {
		if !m.ElementAlive(e) {
			continue
		}
		el := m.Element(e)
		for _, n := range el {
			if n < 0 || n >= m.NNodes() || !m.NodeAlive(n) {
				p.add("element %d references dead node %d", e, n)
			} else if !containsSorted(m.NEList[n], e) {
				p.add("element %d missing from NEList of node %d", e, m.GNN[n])
			}
		}
		if vol := m.SignedMeasure(el); !(vol > 0) {
			p.add("element %v has measure %g", m.Key(e), vol)
		}
		key := m.Key(e)
		if other, dup := keys[key]; dup {
			p.add("elements %d and %d share nodes %v", other, e, key)
		}
		keys[key] = e
		if idx, ok := m.keyIndex[key]; !ok || idx != e {
			p.add("element %v missing from the element index", key)
		}
	}
	for n := range m.GNN {
		if !m.NodeAlive(n) {
			continue
		}
		if len(m.NEList[n]) == 0 {
			p.add("orphan node %d", m.GNN[n])
		}
		for _, e := range m.NEList[n] {
			if !m.ElementAlive(e) || m.LocalSlot(e, n) < 0 {
				p.add("node %d lists element %d that does not use it", m.GNN[n], e)
			}
		}
		nn := append([]int(nil), m.NNList[n]...)
		m.refreshNN(n)
		if fmt.Sprint(nn) != fmt.Sprint(m.NNList[n]) {
			p.add("stale NNList at node %d", m.GNN[n])
		}
		if m.Owner[n] == rank {
			m.verifyStar(n, &p)
		}
	}
	m.verifyHalo(&p)
	if p.count != 0 {
		err = fmt.Errorf("%w: rank %d: %d problems: %s", ErrMalformedMesh, rank, p.count,
			strings.Join(p.list, "; "))
	}
	return
}

// verifyStar checks that an owned node holds its whole star: every facet
// through the node is shared by two held elements or carries a tag.
func (m *Mesh) verifyStar(n int, p *problems) {
	for _, e := range m.NEList[n] {
		el, bt := m.Element(e), m.ElementTags(e)
		for i, v := range el {
			if v == n {
				continue
			}
			facet := make([]int, 0, m.Dim)
			for j, w := range el {
				if j != i {
					facet = append(facet, w)
				}
			}
			count := len(m.ElementsWith(facet...))
			switch {
			case count > 2:
				p.add("facet of node %d shared by %d elements", m.GNN[n], count)
			case count == 1 && bt[i] == 0:
				p.add("owned node %d has an open untagged facet in element %v", m.GNN[n], m.Key(e))
			}
		}
	}
}

// verifyHalo compares the ghost copies with the owners, bit for bit.
func (m *Mesh) verifyHalo(p *problems) {
	var (
		rank   = m.Comm.Rank()
		stride = m.MetricStride()
		out    = make(map[int]comm.Message, len(m.Send))
	)
	for r, list := range m.Send {
		var pk comm.Packer
		for _, n := range list {
			pk.Int(m.GNN[n])
			pk.IntList(m.NodeTags[n])
			pk.Float(m.X(n)...)
			pk.Float(m.M(n)...)
		}
		out[r] = pk.Msg
	}
	in := m.Comm.Exchange(out)
	for r, list := range m.Recv {
		u := comm.NewUnpacker(in[r])
		for _, n := range list {
			var (
				g    = u.Int()
				tags = u.IntList()
				x    = u.Floats(m.Dim)
				mt   = u.Floats(stride)
			)
			if u.Err() != nil {
				p.add("short halo message from %d", r)
				break
			}
			if g != m.GNN[n] {
				p.add("halo pairing with %d: have %d, owner sent %d", r, m.GNN[n], g)
				continue
			}
			if !equalBits(x, m.X(n)) || !equalBits(mt, m.M(n)) {
				p.add("ghost %d differs from owner %d", g, r)
			}
			if fmt.Sprint(tags) != fmt.Sprint(m.NodeTags[n]) {
				p.add("ghost %d tags %v, owner has %v", g, m.NodeTags[n], tags)
			}
		}
	}
	for n := range m.GNN {
		if m.NodeAlive(n) && m.Owner[n] != rank && !containsSorted(m.Sharers[n], rank) {
			p.add("ghost %d not registered with owner %d", m.GNN[n], m.Owner[n])
		}
	}
}

func equalBits(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if math.Float64bits(a[i]) != math.Float64bits(b[i]) {
			return false
		}
	}
	return true
}
