package mesh

import (
	"fmt"

	"github.com/notargets/goadapt/comm"
)

// NodeRecord carries everything a rank needs to create a node it lacks.
type NodeRecord struct {
	GNN, Owner int
	Coords     []float64
	Metric     []float64
	Tags       []int
}

// ElementRecord is a new element expressed in global node numbers, in
// positive orientation. Parents index into Patch.Remove: a rank that holds
// any parent adds the element.
type ElementRecord struct {
	Nodes   []int
	Region  int
	Tags    []int
	Parents []int
}

// Patch is a committed local rewrite of the mesh: a set of elements replaced
// by another set covering the same region.
type Patch struct {
	Remove []ElementKey
	Add    []ElementRecord
	Nodes  []NodeRecord
}

// NodeRecordOf snapshots node n.
func (m *Mesh) NodeRecordOf(n int) NodeRecord {
	return NodeRecord{
		GNN:    m.GNN[n],
		Owner:  m.Owner[n],
		Coords: append([]float64(nil), m.X(n)...),
		Metric: append([]float64(nil), m.M(n)...),
		Tags:   append([]int(nil), m.NodeTags[n]...),
	}
}

// ElementRecordOf describes local nodes as an element record.
func (m *Mesh) ElementRecordOf(nodes []int, region int, tags []int, parents ...int) ElementRecord {
	rec := ElementRecord{
		Nodes:   make([]int, len(nodes)),
		Region:  region,
		Tags:    append([]int(nil), tags...),
		Parents: parents,
	}
	for i, n := range nodes {
		rec.Nodes[i] = m.GNN[n]
	}
	return rec
}

// AddNodeRecords attaches records for every node used by the added elements.
func (m *Mesh) AddNodeRecords(p *Patch) {
	seen := make(map[int]bool)
	for _, rec := range p.Add {
		for _, g := range rec.Nodes {
			if seen[g] {
				continue
			}
			seen[g] = true
			n := m.gnnIndex[g]
			p.Nodes = append(p.Nodes, m.NodeRecordOf(n))
		}
	}
}

// keepsRecord reports whether this rank must hold the new element: it holds
// one of its parents, or it owns one of its nodes and so must hold the
// node's whole star.
func (m *Mesh) keepsRecord(rec ElementRecord, held []bool) bool {
	for _, par := range rec.Parents {
		if par >= 0 && par < len(held) && held[par] {
			return true
		}
	}
	for _, g := range rec.Nodes {
		if n, ok := m.gnnIndex[g]; ok && m.NodeAlive(n) && m.IsOwned(n) {
			return true
		}
	}
	return false
}

// ApplyPatch performs the rewrite if this rank holds at least one of the
// removed elements. Nodes left without elements are removed by the next
// RebuildHalo.
func (m *Mesh) ApplyPatch(p *Patch) (applied bool, err error) {
	var (
		held    = make([]bool, len(p.Remove))
		touched []int
	)
	for i, key := range p.Remove {
		if _, ok := m.keyIndex[key]; ok {
			held[i] = true
			applied = true
		}
	}
	if !applied {
		return
	}
	records := make(map[int]*NodeRecord, len(p.Nodes))
	for i := range p.Nodes {
		records[p.Nodes[i].GNN] = &p.Nodes[i]
	}
	for i, key := range p.Remove {
		if held[i] {
			e := m.keyIndex[key]
			touched = append(touched, m.Element(e)...)
			m.EraseElement(e)
		}
	}
	nodes := make([]int, m.NLoc)
	for _, rec := range p.Add {
		if !m.keepsRecord(rec, held) {
			continue
		}
		missing := false
		for i, g := range rec.Nodes {
			n, ok := m.gnnIndex[g]
			if !ok {
				nr, found := records[g]
				if !found {
					err = fmt.Errorf("%w: patch uses node %d without a record", ErrHaloInconsistency, g)
					missing = true
					break
				}
				n = m.AppendNode(nr.GNN, nr.Owner, nr.Coords, nr.Metric, nr.Tags)
			}
			nodes[i] = n
		}
		if missing {
			continue
		}
		if _, dup := m.keyIndex[m.KeyOf(nodes)]; dup {
			continue
		}
		m.AppendElement(nodes, rec.Region, rec.Tags)
		touched = append(touched, nodes...)
	}
	m.RefreshNNList(touched...)
	return
}

// EncodePatches flattens patches into one message.
func (m *Mesh) EncodePatches(ps []*Patch) comm.Message {
	var p comm.Packer
	p.Int(len(ps))
	for _, pt := range ps {
		p.Int(len(pt.Remove))
		for _, key := range pt.Remove {
			p.Int(key[:m.NLoc]...)
		}
		p.Int(len(pt.Add))
		for _, rec := range pt.Add {
			p.Int(rec.Nodes...)
			p.Int(rec.Region)
			p.Int(rec.Tags...)
			p.IntList(rec.Parents)
		}
		p.Int(len(pt.Nodes))
		for _, nr := range pt.Nodes {
			p.Int(nr.GNN, nr.Owner)
			p.IntList(nr.Tags)
			p.Float(nr.Coords...)
			p.Float(nr.Metric...)
		}
	}
	return p.Msg
}

// DecodePatches reverses EncodePatches.
func (m *Mesh) DecodePatches(msg comm.Message) (ps []*Patch, err error) {
	var (
		u  = comm.NewUnpacker(msg)
		np = u.Int()
	)
	for k := 0; k < np && u.Err() == nil; k++ {
		pt := &Patch{}
		nr := u.Int()
		for i := 0; i < nr && u.Err() == nil; i++ {
			pt.Remove = append(pt.Remove, KeyFromGNN(u.Ints(m.NLoc)))
		}
		na := u.Int()
		for i := 0; i < na && u.Err() == nil; i++ {
			var rec ElementRecord
			rec.Nodes = append([]int(nil), u.Ints(m.NLoc)...)
			rec.Region = u.Int()
			rec.Tags = append([]int(nil), u.Ints(m.NLoc)...)
			rec.Parents = append([]int(nil), u.IntList()...)
			pt.Add = append(pt.Add, rec)
		}
		nn := u.Int()
		for i := 0; i < nn && u.Err() == nil; i++ {
			var rec NodeRecord
			rec.GNN, rec.Owner = u.Int(), u.Int()
			rec.Tags = append([]int(nil), u.IntList()...)
			rec.Coords = append([]float64(nil), u.Floats(m.Dim)...)
			rec.Metric = append([]float64(nil), u.Floats(m.MetricStride())...)
			pt.Nodes = append(pt.Nodes, rec)
		}
		ps = append(ps, pt)
	}
	if err = u.Err(); err != nil {
		err = fmt.Errorf("%w: decoding patches: %v", ErrHaloInconsistency, err)
	}
	return
}

// SendPatches ships patches to the ranks listed for each one and applies
// every patch received. Collective; the local copies are not re-applied.
func (m *Mesh) SendPatches(ps []*Patch, dest [][]int) (applied int, err error) {
	var (
		rank = m.Comm.Rank()
		per  = make(map[int][]*Patch)
	)
	for i, pt := range ps {
		for _, r := range dest[i] {
			if r != rank {
				per[r] = append(per[r], pt)
			}
		}
	}
	out := make(map[int]comm.Message, len(per))
	for r, list := range per {
		out[r] = m.EncodePatches(list)
	}
	in := m.Comm.Exchange(out)
	for _, r := range comm.SortedRanks(in) {
		recvd, e := m.DecodePatches(in[r])
		if e != nil {
			err = e
			continue
		}
		for _, pt := range recvd {
			ok, e := m.ApplyPatch(pt)
			if e != nil {
				err = e
			}
			if ok {
				applied++
			}
		}
	}
	return
}
