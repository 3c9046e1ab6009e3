package mesh

import (
	"fmt"
	"sort"

	"github.com/notargets/goadapt/comm"
)

// RedistributeHalo resizes the ghost layer so that this rank holds exactly
// the elements within the given number of node adjacency hops of its owned
// nodes: one level is the star of every owned node. Stars of ghost nodes
// are requested from their owners, who hold them complete. Ownership does
// not move. Collective, every rank must pass the same levels.
func (m *Mesh) RedistributeHalo(levels int) (err error) {
	if levels < 1 {
		return fmt.Errorf("halo levels must be at least 1, have %d", levels)
	}
	var (
		rank     = m.Comm.Rank()
		target   = make(map[int]bool)
		expanded = make(map[int]bool) // By gnn, star already in target
	)
	for n := range m.GNN {
		if m.NodeAlive(n) && m.Owner[n] == rank {
			expanded[m.GNN[n]] = true
			for _, e := range m.NEList[n] {
				target[e] = true
			}
		}
	}
	for level := 2; level <= levels; level++ {
		var frontier []int
		for e := range target {
			for _, v := range m.Element(e) {
				if !expanded[m.GNN[v]] {
					expanded[m.GNN[v]] = true
					frontier = append(frontier, v)
				}
			}
		}
		m.sortByGNN(frontier)
		if e := m.fetchStars(frontier); e != nil && err == nil {
			err = e
		}
		for _, v := range frontier {
			for _, e := range m.NEList[v] {
				target[e] = true
			}
		}
	}
	for e := range m.Regions {
		if m.ElementAlive(e) && !target[e] {
			m.EraseElement(e)
		}
	}
	m.RefreshNNList()
	if e := m.RebuildHalo(); e != nil && err == nil {
		err = e
	}
	if e := m.SyncHalo(); e != nil && err == nil {
		err = e
	}
	return
}

// fetchStars makes the full star of every listed ghost node local. The
// owners reply with element and node records. Collective.
func (m *Mesh) fetchStars(nodes []int) (err error) {
	var (
		rank = m.Comm.Rank()
		req  = make(map[int][]int)
	)
	for _, n := range nodes {
		if m.Owner[n] != rank {
			req[m.Owner[n]] = append(req[m.Owner[n]], m.GNN[n])
		}
	}
	out := make(map[int]comm.Message, len(req))
	for r, gnns := range req {
		out[r] = comm.Message{Ints: gnns}
	}
	in := m.Comm.Exchange(out)

	reply := make(map[int]comm.Message, len(in))
	for r, msg := range in {
		var (
			elems = make(map[int]bool)
			pt    = &Patch{}
		)
		for _, g := range msg.Ints {
			n, ok := m.gnnIndex[g]
			if !ok || m.Owner[n] != rank {
				err = fmt.Errorf("%w: rank %d asked for the star of %d", ErrHaloInconsistency, r, g)
				continue
			}
			for _, e := range m.NEList[n] {
				elems[e] = true
			}
		}
		list := make([]int, 0, len(elems))
		for e := range elems {
			list = append(list, e)
		}
		sort.Ints(list)
		for _, e := range list {
			pt.Add = append(pt.Add, m.ElementRecordOf(m.Element(e), m.Regions[e], m.ElementTags(e)))
		}
		m.AddNodeRecords(pt)
		reply[r] = m.EncodePatches([]*Patch{pt})
	}
	back := m.Comm.Exchange(reply)
	for _, r := range comm.SortedRanks(back) {
		ps, e := m.DecodePatches(back[r])
		if e != nil {
			err = e
			continue
		}
		for _, pt := range ps {
			m.addRecords(pt)
		}
	}
	return
}

// addRecords adds the elements of a patch that are not yet held, without
// removing anything.
func (m *Mesh) addRecords(pt *Patch) {
	records := make(map[int]*NodeRecord, len(pt.Nodes))
	for i := range pt.Nodes {
		records[pt.Nodes[i].GNN] = &pt.Nodes[i]
	}
	nodes := make([]int, m.NLoc)
	for _, rec := range pt.Add {
		if _, ok := m.keyIndex[KeyFromGNN(rec.Nodes)]; ok {
			continue
		}
		for i, g := range rec.Nodes {
			n, ok := m.gnnIndex[g]
			if !ok {
				nr := records[g]
				n = m.AppendNode(nr.GNN, nr.Owner, nr.Coords, nr.Metric, nr.Tags)
			}
			nodes[i] = n
		}
		m.AppendElement(nodes, rec.Region, rec.Tags)
	}
}
