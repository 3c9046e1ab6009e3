package mesh

import (
	"fmt"
	"sort"

	"github.com/notargets/goadapt/comm"
)

// dropOrphans erases live nodes that no held element references.
func (m *Mesh) dropOrphans() (dropped int) {
	for n := range m.GNN {
		if m.NodeAlive(n) && len(m.NEList[n]) == 0 {
			m.EraseNode(n)
			dropped++
		}
	}
	return
}

func (m *Mesh) sortByGNN(nodes []int) {
	sort.Slice(nodes, func(i, j int) bool { return m.GNN[nodes[i]] < m.GNN[nodes[j]] })
}

// RebuildHalo drops orphans and rebuilds sharers and the send/recv lists
// from scratch. Ghosts ask their owners to register them, then the owners
// answer with the full sharer list of every requested node. Collective.
func (m *Mesh) RebuildHalo() (err error) {
	m.dropOrphans()
	var (
		rank     = m.Comm.Rank()
		requests = make(map[int][]int)
		out      = make(map[int]comm.Message)
		bad      int
	)
	for n := range m.GNN {
		if !m.NodeAlive(n) {
			continue
		}
		if m.Owner[n] == rank {
			m.Sharers[n] = []int{rank}
			continue
		}
		requests[m.Owner[n]] = append(requests[m.Owner[n]], n)
	}
	for r, list := range requests {
		m.sortByGNN(list)
		gnns := make([]int, len(list))
		for i, n := range list {
			gnns[i] = m.GNN[n]
		}
		out[r] = comm.Message{Ints: gnns}
	}
	in := m.Comm.Exchange(out)

	send := make(map[int][]int)
	for _, r := range comm.SortedRanks(in) {
		for _, g := range in[r].Ints {
			n, ok := m.gnnIndex[g]
			if !ok || m.Owner[n] != rank {
				bad++
				continue
			}
			m.Sharers[n] = insertSorted(m.Sharers[n], r)
			send[r] = append(send[r], n)
		}
	}
	reply := make(map[int]comm.Message)
	for r, msg := range in {
		var p comm.Packer
		for _, g := range msg.Ints {
			if n, ok := m.gnnIndex[g]; ok && m.Owner[n] == rank {
				p.IntList(m.Sharers[n])
			} else {
				p.IntList(nil)
			}
		}
		reply[r] = p.Msg
	}
	back := m.Comm.Exchange(reply)
	for r, list := range requests {
		u := comm.NewUnpacker(back[r])
		for _, n := range list {
			s := u.IntList()
			if len(s) == 0 {
				bad++
				continue
			}
			m.Sharers[n] = append([]int(nil), s...)
		}
		if u.Err() != nil {
			bad++
		}
	}
	m.Send, m.Recv = send, requests
	if bad != 0 {
		err = fmt.Errorf("%w: rank %d has %d unresolved halo entries", ErrHaloInconsistency, rank, bad)
	}
	return
}

// SyncHaloFloats copies owner values of a node array with the given stride to
// the ghosts.
func (m *Mesh) SyncHaloFloats(data []float64, stride int) (err error) {
	out := make(map[int]comm.Message, len(m.Send))
	for r, list := range m.Send {
		buf := make([]float64, 0, len(list)*stride)
		for _, n := range list {
			buf = append(buf, data[n*stride:(n+1)*stride]...)
		}
		out[r] = comm.Message{Floats: buf}
	}
	in := m.Comm.Exchange(out)
	for r, list := range m.Recv {
		msg := in[r]
		if len(msg.Floats) != len(list)*stride {
			err = fmt.Errorf("%w: %d values from rank %d for %d nodes",
				ErrHaloInconsistency, len(msg.Floats), r, len(list))
			continue
		}
		for i, n := range list {
			copy(data[n*stride:(n+1)*stride], msg.Floats[i*stride:(i+1)*stride])
		}
	}
	return
}

func (m *Mesh) SyncHaloCoords() error { return m.SyncHaloFloats(m.Coords, m.Dim) }

func (m *Mesh) SyncHaloMetric() error { return m.SyncHaloFloats(m.Metric, m.MetricStride()) }

// SyncHaloInts copies one owner value per node to the ghosts.
func (m *Mesh) SyncHaloInts(vals []int) (err error) {
	out := make(map[int]comm.Message, len(m.Send))
	for r, list := range m.Send {
		buf := make([]int, len(list))
		for i, n := range list {
			buf[i] = vals[n]
		}
		out[r] = comm.Message{Ints: buf}
	}
	in := m.Comm.Exchange(out)
	for r, list := range m.Recv {
		msg := in[r]
		if len(msg.Ints) != len(list) {
			err = fmt.Errorf("%w: %d values from rank %d for %d nodes",
				ErrHaloInconsistency, len(msg.Ints), r, len(list))
			continue
		}
		for i, n := range list {
			vals[n] = msg.Ints[i]
		}
	}
	return
}

func (m *Mesh) SyncHaloTags() (err error) {
	out := make(map[int]comm.Message, len(m.Send))
	for r, list := range m.Send {
		var p comm.Packer
		for _, n := range list {
			p.IntList(m.NodeTags[n])
		}
		out[r] = p.Msg
	}
	in := m.Comm.Exchange(out)
	for r, list := range m.Recv {
		u := comm.NewUnpacker(in[r])
		for _, n := range list {
			m.NodeTags[n] = append(m.NodeTags[n][:0], u.IntList()...)
		}
		if u.Err() != nil {
			err = fmt.Errorf("%w: tags from rank %d: %v", ErrHaloInconsistency, r, u.Err())
		}
	}
	return
}

// SyncHalo refreshes coordinates, tensors and tags of every ghost and then
// the quality cache.
func (m *Mesh) SyncHalo() (err error) {
	for _, sync := range []func() error{m.SyncHaloCoords, m.SyncHaloMetric, m.SyncHaloTags} {
		if e := sync(); e != nil && err == nil {
			err = e
		}
	}
	m.RefreshQuality()
	return
}

// UpdateNodeTags recomputes the tags of owned nodes from their stars and
// mirrors them to the ghosts.
func (m *Mesh) UpdateNodeTags() error {
	for n := range m.GNN {
		if !m.NodeAlive(n) || !m.IsOwned(n) {
			continue
		}
		tags := m.NodeTags[n][:0]
		for _, e := range m.NEList[n] {
			el, bt := m.Element(e), m.ElementTags(e)
			for i, t := range bt {
				if t != 0 && el[i] != n {
					tags = insertSorted(tags, t)
				}
			}
		}
		m.NodeTags[n] = tags
	}
	return m.SyncHaloTags()
}

// Neighbours lists the ranks this rank exchanges halo data with.
func (m *Mesh) Neighbours() (ranks []int) {
	set := make(map[int]bool)
	for r := range m.Send {
		set[r] = true
	}
	for r := range m.Recv {
		set[r] = true
	}
	for r := range set {
		ranks = append(ranks, r)
	}
	sort.Ints(ranks)
	return
}
