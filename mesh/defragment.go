package mesh

// Defragment compacts node and element storage, dropping tombstones and
// renumbering local ids in their current order. Global node numbers and the
// halo pairing are preserved. Every local id held by a caller is invalid
// afterwards.
func (m *Mesh) Defragment() {
	var (
		nmap   = make([]int, m.NNodes())
		nnodes int
		stride = m.MetricStride()
	)
	for n := range nmap {
		nmap[n] = -1
		if m.NodeAlive(n) && len(m.NEList[n]) != 0 {
			nmap[n] = nnodes
			nnodes++
		}
	}
	old := *m
	m.Coords = make([]float64, 0, nnodes*m.Dim)
	m.Metric = make([]float64, 0, nnodes*stride)
	m.GNN = make([]int, 0, nnodes)
	m.Owner = make([]int, 0, nnodes)
	m.NodeTags = make([][]int, 0, nnodes)
	m.Sharers = make([][]int, 0, nnodes)
	m.NNList = make([][]int, nnodes)
	m.NEList = make([][]int, nnodes)
	m.gnnIndex = make(map[int]int, nnodes)
	for n, nn := range nmap {
		if nn < 0 {
			continue
		}
		m.Coords = append(m.Coords, old.Coords[n*m.Dim:(n+1)*m.Dim]...)
		m.Metric = append(m.Metric, old.Metric[n*stride:(n+1)*stride]...)
		m.GNN = append(m.GNN, old.GNN[n])
		m.Owner = append(m.Owner, old.Owner[n])
		m.NodeTags = append(m.NodeTags, old.NodeTags[n])
		m.Sharers = append(m.Sharers, old.Sharers[n])
		m.gnnIndex[old.GNN[n]] = nn
	}
	var nelems int
	for e := range old.Regions {
		if old.ElementAlive(e) {
			nelems++
		}
	}
	m.ENList = make([]int, 0, nelems*m.NLoc)
	m.Boundary = make([]int, 0, nelems*m.NLoc)
	m.Regions = make([]int, 0, nelems)
	m.Quality = make([]float64, 0, nelems)
	for e := range old.Regions {
		if !old.ElementAlive(e) {
			continue
		}
		for _, n := range old.Element(e) {
			m.ENList = append(m.ENList, nmap[n])
		}
		m.Boundary = append(m.Boundary, old.ElementTags(e)...)
		m.Regions = append(m.Regions, old.Regions[e])
		m.Quality = append(m.Quality, old.Quality[e])
	}
	remap := func(lists map[int][]int) (out map[int][]int) {
		out = make(map[int][]int, len(lists))
		for r, list := range lists {
			nl := make([]int, 0, len(list))
			for _, n := range list {
				if nmap[n] >= 0 {
					nl = append(nl, nmap[n])
				}
			}
			out[r] = nl
		}
		return
	}
	m.Send, m.Recv = remap(old.Send), remap(old.Recv)
	m.BuildAdjacency()
}
