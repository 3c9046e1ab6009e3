package mesh

import (
	"fmt"
	"math"
	"sort"

	"github.com/notargets/goadapt/comm"
	"github.com/notargets/goadapt/geometry"
)

// ElementKey identifies an element on every rank: its sorted global node
// numbers, padded with -1 for triangles.
type ElementKey [4]int

// Mesh is one rank's piece of a distributed simplex mesh. Storage is arena
// style: a deleted node has Owner -1, a deleted element has a first vertex of
// -1, and both keep their slots until Defragment.
type Mesh struct {
	Dim  int
	NLoc int // Vertices per element
	Comm comm.Communicator

	// Per node
	Coords   []float64 // Dim stride
	Metric   []float64 // Packed tensor, MetricStride stride
	GNN      []int     // Global node number
	Owner    []int
	NodeTags [][]int // Sorted tags of the tagged facets touching the node
	Sharers  [][]int // Sorted ranks holding a copy, owner included
	NNList   [][]int // Sorted local ids of adjacent nodes
	NEList   [][]int // Sorted local ids of incident elements

	// Per element
	ENList   []int     // NLoc stride
	Regions  []int
	Boundary []int     // NLoc stride, tag of the facet opposite each vertex
	Quality  []float64 // Cached metric quality

	// Halo lists, local ids ordered by global node number. Send[r] holds owned
	// nodes that r mirrors, Recv[r] the ghosts this rank mirrors from owner r.
	Send map[int][]int
	Recv map[int][]int

	gnnIndex map[int]int
	keyIndex map[ElementKey]int
}

func newMesh(dim int, c comm.Communicator) *Mesh {
	return &Mesh{
		Dim:      dim,
		NLoc:     dim + 1,
		Comm:     c,
		Send:     make(map[int][]int),
		Recv:     make(map[int][]int),
		gnnIndex: make(map[int]int),
		keyIndex: make(map[ElementKey]int),
	}
}

// New builds this rank's partition of the global input. epart assigns every
// input element to a rank; nil puts everything on rank 0. Node owners are the
// lowest rank among the node's elements, and a rank keeps every element
// touching a node it owns.
func New(in *Input, epart []int, c comm.Communicator) (m *Mesh, err error) {
	if c == nil {
		c = comm.Self()
	}
	if err = in.Validate(); err != nil {
		return
	}
	var (
		ne    = len(in.Elements)
		nn    = len(in.Coords)
		rank  = c.Rank()
		owner = make([]int, nn)
	)
	if epart == nil {
		epart = make([]int, ne)
	}
	if len(epart) != ne {
		err = fmt.Errorf("%w: partition has %d entries for %d elements", ErrMalformedMesh, len(epart), ne)
		return
	}
	for k, p := range epart {
		if p < 0 || p >= c.Size() {
			err = fmt.Errorf("%w: element %d assigned to rank %d of %d", ErrMalformedMesh, k, p, c.Size())
			return
		}
	}
	for i := range owner {
		owner[i] = math.MaxInt
	}
	for k, verts := range in.Elements {
		for _, v := range verts {
			owner[v] = min(owner[v], epart[k])
		}
	}
	var (
		held   []int
		needed = make([]bool, nn)
	)
	for k, verts := range in.Elements {
		for _, v := range verts {
			if owner[v] == rank {
				held = append(held, k)
				for _, w := range verts {
					needed[w] = true
				}
				break
			}
		}
	}
	m = newMesh(in.Dim, c)
	for g := 0; g < nn; g++ {
		if needed[g] {
			m.AppendNode(g, owner[g], in.Coords[g], geometry.Identity(in.Dim), nil)
		}
	}
	var (
		nodes = make([]int, m.NLoc)
		tags  = make([]int, m.NLoc)
	)
	for _, k := range held {
		for i, g := range in.Elements[k] {
			nodes[i] = m.gnnIndex[g]
			tags[i] = 0
			if in.Boundary != nil {
				tags[i] = in.Boundary[k][i]
			}
		}
		if m.SignedMeasure(nodes) < 0 {
			nodes[0], nodes[1] = nodes[1], nodes[0]
			tags[0], tags[1] = tags[1], tags[0]
		}
		region := 0
		if in.Regions != nil {
			region = in.Regions[k]
		}
		m.AppendElement(nodes, region, tags)
	}
	m.RefreshNNList()
	if err = m.RebuildHalo(); err != nil {
		return
	}
	err = m.UpdateNodeTags()
	return
}

func (m *Mesh) NNodes() int    { return len(m.GNN) }
func (m *Mesh) NElements() int { return len(m.Regions) }
func (m *Mesh) Rank() int      { return m.Comm.Rank() }

func (m *Mesh) MetricStride() int { return geometry.MetricStride(m.Dim) }

func (m *Mesh) NodeAlive(n int) bool    { return m.Owner[n] >= 0 }
func (m *Mesh) ElementAlive(e int) bool { return m.ENList[e*m.NLoc] >= 0 }
func (m *Mesh) IsOwned(n int) bool      { return m.Owner[n] == m.Comm.Rank() }

// X is the coordinate view of node n.
func (m *Mesh) X(n int) []float64 { return m.Coords[n*m.Dim : (n+1)*m.Dim] }

// M is the metric view of node n.
func (m *Mesh) M(n int) []float64 {
	s := m.MetricStride()
	return m.Metric[n*s : (n+1)*s]
}

// Element is the connectivity view of element e.
func (m *Mesh) Element(e int) []int { return m.ENList[e*m.NLoc : (e+1)*m.NLoc] }

// ElementTags is the facet tag view of element e.
func (m *Mesh) ElementTags(e int) []int { return m.Boundary[e*m.NLoc : (e+1)*m.NLoc] }

// Local maps a global node number to the local id.
func (m *Mesh) Local(gnn int) (n int, ok bool) {
	n, ok = m.gnnIndex[gnn]
	return
}

// IsBoundary reports whether the node touches a tagged facet.
func (m *Mesh) IsBoundary(n int) bool { return len(m.NodeTags[n]) != 0 }

// KeyOf returns the identity of the element made of the local nodes.
func (m *Mesh) KeyOf(nodes []int) (key ElementKey) {
	key = ElementKey{-1, -1, -1, -1}
	for i, n := range nodes {
		key[i] = m.GNN[n]
	}
	sort.Ints(key[:len(nodes)])
	return
}

// KeyFromGNN returns the identity of the element made of the global nodes.
func KeyFromGNN(gnns []int) (key ElementKey) {
	key = ElementKey{-1, -1, -1, -1}
	copy(key[:], gnns)
	sort.Ints(key[:len(gnns)])
	return
}

func (m *Mesh) Key(e int) ElementKey { return m.KeyOf(m.Element(e)) }

// FindElement looks an element up by identity.
func (m *Mesh) FindElement(key ElementKey) (e int, ok bool) {
	e, ok = m.keyIndex[key]
	return
}

// AppendNode adds a node and returns its local id. The data is copied.
func (m *Mesh) AppendNode(gnn, owner int, x, metric []float64, tags []int) (n int) {
	n = len(m.GNN)
	m.Coords = append(m.Coords, x[:m.Dim]...)
	m.Metric = append(m.Metric, metric[:m.MetricStride()]...)
	m.GNN = append(m.GNN, gnn)
	m.Owner = append(m.Owner, owner)
	m.NodeTags = append(m.NodeTags, append([]int(nil), tags...))
	m.Sharers = append(m.Sharers, nil)
	m.NNList = append(m.NNList, nil)
	m.NEList = append(m.NEList, nil)
	m.gnnIndex[gnn] = n
	return
}

// EraseNode tombstones a node that no element references any more.
func (m *Mesh) EraseNode(n int) {
	if len(m.NEList[n]) != 0 {
		panic(fmt.Errorf("erasing node %d (gnn %d) still used by %d elements",
			n, m.GNN[n], len(m.NEList[n])))
	}
	for _, nb := range m.NNList[n] {
		m.NNList[nb] = removeSorted(m.NNList[nb], n)
	}
	delete(m.gnnIndex, m.GNN[n])
	m.Owner[n] = -1
	m.NodeTags[n], m.Sharers[n], m.NNList[n] = nil, nil, nil
}

// AppendElement adds an element and registers it in NEList. NNList is left to
// RefreshNNList so that a batch of edits pays for it once.
func (m *Mesh) AppendElement(nodes []int, region int, tags []int) (e int) {
	e = len(m.Regions)
	m.ENList = append(m.ENList, nodes[:m.NLoc]...)
	m.Boundary = append(m.Boundary, tags[:m.NLoc]...)
	m.Regions = append(m.Regions, region)
	m.Quality = append(m.Quality, 0)
	for _, n := range nodes[:m.NLoc] {
		m.NEList[n] = insertSorted(m.NEList[n], e)
	}
	m.keyIndex[m.Key(e)] = e
	m.Quality[e] = m.ElementQuality(e)
	return
}

// EraseElement tombstones an element and removes it from NEList.
func (m *Mesh) EraseElement(e int) {
	delete(m.keyIndex, m.Key(e))
	el := m.Element(e)
	for _, n := range el {
		m.NEList[n] = removeSorted(m.NEList[n], e)
	}
	for i := range el {
		el[i] = -1
	}
}

// RefreshNNList recomputes node adjacency from NEList, for the given nodes or
// for every live node when called without arguments.
func (m *Mesh) RefreshNNList(nodes ...int) {
	if len(nodes) == 0 {
		for n := range m.GNN {
			if m.NodeAlive(n) {
				m.refreshNN(n)
			}
		}
		return
	}
	for _, n := range nodes {
		if m.NodeAlive(n) {
			m.refreshNN(n)
		}
	}
}

func (m *Mesh) refreshNN(n int) {
	nn := m.NNList[n][:0]
	for _, e := range m.NEList[n] {
		for _, v := range m.Element(e) {
			if v != n {
				nn = insertSorted(nn, v)
			}
		}
	}
	m.NNList[n] = nn
}

// BuildAdjacency rebuilds NEList, NNList and the element index from ENList.
func (m *Mesh) BuildAdjacency() {
	for n := range m.NEList {
		m.NEList[n] = m.NEList[n][:0]
	}
	m.keyIndex = make(map[ElementKey]int, len(m.Regions))
	for e := range m.Regions {
		if !m.ElementAlive(e) {
			continue
		}
		for _, n := range m.Element(e) {
			m.NEList[n] = append(m.NEList[n], e)
		}
		m.keyIndex[m.Key(e)] = e
	}
	m.RefreshNNList()
}

// Points returns the vertex coordinate views of an element.
func (m *Mesh) Points(nodes []int) (x [][]float64) {
	x = make([][]float64, len(nodes))
	for i, n := range nodes {
		x[i] = m.X(n)
	}
	return
}

// Metrics returns the vertex tensor views of an element.
func (m *Mesh) Metrics(nodes []int) (ms [][]float64) {
	ms = make([][]float64, len(nodes))
	for i, n := range nodes {
		ms[i] = m.M(n)
	}
	return
}

func (m *Mesh) SignedMeasure(nodes []int) float64 {
	return geometry.SignedMeasure(m.Points(nodes)...)
}

// QualityOf is the metric quality of an arbitrary vertex tuple.
func (m *Mesh) QualityOf(nodes []int) float64 {
	return geometry.Quality(m.Points(nodes), m.Metrics(nodes))
}

func (m *Mesh) ElementQuality(e int) float64 {
	return m.QualityOf(m.Element(e))
}

// RefreshQuality recomputes the quality cache of live elements.
func (m *Mesh) RefreshQuality() {
	for e := range m.Regions {
		if m.ElementAlive(e) {
			m.Quality[e] = m.ElementQuality(e)
		}
	}
}

// EdgeLength is the metric length of edge (a, b), evaluated from the lower
// global number so that every holder of the edge gets the same value.
func (m *Mesh) EdgeLength(a, b int) float64 {
	if m.GNN[a] > m.GNN[b] {
		a, b = b, a
	}
	return geometry.EdgeLength(m.X(a), m.X(b), m.M(a), m.M(b))
}

// ForEachEdge visits every local edge once, lower global number first.
func (m *Mesh) ForEachEdge(fn func(a, b int)) {
	for a := range m.GNN {
		if !m.NodeAlive(a) {
			continue
		}
		for _, b := range m.NNList[a] {
			if m.GNN[a] < m.GNN[b] {
				fn(a, b)
			}
		}
	}
}

// AccountingOwner is the rank that counts element e in global sums.
func (m *Mesh) AccountingOwner(e int) (r int) {
	r = math.MaxInt
	for _, n := range m.Element(e) {
		r = min(r, m.Owner[n])
	}
	return
}

// MaxGNN is the largest global node number held by this rank.
func (m *Mesh) MaxGNN() (g int) {
	g = -1
	for n, gnn := range m.GNN {
		if m.NodeAlive(n) {
			g = max(g, gnn)
		}
	}
	return
}

// ElementsWith returns the live elements containing all the given nodes.
func (m *Mesh) ElementsWith(nodes ...int) (elems []int) {
	elems = m.NEList[nodes[0]]
	for _, n := range nodes[1:] {
		elems = IntersectSorted(elems, m.NEList[n])
	}
	if len(nodes) == 1 {
		elems = append([]int(nil), elems...)
	}
	return
}

// LocalSlot returns the position of node n in element e, or -1.
func (m *Mesh) LocalSlot(e, n int) int {
	for i, v := range m.Element(e) {
		if v == n {
			return i
		}
	}
	return -1
}
