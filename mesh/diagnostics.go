package mesh

import (
	"math"

	"github.com/notargets/goadapt/comm"
	"github.com/notargets/goadapt/geometry"
)

// AllRegions selects every region in CalculateVolume.
const AllRegions = -1

// Accounted reports whether this rank counts element e in global sums.
func (m *Mesh) Accounted(e int) bool {
	return m.ElementAlive(e) && m.AccountingOwner(e) == m.Comm.Rank()
}

// CalculateVolume is the global area (2D) or volume (3D) of one region, or of
// the whole mesh for AllRegions. Collective.
func (m *Mesh) CalculateVolume(region int) float64 {
	var sum float64
	for e := range m.Regions {
		if m.Accounted(e) && (region == AllRegions || m.Regions[e] == region) {
			sum += m.SignedMeasure(m.Element(e))
		}
	}
	return m.Comm.AllReduceFloat64(sum, comm.Sum)
}

// CalculateArea is the global measure of all tagged facets. Interface facets
// are tagged on both sides and so count twice. Collective.
func (m *Mesh) CalculateArea() float64 {
	var sum float64
	for e := range m.Regions {
		if !m.Accounted(e) {
			continue
		}
		el, bt := m.Element(e), m.ElementTags(e)
		for i, t := range bt {
			if t == 0 {
				continue
			}
			facet := make([][]float64, 0, m.Dim)
			for j, n := range el {
				if j != i {
					facet = append(facet, m.X(n))
				}
			}
			sum += geometry.FacetMeasure(facet...)
		}
	}
	return m.Comm.AllReduceFloat64(sum, comm.Sum)
}

// QualityStats returns the global minimum and mean element quality.
// Collective.
func (m *Mesh) QualityStats() (qmin, qmean float64) {
	var (
		sum   float64
		count int
	)
	qmin = math.Inf(1)
	for e := range m.Regions {
		if m.Accounted(e) {
			q := m.Quality[e]
			qmin = math.Min(qmin, q)
			sum += q
			count++
		}
	}
	qmin = m.Comm.AllReduceFloat64(qmin, comm.Min)
	sum = m.Comm.AllReduceFloat64(sum, comm.Sum)
	count = m.Comm.AllReduceInt(count, comm.Sum)
	if count > 0 {
		// Rounding can leave the mean of equal qualities below the minimum
		qmean = math.Max(qmin, sum/float64(count))
	}
	return
}

// MaximalEdgeLength is the longest edge in metric space. Collective.
func (m *Mesh) MaximalEdgeLength() float64 {
	var lmax float64
	m.ForEachEdge(func(a, b int) {
		lmax = math.Max(lmax, m.EdgeLength(a, b))
	})
	return m.Comm.AllReduceFloat64(lmax, comm.Max)
}

// MinimalEdgeLength is the shortest edge in metric space. Collective.
func (m *Mesh) MinimalEdgeLength() float64 {
	lmin := math.Inf(1)
	m.ForEachEdge(func(a, b int) {
		lmin = math.Min(lmin, m.EdgeLength(a, b))
	})
	return m.Comm.AllReduceFloat64(lmin, comm.Min)
}

// GlobalElements counts live elements across ranks. Collective.
func (m *Mesh) GlobalElements() int {
	var count int
	for e := range m.Regions {
		if m.Accounted(e) {
			count++
		}
	}
	return m.Comm.AllReduceInt(count, comm.Sum)
}

// GlobalNodes counts live nodes across ranks. Collective.
func (m *Mesh) GlobalNodes() int {
	var count int
	for n := range m.GNN {
		if m.NodeAlive(n) && m.IsOwned(n) {
			count++
		}
	}
	return m.Comm.AllReduceInt(count, comm.Sum)
}

// LocalCounts returns live nodes and elements held by this rank, ghosts
// included.
func (m *Mesh) LocalCounts() (nodes, elements int) {
	for n := range m.GNN {
		if m.NodeAlive(n) {
			nodes++
		}
	}
	for e := range m.Regions {
		if m.ElementAlive(e) {
			elements++
		}
	}
	return
}
