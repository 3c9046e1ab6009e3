// Package metric holds the per node metric tensor field that drives
// adaptation, and the tensor algebra used to build it.
package metric

import (
	"fmt"
	"math"

	"github.com/notargets/goadapt/comm"
	"github.com/notargets/goadapt/geometry"
	"github.com/notargets/goadapt/mesh"
)

// MetricField stages tensor edits for a mesh. Nothing reaches the mesh until
// UpdateMesh, which also makes the ghosts agree with the owners.
type MetricField struct {
	Mesh    *mesh.Mesh
	stride  int
	tensors []float64
	touched bool
}

func NewMetricField(m *mesh.Mesh) (f *MetricField) {
	f = &MetricField{
		Mesh:   m,
		stride: m.MetricStride(),
	}
	f.resize()
	copy(f.tensors, m.Metric)
	return
}

// resize follows node arena growth of the mesh.
func (f *MetricField) resize() {
	nn := f.Mesh.NNodes() * f.stride
	if len(f.tensors) < nn {
		f.tensors = append(f.tensors, f.Mesh.Metric[len(f.tensors):nn]...)
	}
}

// Tensor is the staged tensor of node n.
func (f *MetricField) Tensor(n int) []float64 {
	f.resize()
	return f.tensors[n*f.stride : (n+1)*f.stride]
}

// SetMetric stages tensor t, packed, for node n.
func (f *MetricField) SetMetric(t []float64, n int) {
	copy(f.Tensor(n), t)
	f.touched = true
}

// SetFromLengths stages the tensor asking for size h[d] along axis d.
func (f *MetricField) SetFromLengths(n int, h ...float64) {
	f.SetMetric(geometry.Diagonal(h...), n)
}

// SetFromFunction stages fn(x) at every live node.
func (f *MetricField) SetFromFunction(fn func(x []float64) []float64) {
	for n := 0; n < f.Mesh.NNodes(); n++ {
		if f.Mesh.NodeAlive(n) {
			f.SetMetric(fn(f.Mesh.X(n)), n)
		}
	}
}

// Intersect combines t into the staged tensor of node n, keeping the finer
// size in every direction.
func (f *MetricField) Intersect(n int, t []float64) (err error) {
	out, err := Intersect(f.Tensor(n), t)
	if err != nil {
		return
	}
	f.SetMetric(out, n)
	return
}

// Union combines t into the staged tensor of node n, keeping the coarser
// size in every direction.
func (f *MetricField) Union(n int, t []float64) (err error) {
	out, err := Union(f.Tensor(n), t)
	if err != nil {
		return
	}
	f.SetMetric(out, n)
	return
}

// Bound clamps every staged tensor, see Bound.
func (f *MetricField) Bound(hmin, hmax, maxAspect float64) (err error) {
	for n := 0; n < f.Mesh.NNodes(); n++ {
		if !f.Mesh.NodeAlive(n) {
			continue
		}
		out, e := Bound(f.Tensor(n), hmin, hmax, maxAspect)
		if e != nil {
			return fmt.Errorf("node %d: %w", f.Mesh.GNN[n], e)
		}
		copy(f.Tensor(n), out)
	}
	return
}

// UpdateMesh copies the staged tensors into the mesh, overwrites ghosts with
// the owner tensors and refreshes the quality cache. Collective.
func (f *MetricField) UpdateMesh() (err error) {
	f.resize()
	m := f.Mesh
	for n := 0; n < m.NNodes(); n++ {
		if m.NodeAlive(n) {
			copy(m.M(n), f.Tensor(n))
		}
	}
	if err = m.SyncHaloMetric(); err != nil {
		return
	}
	copy(f.tensors, m.Metric)
	m.RefreshQuality()
	return
}

// PredictNElements is the number of elements the mesh would have if it were
// perfectly adapted to the staged tensors. Collective.
func (f *MetricField) PredictNElements() (predicted float64, err error) {
	f.resize()
	m := f.Mesh
	if err = m.SyncHaloFloats(f.tensors, f.stride); err != nil {
		return
	}
	var ms [][]float64
	for e := 0; e < m.NElements(); e++ {
		if !m.Accounted(e) {
			continue
		}
		el := m.Element(e)
		ms = ms[:0]
		for _, n := range el {
			ms = append(ms, f.Tensor(n))
		}
		predicted += geometry.MetricMeasure(m.Points(el), ms)
	}
	predicted = m.Comm.AllReduceFloat64(predicted, comm.Sum)
	return
}

// ApplyNElements rescales every staged tensor by one global factor so that
// the predicted element count becomes target. Collective.
func (f *MetricField) ApplyNElements(target int) (err error) {
	if target <= 0 {
		return fmt.Errorf("target element count must be positive, have %d", target)
	}
	predicted, err := f.PredictNElements()
	if err != nil {
		return
	}
	if !(predicted > 0) {
		return fmt.Errorf("metric predicts %g elements", predicted)
	}
	scale := math.Pow(float64(target)/predicted, 2./float64(f.Mesh.Dim))
	for i := range f.tensors {
		f.tensors[i] *= scale
	}
	f.touched = true
	return
}
