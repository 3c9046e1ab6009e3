package metric

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// RecoverHessian fits a quadratic to psi over the two ring of node n by least
// squares and returns its Hessian packed. psi is indexed by local node id.
func (f *MetricField) RecoverHessian(psi []float64, n int) (hess []float64, err error) {
	var (
		m     = f.Mesh
		dim   = m.Dim
		nunk  = dim + dim*(dim+1)/2
		ring  = make(map[int]bool)
		x0    = m.X(n)
		rows  [][]float64
		rhs   []float64
		scale float64
	)
	for _, a := range m.NNList[n] {
		ring[a] = true
		for _, b := range m.NNList[a] {
			if b != n {
				ring[b] = true
			}
		}
	}
	for a := range ring {
		var (
			x = m.X(a)
			d = make([]float64, dim)
		)
		floats.SubTo(d, x, x0)
		scale = math.Max(scale, floats.Norm(d, 2))
		rows = append(rows, d)
		rhs = append(rhs, psi[a]-psi[n])
	}
	if len(rows) < nunk {
		err = fmt.Errorf("node %d has %d ring nodes, need %d", m.GNN[n], len(rows), nunk)
		return
	}
	// Scaled offsets keep the normal equations well conditioned
	var (
		A = mat.NewDense(len(rows), nunk, nil)
		b = mat.NewVecDense(len(rhs), rhs)
		c mat.VecDense
	)
	for i, d := range rows {
		floats.Scale(1/scale, d)
		col := 0
		for _, v := range d {
			A.Set(i, col, v)
			col++
		}
		for p := 0; p < dim; p++ {
			for q := p; q < dim; q++ {
				v := d[p] * d[q]
				if p == q {
					v *= 0.5
				}
				A.Set(i, col, v)
				col++
			}
		}
	}
	if err = c.SolveVec(A, b); err != nil {
		err = fmt.Errorf("node %d: least squares: %w", m.GNN[n], err)
		return
	}
	hess = make([]float64, nunk-dim)
	for k := range hess {
		hess[k] = c.AtVec(dim+k) / (scale * scale)
	}
	return
}

// AddHessianField builds the tensor |H(psi)|/eta at every owned node,
// clamped to sizes in [hmin, hmax], and intersects it with the staged
// tensors. The first contribution to an untouched field replaces it. Ghost
// tensors follow at the next UpdateMesh.
func (f *MetricField) AddHessianField(psi []float64, eta, hmin, hmax float64) (err error) {
	if !(eta > 0) {
		return fmt.Errorf("interpolation error target must be positive, have %g", eta)
	}
	if !(hmax > 0) {
		return fmt.Errorf("maximum size must be positive, have %g", hmax)
	}
	var (
		m       = f.Mesh
		replace = !f.touched
	)
	for n := 0; n < m.NNodes(); n++ {
		if !m.NodeAlive(n) || !m.IsOwned(n) {
			continue
		}
		hess, e := f.RecoverHessian(psi, n)
		if e != nil {
			return e
		}
		for k := range hess {
			hess[k] /= eta
		}
		t, e := Bound(hess, hmin, hmax, 0)
		if e != nil {
			return fmt.Errorf("node %d: %w", m.GNN[n], e)
		}
		if replace {
			f.SetMetric(t, n)
			continue
		}
		if err = f.Intersect(n, t); err != nil {
			return
		}
	}
	f.touched = true
	return
}
