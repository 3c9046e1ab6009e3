// Package geometry holds the simplex kernels shared by the mesh and the
// adaptation operators. Metric tensors are symmetric and stored packed by
// rows of the upper triangle: (xx, xy, yy) in 2D and (xx, xy, xz, yy, yz, zz)
// in 3D.
package geometry

import (
	"math"
)

const (
	// SplitTolerance rejects splits that would land closer than this
	// fraction of the edge to one of its ends.
	SplitTolerance = 1.e-3
)

var (
	sqrt3 = math.Sqrt(3.)
	// Measure of the unit edge simplex, used to turn metric volume into an
	// element count.
	IdealTriangleArea = sqrt3 / 4.
	IdealTetVolume    = math.Sqrt2 / 12.
)

// MetricStride is the packed tensor length for a dimension.
func MetricStride(dim int) int {
	return dim * (dim + 1) / 2
}

// Identity returns the packed identity tensor.
func Identity(dim int) (m []float64) {
	m = make([]float64, MetricStride(dim))
	switch dim {
	case 2:
		m[0], m[2] = 1, 1
	case 3:
		m[0], m[3], m[5] = 1, 1, 1
	}
	return
}

// Diagonal returns the packed tensor diag(1/h0², 1/h1², ...).
func Diagonal(h ...float64) (m []float64) {
	m = make([]float64, MetricStride(len(h)))
	switch len(h) {
	case 2:
		m[0], m[2] = 1/(h[0]*h[0]), 1/(h[1]*h[1])
	case 3:
		m[0], m[3], m[5] = 1/(h[0]*h[0]), 1/(h[1]*h[1]), 1/(h[2]*h[2])
	}
	return
}

// QuadForm returns eᵀ M e.
func QuadForm(m, e []float64) float64 {
	if len(e) == 2 {
		return m[0]*e[0]*e[0] + 2*m[1]*e[0]*e[1] + m[2]*e[1]*e[1]
	}
	return m[0]*e[0]*e[0] + m[3]*e[1]*e[1] + m[5]*e[2]*e[2] +
		2*(m[1]*e[0]*e[1]+m[2]*e[0]*e[2]+m[4]*e[1]*e[2])
}

// Det is the determinant of a packed tensor.
func Det(m []float64) float64 {
	if len(m) == 3 {
		return m[0]*m[2] - m[1]*m[1]
	}
	return m[0]*(m[3]*m[5]-m[4]*m[4]) -
		m[1]*(m[1]*m[5]-m[4]*m[2]) +
		m[2]*(m[1]*m[4]-m[3]*m[2])
}

// MeanMetric is the arithmetic average of packed tensors.
func MeanMetric(ms ...[]float64) (avg []float64) {
	avg = make([]float64, len(ms[0]))
	for _, m := range ms {
		for i := range avg {
			avg[i] += m[i]
		}
	}
	for i := range avg {
		avg[i] /= float64(len(ms))
	}
	return
}

func sub(a, b []float64) (d []float64) {
	d = make([]float64, len(a))
	for i := range a {
		d[i] = a[i] - b[i]
	}
	return
}

// Area2D is the signed area of triangle (a, b, c), positive when counter
// clockwise.
func Area2D(a, b, c []float64) float64 {
	return 0.5 * ((b[0]-a[0])*(c[1]-a[1]) - (b[1]-a[1])*(c[0]-a[0]))
}

// Volume3D is the signed volume of tetrahedron (a, b, c, d).
func Volume3D(a, b, c, d []float64) float64 {
	var (
		u = sub(b, a)
		v = sub(c, a)
		w = sub(d, a)
	)
	return (u[0]*(v[1]*w[2]-v[2]*w[1]) -
		u[1]*(v[0]*w[2]-v[2]*w[0]) +
		u[2]*(v[0]*w[1]-v[1]*w[0])) / 6.
}

// SignedMeasure dispatches on the number of vertices.
func SignedMeasure(x ...[]float64) float64 {
	if len(x) == 3 {
		return Area2D(x[0], x[1], x[2])
	}
	return Volume3D(x[0], x[1], x[2], x[3])
}

// FacetMeasure is the length of a segment or the area of a triangle.
func FacetMeasure(x ...[]float64) float64 {
	if len(x) == 2 {
		return math.Sqrt(Dot(sub(x[1], x[0]), sub(x[1], x[0])))
	}
	var (
		u = sub(x[1], x[0])
		v = sub(x[2], x[0])
		n = Cross(u, v)
	)
	return 0.5 * math.Sqrt(Dot(n, n))
}

func Dot(a, b []float64) (s float64) {
	for i := range a {
		s += a[i] * b[i]
	}
	return
}

func Cross(u, v []float64) []float64 {
	return []float64{
		u[1]*v[2] - u[2]*v[1],
		u[2]*v[0] - u[0]*v[2],
		u[0]*v[1] - u[1]*v[0],
	}
}

// EdgeLength is the length of segment a→b measured in the metric. The two
// end tensors are combined with a logarithmic mean; callers pass the ends in
// a fixed order so that every rank gets the same bits.
func EdgeLength(xa, xb, ma, mb []float64) float64 {
	var (
		e  = sub(xb, xa)
		la = math.Sqrt(math.Max(QuadForm(ma, e), 0))
		lb = math.Sqrt(math.Max(QuadForm(mb, e), 0))
	)
	if math.Abs(la-lb) <= 1.e-12*math.Max(la, lb) {
		return 0.5 * (la + lb)
	}
	return (la - lb) / math.Log(la/lb)
}

// SplitWeight places the new vertex of a split edge, measured from end a,
// so that both halves have about the same metric length.
func SplitWeight(xa, xb, ma, mb []float64) float64 {
	var (
		e  = sub(xb, xa)
		la = math.Sqrt(math.Max(QuadForm(ma, e), 0))
		lb = math.Sqrt(math.Max(QuadForm(mb, e), 0))
	)
	if la == 0 || lb == 0 {
		return 0.5
	}
	return 1. / (1. + math.Sqrt(la/lb))
}

// Quality is the signed mean ratio of a simplex measured in the average of
// its vertex tensors. It is 1 for the unit element of the metric, goes to
// 0 as the element degenerates and is negative when inverted.
func Quality(x, m [][]float64) float64 {
	var (
		mbar  = MeanMetric(m...)
		sumL2 float64
		nv    = len(x)
	)
	for i := 0; i < nv; i++ {
		for j := i + 1; j < nv; j++ {
			sumL2 += QuadForm(mbar, sub(x[j], x[i]))
		}
	}
	if sumL2 == 0 {
		return 0
	}
	vol := SignedMeasure(x...) * math.Sqrt(math.Max(Det(mbar), 0))
	if nv == 3 {
		return 4 * sqrt3 * vol / sumL2
	}
	c := math.Cbrt(3 * vol)
	q := 12 * c * c / sumL2
	if vol < 0 {
		q = -q
	}
	return q
}

// MetricMeasure is the element measure in metric space divided by the ideal
// element measure, i.e. the number of unit elements that fit in it.
func MetricMeasure(x, m [][]float64) float64 {
	var (
		mbar  = MeanMetric(m...)
		vol   = math.Abs(SignedMeasure(x...)) * math.Sqrt(math.Max(Det(mbar), 0))
		ideal = IdealTetVolume
	)
	if len(x) == 3 {
		ideal = IdealTriangleArea
	}
	return vol / ideal
}

// Interpolate returns xa + w (xb - xa).
func Interpolate(xa, xb []float64, w float64) (x []float64) {
	x = make([]float64, len(xa))
	for i := range xa {
		x[i] = xa[i] + w*(xb[i]-xa[i])
	}
	return
}
