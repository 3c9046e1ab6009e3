package geometry

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMeasures(t *testing.T) {
	var (
		a = []float64{0, 0}
		b = []float64{1, 0}
		c = []float64{0, 1}
	)
	assert.InDelta(t, 0.5, Area2D(a, b, c), 1.e-15)
	assert.InDelta(t, -0.5, Area2D(a, c, b), 1.e-15)
	var (
		p0 = []float64{0, 0, 0}
		p1 = []float64{1, 0, 0}
		p2 = []float64{0, 1, 0}
		p3 = []float64{0, 0, 1}
	)
	assert.InDelta(t, 1./6., Volume3D(p0, p1, p2, p3), 1.e-15)
	assert.InDelta(t, -1./6., Volume3D(p1, p0, p2, p3), 1.e-15)
	assert.InDelta(t, 0.5, FacetMeasure(p1, p2, p0), 1.e-15)
	assert.InDelta(t, math.Sqrt2, FacetMeasure(p1, p2), 1.e-15)
}

func TestQualityOfRegularSimplex(t *testing.T) {
	tri := [][]float64{{0, 0}, {1, 0}, {0.5, math.Sqrt(3) / 2}}
	m2 := [][]float64{Identity(2), Identity(2), Identity(2)}
	assert.InDelta(t, 1., Quality(tri, m2), 1.e-12)
	// Reversed orientation is reported as negative
	assert.InDelta(t, -1., Quality([][]float64{tri[1], tri[0], tri[2]}, m2), 1.e-12)

	tet := [][]float64{
		{1, 1, 1}, {1, -1, -1}, {-1, 1, -1}, {-1, -1, 1},
	}
	m3 := [][]float64{Identity(3), Identity(3), Identity(3), Identity(3)}
	q := Quality(tet, m3)
	assert.InDelta(t, 1., math.Abs(q), 1.e-12)

	// A flat sliver has quality near zero
	flat := [][]float64{{0, 0}, {1, 0}, {0.5, 1.e-6}}
	assert.Less(t, Quality(flat, m2), 1.e-5)
}

func TestQualityInMetric(t *testing.T) {
	// The triangle stretched by 10 in x is regular in the metric diag(1/100, 1)
	var (
		h   = math.Sqrt(3) / 2
		tri = [][]float64{{0, 0}, {10, 0}, {5, h}}
		m   = Diagonal(10, 1)
	)
	assert.InDelta(t, 1., Quality(tri, [][]float64{m, m, m}), 1.e-12)
	assert.InDelta(t, 1., MetricMeasure(tri, [][]float64{m, m, m}), 1.e-12)
}

func TestEdgeLength(t *testing.T) {
	var (
		xa = []float64{0, 0, 0}
		xb = []float64{2, 0, 0}
		m  = Diagonal(0.5, 1, 1)
	)
	assert.InDelta(t, 4., EdgeLength(xa, xb, m, m), 1.e-14)
	// Logarithmic mean of 2 and 4
	m2 := Diagonal(1, 1, 1)
	assert.InDelta(t, 2/math.Log(2), EdgeLength(xa, xb, m, m2), 1.e-14)
	assert.InDelta(t, 0.5, SplitWeight(xa, xb, m, m), 1.e-15)
	// Denser end a pulls the split towards a
	assert.Less(t, SplitWeight(xa, xb, m, m2), 0.5)
}

func TestDet(t *testing.T) {
	assert.InDelta(t, 1., Det(Identity(3)), 1.e-15)
	assert.InDelta(t, 1./(4*9*16), Det(Diagonal(2, 3, 4)), 1.e-15)
	assert.InDelta(t, 3., Det([]float64{2, 1, 2}), 1.e-15)
}
