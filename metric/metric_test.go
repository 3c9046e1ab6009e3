package metric

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/goadapt/comm"
	"github.com/notargets/goadapt/geometry"
	"github.com/notargets/goadapt/mesh"
)

func TestInverseAndInterpolate(t *testing.T) {
	m := []float64{4, 1, 0, 3, 0, 2}
	inv, err := Inverse(m)
	require.NoError(t, err)
	// M M⁻¹ = I, checked through the quadratic form on the axes
	prod := ToSym(m)
	var check [3][3]float64
	invS := ToSym(inv)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 3; k++ {
				check[i][j] += prod.At(i, k) * invS.At(k, j)
			}
		}
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			want := 0.
			if i == j {
				want = 1
			}
			assert.InDelta(t, want, check[i][j], 1.e-12)
		}
	}
	// Interpolating h=1 and h=3 in inverse space gives h²=5 at the middle
	a, b := geometry.Diagonal(1, 1), geometry.Diagonal(3, 3)
	mid, err := Interpolate(a, b, 0.5)
	require.NoError(t, err)
	assert.InDelta(t, 1./5., mid[0], 1.e-12)
	assert.InDelta(t, 0., mid[1], 1.e-12)
	end, err := Interpolate(a, b, 0)
	require.NoError(t, err)
	assert.InDeltaSlice(t, a, end, 1.e-12)
}

func TestIntersectUnion(t *testing.T) {
	var (
		a = geometry.Diagonal(1, 0.1)
		b = geometry.Diagonal(0.2, 1)
	)
	i, err := Intersect(a, b)
	require.NoError(t, err)
	assert.InDeltaSlice(t, geometry.Diagonal(0.2, 0.1), i, 1.e-9)
	u, err := Union(a, b)
	require.NoError(t, err)
	assert.InDeltaSlice(t, geometry.Diagonal(1, 1), u, 1.e-9)
	// Intersection with itself is the identity operation
	self, err := Intersect(a, a)
	require.NoError(t, err)
	assert.InDeltaSlice(t, a, self, 1.e-9)
}

func TestBound(t *testing.T) {
	out, err := Bound(geometry.Diagonal(0.001, 1000, 1), 0.01, 10, 0)
	require.NoError(t, err)
	assert.InDeltaSlice(t, geometry.Diagonal(0.01, 10, 1), out, 1.e-9)
	out, err = Bound(geometry.Diagonal(1, 100), 0, 0, 10)
	require.NoError(t, err)
	assert.InDeltaSlice(t, geometry.Diagonal(1, 10), out, 1.e-9)
	// A negative eigenvalue comes back as its magnitude
	out, err = Bound([]float64{-4, 0, 1}, 0, 0, 0)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{4, 0, 1}, out, 1.e-12)
}

func TestApplyNElements(t *testing.T) {
	var (
		NP     = 2
		in     = mesh.Box2D(8, 8, 1, 1)
		epart  = make([]int, len(in.Elements))
		target = 500
	)
	for k := range epart {
		epart[k] = k * NP / len(epart)
	}
	err := comm.Run(NP, func(c comm.Communicator) error {
		m, err := mesh.New(in, epart, c)
		if err != nil {
			return err
		}
		f := NewMetricField(m)
		f.SetFromFunction(func(x []float64) []float64 {
			return geometry.Diagonal(0.1+0.2*x[0], 0.05)
		})
		if err = f.ApplyNElements(target); err != nil {
			return err
		}
		predicted, err := f.PredictNElements()
		if err != nil {
			return err
		}
		assert.InDelta(t, float64(target), predicted, 1.e-9*float64(target))
		if err = f.UpdateMesh(); err != nil {
			return err
		}
		return m.Verify()
	})
	require.NoError(t, err)
}

func TestUniformMetricPrediction(t *testing.T) {
	// The unit square in the metric of size h holds 1/(h² √3/4) unit triangles
	m, err := mesh.New(mesh.Box2D(4, 4, 1, 1), nil, nil)
	require.NoError(t, err)
	f := NewMetricField(m)
	f.SetFromFunction(func([]float64) []float64 { return geometry.Diagonal(0.1, 0.1) })
	predicted, err := f.PredictNElements()
	require.NoError(t, err)
	assert.InDelta(t, 100/geometry.IdealTriangleArea, predicted, 1.e-9)
}

func TestSetFromLengths(t *testing.T) {
	m, err := mesh.New(mesh.Box3D(1, 1, 1, 1, 1, 1), nil, nil)
	require.NoError(t, err)
	f := NewMetricField(m)
	for n := 0; n < m.NNodes(); n++ {
		f.SetFromLengths(n, 0.5, 0.25, 0.1)
	}
	// Nothing reaches the mesh before UpdateMesh
	assert.Equal(t, 1., m.M(0)[0])
	require.NoError(t, f.UpdateMesh())
	for n := 0; n < m.NNodes(); n++ {
		assert.InDeltaSlice(t, []float64{4, 0, 0, 16, 0, 100}, m.M(n), 1.e-12)
	}
}

func TestRecoverHessian(t *testing.T) {
	m, err := mesh.New(mesh.Box3D(4, 4, 4, 1, 1, 1), nil, nil)
	require.NoError(t, err)
	var (
		f   = NewMetricField(m)
		psi = make([]float64, m.NNodes())
	)
	for n := range psi {
		x := m.X(n)
		psi[n] = 3*x[0]*x[0] + x[0]*x[1] - 2*x[2]*x[2] + 5*x[1]
	}
	centre, ok := m.Local(2 + 5*(2+5*2))
	require.True(t, ok)
	hess, err := f.RecoverHessian(psi, centre)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{6, 1, 0, 0, 0, -4}, hess, 1.e-9)

	require.NoError(t, f.AddHessianField(psi, 1, 0.01, 1))
	require.NoError(t, f.UpdateMesh())
	// z decouples, the x-y block has its weak eigenvalue lifted to 1/hmax²
	assert.InDelta(t, 4., m.M(centre)[5], 1.e-6)
	assert.Greater(t, m.M(centre)[0], 6.)
	assert.Greater(t, math.Abs(m.M(centre)[3]), 0.)
}
