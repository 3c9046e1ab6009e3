package metric

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Dimension of a packed tensor from its length.
func dimOf(packed []float64) int {
	if len(packed) == 3 {
		return 2
	}
	return 3
}

// ToSym unpacks a tensor.
func ToSym(packed []float64) (s *mat.SymDense) {
	dim := dimOf(packed)
	s = mat.NewSymDense(dim, nil)
	var k int
	for i := 0; i < dim; i++ {
		for j := i; j < dim; j++ {
			s.SetSym(i, j, packed[k])
			k++
		}
	}
	return
}

// FromSym packs the upper triangle of a symmetric matrix.
func FromSym(s mat.Symmetric) (packed []float64) {
	dim := s.SymmetricDim()
	packed = make([]float64, 0, dim*(dim+1)/2)
	for i := 0; i < dim; i++ {
		for j := i; j < dim; j++ {
			packed = append(packed, s.At(i, j))
		}
	}
	return
}

// Eigen decomposes a packed tensor into ascending eigenvalues and the matrix
// of eigenvectors, by columns.
func Eigen(packed []float64) (vals []float64, vecs *mat.Dense, err error) {
	var es mat.EigenSym
	if ok := es.Factorize(ToSym(packed), true); !ok {
		err = fmt.Errorf("eigen decomposition failed for %v", packed)
		return
	}
	vals = es.Values(nil)
	vecs = &mat.Dense{}
	es.VectorsTo(vecs)
	return
}

// Compose returns V diag(vals) Vᵀ packed.
func Compose(vals []float64, vecs *mat.Dense) []float64 {
	var (
		dim = len(vals)
		s   = mat.NewSymDense(dim, nil)
	)
	for i := 0; i < dim; i++ {
		for j := i; j < dim; j++ {
			var v float64
			for k := 0; k < dim; k++ {
				v += vecs.At(i, k) * vals[k] * vecs.At(j, k)
			}
			s.SetSym(i, j, v)
		}
	}
	return FromSym(s)
}

// Apply maps the eigenvalues of a tensor through fn.
func Apply(packed []float64, fn func(lambda float64) float64) (out []float64, err error) {
	vals, vecs, err := Eigen(packed)
	if err != nil {
		return
	}
	for i := range vals {
		vals[i] = fn(vals[i])
	}
	out = Compose(vals, vecs)
	return
}

// Inverse of an SPD tensor.
func Inverse(packed []float64) ([]float64, error) {
	return Apply(packed, func(l float64) float64 { return 1 / l })
}

// Interpolate returns the tensor at fraction w from a to b, linear in the
// inverse tensors so that lengths blend rather than densities.
func Interpolate(a, b []float64, w float64) (out []float64, err error) {
	ia, err := Inverse(a)
	if err != nil {
		return
	}
	ib, err := Inverse(b)
	if err != nil {
		return
	}
	for i := range ia {
		ia[i] = (1-w)*ia[i] + w*ib[i]
	}
	return Inverse(ia)
}

// reduce runs the simultaneous reduction of b against a and keeps the
// eigenvalue chosen by pick in the frame where a is the identity.
func reduce(a, b []float64, pick func(l float64) float64) (out []float64, err error) {
	vals, vecs, err := Eigen(a)
	if err != nil {
		return
	}
	var (
		dim       = len(vals)
		half      = make([]float64, dim)
		halfInv   = make([]float64, dim)
		sqrtA     = mat.NewDense(dim, dim, nil)
		sqrtAInv  = mat.NewDense(dim, dim, nil)
		reduced   mat.Dense
		tmp       mat.Dense
		vecsTrans = vecs.T()
	)
	for i, l := range vals {
		if l <= 0 {
			err = fmt.Errorf("tensor %v is not positive definite", a)
			return
		}
		half[i], halfInv[i] = math.Sqrt(l), 1/math.Sqrt(l)
	}
	tmp.Mul(vecs, mat.NewDiagDense(dim, half))
	sqrtA.Mul(&tmp, vecsTrans)
	tmp.Mul(vecs, mat.NewDiagDense(dim, halfInv))
	sqrtAInv.Mul(&tmp, vecsTrans)

	tmp.Mul(sqrtAInv, ToSym(b))
	reduced.Mul(&tmp, sqrtAInv)
	sym := mat.NewSymDense(dim, nil)
	for i := 0; i < dim; i++ {
		for j := i; j < dim; j++ {
			sym.SetSym(i, j, 0.5*(reduced.At(i, j)+reduced.At(j, i)))
		}
	}
	rv, rvecs, err := Eigen(FromSym(sym))
	if err != nil {
		return
	}
	for i := range rv {
		rv[i] = pick(rv[i])
	}
	var res mat.Dense
	inner := ToSym(Compose(rv, rvecs))
	tmp.Mul(sqrtA, inner)
	res.Mul(&tmp, sqrtA)
	for i := 0; i < dim; i++ {
		for j := i; j < dim; j++ {
			sym.SetSym(i, j, 0.5*(res.At(i, j)+res.At(j, i)))
		}
	}
	out = FromSym(sym)
	return
}

// Intersect is the largest tensor contained in both, i.e. the one asking
// for the smaller size in every direction.
func Intersect(a, b []float64) ([]float64, error) {
	return reduce(a, b, func(l float64) float64 { return math.Max(1, l) })
}

// Union is the smallest tensor containing both.
func Union(a, b []float64) ([]float64, error) {
	return reduce(a, b, func(l float64) float64 { return math.Min(1, l) })
}

// Bound clamps the sizes of a tensor to [hmin, hmax] and its aspect ratio to
// maxAspect. Non positive limits are ignored. Eigenvalues are taken in
// absolute value, so a recovered Hessian can be passed directly.
func Bound(packed []float64, hmin, hmax, maxAspect float64) (out []float64, err error) {
	vals, vecs, err := Eigen(packed)
	if err != nil {
		return
	}
	var lmax float64
	for i, l := range vals {
		l = math.Abs(l)
		if hmin > 0 {
			l = math.Min(l, 1/(hmin*hmin))
		}
		if hmax > 0 {
			l = math.Max(l, 1/(hmax*hmax))
		}
		vals[i] = l
		lmax = math.Max(lmax, l)
	}
	if maxAspect > 0 {
		floor := lmax / (maxAspect * maxAspect)
		for i := range vals {
			vals[i] = math.Max(vals[i], floor)
		}
	}
	out = Compose(vals, vecs)
	return
}
