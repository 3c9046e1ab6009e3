package adapt

import (
	"math"

	"go.opentelemetry.io/otel/attribute"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/notargets/goadapt/comm"
	"github.com/notargets/goadapt/geometry"
	"github.com/notargets/goadapt/mesh"
	"github.com/notargets/goadapt/metric"
	"github.com/notargets/goadapt/utils"
)

const (
	// laplacianBisections bounds the step halvings of a rejected move.
	laplacianBisections = 10
	linfIterations      = 40
	linfEvaluations     = 150
)

// relocator proposes a new position for node n, or ok false to keep it.
type relocator func(m *mesh.Mesh, n int) (x []float64, ok bool)

// SmartLaplacian moves every owned interior node toward the metric weighted
// mean of its neighbours, keeping the move only if the worst incident
// element does not get worse. Rejected moves are halved until they pass.
type SmartLaplacian struct {
	Iterations int
}

func (SmartLaplacian) Name() string { return "smart_laplacian" }

func (r SmartLaplacian) Apply(c *Context) (st Stats, err error) {
	end := c.begin(r.Name(), attribute.Int("iterations", r.Iterations))
	defer func() { end(&st, err) }()
	return sweep(c, r.Iterations, laplacian, st)
}

// OptimisationLinf moves every owned interior node to the local maximum of
// the worst incident quality found by a Nelder-Mead search.
type OptimisationLinf struct {
	Iterations int
}

func (OptimisationLinf) Name() string { return "optimisation_linf" }

func (r OptimisationLinf) Apply(c *Context) (st Stats, err error) {
	end := c.begin(r.Name(), attribute.Int("iterations", r.Iterations))
	defer func() { end(&st, err) }()
	return sweep(c, r.Iterations, linf, st)
}

// sweep runs the relocator over the schedule. Moves within a class never
// share an element, so the class runs on the worker pool. Ghost coordinates
// are refreshed after every frontier class and at the end of each sweep.
// Collective.
func sweep(c *Context, iterations int, move relocator, st Stats) (Stats, error) {
	var (
		m   = c.Mesh
		err error
	)
	if iterations <= 0 {
		return st, nil
	}
	s, err := buildSchedule(m)
	keep := func(e error) {
		if e != nil && err == nil {
			err = e
		}
	}
	run := func(class []int) (moved int) {
		counts := make([]int, len(class))
		keep(utils.ParallelFor(c.Workers, len(class), func(lo, hi int) error {
			for i := lo; i < hi; i++ {
				n := class[i]
				x, ok := move(m, n)
				if !ok {
					continue
				}
				copy(m.X(n), x)
				for _, e := range m.NEList[n] {
					m.Quality[e] = m.ElementQuality(e)
				}
				counts[i] = 1
			}
			return nil
		}))
		for _, k := range counts {
			moved += k
		}
		return
	}
	for it := 0; it < iterations; it++ {
		st.Rounds++
		moved := 0
		for _, class := range s.Interior {
			moved += run(class)
		}
		for k := 0; k < s.NFrontier; k++ {
			moved += run(s.frontierClass(k))
			keep(m.SyncHaloCoords())
			m.RefreshQuality()
		}
		keep(m.SyncHaloCoords())
		m.RefreshQuality()
		n := m.Comm.AllReduceInt(moved, comm.Sum)
		st.Applied += n
		if n == 0 {
			break
		}
	}
	return st, err
}

// starQuality is the worst quality of the elements around n with n placed
// at x. The mesh is not modified.
func starQuality(m *mesh.Mesh, n int, x []float64) (q float64) {
	q = math.Inf(1)
	for _, e := range m.NEList[n] {
		el := m.Element(e)
		pts := m.Points(el)
		pts[m.LocalSlot(e, n)] = x
		q = math.Min(q, geometry.Quality(pts, m.Metrics(el)))
	}
	return
}

func laplacian(m *mesh.Mesh, n int) (x []float64, ok bool) {
	var (
		dim = m.Dim
		a   = mat.NewSymDense(dim, nil)
		b   = mat.NewVecDense(dim, nil)
		x0  = m.X(n)
	)
	if len(m.NNList[n]) == 0 {
		return nil, false
	}
	// Minimise the sum of squared neighbour distances, each measured in the
	// mean tensor of its edge.
	for _, v := range m.NNList[n] {
		mv := metric.ToSym(geometry.MeanMetric(m.M(n), m.M(v)))
		a.AddSym(a, mv)
		xv := mat.NewVecDense(dim, append([]float64(nil), m.X(v)...))
		var mx mat.VecDense
		mx.MulVec(mv, xv)
		b.AddVec(b, &mx)
	}
	var (
		chol   mat.Cholesky
		target mat.VecDense
	)
	if !chol.Factorize(a) {
		return nil, false
	}
	if chol.SolveVecTo(&target, b) != nil {
		return nil, false
	}
	var (
		q0  = starQuality(m, n, x0)
		tgt = make([]float64, dim)
	)
	for i := range tgt {
		tgt[i] = target.AtVec(i)
	}
	for k := 0; k <= laplacianBisections; k++ {
		x = geometry.Interpolate(x0, tgt, math.Pow(0.5, float64(k)))
		if q := starQuality(m, n, x); q > 0 && q >= q0 {
			return x, !equal(x, x0)
		}
	}
	return nil, false
}

func linf(m *mesh.Mesh, n int) (x []float64, ok bool) {
	var (
		x0    = append([]float64(nil), m.X(n)...)
		q0    = starQuality(m, n, x0)
		hmin  = math.Inf(1)
		start = m.X(n)
	)
	for _, v := range m.NNList[n] {
		var d2 float64
		for i, xv := range m.X(v) {
			d2 += (xv - start[i]) * (xv - start[i])
		}
		hmin = math.Min(hmin, math.Sqrt(d2))
	}
	if math.IsInf(hmin, 1) || hmin == 0 {
		return nil, false
	}
	problem := optimize.Problem{
		Func: func(y []float64) float64 { return -starQuality(m, n, y) },
	}
	// Hitting an iteration limit still leaves the best point found
	res, _ := optimize.Minimize(problem, x0,
		&optimize.Settings{MajorIterations: linfIterations, FuncEvaluations: linfEvaluations},
		&optimize.NelderMead{SimplexSize: 0.1 * hmin})
	if res == nil {
		return nil, false
	}
	if q := starQuality(m, n, res.X); q > 0 && q > q0 {
		return res.X, true
	}
	return nil, false
}

func equal(a, b []float64) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
