package adapt

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/goadapt/comm"
	"github.com/notargets/goadapt/geometry"
	"github.com/notargets/goadapt/mesh"
	"github.com/notargets/goadapt/metric"
)

func blocks(ne, np int) (epart []int) {
	epart = make([]int, ne)
	for k := range epart {
		epart[k] = k * np / ne
	}
	return
}

// withRanks builds the partitioned mesh on np ranks and runs fn on each.
// fn must make the same collective calls on every rank.
func withRanks(t *testing.T, np int, in *mesh.Input, fn func(c *Context) error) {
	t.Helper()
	epart := blocks(len(in.Elements), np)
	err := comm.Run(np, func(cm comm.Communicator) error {
		m, err := mesh.New(in, epart, cm)
		if err != nil {
			return err
		}
		return fn(NewContext(m, WithWorkers(2)))
	})
	require.NoError(t, err)
}

func setMetric(m *mesh.Mesh, fn func(x []float64) []float64) error {
	f := metric.NewMetricField(m)
	f.SetFromFunction(fn)
	return f.UpdateMesh()
}

func uniform(h ...float64) func(x []float64) []float64 {
	return func([]float64) []float64 { return geometry.Diagonal(h...) }
}

// perturbed is a box whose interior nodes are pushed off the lattice by at
// most 0.15 of a cell.
func perturbed(n int) (in *mesh.Input) {
	in = mesh.Box2D(n, n, 1, 1)
	h := 1. / float64(n)
	for j := 1; j < n; j++ {
		for i := 1; i < n; i++ {
			x := in.Coords[j*(n+1)+i]
			x[0] += 0.15 * h * float64((i+2*j)%3-1)
			x[1] += 0.15 * h * float64((2*i+j)%3-1)
		}
	}
	return
}

func checkValid(t *testing.T, m *mesh.Mesh, volume, area float64) {
	assert.NoError(t, m.Verify())
	assert.InDelta(t, volume, m.CalculateVolume(mesh.AllRegions), 1.e-12)
	assert.InDelta(t, area, m.CalculateArea(), 1.e-12)
}

func TestRefineUniform2D(t *testing.T) {
	withRanks(t, 1, mesh.Box2D(4, 4, 1, 1), func(c *Context) error {
		m := c.Mesh
		if err := setMetric(m, uniform(0.1, 0.1)); err != nil {
			return err
		}
		// Every edge is longer than the threshold: each triangle makes four
		st, err := c.Refine(math.Sqrt2)
		if err != nil {
			return err
		}
		assert.Equal(t, 56, st.Applied)
		assert.Equal(t, 128, m.GlobalElements())
		assert.Equal(t, 81, m.GlobalNodes())
		checkValid(t, m, 1, 4)
		assert.Equal(t, 1., testutil.ToFloat64(c.Metrics.Passes.WithLabelValues("refine")))
		assert.Equal(t, 56., testutil.ToFloat64(c.Metrics.Operations.WithLabelValues("refine", "applied")))
		return nil
	})
}

func TestRefineDistributedMatchesSerial(t *testing.T) {
	var (
		in     = mesh.Box3D(3, 3, 3, 1, 1, 1)
		mu     sync.Mutex
		counts = make(map[int][2]int)
	)
	for _, np := range []int{1, 3} {
		withRanks(t, np, in, func(c *Context) error {
			m := c.Mesh
			if err := setMetric(m, uniform(0.2, 0.2, 0.2)); err != nil {
				return err
			}
			if _, err := c.Refine(1); err != nil {
				return err
			}
			checkValid(t, m, 1, 6)
			ne, nn := m.GlobalElements(), m.GlobalNodes()
			mu.Lock()
			counts[np] = [2]int{ne, nn}
			mu.Unlock()
			return nil
		})
	}
	assert.Equal(t, 27*6*8, counts[1][0])
	assert.Equal(t, counts[1], counts[3])
}

func TestCoarsen(t *testing.T) {
	for _, tc := range []struct {
		np            int
		allowBoundary bool
	}{{1, false}, {3, false}, {2, true}} {
		withRanks(t, tc.np, mesh.Box2D(8, 8, 1, 1), func(c *Context) error {
			m := c.Mesh
			if err := setMetric(m, uniform(0.5, 0.5)); err != nil {
				return err
			}
			nodes := m.GlobalNodes()
			st, err := c.Coarsen(math.Sqrt2/2, math.Sqrt2, tc.allowBoundary)
			if err != nil {
				return err
			}
			assert.Greater(t, st.Applied, 0)
			assert.Equal(t, nodes-st.Applied, m.GlobalNodes())
			assert.Less(t, m.GlobalElements(), 128)
			assert.LessOrEqual(t, m.MaximalEdgeLength(), math.Sqrt2)
			qmin, _ := m.QualityStats()
			assert.Greater(t, qmin, 0.)
			checkValid(t, m, 1, 4)
			// The four corners are never removed
			for _, g := range []int{0, 8, 72, 80} {
				if n, ok := m.Local(g); ok {
					assert.True(t, m.NodeAlive(n))
				}
			}
			return nil
		})
	}
}

// shortInterior counts the edges between untagged nodes shorter than l.
// Collective.
func shortInterior(m *mesh.Mesh, l float64) int {
	var count int
	m.ForEachEdge(func(a, b int) {
		if m.IsOwned(a) && !m.IsBoundary(a) && !m.IsBoundary(b) && m.EdgeLength(a, b) < l {
			count++
		}
	})
	return m.Comm.AllReduceInt(count, comm.Sum)
}

func TestCoarsenAcrossRanks(t *testing.T) {
	lLow := math.Sqrt2 / 2
	for _, np := range []int{1, 2, 4} {
		withRanks(t, np, mesh.Box2D(16, 16, 1, 1), func(c *Context) error {
			m := c.Mesh
			if err := setMetric(m, uniform(0.5, 0.5)); err != nil {
				return err
			}
			if _, err := c.Coarsen(lLow, math.Sqrt2, false); err != nil {
				return err
			}
			// Edges cut by the partition collapse like any other
			assert.Zero(t, shortInterior(m, lLow), "np=%d", np)
			assert.LessOrEqual(t, m.MaximalEdgeLength(), math.Sqrt2)
			checkValid(t, m, 1, 4)
			return nil
		})
	}
}

// skewed stretches along the (1, 1) diagonal, which makes the cut of the
// box cells the worst possible one.
func skewed(dim int) func(x []float64) []float64 {
	return func([]float64) []float64 {
		if dim == 2 {
			return []float64{1, 0.9, 1}
		}
		return []float64{1, 0.45, 0, 1, 0, 1}
	}
}

func TestSwapSingleFlip(t *testing.T) {
	withRanks(t, 1, mesh.Box2D(1, 1, 1, 1), func(c *Context) error {
		m := c.Mesh
		if err := setMetric(m, skewed(2)); err != nil {
			return err
		}
		before, _ := m.QualityStats()
		assert.InDelta(t, 0.2603, before, 1.e-3)
		st, err := c.Swap(0.9)
		if err != nil {
			return err
		}
		assert.Equal(t, 1, st.Applied)
		after, _ := m.QualityStats()
		assert.InDelta(t, 0.6864, after, 1.e-3)
		checkValid(t, m, 1, 4)
		// The new diagonal joins (1,0) and (0,1)
		a, _ := m.Local(1)
		b, _ := m.Local(2)
		assert.Len(t, m.ElementsWith(a, b), 2)
		return nil
	})
}

func TestSwap(t *testing.T) {
	for _, tc := range []struct {
		dim, np int
	}{{2, 1}, {2, 2}, {3, 1}, {3, 2}} {
		in := mesh.Box2D(4, 4, 1, 1)
		area := 4.
		if tc.dim == 3 {
			in, area = mesh.Box3D(2, 2, 2, 1, 1, 1), 6
		}
		withRanks(t, tc.np, in, func(c *Context) error {
			m := c.Mesh
			if err := setMetric(m, skewed(tc.dim)); err != nil {
				return err
			}
			before, _ := m.QualityStats()
			if _, err := c.Swap(0.9); err != nil {
				return err
			}
			after, _ := m.QualityStats()
			assert.GreaterOrEqual(t, after, before)
			checkValid(t, m, 1, area)
			return nil
		})
	}
}

// flatPair is two flat tetrahedra on both sides of an equilateral triangle;
// joining the apexes makes three better ones.
func flatPair() (in *mesh.Input) {
	var (
		h = 0.15
		y = math.Sqrt(3) / 6
	)
	in = &mesh.Input{
		Dim: 3,
		Coords: [][]float64{
			{0, 0, 0}, {1, 0, 0}, {0.5, math.Sqrt(3) / 2, 0},
			{0.5, y, h}, {0.5, y, -h},
		},
		Elements: [][]int{{0, 1, 2, 3}, {0, 2, 1, 4}},
	}
	in.CreateBoundary()
	return
}

// tallRing is three tetrahedra around a long axis; dropping the axis leaves
// two nearly regular ones.
func tallRing() (in *mesh.Input) {
	in = &mesh.Input{
		Dim:    3,
		Coords: [][]float64{{0, 0, -1.5}, {0, 0, 1.5}},
	}
	for k := 0; k < 3; k++ {
		th := 2 * math.Pi * float64(k) / 3
		in.Coords = append(in.Coords, []float64{math.Cos(th), math.Sin(th), 0})
	}
	in.Elements = [][]int{{0, 1, 2, 3}, {0, 1, 3, 4}, {0, 1, 4, 2}}
	in.CreateBoundary()
	return
}

func TestSwap3D(t *testing.T) {
	for _, tc := range []struct {
		name       string
		in         func() *mesh.Input
		ne, neSwap int
		qBefore    float64
		qAfter     float64
	}{
		{"2-3", flatPair, 2, 3, 0.4767, 0.5888},
		{"3-2", tallRing, 3, 2, 0.5715, 0.9984},
	} {
		for _, np := range []int{1, 2} {
			withRanks(t, np, tc.in(), func(c *Context) error {
				m := c.Mesh
				if err := setMetric(m, uniform(1, 1, 1)); err != nil {
					return err
				}
				var (
					volume = m.CalculateVolume(mesh.AllRegions)
					area   = m.CalculateArea()
				)
				before, _ := m.QualityStats()
				assert.InDelta(t, tc.qBefore, before, 1.e-3, tc.name)
				assert.Equal(t, tc.ne, m.GlobalElements(), tc.name)
				st, err := c.Swap(0.9)
				if err != nil {
					return err
				}
				assert.Equal(t, 1, st.Applied, tc.name)
				assert.Equal(t, tc.neSwap, m.GlobalElements(), tc.name)
				after, _ := m.QualityStats()
				assert.InDelta(t, tc.qAfter, after, 1.e-3, tc.name)
				assert.Greater(t, after, before, tc.name)
				checkValid(t, m, volume, area)
				return nil
			})
		}
	}
}

func TestSmoothZeroIterations(t *testing.T) {
	withRanks(t, 2, perturbed(6), func(c *Context) error {
		m := c.Mesh
		x0 := append([]float64(nil), m.Coords...)
		for _, op := range []Operator{SmartLaplacian{}, OptimisationLinf{}} {
			st, err := op.Apply(c)
			if err != nil {
				return err
			}
			assert.Zero(t, st.Applied)
			if diff := cmp.Diff(x0, m.Coords); diff != "" {
				t.Errorf("%s(0) moved nodes (-before +after):\n%s", op.Name(), diff)
			}
		}
		return nil
	})
}

func TestSmooth(t *testing.T) {
	for _, np := range []int{1, 2} {
		for _, op := range []Operator{SmartLaplacian{Iterations: 5}, OptimisationLinf{Iterations: 3}} {
			withRanks(t, np, perturbed(6), func(c *Context) error {
				m := c.Mesh
				before, _ := m.QualityStats()
				st, err := op.Apply(c)
				if err != nil {
					return err
				}
				assert.Greater(t, st.Applied, 0, op.Name())
				after, _ := m.QualityStats()
				assert.GreaterOrEqual(t, after, before, op.Name())
				checkValid(t, m, 1, 4)
				return nil
			})
		}
	}
}

func TestScheduleIsIndependent(t *testing.T) {
	var (
		in      = mesh.Box3D(3, 3, 3, 1, 1, 1)
		ref, _  = mesh.New(in, nil, nil)
		mu      sync.Mutex
		classOf = make(map[int][2]int) // gnn -> {kind, class}
	)
	withRanks(t, 3, in, func(c *Context) error {
		m := c.Mesh
		s, err := buildSchedule(m)
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		for k, class := range s.Interior {
			for _, n := range class {
				if _, dup := classOf[m.GNN[n]]; dup {
					t.Errorf("node %d scheduled twice", m.GNN[n])
				}
				classOf[m.GNN[n]] = [2]int{m.Rank(), k}
			}
		}
		for k := 0; k < s.NFrontier; k++ {
			for _, n := range s.frontierClass(k) {
				if _, dup := classOf[m.GNN[n]]; dup {
					t.Errorf("node %d scheduled twice", m.GNN[n])
				}
				classOf[m.GNN[n]] = [2]int{-1, k}
			}
		}
		return nil
	})
	// Only the 8 interior nodes of the box can move
	assert.Len(t, classOf, 8)
	for g, cg := range classOf {
		n, _ := ref.Local(g)
		for _, v := range ref.NNList[n] {
			if cv, ok := classOf[ref.GNN[v]]; ok && cv == cg {
				t.Errorf("neighbours %d and %d share class %v", g, ref.GNN[v], cg)
			}
		}
	}
}

func TestRegionsScenario(t *testing.T) {
	in := mesh.Box3D(4, 4, 4, 1, 1, 1)
	in.SetRegions(func(x []float64) int {
		switch {
		case x[0] < 0.5:
			return 1
		case x[2] < 0.5:
			return 2
		}
		return 3
	})
	withRanks(t, 2, in, func(c *Context) error {
		m := c.Mesh
		if err := setMetric(m, uniform(0.2, 0.2, 0.2)); err != nil {
			return err
		}
		if _, err := c.Refine(1); err != nil {
			return err
		}
		checkValid(t, m, 1, 9)
		assert.InDelta(t, 0.5, m.CalculateVolume(1), 1.e-12)
		assert.InDelta(t, 0.25, m.CalculateVolume(2), 1.e-12)
		assert.InDelta(t, 0.25, m.CalculateVolume(3), 1.e-12)
		return nil
	})
}

func TestAdaptUniform2D(t *testing.T) {
	for _, np := range []int{1, 2} {
		withRanks(t, np, mesh.Box2D(2, 2, 1, 1), func(c *Context) error {
			m := c.Mesh
			if err := setMetric(m, uniform(0.1, 0.1)); err != nil {
				return err
			}
			p := DefaultParameters(2)
			p.RedistributeEvery = 2
			rep, err := Adapt(context.Background(), c, p)
			if err != nil {
				return err
			}
			assert.True(t, rep.Converged)
			assert.Greater(t, rep.MinQuality, 0.)
			assert.Greater(t, rep.Elements, 100)
			assert.Equal(t, float64(rep.Elements), testutil.ToFloat64(c.Metrics.Elements))
			checkValid(t, m, 1, 4)
			return nil
		})
	}
}

func TestAdaptAnisotropic(t *testing.T) {
	for _, tc := range []struct {
		dim, np      int
		in           *mesh.Input
		size         func(x []float64) []float64
		volume, area float64
		qmin         float64
	}{
		{2, 1, mesh.Box2D(4, 4, 1, 1), anisotropic2D, 1, 4, 0.3},
		{2, 3, mesh.Box2D(4, 4, 1, 1), anisotropic2D, 1, 4, 0.3},
		{3, 1, mesh.Box3D(2, 2, 2, 1, 1, 1), anisotropic3D, 1, 6, 0.2},
		{3, 3, mesh.Box3D(2, 2, 2, 1, 1, 1), anisotropic3D, 1, 6, 0.2},
	} {
		withRanks(t, tc.np, tc.in, func(c *Context) error {
			m := c.Mesh
			if err := setMetric(m, tc.size); err != nil {
				return err
			}
			l0 := m.MaximalEdgeLength()
			p := DefaultParameters(tc.dim)
			rep, err := Adapt(context.Background(), c, p)
			if err != nil {
				return err
			}
			assert.True(t, rep.Converged)
			assert.Less(t, rep.LoopMaxEdgeLength, p.LUp)
			assert.Less(t, rep.MaxEdgeLength, l0)
			assert.Greater(t, rep.MinQuality, tc.qmin, "dim=%d np=%d", tc.dim, tc.np)
			assert.LessOrEqual(t, rep.Iterations, p.MaxIterations)
			checkValid(t, m, tc.volume, tc.area)
			return nil
		})
	}
}

func anisotropic2D(x []float64) []float64 {
	return geometry.Diagonal(0.05+0.15*x[0], 0.25)
}

func anisotropic3D(x []float64) []float64 {
	return geometry.Diagonal(0.35+0.3*x[0], 0.5, 0.5)
}

func TestAdaptInterrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	withRanks(t, 2, mesh.Box2D(2, 2, 1, 1), func(c *Context) error {
		if err := setMetric(c.Mesh, uniform(0.1, 0.1)); err != nil {
			return err
		}
		_, err := Adapt(ctx, c, DefaultParameters(2))
		assert.ErrorIs(t, err, ErrInterrupted)
		return nil
	})
}

func TestParameters(t *testing.T) {
	p := DefaultParameters(2)
	assert.NoError(t, p.Validate())
	assert.InDelta(t, math.Sqrt2/2, p.LLow, 1.e-15)
	p3 := DefaultParameters(3)
	assert.Equal(t, 1., p3.LUp)
	assert.Equal(t, 0.95, p3.Alpha)

	p.LLow = p.LUp
	assert.ErrorIs(t, p.Validate(), ErrBadParameters)
	p = DefaultParameters(3)
	p.Alpha = 1.5
	assert.ErrorIs(t, p.Validate(), ErrBadParameters)
}

func TestTallyAndKinds(t *testing.T) {
	var tl Tally
	tl.Add(DegenerateGeometry, 2)
	tl.Merge(Tally{0, 3, 1})
	assert.Equal(t, 6, tl.Total())
	assert.Equal(t, "topology_violation", TopologyViolation.String())
	assert.True(t, claimKey{1, 2, 3}.less(claimKey{1, 3, -1}))
	assert.False(t, claimKey{1, 2, 3}.less(claimKey{1, 2, 3}))
}
