package adapt

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/notargets/goadapt/comm"
)

var (
	// ErrIterationBudgetExceeded is returned with a usable mesh when the
	// refine and coarsen loop did not bring every edge below LUp.
	ErrIterationBudgetExceeded = errors.New("adapt: iteration budget exceeded")

	// ErrInterrupted is returned when some rank's context was done at an
	// iteration boundary.
	ErrInterrupted = errors.New("adapt: interrupted")

	ErrBadParameters = errors.New("adapt: invalid parameters")
)

// Parameters drive Adapt.
type Parameters struct {
	LUp, LLow             float64 // Target metric edge length band
	Alpha                 float64 // Refine threshold decay, L_ref = max(Alpha*L_max, LUp)
	MaxIterations         int
	Swap                  bool
	QMin                  float64 // Swap pairs whose worst quality is below QMin
	AllowBoundaryCollapse bool
	SmoothIterations      int
	HaloLevels            int // Ghost depth restored by redistribution
	RedistributeEvery     int // Iterations between halo redistribution, 0 never
}

// DefaultParameters are the usual settings for 2-D and 3-D meshes.
func DefaultParameters(dim int) (p Parameters) {
	p = Parameters{
		MaxIterations:    20,
		Swap:             true,
		QMin:             0.7,
		SmoothIterations: 10,
		HaloLevels:       1,
	}
	switch dim {
	case 2:
		p.LUp = math.Sqrt2
		p.Alpha = math.Sqrt2 / 2
	default:
		p.LUp = 1.
		p.Alpha = 0.95
	}
	p.LLow = p.LUp / 2
	return
}

func (p Parameters) Validate() error {
	switch {
	case p.LUp <= 0 || p.LLow <= 0 || p.LLow >= p.LUp:
		return fmt.Errorf("%w: need 0 < LLow < LUp, have %g, %g", ErrBadParameters, p.LLow, p.LUp)
	case p.Alpha <= 0 || p.Alpha > 1:
		return fmt.Errorf("%w: alpha %g outside (0, 1]", ErrBadParameters, p.Alpha)
	case p.MaxIterations < 0 || p.SmoothIterations < 0:
		return fmt.Errorf("%w: negative iteration count", ErrBadParameters)
	case p.RedistributeEvery > 0 && p.HaloLevels < 1:
		return fmt.Errorf("%w: halo levels %d", ErrBadParameters, p.HaloLevels)
	}
	return nil
}

// Report summarises an Adapt call. Counts are global. Converged is judged on
// LoopMaxEdgeLength, the longest edge when the refine and coarsen loop ended;
// MaxEdgeLength and the qualities are measured after smoothing, which may
// stretch some edges past LUp again.
type Report struct {
	Iterations        int
	Converged         bool
	LoopMaxEdgeLength float64
	MaxEdgeLength     float64
	MinQuality        float64
	MeanQuality       float64
	Elements          int
	Nodes             int
	Passes            []Stats
}

// Adapt runs the refine and coarsen loop until every edge is shorter than
// LUp in metric space, then defragments and smooths. The context is polled
// between iterations only and all ranks agree on stopping. Collective.
func Adapt(ctx context.Context, c *Context, p Parameters) (rep Report, err error) {
	if err = p.Validate(); err != nil {
		return
	}
	var (
		m   = c.Mesh
		log = c.Logger.With(zap.String("driver", "adapt"))
	)
	pass := func(op Operator) error {
		st, e := op.Apply(c)
		rep.Passes = append(rep.Passes, st)
		return e
	}
	if err = pass(Coarsen{LLow: p.LLow, LUp: p.LUp, AllowBoundary: p.AllowBoundaryCollapse}); err != nil {
		return
	}
	for rep.Iterations < p.MaxIterations {
		stop := 0
		if ctx.Err() != nil {
			stop = 1
		}
		if m.Comm.AllReduceInt(stop, comm.Max) != 0 {
			err = fmt.Errorf("%w after %d iterations", ErrInterrupted, rep.Iterations)
			return
		}
		lmax := m.MaximalEdgeLength()
		rep.LoopMaxEdgeLength = lmax
		if lmax < p.LUp {
			rep.Converged = true
			break
		}
		rep.Iterations++
		c.Metrics.Iterations.Inc()
		lref := math.Max(p.Alpha*lmax, p.LUp)
		if err = pass(Refine{LRef: lref}); err != nil {
			return
		}
		if err = pass(Coarsen{LLow: p.LLow, LUp: lref, AllowBoundary: p.AllowBoundaryCollapse}); err != nil {
			return
		}
		if p.Swap {
			if err = pass(Swap{QMin: p.QMin}); err != nil {
				return
			}
		}
		if p.RedistributeEvery > 0 && rep.Iterations%p.RedistributeEvery == 0 {
			if err = m.RedistributeHalo(p.HaloLevels); err != nil {
				return
			}
		}
		c.record(&rep)
		log.Info("iteration",
			zap.Int("iteration", rep.Iterations),
			zap.Float64("l_ref", lref),
			zap.Float64("l_max", rep.MaxEdgeLength),
			zap.Float64("q_min", rep.MinQuality),
			zap.Int("elements", rep.Elements))
	}
	if !rep.Converged {
		rep.LoopMaxEdgeLength = m.MaximalEdgeLength()
		rep.Converged = rep.LoopMaxEdgeLength < p.LUp
	}

	m.Defragment()
	if err = pass(SmartLaplacian{Iterations: p.SmoothIterations}); err != nil {
		return
	}
	if err = pass(OptimisationLinf{Iterations: p.SmoothIterations}); err != nil {
		return
	}
	c.record(&rep)
	rep.Nodes = m.GlobalNodes()
	log.Info("adapt done",
		zap.Bool("converged", rep.Converged),
		zap.Int("iterations", rep.Iterations),
		zap.Float64("l_max_loop", rep.LoopMaxEdgeLength),
		zap.Float64("l_max", rep.MaxEdgeLength),
		zap.Float64("q_min", rep.MinQuality),
		zap.Float64("q_mean", rep.MeanQuality),
		zap.Int("elements", rep.Elements),
		zap.Int("nodes", rep.Nodes),
		zap.Ints("halo_ranks", m.Neighbours()),
		zap.Int("rejected", c.Tally.Total()))
	if !rep.Converged {
		err = fmt.Errorf("%w: %d iterations, longest edge %g", ErrIterationBudgetExceeded,
			rep.Iterations, rep.LoopMaxEdgeLength)
	}
	return
}

// record refreshes the global figures of the report and the gauges.
// Collective.
func (c *Context) record(rep *Report) {
	m := c.Mesh
	rep.MaxEdgeLength = m.MaximalEdgeLength()
	rep.MinQuality, rep.MeanQuality = m.QualityStats()
	rep.Elements = m.GlobalElements()
	c.Metrics.MaxEdgeLength.Set(rep.MaxEdgeLength)
	c.Metrics.MinQuality.Set(rep.MinQuality)
	c.Metrics.Elements.Set(float64(rep.Elements))
}
