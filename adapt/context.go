// Package adapt holds the mesh adaptation operators and the driver that
// chains them. Every operator is collective over the mesh communicator.
package adapt

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/notargets/goadapt/mesh"
)

// Kind classifies a rejected mesh operation.
type Kind uint8

const (
	DegenerateGeometry Kind = iota
	TopologyViolation
	HaloInconsistency
	numKinds
)

func (k Kind) String() string {
	switch k {
	case DegenerateGeometry:
		return "degenerate_geometry"
	case TopologyViolation:
		return "topology_violation"
	case HaloInconsistency:
		return "halo_inconsistency"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Tally counts rejections per kind on this rank.
type Tally [numKinds]int

func (t *Tally) Add(k Kind, n int) { t[k] += n }

func (t *Tally) Merge(o Tally) {
	for k := range t {
		t[k] += o[k]
	}
}

func (t Tally) Total() (n int) {
	for _, c := range t {
		n += c
	}
	return
}

// Stats reports one operator call.
type Stats struct {
	Operator string
	Applied  int   // Global count of committed operations
	Rejected Tally // Local rejections
	Rounds   int
}

// Operator is a collective mesh rewrite.
type Operator interface {
	Name() string
	Apply(c *Context) (Stats, error)
}

// Context carries the adaptation state of one mesh on one rank. Nothing in
// this package is global, so several meshes can adapt side by side.
type Context struct {
	Mesh    *mesh.Mesh
	Logger  *zap.Logger
	Metrics *Metrics
	Tracer  trace.Tracer
	Workers int // Intra-rank parallelism
	Tally   Tally
	RunID   string
}

type Option func(c *Context)

func WithLogger(l *zap.Logger) Option { return func(c *Context) { c.Logger = l } }

func WithMetrics(m *Metrics) Option { return func(c *Context) { c.Metrics = m } }

func WithTracer(t trace.Tracer) Option { return func(c *Context) { c.Tracer = t } }

func WithWorkers(n int) Option { return func(c *Context) { c.Workers = n } }

func WithRunID(id string) Option { return func(c *Context) { c.RunID = id } }

func NewContext(m *mesh.Mesh, opts ...Option) (c *Context) {
	c = &Context{
		Mesh:    m,
		Logger:  zap.NewNop(),
		Tracer:  otel.Tracer("github.com/notargets/goadapt/adapt"),
		Workers: 1,
		RunID:   uuid.NewString(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics(nil)
	}
	if c.Workers < 1 {
		c.Workers = 1
	}
	c.Logger = c.Logger.With(zap.Int("rank", m.Rank()), zap.String("run", c.RunID))
	return
}

// begin opens the span and timer of an operator call; the returned func
// closes them and books the stats.
func (c *Context) begin(name string, attrs ...attribute.KeyValue) func(st *Stats, err error) {
	var (
		start   = time.Now()
		_, span = c.Tracer.Start(context.Background(), "adapt."+name,
			trace.WithAttributes(append(attrs, attribute.Int("rank", c.Mesh.Rank()))...))
	)
	return func(st *Stats, err error) {
		st.Operator = name
		c.Tally.Merge(st.Rejected)
		c.Metrics.observe(st, time.Since(start))
		span.SetAttributes(
			attribute.Int("applied", st.Applied),
			attribute.Int("rounds", st.Rounds),
			attribute.Int("rejected", st.Rejected.Total()))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.Logger.Error("operator failed", zap.String("operator", name), zap.Error(err))
		}
		span.End()
		c.Logger.Debug("operator done",
			zap.String("operator", name),
			zap.Int("applied", st.Applied),
			zap.Int("rounds", st.Rounds),
			zap.Int("degenerate", st.Rejected[DegenerateGeometry]),
			zap.Int("topology", st.Rejected[TopologyViolation]),
			zap.Int("halo", st.Rejected[HaloInconsistency]),
			zap.Duration("elapsed", time.Since(start)))
	}
}

// Refine, Coarsen, Swap, SmartLaplacian and OptimisationLinf are shorthands
// for applying the operator of the same name.

func (c *Context) Refine(lRef float64) (Stats, error) {
	return Refine{LRef: lRef}.Apply(c)
}

func (c *Context) Coarsen(lLow, lUp float64, allowBoundary bool) (Stats, error) {
	return Coarsen{LLow: lLow, LUp: lUp, AllowBoundary: allowBoundary}.Apply(c)
}

func (c *Context) Swap(qMin float64) (Stats, error) {
	return Swap{QMin: qMin}.Apply(c)
}

func (c *Context) SmartLaplacian(iterations int) (Stats, error) {
	return SmartLaplacian{Iterations: iterations}.Apply(c)
}

func (c *Context) OptimisationLinf(iterations int) (Stats, error) {
	return OptimisationLinf{Iterations: iterations}.Apply(c)
}
