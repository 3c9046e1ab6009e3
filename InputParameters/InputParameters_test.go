package InputParameters

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	fileInput := []byte(`
Title: Shock layer
Ranks: 4
Partitioner: metis
Metric:
  Type: hessian
  Field: shock
  Eta: 0.01
  HMin: 0.001
  HMax: 0.2
  Target: 5000
LUp: 1.2
MaxIterations: 30
Swap: false
SmoothIterations: 0
RedistributeEvery: 3
`)
	var input InputParameters
	require.NoError(t, input.Parse(fileInput))
	assert.Equal(t, "Shock layer", input.Title)
	assert.Equal(t, 4, input.Ranks)
	assert.Equal(t, "shock", input.Metric.Field)
	assert.Equal(t, 5000, input.Metric.Target)
	require.NoError(t, input.Validate())
	input.Print()

	p := input.ToParameters(2)
	assert.Equal(t, 1.2, p.LUp)
	assert.Equal(t, 0.6, p.LLow)
	assert.Equal(t, math.Sqrt2/2, p.Alpha)
	assert.Equal(t, 30, p.MaxIterations)
	assert.False(t, p.Swap)
	assert.Equal(t, 0, p.SmoothIterations)
	assert.Equal(t, 3, p.RedistributeEvery)
	assert.NoError(t, p.Validate())
}

func TestDefaults(t *testing.T) {
	var input InputParameters
	require.NoError(t, input.Parse([]byte("Metric:\n  Type: uniform\n  H: [0.1, 0.2]\n")))
	require.NoError(t, input.Validate())
	assert.Equal(t, []float64{0.1, 0.2}, input.Metric.H)
	p := input.ToParameters(3)
	assert.Equal(t, 1., p.LUp)
	assert.Equal(t, 0.5, p.LLow)
	assert.True(t, p.Swap)
	assert.Equal(t, 10, p.SmoothIterations)
}

func TestValidate(t *testing.T) {
	bad := []string{
		"Metric: {Type: uniform}",
		"Metric: {Type: uniform, H: [0.1, -1]}",
		"Metric: {Type: hessian, Field: wave, Eta: 1, HMin: 0.1, HMax: 1}",
		"Metric: {Type: hessian, Field: ring, Eta: 1, HMin: 0.1, HMax: 0.01}",
		"Metric: {Type: spline}",
		"Partitioner: scotch\nMetric: {Type: uniform, H: [1]}",
	}
	for _, text := range bad {
		var input InputParameters
		require.NoError(t, input.Parse([]byte(text)))
		if err := input.Validate(); err == nil {
			t.Errorf("expected %q to be rejected", text)
		}
	}
}
