package metis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/goadapt/comm"
	"github.com/notargets/goadapt/mesh"
	"github.com/notargets/goadapt/partition"
)

func TestPartition(t *testing.T) {
	var (
		in = mesh.Box3D(4, 4, 4, 1, 1, 1)
		g  = partition.DualGraph(in)
		NP = 4
	)
	epart, _, err := Partition(g, NP, DefaultConfig())
	require.NoError(t, err)
	require.Len(t, epart, len(in.Elements))
	st := partition.Analyze(g, epart, NP)
	for p, n := range st.Elements {
		if n == 0 {
			t.Errorf("part %d is empty", p)
		}
	}
	assert.Less(t, st.Imbalance, 0.1)

	// A METIS partition builds a valid distributed mesh
	err = comm.Run(NP, func(c comm.Communicator) error {
		m, err := mesh.New(in, epart, c)
		if err != nil {
			return err
		}
		assert.NoError(t, m.Verify())
		assert.InDelta(t, 1., m.CalculateVolume(mesh.AllRegions), 1.e-12)
		return nil
	})
	assert.NoError(t, err)
}

func TestSinglePart(t *testing.T) {
	g := partition.DualGraph(mesh.Box2D(2, 2, 1, 1))
	epart, _, err := Partition(g, 1, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, make([]int, 8), epart)
}
