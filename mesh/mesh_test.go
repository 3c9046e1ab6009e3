package mesh

import (
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/goadapt/comm"
)

func blockPartition(ne, np int) (epart []int) {
	epart = make([]int, ne)
	for k := range epart {
		epart[k] = k * np / ne
	}
	return
}

func TestNewSerial(t *testing.T) {
	in := Box2D(4, 4, 1, 1)
	m, err := New(in, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 25, m.NNodes())
	assert.Equal(t, 32, m.NElements())
	require.NoError(t, m.Verify())
	assert.InDelta(t, 1., m.CalculateVolume(AllRegions), 1.e-14)
	assert.InDelta(t, 4., m.CalculateArea(), 1.e-14)
	// A corner touches two sides, a side node one, an interior node none
	corner, _ := m.Local(0)
	side, _ := m.Local(2)
	inner, _ := m.Local(6)
	assert.Len(t, m.NodeTags[corner], 2)
	assert.Len(t, m.NodeTags[side], 1)
	assert.Len(t, m.NodeTags[inner], 0)
	assert.Len(t, m.NNList[inner], 6)
	qmin, qmean := m.QualityStats()
	assert.Greater(t, qmin, 0.5)
	assert.GreaterOrEqual(t, qmean, qmin)
	assert.Equal(t, 32, m.GlobalElements())
	assert.Equal(t, 25, m.GlobalNodes())
}

func TestNewDistributed(t *testing.T) {
	var (
		NP    = 3
		in    = Box3D(3, 3, 3, 1, 1, 1)
		epart = blockPartition(len(in.Elements), NP)
		mu    sync.Mutex
		sent  = make(map[[2]int][]int) // [from,to] -> gnns
		recvd = make(map[[2]int][]int)
	)
	err := comm.Run(NP, func(c comm.Communicator) error {
		m, err := New(in, epart, c)
		if err != nil {
			return err
		}
		if err = m.Verify(); err != nil {
			return err
		}
		if n := m.GlobalElements(); n != len(in.Elements) {
			t.Errorf("rank %d: %d elements, want %d", c.Rank(), n, len(in.Elements))
		}
		if n := m.GlobalNodes(); n != len(in.Coords) {
			t.Errorf("rank %d: %d nodes, want %d", c.Rank(), n, len(in.Coords))
		}
		assert.InDelta(t, 1., m.CalculateVolume(AllRegions), 1.e-13)
		assert.InDelta(t, 6., m.CalculateArea(), 1.e-13)
		// Block parts of the box only touch the next and previous ones
		var want []int
		for _, r := range []int{c.Rank() - 1, c.Rank() + 1} {
			if r >= 0 && r < NP {
				want = append(want, r)
			}
		}
		assert.Equal(t, want, m.Neighbours())
		mu.Lock()
		defer mu.Unlock()
		for r, list := range m.Send {
			sent[[2]int{c.Rank(), r}] = gnns(m, list)
		}
		for r, list := range m.Recv {
			recvd[[2]int{r, c.Rank()}] = gnns(m, list)
		}
		return nil
	})
	require.NoError(t, err)
	assert.NotEmpty(t, sent)
	if diff := cmp.Diff(sent, recvd); diff != "" {
		t.Errorf("halo lists are not symmetric (-send +recv):\n%s", diff)
	}
}

func gnns(m *Mesh, list []int) (g []int) {
	for _, n := range list {
		g = append(g, m.GNN[n])
	}
	return
}

func TestRedistributeHalo(t *testing.T) {
	var (
		NP    = 2
		in    = Box2D(6, 6, 1, 1)
		epart = blockPartition(len(in.Elements), NP)
	)
	err := comm.Run(NP, func(c comm.Communicator) error {
		m, err := New(in, epart, c)
		if err != nil {
			return err
		}
		_, e1 := m.LocalCounts()
		if err = m.RedistributeHalo(2); err != nil {
			return err
		}
		if err = m.Verify(); err != nil {
			return err
		}
		_, e2 := m.LocalCounts()
		assert.Greater(t, e2, e1)
		assert.Equal(t, len(in.Elements), m.GlobalElements())
		if err = m.RedistributeHalo(1); err != nil {
			return err
		}
		_, e3 := m.LocalCounts()
		assert.Equal(t, e1, e3)
		m.Defragment()
		nodes, elems := m.LocalCounts()
		assert.Equal(t, nodes, m.NNodes())
		assert.Equal(t, elems, m.NElements())
		assert.InDelta(t, 1., m.CalculateVolume(AllRegions), 1.e-14)
		return m.Verify()
	})
	require.NoError(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(in *Input)
	}{
		{"out of range", func(in *Input) { in.Elements[0][1] = 99 }},
		{"repeated node", func(in *Input) { in.Elements[0][1] = in.Elements[0][0] }},
		{"duplicate element", func(in *Input) {
			in.Elements = append(in.Elements, in.Elements[0])
			in.Boundary = append(in.Boundary, in.Boundary[0])
		}},
		{"flat element", func(in *Input) { in.Coords[3] = []float64{0.5, 0} }},
		{"untagged boundary", func(in *Input) { in.Boundary = nil }},
		{"bad dimension", func(in *Input) { in.Dim = 4 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := Box2D(1, 1, 1, 1)
			tt.mutate(in)
			_, err := New(in, nil, nil)
			assert.True(t, errors.Is(err, ErrMalformedMesh), "got %v", err)
		})
	}
}

func TestRegionsAndInterfaces(t *testing.T) {
	in := Box3D(2, 2, 2, 1, 1, 1)
	in.SetRegions(func(x []float64) int {
		if x[0] < 0.5 {
			return 1
		}
		return 2
	})
	m, err := New(in, nil, nil)
	require.NoError(t, err)
	require.NoError(t, m.Verify())
	assert.InDelta(t, 0.5, m.CalculateVolume(1), 1.e-14)
	assert.InDelta(t, 0.5, m.CalculateVolume(2), 1.e-14)
	// Six faces plus the interface counted from both sides
	assert.InDelta(t, 8., m.CalculateArea(), 1.e-14)
	centre, ok := m.Local(13)
	require.True(t, ok)
	assert.Equal(t, []int{InterfaceTag(1, 2)}, m.NodeTags[centre])
}

func TestApplyPatchFlip(t *testing.T) {
	in := Box2D(1, 1, 1, 1)
	m, err := New(in, nil, nil)
	require.NoError(t, err)
	var (
		a, b   = m.ElementTags(0), m.ElementTags(1)
		bottom = a[2]
		right  = a[0]
		top    = b[0]
		left   = b[1]
	)
	p := &Patch{
		Remove: []ElementKey{m.Key(0), m.Key(1)},
		Add: []ElementRecord{
			m.ElementRecordOf([]int{0, 1, 2}, 0, []int{0, left, bottom}, 0, 1),
			m.ElementRecordOf([]int{1, 3, 2}, 0, []int{top, 0, right}, 0, 1),
		},
	}
	m.AddNodeRecords(p)
	msg := m.EncodePatches([]*Patch{p})
	ps, err := m.DecodePatches(msg)
	require.NoError(t, err)
	require.Len(t, ps, 1)
	applied, err := m.ApplyPatch(ps[0])
	require.NoError(t, err)
	assert.True(t, applied)
	require.NoError(t, m.Verify())
	assert.Equal(t, []int{1, 2}, m.NNList[0])
	assert.InDelta(t, 4., m.CalculateArea(), 1.e-15)
	_, ok := m.FindElement(KeyFromGNN([]int{2, 1, 3}))
	assert.True(t, ok)

	// Nobody holds the removed elements any more
	applied, err = m.ApplyPatch(ps[0])
	assert.NoError(t, err)
	assert.False(t, applied)
}

func TestApplyPatchMissingRecord(t *testing.T) {
	m, err := New(Box2D(1, 1, 1, 1), nil, nil)
	require.NoError(t, err)
	var (
		a, b   = m.ElementTags(0), m.ElementTags(1)
		bottom = a[2]
		right  = a[0]
		top    = b[0]
		left   = b[1]
	)
	p := &Patch{
		Remove: []ElementKey{m.Key(0), m.Key(1)},
		Add: []ElementRecord{
			{Nodes: []int{0, 1, 99}, Tags: []int{0, 0, 0}, Parents: []int{0}},
			m.ElementRecordOf([]int{0, 1, 2}, 0, []int{0, left, bottom}, 0, 1),
			m.ElementRecordOf([]int{1, 3, 2}, 0, []int{top, 0, right}, 0, 1),
		},
	}
	// Node 99 is unknown and has no record; only its element is dropped
	applied, err := m.ApplyPatch(p)
	assert.True(t, applied)
	assert.ErrorIs(t, err, ErrHaloInconsistency)
	for _, gnn := range [][]int{{0, 1, 2}, {2, 1, 3}} {
		_, ok := m.FindElement(KeyFromGNN(gnn))
		assert.True(t, ok, "element %v", gnn)
	}
	assert.NoError(t, m.Verify())
	assert.InDelta(t, 4., m.CalculateArea(), 1.e-15)
}

func TestIntersectSorted(t *testing.T) {
	got := IntersectSorted([]int{1, 3, 5, 7}, []int{2, 3, 7, 9})
	assert.Equal(t, []int{3, 7}, got)
	s := insertSorted(nil, 4)
	s = insertSorted(s, 1)
	s = insertSorted(s, 4)
	assert.True(t, sort.IntsAreSorted(s))
	assert.Equal(t, []int{1, 4}, s)
	assert.Equal(t, []int{4}, removeSorted(s, 1))
}
