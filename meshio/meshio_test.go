package meshio

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/goadapt/comm"
	"github.com/notargets/goadapt/mesh"
	"github.com/notargets/goadapt/partition"
)

const squareMsh = `$MeshFormat
2.2 0 8
$EndMeshFormat
$PhysicalNames
2
1 7 "wall"
2 3 "fluid"
$EndPhysicalNames
$Nodes
4
10 0 0 0
20 1 0 0
30 1 1 0
40 0 1 0
$EndNodes
$Elements
4
1 15 2 0 1 10
2 1 2 7 1 10 20
3 2 2 3 1 10 20 30
4 2 2 3 1 10 40 30
$EndElements
`

func TestReadGmsh22(t *testing.T) {
	in, names, err := ReadGmsh22(strings.NewReader(squareMsh))
	require.NoError(t, err)
	assert.Equal(t, 2, in.Dim)
	assert.Equal(t, map[int]string{7: "wall", 3: "fluid"}, names)
	assert.Equal(t, [][]float64{{0, 0}, {1, 0}, {1, 1}, {0, 1}}, in.Coords)
	// The second triangle is clockwise in the file
	assert.Equal(t, [][]int{{0, 1, 2}, {3, 0, 2}}, in.Elements)
	assert.Equal(t, []int{3, 3}, in.Regions)
	// The untagged sides are tagged after the largest tag read
	assert.Equal(t, [][]int{{8, 0, 7}, {0, 9, 10}}, in.Boundary)

	m, err := mesh.New(in, nil, nil)
	require.NoError(t, err)
	assert.NoError(t, m.Verify())
	assert.InDelta(t, 4., m.CalculateArea(), 1.e-14)
}

func TestReadGmsh22Errors(t *testing.T) {
	cases := map[string]string{
		"binary":       "$MeshFormat\n2.2 1 8\n$EndMeshFormat\n",
		"version":      "$MeshFormat\n4.1 0 8\n$EndMeshFormat\n",
		"short nodes":  "$Nodes\n2\n1 0 0 0\n",
		"bad node":     "$Nodes\n1\nx 0 0 0\n$EndNodes\n",
		"unknown node": "$Nodes\n1\n1 0 0 0\n$EndNodes\n$Elements\n1\n1 2 0 1 2 3\n$EndElements\n",
		"no elements":  "$MeshFormat\n2.2 0 8\n$EndMeshFormat\n",
	}
	for name, text := range cases {
		_, _, err := ReadGmsh22(strings.NewReader(text))
		if err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}
}

func regionsBox() *mesh.Input {
	in := mesh.Box3D(2, 2, 2, 1, 1, 1)
	in.SetRegions(func(x []float64) int {
		if x[0] < 0.5 {
			return 1
		}
		return 2
	})
	return in
}

func TestGmshRoundTrip(t *testing.T) {
	var (
		in    = regionsBox()
		names = map[int]string{1: "left", 2: "right", 3: "xmin"}
		buf   bytes.Buffer
	)
	require.NoError(t, WriteGmsh22(&buf, in, names))
	out, outNames, err := ReadGmsh22(&buf)
	require.NoError(t, err)
	assert.Equal(t, names, outNames)
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}

	// Through a file, chosen by extension
	filename := filepath.Join(t.TempDir(), "box.msh")
	require.NoError(t, WriteFile(filename, in, nil))
	out, _, err = ReadFile(filename)
	require.NoError(t, err)
	assert.Equal(t, in.Elements, out.Elements)

	_, _, err = ReadFile(filepath.Join(t.TempDir(), "box.vtk"))
	assert.Error(t, err)
}

const squareNeu = `        CONTROL INFO 2.4.6
** GAMBIT NEUTRAL FILE
square
PROGRAM:                Gambit     VERSION:  2.4.6
Oct 2026
     NUMNP     NELEM     NGRPS    NBSETS     NDFCD     NDFVL
         4         2         1         2         2         2
ENDOFSECTION
   NODAL COORDINATES 2.4.6
         1   0.0   0.0
         2   1.0   0.0
         3   1.0   1.0
         4   0.0   1.0
ENDOFSECTION
      ELEMENTS/CELLS 2.4.6
       1  3  3        1       2       3
       2  3  3        1       3       4
ENDOFSECTION
       ELEMENT GROUP 2.4.6
GROUP:          1 ELEMENTS:          2 MATERIAL:          2 NFLAGS:          1
                           fluid
       0
       1       2
ENDOFSECTION
 BOUNDARY CONDITIONS 2.4.6
                             wall       1       2       0       6
         1        3        1
         2        3        2
ENDOFSECTION
 BOUNDARY CONDITIONS 2.4.6
                           inflow       1       1       0       6
         2        3        3
ENDOFSECTION
`

func TestReadGambit(t *testing.T) {
	in, names, err := ReadGambit(strings.NewReader(squareNeu))
	require.NoError(t, err)
	assert.Equal(t, 2, in.Dim)
	assert.Equal(t, map[int]string{1: "wall", 2: "inflow"}, names)
	assert.Equal(t, [][]int{{0, 1, 2}, {0, 2, 3}}, in.Elements)
	assert.Equal(t, []int{1, 1}, in.Regions)
	assert.Equal(t, [][]int{{3, 0, 1}, {1, 2, 0}}, in.Boundary)

	// Through a file
	filename := filepath.Join(t.TempDir(), "square.neu")
	require.NoError(t, os.WriteFile(filename, []byte(squareNeu), 0644))
	out, _, err := ReadFile(filename)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	broken := strings.Replace(squareNeu, "       2  3  3        1       3       4", "       2  4  3        1       3       4", 1)
	_, _, err = ReadGambit(strings.NewReader(broken))
	assert.Error(t, err)
}

func TestGather(t *testing.T) {
	type element struct {
		Region int
		Tags   []int
	}
	var (
		in    = regionsBox()
		NP    = 3
		epart = partition.Block(len(in.Elements), NP)
		index = func(in *mesh.Input) map[[4]int]element {
			idx := make(map[[4]int]element)
			for k, el := range in.Elements {
				idx[[4]int(el)] = element{in.Regions[k], in.Boundary[k]}
			}
			return idx
		}
	)
	err := comm.Run(NP, func(c comm.Communicator) error {
		m, err := mesh.New(in, epart, c)
		if err != nil {
			return err
		}
		out, err := Gather(m)
		if err != nil {
			return err
		}
		if c.Rank() != 0 {
			assert.Nil(t, out)
			return nil
		}
		assert.Equal(t, in.Coords, out.Coords)
		if diff := cmp.Diff(index(in), index(out)); diff != "" {
			t.Errorf("gathered elements differ (-want +got):\n%s", diff)
		}
		serial, err := mesh.New(out, nil, nil)
		if err != nil {
			return err
		}
		assert.NoError(t, serial.Verify())
		assert.InDelta(t, 0.5, serial.CalculateVolume(1), 1.e-12)
		return nil
	})
	assert.NoError(t, err)
}
