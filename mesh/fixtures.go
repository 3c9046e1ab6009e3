package mesh

import "github.com/notargets/goadapt/geometry"

// Box2D meshes the rectangle [0,lx]x[0,ly] with nx by ny cells, two
// triangles per cell, and tags each side of the rectangle.
func Box2D(nx, ny int, lx, ly float64) (in *Input) {
	in = &Input{Dim: 2}
	id := func(i, j int) int { return i + (nx+1)*j }
	for j := 0; j <= ny; j++ {
		for i := 0; i <= nx; i++ {
			in.Coords = append(in.Coords, []float64{lx * float64(i) / float64(nx), ly * float64(j) / float64(ny)})
		}
	}
	for j := 0; j < ny; j++ {
		for i := 0; i < nx; i++ {
			v00, v10, v01, v11 := id(i, j), id(i+1, j), id(i, j+1), id(i+1, j+1)
			in.Elements = append(in.Elements, []int{v00, v10, v11}, []int{v00, v11, v01})
		}
	}
	in.CreateBoundary()
	return
}

// Box3D meshes the box [0,lx]x[0,ly]x[0,lz] with nx by ny by nz cells, each
// cut into the six tetrahedra around its main diagonal, and tags each face.
func Box3D(nx, ny, nz int, lx, ly, lz float64) (in *Input) {
	in = &Input{Dim: 3}
	id := func(i, j, k int) int { return i + (nx+1)*(j+(ny+1)*k) }
	for k := 0; k <= nz; k++ {
		for j := 0; j <= ny; j++ {
			for i := 0; i <= nx; i++ {
				in.Coords = append(in.Coords, []float64{
					lx * float64(i) / float64(nx),
					ly * float64(j) / float64(ny),
					lz * float64(k) / float64(nz),
				})
			}
		}
	}
	perms := [6][3]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}
	for k := 0; k < nz; k++ {
		for j := 0; j < ny; j++ {
			for i := 0; i < nx; i++ {
				for _, p := range perms {
					var (
						c    = [3]int{i, j, k}
						tet  = []int{id(c[0], c[1], c[2])}
						step [3]int
					)
					for _, axis := range p[:2] {
						step[axis] = 1
						tet = append(tet, id(c[0]+step[0], c[1]+step[1], c[2]+step[2]))
					}
					tet = append(tet, id(i+1, j+1, k+1))
					pts := [][]float64{in.Coords[tet[0]], in.Coords[tet[1]], in.Coords[tet[2]], in.Coords[tet[3]]}
					if geometry.SignedMeasure(pts...) < 0 {
						tet[0], tet[1] = tet[1], tet[0]
					}
					in.Elements = append(in.Elements, tet)
				}
			}
		}
	}
	in.CreateBoundary()
	return
}

// SetRegions assigns each element the region chosen from its barycentre and
// tags the interfaces between regions.
func (in *Input) SetRegions(region func(x []float64) int) {
	in.Regions = make([]int, len(in.Elements))
	for k, verts := range in.Elements {
		bc := make([]float64, in.Dim)
		for _, v := range verts {
			for d := range bc {
				bc[d] += in.Coords[v][d] / float64(len(verts))
			}
		}
		in.Regions[k] = region(bc)
	}
	in.SetInternalBoundaries()
}
