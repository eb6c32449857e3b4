// Package testgrid builds structured hexahedral grids as unstructured
// meshes and shards them across ranks. It feeds the tests and the CLI with
// reproducible input.
package testgrid

import (
	"github.com/notargets/meshredist/mesh"
	"gonum.org/v1/gonum/spatial/r3"
)

// Attribute names carried by generated grids
const (
	GlobalPointIDs = "GlobalPointIds"
	GlobalCellIDs  = "GlobalCellIds"
	Temperature    = "Temperature"
)

// UniformHexGrid returns nx*ny*nz hexahedra of edge length spacing with the
// origin at the minimum corner. Points are numbered x fastest, then y, then
// z; the numbering is stored in GlobalPointIDs. Cells carry GlobalCellIDs
// and points a Temperature equal to x+2y+3z.
func UniformHexGrid(nx, ny, nz int, spacing float64) *mesh.Mesh {
	m := mesh.New()
	px, py := nx+1, ny+1
	pid := func(i, j, k int) int { return i + px*(j+py*k) }

	ids := make([]int64, 0, px*py*(nz+1))
	temp := make([]float64, 0, px*py*(nz+1))
	for k := 0; k <= nz; k++ {
		for j := 0; j <= ny; j++ {
			for i := 0; i <= nx; i++ {
				p := r3.Vec{X: float64(i) * spacing, Y: float64(j) * spacing, Z: float64(k) * spacing}
				ids = append(ids, int64(m.AddPoint(p)))
				temp = append(temp, p.X+2*p.Y+3*p.Z)
			}
		}
	}

	cellIDs := make([]int64, 0, nx*ny*nz)
	for k := 0; k < nz; k++ {
		for j := 0; j < ny; j++ {
			for i := 0; i < nx; i++ {
				c := m.AddCell(mesh.Hex,
					pid(i, j, k), pid(i+1, j, k), pid(i+1, j+1, k), pid(i, j+1, k),
					pid(i, j, k+1), pid(i+1, j, k+1), pid(i+1, j+1, k+1), pid(i, j+1, k+1))
				cellIDs = append(cellIDs, int64(c))
			}
		}
	}
	m.PointData[GlobalPointIDs] = mesh.NewIntArray(1, ids...)
	m.PointData[Temperature] = mesh.NewFloatArray(1, temp...)
	m.CellData[GlobalCellIDs] = mesh.NewIntArray(1, cellIDs...)
	return m
}
