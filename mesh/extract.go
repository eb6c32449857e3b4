package mesh

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
)

// Extract builds a compact mesh holding exactly the cells in cellIDs, in
// the given order. Only referenced points are copied; they are numbered in
// the order they are first met while walking cellIDs. Attribute tuples are
// copied by index. m is not modified. An empty cellIDs yields an empty mesh
// that still carries every attribute array of m with zero tuples.
func Extract(m *Mesh, cellIDs []int) (*Mesh, error) {
	nc := m.NumCells()
	for _, c := range cellIDs {
		if c < 0 || c >= nc {
			return nil, fmt.Errorf("%w: extract cell %d out of range [0,%d)", ErrInvalidState, c, nc)
		}
	}

	out := New()
	for name, a := range m.PointData {
		out.PointData[name] = a.emptyLike(0)
	}
	for name, a := range m.CellData {
		out.CellData[name] = a.emptyLike(len(cellIDs))
	}
	if len(cellIDs) == 0 {
		return out, nil
	}

	// Global to local point map, -1 until the point is first referenced
	localOf := make([]int, m.NumPoints())
	for i := range localOf {
		localOf[i] = -1
	}
	var picked []int

	out.Types = make([]CellType, 0, len(cellIDs))
	out.Offsets = make([]int, 1, len(cellIDs)+1)
	for _, c := range cellIDs {
		for _, p := range m.Cell(c) {
			if localOf[p] < 0 {
				localOf[p] = len(picked)
				picked = append(picked, p)
			}
			out.Connectivity = append(out.Connectivity, localOf[p])
		}
		out.Types = append(out.Types, m.Types[c])
		out.Offsets = append(out.Offsets, len(out.Connectivity))
	}

	out.Points = make([]r3.Vec, len(picked))
	for i, p := range picked {
		out.Points[i] = m.Points[p]
	}
	for name, a := range m.PointData {
		dst := out.PointData[name]
		for _, p := range picked {
			dst.appendTuple(a, p)
		}
	}
	for name, a := range m.CellData {
		dst := out.CellData[name]
		for _, c := range cellIDs {
			dst.appendTuple(a, c)
		}
	}
	return out, nil
}
