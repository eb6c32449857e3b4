package mesh

import (
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/spatial/r3"
)

// ErrInvalidState reports API misuse: merging into a sealed accumulator,
// extracting out-of-range cells, or a mesh whose connectivity is inconsistent.
var ErrInvalidState = errors.New("invalid state")

// CellType identifies the shape of a cell
type CellType uint8

const (
	// 3D cell types
	Tet     CellType = iota // Tetrahedron
	Hex                     // Hexahedron
	Prism                   // Triangular prism
	Pyramid                 // Square-based pyramid

	// 2D cell types
	Tri  // Triangle
	Quad // Quadrilateral

	// 1D and 0D cell types
	Line   // Line segment
	Vertex // Single point

	// Polygon has a variable number of points
	Polygon
)

var nodesPerCell = map[CellType]int{
	Tet:     4,
	Hex:     8,
	Prism:   6,
	Pyramid: 5,
	Tri:     3,
	Quad:    4,
	Line:    2,
	Vertex:  1,
}

// NumNodes returns the fixed node count of the cell type, or 0 for
// variable-size types.
func (ct CellType) NumNodes() int {
	return nodesPerCell[ct]
}

func (ct CellType) String() string {
	switch ct {
	case Tet:
		return "Tet"
	case Hex:
		return "Hex"
	case Prism:
		return "Prism"
	case Pyramid:
		return "Pyramid"
	case Tri:
		return "Tri"
	case Quad:
		return "Quad"
	case Line:
		return "Line"
	case Vertex:
		return "Vertex"
	case Polygon:
		return "Polygon"
	}
	return fmt.Sprintf("CellType(%d)", uint8(ct))
}

// Mesh is an unstructured mesh: points, cells in compressed row form, and
// named per-point and per-cell attribute arrays.
type Mesh struct {
	// ===== Node Data =====
	Points []r3.Vec

	// ===== Cell Connectivity =====
	Types        []CellType // Type of each cell
	Offsets      []int      // len(Types)+1; cell c uses Connectivity[Offsets[c]:Offsets[c+1]]
	Connectivity []int      // Point indices

	// ===== Attributes =====
	PointData map[string]*Array // One tuple per point
	CellData  map[string]*Array // One tuple per cell
}

// New returns an empty mesh ready for AddPoint/AddCell.
func New() *Mesh {
	return &Mesh{
		Offsets:   []int{0},
		PointData: make(map[string]*Array),
		CellData:  make(map[string]*Array),
	}
}

// NumPoints returns the number of points
func (m *Mesh) NumPoints() int { return len(m.Points) }

// NumCells returns the number of cells
func (m *Mesh) NumCells() int { return len(m.Types) }

// IsEmpty reports whether the mesh has neither points nor cells.
func (m *Mesh) IsEmpty() bool {
	return len(m.Points) == 0 && len(m.Types) == 0
}

// AddPoint appends a point and returns its index.
func (m *Mesh) AddPoint(p r3.Vec) int {
	m.Points = append(m.Points, p)
	return len(m.Points) - 1
}

// AddCell appends a cell and returns its index. Point indices are not
// checked here, see Validate.
func (m *Mesh) AddCell(ct CellType, pts ...int) int {
	if len(m.Offsets) == 0 {
		m.Offsets = []int{0}
	}
	m.Types = append(m.Types, ct)
	m.Connectivity = append(m.Connectivity, pts...)
	m.Offsets = append(m.Offsets, len(m.Connectivity))
	return len(m.Types) - 1
}

// Cell returns the point indices of cell c. The returned slice aliases the
// mesh connectivity.
func (m *Mesh) Cell(c int) []int {
	return m.Connectivity[m.Offsets[c]:m.Offsets[c+1]]
}

// CellCenter returns the representative point of cell c: the mean of its
// points.
func (m *Mesh) CellCenter(c int) r3.Vec {
	pts := m.Cell(c)
	var center r3.Vec
	if len(pts) == 0 {
		return center
	}
	for _, p := range pts {
		center = r3.Add(center, m.Points[p])
	}
	return r3.Scale(1/float64(len(pts)), center)
}

// Bounds returns the axis aligned bounding box of the points. ok is false
// for a mesh without points.
func (m *Mesh) Bounds() (box r3.Box, ok bool) {
	if len(m.Points) == 0 {
		return box, false
	}
	box.Min, box.Max = m.Points[0], m.Points[0]
	for _, p := range m.Points[1:] {
		box.Min = r3.Vec{X: min(box.Min.X, p.X), Y: min(box.Min.Y, p.Y), Z: min(box.Min.Z, p.Z)}
		box.Max = r3.Vec{X: max(box.Max.X, p.X), Y: max(box.Max.Y, p.Y), Z: max(box.Max.Z, p.Z)}
	}
	return box, true
}

// PointArrayNames returns the point attribute names in sorted order.
func (m *Mesh) PointArrayNames() []string { return sortedNames(m.PointData) }

// CellArrayNames returns the cell attribute names in sorted order.
func (m *Mesh) CellArrayNames() []string { return sortedNames(m.CellData) }

func sortedNames(arrays map[string]*Array) []string {
	names := make([]string, 0, len(arrays))
	for name := range arrays {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks connectivity and attribute consistency
func (m *Mesh) Validate() error {
	nc := len(m.Types)
	// A zero value mesh carries no offsets at all
	if nc > 0 || len(m.Offsets) > 0 {
		if len(m.Offsets) != nc+1 {
			return fmt.Errorf("%w: %d offsets for %d cells", ErrInvalidState, len(m.Offsets), nc)
		}
		if m.Offsets[0] != 0 || m.Offsets[nc] != len(m.Connectivity) {
			return fmt.Errorf("%w: offsets span [%d,%d] but connectivity has %d entries",
				ErrInvalidState, m.Offsets[0], m.Offsets[nc], len(m.Connectivity))
		}
	}
	for c := 0; c < nc; c++ {
		if m.Types[c] > Polygon {
			return fmt.Errorf("%w: cell %d has unknown type %d", ErrInvalidState, c, uint8(m.Types[c]))
		}
		n := m.Offsets[c+1] - m.Offsets[c]
		if n < 0 {
			return fmt.Errorf("%w: cell %d has negative size", ErrInvalidState, c)
		}
		if want := m.Types[c].NumNodes(); want != 0 && want != n {
			return fmt.Errorf("%w: cell %d is %s with %d points, want %d",
				ErrInvalidState, c, m.Types[c], n, want)
		}
	}
	np := len(m.Points)
	for i, p := range m.Connectivity {
		if p < 0 || p >= np {
			return fmt.Errorf("%w: connectivity[%d] = %d out of range [0,%d)", ErrInvalidState, i, p, np)
		}
	}
	for name, a := range m.PointData {
		if err := a.validate(np); err != nil {
			return fmt.Errorf("point array %q: %w", name, err)
		}
	}
	for name, a := range m.CellData {
		if err := a.validate(nc); err != nil {
			return fmt.Errorf("cell array %q: %w", name, err)
		}
	}
	return nil
}

// Clone returns a deep copy
func (m *Mesh) Clone() *Mesh {
	out := &Mesh{
		Points:       append([]r3.Vec(nil), m.Points...),
		Types:        append([]CellType(nil), m.Types...),
		Offsets:      append([]int(nil), m.Offsets...),
		Connectivity: append([]int(nil), m.Connectivity...),
		PointData:    make(map[string]*Array, len(m.PointData)),
		CellData:     make(map[string]*Array, len(m.CellData)),
	}
	for name, a := range m.PointData {
		out.PointData[name] = a.Clone()
	}
	for name, a := range m.CellData {
		out.CellData[name] = a.Clone()
	}
	return out
}
