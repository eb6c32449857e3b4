package mesh

import (
	"sort"
	"strconv"
	"strings"
)

// Signatures returns one string per cell describing the cell independently
// of point and cell numbering: its type, the coordinates and point
// attributes of its points in connectivity order, and its cell attributes.
// The result is sorted, so two meshes holding the same cells compare equal
// regardless of order.
func Signatures(m *Mesh) []string {
	pointNames := m.PointArrayNames()
	cellNames := m.CellArrayNames()
	sigs := make([]string, m.NumCells())
	var sb strings.Builder
	for c := range sigs {
		sb.Reset()
		sb.WriteString(m.Types[c].String())
		for _, p := range m.Cell(c) {
			pt := m.Points[p]
			sb.WriteString("|")
			writeFloat(&sb, pt.X)
			sb.WriteString(",")
			writeFloat(&sb, pt.Y)
			sb.WriteString(",")
			writeFloat(&sb, pt.Z)
			for _, name := range pointNames {
				writeTuple(&sb, name, m.PointData[name], p)
			}
		}
		sb.WriteString("#")
		for _, name := range cellNames {
			writeTuple(&sb, name, m.CellData[name], c)
		}
		sigs[c] = sb.String()
	}
	sort.Strings(sigs)
	return sigs
}

// SameCells reports whether a and b hold the same multiset of cells
func SameCells(a, b *Mesh) bool {
	if a.NumCells() != b.NumCells() {
		return false
	}
	sa, sb := Signatures(a), Signatures(b)
	for i := range sa {
		if sa[i] != sb[i] {
			return false
		}
	}
	return true
}

func writeFloat(sb *strings.Builder, f float64) {
	sb.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
}

func writeTuple(sb *strings.Builder, name string, a *Array, i int) {
	sb.WriteString(";")
	sb.WriteString(name)
	sb.WriteString("=")
	for k := 0; k < a.Components; k++ {
		if k > 0 {
			sb.WriteString(",")
		}
		idx := i*a.Components + k
		if a.Kind == Int64 {
			sb.WriteString(strconv.FormatInt(a.Ints[idx], 10))
		} else {
			writeFloat(sb, a.Floats[idx])
		}
	}
}
