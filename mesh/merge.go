package mesh

import (
	"fmt"
)

// Merger accumulates sub-meshes into one output mesh.
//
// With a global point id array configured, incoming points whose id is
// already present map onto the existing point; the first occurrence keeps
// its coordinates and attributes. Without one, points are appended verbatim
// and geometry shared across sub-meshes stays duplicated. Attribute arrays
// seen in any merged sub-mesh appear in the output; tuples contributed by
// sub-meshes lacking an array are zero filled.
type Merger struct {
	globalIDs string
	out       *Mesh
	ids       map[int64]int
	sealed    bool
}

// NewMerger returns an empty accumulator. globalIDs names the int64 point
// array used as deduplication key; "" disables deduplication.
func NewMerger(globalIDs string) *Merger {
	mg := &Merger{
		globalIDs: globalIDs,
		out:       New(),
	}
	if globalIDs != "" {
		mg.ids = make(map[int64]int)
	}
	return mg
}

// NumPoints returns the number of points accumulated so far
func (mg *Merger) NumPoints() int { return mg.out.NumPoints() }

// NumCells returns the number of cells accumulated so far
func (mg *Merger) NumCells() int { return mg.out.NumCells() }

// MergeInto appends the cells of in, remapping their point indices. in is
// read only; the accumulator never aliases its storage.
func (mg *Merger) MergeInto(in *Mesh) error {
	if mg.sealed {
		return fmt.Errorf("%w: merge after finish", ErrInvalidState)
	}
	if in == nil {
		return nil
	}
	if err := in.Validate(); err != nil {
		return fmt.Errorf("merge: %w", err)
	}

	var gids *Array
	if mg.globalIDs != "" && in.NumPoints() > 0 {
		gids = in.PointData[mg.globalIDs]
		if gids == nil {
			return fmt.Errorf("%w: sub-mesh with %d points lacks global point id array %q",
				ErrInvalidState, in.NumPoints(), mg.globalIDs)
		}
		if gids.Kind != Int64 || gids.Components != 1 {
			return fmt.Errorf("%w: global point id array %q is %s with %d components",
				ErrInvalidState, mg.globalIDs, gids.Kind, gids.Components)
		}
	}

	out := mg.out
	if err := adoptArrays(out.PointData, in.PointData, out.NumPoints()); err != nil {
		return fmt.Errorf("point data: %w", err)
	}
	if err := adoptArrays(out.CellData, in.CellData, out.NumCells()); err != nil {
		return fmt.Errorf("cell data: %w", err)
	}

	// Points
	pointMap := make([]int, in.NumPoints())
	for i, p := range in.Points {
		if gids != nil {
			id := gids.Ints[i]
			if idx, ok := mg.ids[id]; ok {
				pointMap[i] = idx
				continue
			}
			mg.ids[id] = out.NumPoints()
		}
		pointMap[i] = out.AddPoint(p)
		for name, dst := range out.PointData {
			if src, ok := in.PointData[name]; ok {
				dst.appendTuple(src, i)
			} else {
				dst.appendZeros(1)
			}
		}
	}

	// Cells
	for c := 0; c < in.NumCells(); c++ {
		out.Types = append(out.Types, in.Types[c])
		for _, p := range in.Cell(c) {
			out.Connectivity = append(out.Connectivity, pointMap[p])
		}
		out.Offsets = append(out.Offsets, len(out.Connectivity))
	}
	for name, dst := range out.CellData {
		if src, ok := in.CellData[name]; ok {
			switch dst.Kind {
			case Int64:
				dst.Ints = append(dst.Ints, src.Ints...)
			default:
				dst.Floats = append(dst.Floats, src.Floats...)
			}
		} else {
			dst.appendZeros(in.NumCells())
		}
	}
	return nil
}

// Finish seals the accumulator and returns the merged mesh. Later calls to
// MergeInto or Finish fail with ErrInvalidState.
func (mg *Merger) Finish() (*Mesh, error) {
	if mg.sealed {
		return nil, fmt.Errorf("%w: finish called twice", ErrInvalidState)
	}
	mg.sealed = true
	out := mg.out
	mg.out, mg.ids = nil, nil
	return out, nil
}

// adoptArrays creates, zero filled to existing tuples, every array of src
// missing from dst and checks that shared names agree in layout.
func adoptArrays(dst, src map[string]*Array, existing int) error {
	for name, a := range src {
		if have, ok := dst[name]; ok {
			if !have.compatible(a) {
				return fmt.Errorf("%w: array %q is %s/%d here but %s/%d incoming",
					ErrInvalidState, name, have.Kind, have.Components, a.Kind, a.Components)
			}
			continue
		}
		fresh := a.emptyLike(existing)
		fresh.appendZeros(existing)
		dst[name] = fresh
	}
	return nil
}
