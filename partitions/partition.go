package partitions

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
)

// ErrDecompositionFailed reports a decomposition that cannot drive a pass:
// no regions, or a region assigned to a rank that does not exist.
var ErrDecompositionFailed = errors.New("decomposition failed")

// PartitionStrategy defines how regions are handed to ranks
type PartitionStrategy int

const (
	ContiguousAssignment PartitionStrategy = iota // Consecutive region ids per rank
	RoundRobinAssignment                          // Distribute regions cyclically
)

func (s PartitionStrategy) String() string {
	switch s {
	case ContiguousAssignment:
		return "contiguous"
	case RoundRobinAssignment:
		return "round_robin"
	}
	return fmt.Sprintf("PartitionStrategy(%d)", int(s))
}

// ParseStrategy maps a configuration name onto a PartitionStrategy
func ParseStrategy(name string) (PartitionStrategy, error) {
	switch name {
	case "", "contiguous":
		return ContiguousAssignment, nil
	case "round_robin":
		return RoundRobinAssignment, nil
	}
	return 0, fmt.Errorf("unknown assignment strategy %q", name)
}

// Region is one leaf of the k-d decomposition
type Region struct {
	ID        int    // Index within Decomposition.Regions
	Bounds    r3.Box // Closed axis aligned box
	NumPoints int    // Points of the global cloud that fell in this leaf
}

// Contains reports whether p lies in the closed box of the region
func (r Region) Contains(p r3.Vec) bool {
	b := r.Bounds
	return p.X >= b.Min.X && p.X <= b.Max.X &&
		p.Y >= b.Min.Y && p.Y <= b.Max.Y &&
		p.Z >= b.Min.Z && p.Z <= b.Max.Z
}

// Decomposition is the k-d split of space shared by every rank together
// with the region to rank assignment. It is read only once built.
type Decomposition struct {
	Regions  []Region
	Owner    []int // Length len(Regions): region r belongs to rank Owner[r]
	NumRanks int
	Strategy PartitionStrategy

	// k-d tree used to locate points, nil for decompositions built by hand
	nodes []kdNode
	root  r3.Box
}

// NewDecomposition wraps externally computed regions and owners. Points are
// located by scanning the regions in id order.
func NewDecomposition(regions []Region, owner []int, numRanks int) *Decomposition {
	d := &Decomposition{
		Regions:  regions,
		Owner:    owner,
		NumRanks: numRanks,
	}
	for i, r := range regions {
		if i == 0 {
			d.root = r.Bounds
			continue
		}
		d.root.Min = r3.Vec{X: min(d.root.Min.X, r.Bounds.Min.X), Y: min(d.root.Min.Y, r.Bounds.Min.Y), Z: min(d.root.Min.Z, r.Bounds.Min.Z)}
		d.root.Max = r3.Vec{X: max(d.root.Max.X, r.Bounds.Max.X), Y: max(d.root.Max.Y, r.Bounds.Max.Y), Z: max(d.root.Max.Z, r.Bounds.Max.Z)}
	}
	return d
}

// NumRegions returns the number of regions
func (d *Decomposition) NumRegions() int { return len(d.Regions) }

// Validate checks that every region exists once and is owned by a valid rank
func (d *Decomposition) Validate() error {
	if len(d.Regions) == 0 {
		return fmt.Errorf("%w: no regions", ErrDecompositionFailed)
	}
	if len(d.Owner) != len(d.Regions) {
		return fmt.Errorf("%w: %d owners for %d regions", ErrDecompositionFailed, len(d.Owner), len(d.Regions))
	}
	for i, r := range d.Regions {
		if r.ID != i {
			return fmt.Errorf("%w: region at index %d has id %d", ErrDecompositionFailed, i, r.ID)
		}
		if o := d.Owner[i]; o < 0 || o >= d.NumRanks {
			return fmt.Errorf("%w: region %d assigned to rank %d outside [0,%d)",
				ErrDecompositionFailed, i, o, d.NumRanks)
		}
	}
	return nil
}

// RegionsForRank returns, ascending, the regions owned by rank
func (d *Decomposition) RegionsForRank(rank int) []int {
	var regions []int
	for r, o := range d.Owner {
		if o == rank {
			regions = append(regions, r)
		}
	}
	return regions
}

// Locate returns the region of p: the lowest region id whose box contains
// p. Points outside every box are first clamped onto the outer bounds.
func (d *Decomposition) Locate(p r3.Vec) int {
	p = clamp(p, d.root)
	if d.nodes != nil {
		return d.descend(p)
	}
	for _, r := range d.Regions {
		if r.Contains(p) {
			return r.ID
		}
	}
	// Hand built regions that leave gaps: take the nearest box
	best, bestDist := 0, -1.0
	for _, r := range d.Regions {
		q := clamp(p, r.Bounds)
		dist := r3.Norm2(r3.Sub(p, q))
		if bestDist < 0 || dist < bestDist {
			best, bestDist = r.ID, dist
		}
	}
	return best
}

func clamp(p r3.Vec, b r3.Box) r3.Vec {
	return r3.Vec{
		X: min(max(p.X, b.Min.X), b.Max.X),
		Y: min(max(p.Y, b.Min.Y), b.Max.Y),
		Z: min(max(p.Z, b.Min.Z), b.Max.Z),
	}
}

// assignRegions builds the region to rank map for numRegions regions
func assignRegions(strategy PartitionStrategy, numRegions, numRanks int) []int {
	owner := make([]int, numRegions)
	switch strategy {
	case RoundRobinAssignment:
		for r := range owner {
			owner[r] = r % numRanks
		}
	default:
		for r := range owner {
			owner[r] = r * numRanks / numRegions
		}
	}
	return owner
}
