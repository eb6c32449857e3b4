package partitions

import (
	"fmt"
	"slices"

	"github.com/notargets/meshredist/comm"
	"github.com/notargets/meshredist/marshal"
	"github.com/notargets/meshredist/mesh"
	"gonum.org/v1/gonum/spatial/r3"
)

// Message tags used by the collective steps of this package
const (
	TagDecomposition = 1001
	TagContributions = 1002
)

// Options controls how the decomposition is built
type Options struct {
	RegionsPerRank int // Leaves per rank, so NumRegions = NumRanks*RegionsPerRank
	Strategy       PartitionStrategy
}

// kdNode is one node of the decomposition tree. Leaves carry a region id;
// inner nodes send points with coordinate <= Cut to Left.
type kdNode struct {
	Axis        int
	Cut         float64
	Left, Right int // Node indices, -1 for leaves
	Region      int
}

// BuildDecomposition is collective: every rank passes its local points and
// receives an identical decomposition. The union of all points is gathered
// in rank order and recursively split at the median of the longest axis
// until there are NumRanks*RegionsPerRank leaves.
func BuildDecomposition(c comm.Communicator, local []r3.Vec, opts Options) (*Decomposition, error) {
	buf, err := marshal.Serialize(&mesh.Mesh{Points: local})
	if err != nil {
		return nil, fmt.Errorf("decomposition: %w", err)
	}
	all, err := comm.AllGather(c, buf, TagDecomposition)
	if err != nil {
		return nil, fmt.Errorf("decomposition: gather points: %w", err)
	}
	var points []r3.Vec
	for rank, b := range all {
		cloud, err := marshal.Deserialize(b)
		if err != nil {
			return nil, fmt.Errorf("decomposition: points of rank %d: %w", rank, err)
		}
		points = append(points, cloud.Points...)
	}
	return BuildFromPoints(points, c.Size(), opts), nil
}

// BuildFromPoints builds the decomposition of a point cloud for numRanks
// ranks. Identical inputs give identical trees. An empty cloud yields a
// decomposition without regions, which fails Validate.
func BuildFromPoints(points []r3.Vec, numRanks int, opts Options) *Decomposition {
	d := &Decomposition{
		NumRanks: numRanks,
		Strategy: opts.Strategy,
	}
	perRank := max(opts.RegionsPerRank, 1)
	if len(points) == 0 || numRanks < 1 {
		return d
	}

	cloud := &mesh.Mesh{Points: points}
	d.root, _ = cloud.Bounds()
	idx := make([]int, len(points))
	for i := range idx {
		idx[i] = i
	}
	d.split(points, idx, d.root, numRanks*perRank)
	d.Owner = assignRegions(opts.Strategy, len(d.Regions), numRanks)
	return d
}

// split appends the subtree for idx within box and returns its node index.
// Left subtrees are built first so region ids increase left to right.
func (d *Decomposition) split(points []r3.Vec, idx []int, box r3.Box, leaves int) int {
	node := len(d.nodes)
	d.nodes = append(d.nodes, kdNode{Left: -1, Right: -1, Region: -1})
	if leaves == 1 {
		d.nodes[node].Region = len(d.Regions)
		d.Regions = append(d.Regions, Region{ID: len(d.Regions), Bounds: box, NumPoints: len(idx)})
		return node
	}

	axis := longestAxis(box)
	slices.SortFunc(idx, func(a, b int) int {
		ca, cb := component(points[a], axis), component(points[b], axis)
		switch {
		case ca < cb:
			return -1
		case ca > cb:
			return 1
		}
		return a - b
	})

	leftLeaves := leaves / 2
	k := len(idx) * leftLeaves / leaves
	var cut float64
	if k < len(idx) {
		cut = component(points[idx[k]], axis)
	} else {
		cut = (component(box.Min, axis) + component(box.Max, axis)) / 2
	}
	leftBox, rightBox := box, box
	setComponent(&leftBox.Max, axis, cut)
	setComponent(&rightBox.Min, axis, cut)

	d.nodes[node].Axis = axis
	d.nodes[node].Cut = cut
	left := d.split(points, idx[:k], leftBox, leftLeaves)
	right := d.split(points, idx[k:], rightBox, leaves-leftLeaves)
	d.nodes[node].Left, d.nodes[node].Right = left, right
	return node
}

// descend walks the tree to the leaf of p. A point on a cut belongs to both
// boxes and goes left, where region ids are lower.
func (d *Decomposition) descend(p r3.Vec) int {
	n := 0
	for d.nodes[n].Region < 0 {
		if component(p, d.nodes[n].Axis) <= d.nodes[n].Cut {
			n = d.nodes[n].Left
		} else {
			n = d.nodes[n].Right
		}
	}
	return d.nodes[n].Region
}

// longestAxis returns the axis of greatest extent, lowest axis on ties
func longestAxis(b r3.Box) int {
	size := r3.Sub(b.Max, b.Min)
	axis := 0
	if size.Y > size.X {
		axis = 1
	}
	if size.Z > component(size, axis) {
		axis = 2
	}
	return axis
}

func component(v r3.Vec, axis int) float64 {
	switch axis {
	case 0:
		return v.X
	case 1:
		return v.Y
	}
	return v.Z
}

func setComponent(v *r3.Vec, axis int, f float64) {
	switch axis {
	case 0:
		v.X = f
	case 1:
		v.Y = f
	default:
		v.Z = f
	}
}
