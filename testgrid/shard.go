package testgrid

import (
	"fmt"
	"math"

	"github.com/notargets/meshredist/mesh"
	"gonum.org/v1/gonum/spatial/r3"
)

// ShardFunc picks the rank that initially holds a cell
type ShardFunc func(cell int, center r3.Vec) int

// Block hands consecutive runs of cells to each rank
func Block(numRanks, numCells int) ShardFunc {
	per := int(math.Ceil(float64(numCells) / float64(numRanks)))
	return func(cell int, _ r3.Vec) int {
		return min(cell/max(per, 1), numRanks-1)
	}
}

// RoundRobin distributes cells cyclically
func RoundRobin(numRanks int) ShardFunc {
	return func(cell int, _ r3.Vec) int {
		return cell % numRanks
	}
}

// Slabs cuts [lo,hi) along the x axis into numRanks equal slabs
func Slabs(numRanks int, lo, hi float64) ShardFunc {
	width := (hi - lo) / float64(numRanks)
	return func(_ int, center r3.Vec) int {
		r := int((center.X - lo) / width)
		return min(max(r, 0), numRanks-1)
	}
}

// Only places every cell on one rank, leaving the others empty
func Only(rank int) ShardFunc {
	return func(int, r3.Vec) int { return rank }
}

// Shard splits m into numRanks local meshes. Each keeps its cells in
// ascending global order along with all attributes.
func Shard(m *mesh.Mesh, numRanks int, f ShardFunc) ([]*mesh.Mesh, error) {
	cells := make([][]int, numRanks)
	for c := 0; c < m.NumCells(); c++ {
		r := f(c, m.CellCenter(c))
		if r < 0 || r >= numRanks {
			return nil, fmt.Errorf("cell %d sharded to rank %d outside [0,%d)", c, r, numRanks)
		}
		cells[r] = append(cells[r], c)
	}
	shards := make([]*mesh.Mesh, numRanks)
	for r := range shards {
		sub, err := mesh.Extract(m, cells[r])
		if err != nil {
			return nil, err
		}
		shards[r] = sub
	}
	return shards, nil
}
