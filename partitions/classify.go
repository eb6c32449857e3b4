package partitions

import (
	"fmt"

	"github.com/notargets/meshredist/comm"
	"github.com/notargets/meshredist/marshal"
	"github.com/notargets/meshredist/mesh"
	"gonum.org/v1/gonum/floats"
)

// Classification lists, per region, the local cells whose center falls in
// that region. Each cell appears in exactly one region, and cell ids within
// a region are ascending.
type Classification struct {
	Cells [][]int // [region] local cell ids
}

// ClassifyLocalCells places every cell of m in the region containing its
// center, ties going to the lowest region id.
func ClassifyLocalCells(d *Decomposition, m *mesh.Mesh) *Classification {
	cl := &Classification{Cells: make([][]int, d.NumRegions())}
	for c := 0; c < m.NumCells(); c++ {
		r := d.Locate(m.CellCenter(c))
		cl.Cells[r] = append(cl.Cells[r], c)
	}
	return cl
}

// Counts returns the number of classified cells per region
func (cl *Classification) Counts() []uint64 {
	counts := make([]uint64, len(cl.Cells))
	for r, cells := range cl.Cells {
		counts[r] = uint64(len(cells))
	}
	return counts
}

// CellsForRegions concatenates the cells of regions, in the order given
func (cl *Classification) CellsForRegions(regions []int) []int {
	n := 0
	for _, r := range regions {
		n += len(cl.Cells[r])
	}
	cells := make([]int, 0, n)
	for _, r := range regions {
		cells = append(cells, cl.Cells[r]...)
	}
	return cells
}

// Contributions records how many cells each rank classified into each
// region during one globally synchronized classification round.
type Contributions struct {
	Counts [][]uint64 // [rank][region]
}

// GatherContributions is collective. It returns only after every rank has
// reported its classification, so the process lists it answers are
// consistent on all ranks.
func GatherContributions(c comm.Communicator, cl *Classification) (*Contributions, error) {
	local, err := marshal.EncodeCounts(cl.Counts())
	if err != nil {
		return nil, err
	}
	all, err := comm.AllGather(c, local, TagContributions)
	if err != nil {
		return nil, fmt.Errorf("gather contributions: %w", err)
	}
	ct := &Contributions{Counts: make([][]uint64, len(all))}
	for rank, b := range all {
		ct.Counts[rank], err = marshal.DecodeCounts(b, len(cl.Cells))
		if err != nil {
			return nil, fmt.Errorf("contributions of rank %d: %w", rank, err)
		}
	}
	return ct, nil
}

// ProcessListForRegion returns, ascending, the ranks holding at least one
// cell of region
func (ct *Contributions) ProcessListForRegion(region int) []int {
	var ranks []int
	for rank, counts := range ct.Counts {
		if counts[region] > 0 {
			ranks = append(ranks, rank)
		}
	}
	return ranks
}

// Statistics computes the load each rank will own once cells are moved to
// their region owners, and how many cells have to move.
func (ct *Contributions) Statistics(d *Decomposition) PartitionStats {
	owned := make([]float64, d.NumRanks)
	var moved uint64
	for rank, counts := range ct.Counts {
		for region, n := range counts {
			owned[d.Owner[region]] += float64(n)
			if d.Owner[region] != rank {
				moved += n
			}
		}
	}

	total := floats.Sum(owned)
	stats := PartitionStats{
		NumRanks:   d.NumRanks,
		NumRegions: d.NumRegions(),
		TotalCells: int(total),
		MovedCells: int(moved),
		MinCells:   int(floats.Min(owned)),
		MaxCells:   int(floats.Max(owned)),
		AvgCells:   total / float64(d.NumRanks),
	}
	if stats.AvgCells > 0 {
		stats.Imbalance = float64(stats.MaxCells) / stats.AvgCells
	}
	return stats
}

// PartitionStats summarizes the balance of a redistribution
type PartitionStats struct {
	NumRanks   int
	NumRegions int
	TotalCells int
	MovedCells int // Cells whose current rank differs from their owner
	MinCells   int
	MaxCells   int
	AvgCells   float64
	Imbalance  float64 // MaxCells / AvgCells
}
