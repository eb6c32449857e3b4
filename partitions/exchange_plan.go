package partitions

import "fmt"

// ExchangePlan holds, for one rank, the local cells to pick for every
// destination rank: the union of the cells of the regions that rank owns,
// in ascending region order.
type ExchangePlan struct {
	Rank  int
	Picks [][]int // [destination rank] local cell ids
}

// BuildExchangePlan derives the per-destination pick lists of rank
func BuildExchangePlan(d *Decomposition, cl *Classification, rank int) *ExchangePlan {
	plan := &ExchangePlan{
		Rank:  rank,
		Picks: make([][]int, d.NumRanks),
	}
	for dest := range plan.Picks {
		plan.Picks[dest] = cl.CellsForRegions(d.RegionsForRank(dest))
	}
	return plan
}

// SendCount returns the number of cells picked for dest
func (p *ExchangePlan) SendCount(dest int) int {
	return len(p.Picks[dest])
}

// SendCounts returns the number of cells picked for every destination
func (p *ExchangePlan) SendCounts() []int {
	counts := make([]int, len(p.Picks))
	for dest := range p.Picks {
		counts[dest] = p.SendCount(dest)
	}
	return counts
}

// ValidateSymmetry checks the cell counts of a whole pass: what rank s sent
// to rank r must be what r received from s. sent[s][r] and received[r][s]
// are indexed by rank.
func ValidateSymmetry(sent, received [][]int) error {
	if len(sent) != len(received) {
		return fmt.Errorf("%d senders for %d receivers", len(sent), len(received))
	}
	for s := range sent {
		if len(sent[s]) != len(received) {
			return fmt.Errorf("rank %d reports %d destinations, want %d", s, len(sent[s]), len(received))
		}
		for r, n := range sent[s] {
			if len(received[r]) != len(sent) {
				return fmt.Errorf("rank %d reports %d sources, want %d", r, len(received[r]), len(sent))
			}
			if got := received[r][s]; got != n {
				return fmt.Errorf("count mismatch: rank %d sends %d cells to %d, but %d received %d",
					s, n, r, r, got)
			}
		}
	}
	return nil
}
