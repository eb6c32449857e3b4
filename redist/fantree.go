package redist

import "slices"

// FanTree is the fan-in tree of one region for one rank. Participants are
// the region owner, at index 0, followed by the other contributing ranks in
// ascending order. Participant i sends to the index obtained by clearing
// its lowest set bit and receives from every index i|1<<k below that bit,
// so each region needs at most ceil(log2 P) rounds.
type FanTree struct {
	Participants []int
	Index        int   // Position of the local rank, -1 when it does not take part
	Parent       int   // Rank to send to, -1 at the root and outside the tree
	Children     []int // Ranks to receive from, in receive order
}

// NewFanTree builds the tree of rank for a region owned by owner whose
// cells are held by contributors. The owner joins even when it holds no
// cell of the region.
func NewFanTree(contributors []int, owner, rank int) *FanTree {
	participants := make([]int, 0, len(contributors)+1)
	participants = append(participants, owner)
	for _, r := range contributors {
		if r != owner {
			participants = append(participants, r)
		}
	}
	slices.Sort(participants[1:])

	t := &FanTree{
		Participants: participants,
		Index:        slices.Index(participants, rank),
		Parent:       -1,
	}
	if t.Index < 0 {
		return t
	}
	p := len(participants)
	for bit := 1; bit < p; bit <<= 1 {
		if t.Index&bit != 0 {
			t.Parent = participants[t.Index^bit]
			break
		}
		if child := t.Index | bit; child < p {
			t.Children = append(t.Children, participants[child])
		}
	}
	return t
}

// IsRoot reports whether the local rank owns the region
func (t *FanTree) IsRoot() bool { return t.Index == 0 }

// Participates reports whether the local rank takes part in the fan-in
func (t *FanTree) Participates() bool { return t.Index >= 0 }
