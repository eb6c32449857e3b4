package redist

import (
	"fmt"

	"github.com/notargets/meshredist/marshal"
	"github.com/notargets/meshredist/mesh"
	"go.uber.org/zap"
)

// exchangeFanIn merges each region up a fan-in tree rooted at its owner.
// Every rank walks the regions in ascending order, so only ranks already
// past a region, or busy with an earlier one, can be waited on.
func (p *pass) exchangeFanIn() error {
	for region := 0; region < p.d.NumRegions(); region++ {
		if err := p.fanInRegion(region); err != nil {
			return err
		}
	}
	return nil
}

func (p *pass) fanInRegion(region int) error {
	op := fmt.Sprintf("fan-in region %d", region)
	owner := p.d.Owner[region]
	contributors := p.ct.ProcessListForRegion(region)
	switch {
	case len(contributors) == 0:
		return nil
	case len(contributors) == 1 && contributors[0] == owner:
		if p.rank != owner {
			return nil
		}
		sub, err := mesh.Extract(p.local, p.cl.Cells[region])
		if err != nil {
			return p.fail(op, err, InvalidState)
		}
		return p.keep(op, sub)
	}

	tree := NewFanTree(contributors, owner, p.rank)
	if !tree.Participates() {
		return nil
	}
	p.log.Debug("fan-in",
		zap.Int("region", region),
		zap.Int("owner", owner),
		zap.Ints("participants", tree.Participants),
		zap.Int("parent", tree.Parent),
		zap.Ints("children", tree.Children))

	sub, err := mesh.Extract(p.local, p.cl.Cells[region])
	if err != nil {
		return p.fail(op, err, InvalidState)
	}

	// The owner merges straight into its output, others into a partial
	// result for their parent
	if tree.IsRoot() {
		if err := p.keep(op, sub); err != nil {
			return err
		}
		for _, child := range tree.Children {
			got, err := p.receiveFromChild(region, child)
			if err != nil {
				return p.fail(op, err, TransportFailure)
			}
			if err := p.accept(op, got, child); err != nil {
				return err
			}
		}
		return nil
	}

	partial := sub
	if len(tree.Children) > 0 {
		mg := mesh.NewMerger(p.opts.GlobalPointIDs)
		if err := mg.MergeInto(sub); err != nil {
			return p.fail(op, err, InvalidState)
		}
		for _, child := range tree.Children {
			got, err := p.receiveFromChild(region, child)
			if err != nil {
				return p.fail(op, err, TransportFailure)
			}
			if err := mg.MergeInto(got); err != nil {
				return p.fail(op, err, InvalidState)
			}
			p.report.ReceivedCells[child] += got.NumCells()
		}
		if partial, err = mg.Finish(); err != nil {
			return p.fail(op, err, InvalidState)
		}
	}
	if err := p.sendToParent(region, tree.Parent, partial); err != nil {
		return p.fail(op, err, TransportFailure)
	}
	p.report.SentCells[tree.Parent] += partial.NumCells()
	return nil
}

// receiveFromChild takes the size of the child's payload, signals it is
// ready, then receives the payload. Children are served one at a time.
func (p *pass) receiveFromChild(region, child int) (*mesh.Mesh, error) {
	meta, err := p.receiveMeta(child, fanInTag(region, stepMeta))
	if err != nil {
		return nil, err
	}
	if meta.Ready {
		return nil, fmt.Errorf("%w: ready signal from child %d", marshal.ErrMalformedPayload, child)
	}
	if err := p.sendMeta(marshal.Meta{Ready: true}, child, fanInTag(region, stepReady)); err != nil {
		return nil, err
	}
	return p.receivePayload(meta, child, fanInTag(region, stepPayload))
}

// sendToParent announces partial, waits for the parent to be ready and
// sends it. Empty partial results are sent too; the parent counts on one
// payload per child.
func (p *pass) sendToParent(region, parent int, partial *mesh.Mesh) error {
	if err := p.sendMeta(p.announce(partial), parent, fanInTag(region, stepMeta)); err != nil {
		return err
	}
	ack, err := p.receiveMeta(parent, fanInTag(region, stepReady))
	if err != nil {
		return err
	}
	if !ack.Ready {
		return fmt.Errorf("%w: parent %d did not signal ready", marshal.ErrMalformedPayload, parent)
	}
	return p.sendPayload(partial, parent, fanInTag(region, stepPayload))
}
