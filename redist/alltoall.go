package redist

import (
	"fmt"

	"github.com/notargets/meshredist/comm"
	"github.com/notargets/meshredist/marshal"
	"github.com/notargets/meshredist/mesh"
	"github.com/notargets/meshredist/partitions"
)

// exchangeAllToAll trades one sub-mesh per rank pair in a ring. At step k
// rank P sends to P+k and receives from P-k. A metadata ring runs first so
// that one scratch buffer, sized to the largest incoming payload, serves
// every step. Pairs with nothing to move skip the payload round.
func (p *pass) exchangeAllToAll(ac comm.AsyncCommunicator) error {
	plan := partitions.BuildExchangePlan(p.d, p.cl, p.rank)
	subs := make([]*mesh.Mesh, p.size)
	outgoing := make([]marshal.Meta, p.size)
	for dest := range subs {
		sub, err := mesh.Extract(p.local, plan.Picks[dest])
		if err != nil {
			return p.fail(fmt.Sprintf("extract for rank %d", dest), err, InvalidState)
		}
		subs[dest] = sub
		outgoing[dest] = p.announce(sub)
	}

	incoming, err := p.metaRing(ac, outgoing)
	if err != nil {
		return err
	}
	if err := p.checkDeclared(incoming); err != nil {
		return err
	}

	if err := p.keep("merge local", subs[p.rank]); err != nil {
		return err
	}
	subs[p.rank] = nil

	var scratch []byte
	if p.obj == nil {
		var largest uint64
		for src, m := range incoming {
			if src != p.rank && !m.Empty() {
				largest = max(largest, m.Bytes)
			}
		}
		scratch = make([]byte, largest)
	}
	for off := 1; off < p.size; off++ {
		dest, src := (p.rank+off)%p.size, (p.rank-off+p.size)%p.size
		if err := p.payloadStep(ac, subs[dest], outgoing[dest], incoming[src], dest, src, scratch); err != nil {
			return err
		}
		subs[dest] = nil
	}
	return nil
}

// metaRing tells every rank how much this rank will send it and returns
// what every rank will send here
func (p *pass) metaRing(ac comm.AsyncCommunicator, outgoing []marshal.Meta) ([]marshal.Meta, error) {
	incoming := make([]marshal.Meta, p.size)
	incoming[p.rank] = outgoing[p.rank]
	buf := make([]byte, marshal.MaxMetaSize)
	for off := 1; off < p.size; off++ {
		dest, src := (p.rank+off)%p.size, (p.rank-off+p.size)%p.size
		op := fmt.Sprintf("meta ring to %d from %d", dest, src)

		recv, err := ac.IRecv(buf, src, tagMeta)
		if err != nil {
			return nil, p.fail(op, transportErr(err), TransportFailure)
		}
		enc, err := marshal.EncodeMeta(outgoing[dest])
		if err != nil {
			return nil, p.fail(op, err, InvalidState)
		}
		send, err := ac.ISend(enc, dest, tagMeta)
		if err != nil {
			return nil, p.fail(op, transportErr(err), TransportFailure)
		}
		n, err := ac.Wait(recv)
		if err != nil {
			return nil, p.fail(op, transportErr(err), TransportFailure)
		}
		if incoming[src], err = marshal.DecodeMeta(buf[:n]); err != nil {
			return nil, p.fail(op, err, MalformedPayload)
		}
		if _, err := ac.Wait(send); err != nil {
			return nil, p.fail(op, transportErr(err), TransportFailure)
		}
	}
	return incoming, nil
}

// checkDeclared compares the cell counts announced in the metadata ring
// with what every rank reported when contributions were gathered
func (p *pass) checkDeclared(incoming []marshal.Meta) error {
	mine := p.d.RegionsForRank(p.rank)
	for src, m := range incoming {
		var want uint64
		for _, region := range mine {
			want += p.ct.Counts[src][region]
		}
		if m.Cells != want {
			return p.fail("check metadata", fmt.Errorf("%w: rank %d announced %d cells, its classification has %d",
				marshal.ErrMalformedPayload, src, m.Cells, want), MalformedPayload)
		}
	}
	return nil
}

// payloadStep sends sub to dest and receives the payload of src. The
// receive is posted before the send.
func (p *pass) payloadStep(ac comm.AsyncCommunicator, sub *mesh.Mesh, out, in marshal.Meta, dest, src int, scratch []byte) error {
	op := fmt.Sprintf("payload ring to %d from %d", dest, src)
	if p.obj != nil {
		// Sending before receiving relies on Send never waiting for the matching Receive
		if !out.Empty() {
			if err := p.sendPayload(sub, dest, tagPayload); err != nil {
				return p.fail(op, err, TransportFailure)
			}
			p.report.SentCells[dest] += sub.NumCells()
		}
		if in.Empty() {
			return nil
		}
		got, err := p.receivePayload(in, src, tagPayload)
		if err != nil {
			return p.fail(op, err, TransportFailure)
		}
		return p.accept(op, got, src)
	}

	var recv, send *comm.Request
	var err error
	if !in.Empty() {
		if recv, err = ac.IRecv(scratch[:in.Bytes], src, tagPayload); err != nil {
			return p.fail(op, transportErr(err), TransportFailure)
		}
	}
	if !out.Empty() {
		buf, err := marshal.Serialize(sub)
		if err != nil {
			return p.fail(op, err, InvalidState)
		}
		if send, err = ac.ISend(buf, dest, tagPayload); err != nil {
			return p.fail(op, transportErr(err), TransportFailure)
		}
		p.report.SentCells[dest] += sub.NumCells()
	}
	if recv != nil {
		n, err := ac.Wait(recv)
		if err != nil {
			return p.fail(op, transportErr(err), TransportFailure)
		}
		got, err := decodePayload(scratch[:n], in, src)
		if err != nil {
			return p.fail(op, err, MalformedPayload)
		}
		if err := p.accept(op, got, src); err != nil {
			return err
		}
	}
	if send != nil {
		if _, err := ac.Wait(send); err != nil {
			return p.fail(op, transportErr(err), TransportFailure)
		}
	}
	return nil
}
