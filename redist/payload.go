package redist

import (
	"fmt"

	"github.com/notargets/meshredist/comm"
	"github.com/notargets/meshredist/marshal"
	"github.com/notargets/meshredist/mesh"
)

// Message tags. Fan-in messages of region r use tagFanIn + 4*r + step so
// that the steps of different regions never match each other.
const (
	tagMeta    = 2001
	tagPayload = 2002
	tagFanIn   = 3000
)

const (
	stepMeta = iota
	stepReady
	stepPayload
)

func fanInTag(region, step int) int { return tagFanIn + 4*region + step }

// link moves sub-meshes over a communicator, bypassing serialization when
// the communicator can hand objects over directly
type link struct {
	c   comm.Communicator
	obj comm.ObjectCommunicator // nil when payloads must be serialized
}

func newLink(c comm.Communicator) link {
	obj, _ := c.(comm.ObjectCommunicator)
	return link{c: c, obj: obj}
}

// announce returns the metadata describing sub on the wire
func (l link) announce(sub *mesh.Mesh) marshal.Meta {
	m := marshal.Meta{
		Points: uint64(sub.NumPoints()),
		Cells:  uint64(sub.NumCells()),
	}
	if l.obj == nil {
		m.Bytes = uint64(marshal.Size(sub))
	}
	return m
}

func (l link) sendMeta(m marshal.Meta, dest, tag int) error {
	b, err := marshal.EncodeMeta(m)
	if err != nil {
		return err
	}
	return transportErr(l.c.Send(b, dest, tag))
}

func (l link) receiveMeta(src, tag int) (marshal.Meta, error) {
	buf := make([]byte, marshal.MaxMetaSize)
	n, err := l.c.Receive(buf, src, tag)
	if err != nil {
		return marshal.Meta{}, transportErr(err)
	}
	return marshal.DecodeMeta(buf[:n])
}

// sendPayload hands sub to dest. On the object path the receiver takes
// ownership of sub.
func (l link) sendPayload(sub *mesh.Mesh, dest, tag int) error {
	if l.obj != nil {
		return transportErr(l.obj.SendObject(sub, dest, tag))
	}
	buf, err := marshal.Serialize(sub)
	if err != nil {
		return err
	}
	return transportErr(l.c.Send(buf, dest, tag))
}

// receivePayload blocks for the payload that meta announced
func (l link) receivePayload(meta marshal.Meta, src, tag int) (*mesh.Mesh, error) {
	if l.obj != nil {
		v, err := l.obj.ReceiveObject(src, tag)
		if err != nil {
			return nil, transportErr(err)
		}
		sub, ok := v.(*mesh.Mesh)
		if !ok {
			return nil, fmt.Errorf("%w: object of type %T from rank %d", marshal.ErrMalformedPayload, v, src)
		}
		return sub, checkAnnounced(sub, meta, src)
	}
	buf := make([]byte, meta.Bytes)
	n, err := l.c.Receive(buf, src, tag)
	if err != nil {
		return nil, transportErr(err)
	}
	return decodePayload(buf[:n], meta, src)
}

// decodePayload deserializes a received buffer and checks it against the
// metadata its sender announced
func decodePayload(buf []byte, meta marshal.Meta, src int) (*mesh.Mesh, error) {
	if uint64(len(buf)) != meta.Bytes {
		return nil, fmt.Errorf("%w: rank %d announced %d bytes, sent %d",
			marshal.ErrMalformedPayload, src, meta.Bytes, len(buf))
	}
	sub, err := marshal.Deserialize(buf)
	if err != nil {
		return nil, fmt.Errorf("payload from rank %d: %w", src, err)
	}
	return sub, checkAnnounced(sub, meta, src)
}

func checkAnnounced(sub *mesh.Mesh, meta marshal.Meta, src int) error {
	if uint64(sub.NumPoints()) != meta.Points || uint64(sub.NumCells()) != meta.Cells {
		return fmt.Errorf("%w: rank %d announced %d points %d cells, sent %d points %d cells",
			marshal.ErrMalformedPayload, src, meta.Points, meta.Cells, sub.NumPoints(), sub.NumCells())
	}
	return nil
}
