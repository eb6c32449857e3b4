// Package marshal converts meshes to and from the contiguous byte payloads
// exchanged between ranks.
//
// Payload layout, all integers little endian:
//
//	magic "MRSH" | version u16 | reserved u16
//	npoints u64 | ncells u64 | nconn u64 | npointArrays u32 | ncellArrays u32
//	points     npoints x 3 x f64
//	types      ncells x u8
//	cell sizes ncells x u32
//	connectivity nconn x i64
//	arrays     (point arrays then cell arrays, sorted by name)
//	           nameLen u16 | name | kind u8 | components u32 | values (tuples x components x 8 bytes)
//
// An empty mesh serializes to a header-only payload, never to nil.
package marshal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/notargets/meshredist/mesh"
	"gonum.org/v1/gonum/spatial/r3"
)

// ErrMalformedPayload reports a buffer whose contents disagree with the
// counts declared in its header.
var ErrMalformedPayload = errors.New("malformed payload")

const (
	magic      = "MRSH"
	version    = 1
	headerSize = 4 + 2 + 2 + 8 + 8 + 8 + 4 + 4
)

var le = binary.LittleEndian

// Size returns the exact length of the payload Serialize produces for m
func Size(m *mesh.Mesh) int {
	n := headerSize
	n += len(m.Points) * 24
	n += len(m.Types) * 5
	n += len(m.Connectivity) * 8
	for _, name := range m.PointArrayNames() {
		n += arraySize(name, m.PointData[name])
	}
	for _, name := range m.CellArrayNames() {
		n += arraySize(name, m.CellData[name])
	}
	return n
}

func arraySize(name string, a *mesh.Array) int {
	values := len(a.Floats)
	if a.Kind == mesh.Int64 {
		values = len(a.Ints)
	}
	return 2 + len(name) + 1 + 4 + values*8
}

// Serialize encodes m into a newly allocated payload. Point coordinates and
// float attributes keep their exact bit patterns.
func Serialize(m *mesh.Mesh) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("serialize: %w", err)
	}
	for _, arrays := range []map[string]*mesh.Array{m.PointData, m.CellData} {
		for name := range arrays {
			if len(name) > math.MaxUint16 {
				return nil, fmt.Errorf("serialize: %w: array name of %d bytes exceeds %d",
					mesh.ErrInvalidState, len(name), math.MaxUint16)
			}
		}
	}
	buf := make([]byte, 0, Size(m))

	buf = append(buf, magic...)
	buf = le.AppendUint16(buf, version)
	buf = le.AppendUint16(buf, 0)
	buf = le.AppendUint64(buf, uint64(len(m.Points)))
	buf = le.AppendUint64(buf, uint64(len(m.Types)))
	buf = le.AppendUint64(buf, uint64(len(m.Connectivity)))
	buf = le.AppendUint32(buf, uint32(len(m.PointData)))
	buf = le.AppendUint32(buf, uint32(len(m.CellData)))

	for _, p := range m.Points {
		buf = le.AppendUint64(buf, math.Float64bits(p.X))
		buf = le.AppendUint64(buf, math.Float64bits(p.Y))
		buf = le.AppendUint64(buf, math.Float64bits(p.Z))
	}
	for _, ct := range m.Types {
		buf = append(buf, byte(ct))
	}
	for c := range m.Types {
		buf = le.AppendUint32(buf, uint32(m.Offsets[c+1]-m.Offsets[c]))
	}
	for _, p := range m.Connectivity {
		buf = le.AppendUint64(buf, uint64(int64(p)))
	}
	for _, name := range m.PointArrayNames() {
		buf = appendArray(buf, name, m.PointData[name])
	}
	for _, name := range m.CellArrayNames() {
		buf = appendArray(buf, name, m.CellData[name])
	}
	return buf, nil
}

func appendArray(buf []byte, name string, a *mesh.Array) []byte {
	buf = le.AppendUint16(buf, uint16(len(name)))
	buf = append(buf, name...)
	buf = append(buf, byte(a.Kind))
	buf = le.AppendUint32(buf, uint32(a.Components))
	if a.Kind == mesh.Int64 {
		for _, v := range a.Ints {
			buf = le.AppendUint64(buf, uint64(v))
		}
		return buf
	}
	for _, v := range a.Floats {
		buf = le.AppendUint64(buf, math.Float64bits(v))
	}
	return buf
}

// reader walks a payload, failing once any read would overrun it
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > len(r.buf)-r.off {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d",
			ErrMalformedPayload, n, r.off, len(r.buf)-r.off)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.take(2); b != nil {
		return le.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.take(4); b != nil {
		return le.Uint32(b)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.take(8); b != nil {
		return le.Uint64(b)
	}
	return 0
}

// count reads a u64 element count and checks that count*width bytes can
// still follow
func (r *reader) count(width int) int {
	n := r.u64()
	if r.err == nil && n > uint64(len(r.buf)-r.off)/uint64(width) {
		r.err = fmt.Errorf("%w: declared %d elements of %d bytes exceed payload length %d",
			ErrMalformedPayload, n, width, len(r.buf))
	}
	return int(n)
}

// Deserialize decodes a payload produced by Serialize. Any disagreement
// between the header counts and the buffer length, or connectivity that
// does not fit the declared points, fails with ErrMalformedPayload.
func Deserialize(buf []byte) (*mesh.Mesh, error) {
	r := &reader{buf: buf}
	if string(r.take(4)) != magic {
		if r.err != nil {
			return nil, r.err
		}
		return nil, fmt.Errorf("%w: bad magic", ErrMalformedPayload)
	}
	if v := r.u16(); r.err == nil && v != version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedPayload, v)
	}
	r.u16()
	np := r.count(24)
	nc := r.count(5)
	nconn := r.count(8)
	npa := int(r.u32())
	nca := int(r.u32())
	if r.err != nil {
		return nil, r.err
	}

	m := mesh.New()
	m.Points = make([]r3.Vec, np)
	for i := range m.Points {
		m.Points[i] = r3.Vec{
			X: math.Float64frombits(r.u64()),
			Y: math.Float64frombits(r.u64()),
			Z: math.Float64frombits(r.u64()),
		}
	}
	m.Types = make([]mesh.CellType, nc)
	for c := range m.Types {
		m.Types[c] = mesh.CellType(r.u8())
	}
	m.Offsets = make([]int, nc+1)
	for c := 0; c < nc; c++ {
		m.Offsets[c+1] = m.Offsets[c] + int(r.u32())
	}
	if r.err != nil {
		return nil, r.err
	}
	if m.Offsets[nc] != nconn {
		return nil, fmt.Errorf("%w: cell sizes sum to %d, header declares %d connectivity entries",
			ErrMalformedPayload, m.Offsets[nc], nconn)
	}
	m.Connectivity = make([]int, nconn)
	for i := range m.Connectivity {
		p := int64(r.u64())
		if r.err == nil && (p < 0 || p >= int64(np)) {
			return nil, fmt.Errorf("%w: connectivity[%d] = %d with %d points", ErrMalformedPayload, i, p, np)
		}
		m.Connectivity[i] = int(p)
	}
	for i := 0; i < npa && r.err == nil; i++ {
		name, a := r.array(np)
		m.PointData[name] = a
	}
	for i := 0; i < nca && r.err == nil; i++ {
		name, a := r.array(nc)
		m.CellData[name] = a
	}
	if r.err != nil {
		return nil, r.err
	}
	if r.off != len(buf) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedPayload, len(buf)-r.off)
	}
	if len(m.PointData) != npa || len(m.CellData) != nca {
		return nil, fmt.Errorf("%w: duplicate array names", ErrMalformedPayload)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return m, nil
}

func (r *reader) array(tuples int) (string, *mesh.Array) {
	name := string(r.take(int(r.u16())))
	kind := mesh.ArrayKind(r.u8())
	components := int(r.u32())
	if r.err != nil {
		return "", nil
	}
	if components <= 0 || (kind != mesh.Float64 && kind != mesh.Int64) {
		r.err = fmt.Errorf("%w: array %q has kind %d with %d components",
			ErrMalformedPayload, name, kind, components)
		return "", nil
	}
	n := tuples * components
	if n/components != tuples || n > (len(r.buf)-r.off)/8 {
		r.err = fmt.Errorf("%w: array %q declares %d values past end of payload",
			ErrMalformedPayload, name, n)
		return "", nil
	}
	a := &mesh.Array{Kind: kind, Components: components}
	if kind == mesh.Int64 {
		a.Ints = make([]int64, n)
		for i := range a.Ints {
			a.Ints[i] = int64(r.u64())
		}
	} else {
		a.Floats = make([]float64, n)
		for i := range a.Floats {
			a.Floats[i] = math.Float64frombits(r.u64())
		}
	}
	return name, a
}
