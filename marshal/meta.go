package marshal

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// MaxMetaSize bounds an encoded Meta, so receivers can post a fixed buffer
const MaxMetaSize = 64

// Meta announces a payload before it is sent: the sizes a receiver needs to
// allocate exactly, or, with Ready set, a parent's go-ahead to its child.
type Meta struct {
	Points uint64 `cbor:"1,keyasint"`
	Cells  uint64 `cbor:"2,keyasint"`
	Bytes  uint64 `cbor:"3,keyasint"`
	Ready  bool   `cbor:"4,keyasint,omitempty"`
}

// Empty reports whether the announced payload carries no cells
func (m Meta) Empty() bool { return m.Cells == 0 }

// EncodeMeta returns the wire form of m
func EncodeMeta(m Meta) ([]byte, error) {
	b, err := cbor.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode meta: %w", err)
	}
	if len(b) > MaxMetaSize {
		return nil, fmt.Errorf("encode meta: %d bytes exceeds %d", len(b), MaxMetaSize)
	}
	return b, nil
}

// DecodeMeta parses a message produced by EncodeMeta
func DecodeMeta(b []byte) (Meta, error) {
	var m Meta
	if err := cbor.Unmarshal(b, &m); err != nil {
		return Meta{}, fmt.Errorf("%w: meta: %v", ErrMalformedPayload, err)
	}
	return m, nil
}

// EncodeCounts returns the wire form of a per-region cell count vector
func EncodeCounts(counts []uint64) ([]byte, error) {
	b, err := cbor.Marshal(counts)
	if err != nil {
		return nil, fmt.Errorf("encode counts: %w", err)
	}
	return b, nil
}

// DecodeCounts parses a vector produced by EncodeCounts and checks its length
func DecodeCounts(b []byte, want int) ([]uint64, error) {
	var counts []uint64
	if err := cbor.Unmarshal(b, &counts); err != nil {
		return nil, fmt.Errorf("%w: counts: %v", ErrMalformedPayload, err)
	}
	if len(counts) != want {
		return nil, fmt.Errorf("%w: %d counts, want %d", ErrMalformedPayload, len(counts), want)
	}
	return counts, nil
}
