package comm

import (
	"encoding/binary"
	"fmt"
)

const frameHeader = 8

// SendFrame sends buf preceded by its length, so the receiver can size its
// buffer exactly. Both parts travel under tag.
func SendFrame(c Communicator, buf []byte, dest, tag int) error {
	var hdr [frameHeader]byte
	binary.LittleEndian.PutUint64(hdr[:], uint64(len(buf)))
	if err := c.Send(hdr[:], dest, tag); err != nil {
		return err
	}
	if len(buf) == 0 {
		return nil
	}
	return c.Send(buf, dest, tag)
}

// ReceiveFrame receives a message sent with SendFrame
func ReceiveFrame(c Communicator, src, tag int) ([]byte, error) {
	var hdr [frameHeader]byte
	n, err := c.Receive(hdr[:], src, tag)
	if err != nil {
		return nil, err
	}
	if n != frameHeader {
		return nil, fmt.Errorf("%w: frame header of %d bytes from rank %d", ErrTransport, n, src)
	}
	size := binary.LittleEndian.Uint64(hdr[:])
	buf := make([]byte, size)
	if size == 0 {
		return buf, nil
	}
	n, err = c.Receive(buf, src, tag)
	if err != nil {
		return nil, err
	}
	if uint64(n) != size {
		return nil, fmt.Errorf("%w: frame from rank %d announced %d bytes, got %d", ErrTransport, src, size, n)
	}
	return buf, nil
}

// AllGather collects data from every rank on every rank, indexed by rank.
// Rank 0 receives from each rank in turn and then sends the full set back,
// so no rank ever waits on a send cycle. It is collective: every rank must
// call it with the same tag.
func AllGather(c Communicator, data []byte, tag int) ([][]byte, error) {
	size, rank := c.Size(), c.Rank()
	all := make([][]byte, size)
	if size == 1 {
		all[0] = data
		return all, nil
	}

	if rank != 0 {
		if err := SendFrame(c, data, 0, tag); err != nil {
			return nil, fmt.Errorf("allgather send: %w", err)
		}
		for r := range all {
			buf, err := ReceiveFrame(c, 0, tag)
			if err != nil {
				return nil, fmt.Errorf("allgather receive %d: %w", r, err)
			}
			all[r] = buf
		}
		return all, nil
	}

	all[0] = data
	for r := 1; r < size; r++ {
		buf, err := ReceiveFrame(c, r, tag)
		if err != nil {
			return nil, fmt.Errorf("allgather receive from %d: %w", r, err)
		}
		all[r] = buf
	}
	for dest := 1; dest < size; dest++ {
		for _, buf := range all {
			if err := SendFrame(c, buf, dest, tag); err != nil {
				return nil, fmt.Errorf("allgather send to %d: %w", dest, err)
			}
		}
	}
	return all, nil
}

// Barrier returns once every rank has entered it
func Barrier(c Communicator, tag int) error {
	_, err := AllGather(c, nil, tag)
	return err
}
