// Package comm defines the message passing boundary used by the
// redistribution engine, an in-memory loopback implementation of it, and the
// few collectives built on top of point-to-point messages.
//
// A Communicator offers blocking tagged Send and Receive between ranks.
// Transports that can overlap transfers also implement AsyncCommunicator;
// transports whose ranks share an address space may implement
// ObjectCommunicator and hand values over without serialization. Callers
// discover these capabilities with type assertions.
//
// Messages between a (source, destination, tag) triple are delivered in the
// order they were sent. Send never waits for the matching Receive.
package comm

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport reports a failed send or receive
	ErrTransport = errors.New("transport failure")
	// ErrPartnerUnreachable reports a peer whose link has gone away. It
	// wraps ErrTransport.
	ErrPartnerUnreachable = fmt.Errorf("%w: partner unreachable", ErrTransport)
)

// Communicator is the minimal point-to-point capability set
type Communicator interface {
	// Rank returns the caller's rank, 0 <= Rank() < Size()
	Rank() int
	// Size returns the number of cooperating ranks
	Size() int
	// Send copies buf to dest under tag
	Send(buf []byte, dest, tag int) error
	// Receive blocks for the next message from src under tag, copies it
	// into buf and returns its length. A message longer than buf fails
	// with ErrTransport.
	Receive(buf []byte, src, tag int) (int, error)
}

// AsyncCommunicator adds non-blocking operations completed by Wait
type AsyncCommunicator interface {
	Communicator
	ISend(buf []byte, dest, tag int) (*Request, error)
	// IRecv posts a receive into buf; buf must not be touched until Wait
	IRecv(buf []byte, src, tag int) (*Request, error)
	// Wait blocks until req completes and returns the transferred length
	Wait(req *Request) (int, error)
}

// ObjectCommunicator moves values between ranks of one address space
// without copying them. Ownership of a sent value passes to the receiver.
type ObjectCommunicator interface {
	Communicator
	SendObject(v any, dest, tag int) error
	ReceiveObject(src, tag int) (any, error)
}

// Request tracks a non-blocking operation
type Request struct {
	complete func() (int, error)
	done     bool
	n        int
	err      error
}

// NewRequest returns a request completed by calling complete once
func NewRequest(complete func() (int, error)) *Request {
	return &Request{complete: complete}
}

// CompletedRequest returns a request that is already done
func CompletedRequest(n int, err error) *Request {
	return &Request{done: true, n: n, err: err}
}

// Wait completes the request; repeated calls return the same result
func (r *Request) Wait() (int, error) {
	if !r.done {
		r.n, r.err = r.complete()
		r.done = true
		r.complete = nil
	}
	return r.n, r.err
}

// checkRank validates a peer rank
func checkRank(c Communicator, peer int) error {
	if peer < 0 || peer >= c.Size() {
		return fmt.Errorf("%w: rank %d outside [0,%d)", ErrTransport, peer, c.Size())
	}
	return nil
}

type blockingOnly struct{ Communicator }

type asyncOnly struct{ AsyncCommunicator }

// BlockingOnly hides every capability of c beyond blocking Send/Receive
func BlockingOnly(c Communicator) Communicator {
	return blockingOnly{c}
}

// WithoutObjects hides the in-memory object path of c, keeping async
// operations when c has them
func WithoutObjects(c Communicator) Communicator {
	if ac, ok := c.(AsyncCommunicator); ok {
		return asyncOnly{ac}
	}
	return blockingOnly{c}
}
