package redist

import (
	"errors"
	"fmt"

	"github.com/notargets/meshredist/comm"
	"github.com/notargets/meshredist/marshal"
	"github.com/notargets/meshredist/mesh"
	"github.com/notargets/meshredist/partitions"
)

// ErrorKind classifies why a pass failed
type ErrorKind int

const (
	DecompositionFailed ErrorKind = iota + 1 // No regions, or a region owned by an invalid rank
	MalformedPayload                         // A received payload disagrees with its declared counts
	TransportFailure                         // A send or receive failed
	InvalidState                             // API misuse, such as inconsistent input meshes
)

func (k ErrorKind) String() string {
	switch k {
	case DecompositionFailed:
		return "DecompositionFailed"
	case MalformedPayload:
		return "MalformedPayload"
	case TransportFailure:
		return "TransportFailure"
	case InvalidState:
		return "InvalidState"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// PassError is the single error a failed pass returns on a rank
type PassError struct {
	Kind ErrorKind
	Rank int
	Op   string // Step that failed, e.g. "decompose" or "fan-in region 3"
	Err  error
}

func (e *PassError) Error() string {
	return fmt.Sprintf("redistribute rank %d: %s: %s: %v", e.Rank, e.Op, e.Kind, e.Err)
}

func (e *PassError) Unwrap() error { return e.Err }

// KindOf returns the kind of a pass error, 0 when err is not one
func KindOf(err error) ErrorKind {
	var pe *PassError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return 0
}

// classify maps the sentinel errors of the lower layers onto a kind.
// Errors carrying no sentinel get fallback.
func classify(err error, fallback ErrorKind) ErrorKind {
	switch {
	case errors.Is(err, partitions.ErrDecompositionFailed):
		return DecompositionFailed
	case errors.Is(err, marshal.ErrMalformedPayload):
		return MalformedPayload
	case errors.Is(err, comm.ErrTransport):
		return TransportFailure
	case errors.Is(err, mesh.ErrInvalidState):
		return InvalidState
	}
	return fallback
}

// transportErr makes sure an error returned by a communicator classifies as
// a transport failure even when the implementation does not wrap
// comm.ErrTransport.
func transportErr(err error) error {
	if err == nil || errors.Is(err, comm.ErrTransport) {
		return err
	}
	return fmt.Errorf("%w: %w", comm.ErrTransport, err)
}
