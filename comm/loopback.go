package comm

import "fmt"

// World is a set of ranks sharing one address space. Every rank's
// Communicator supports the async and object paths.
type World struct {
	boxes []*Mailbox
}

// NewLoopbackWorld returns a world of n ranks
func NewLoopbackWorld(n int) *World {
	w := &World{boxes: make([]*Mailbox, n)}
	for i := range w.boxes {
		w.boxes[i] = NewMailbox()
	}
	return w
}

// Size returns the number of ranks
func (w *World) Size() int { return len(w.boxes) }

// Comm returns the communicator of rank
func (w *World) Comm(rank int) *Loopback {
	if rank < 0 || rank >= len(w.boxes) {
		panic(fmt.Sprintf("loopback rank %d outside [0,%d)", rank, len(w.boxes)))
	}
	return &Loopback{world: w, rank: rank}
}

// Close fails all pending and future receives of every rank with err. It
// is how a supervisor unblocks ranks after one of them has failed.
func (w *World) Close(err error) {
	for _, mb := range w.boxes {
		mb.Close(err)
	}
}

// Pending returns the number of delivered but unreceived messages
func (w *World) Pending() int {
	n := 0
	for _, mb := range w.boxes {
		n += mb.Pending()
	}
	return n
}

// Loopback is one rank of a World
type Loopback struct {
	world *World
	rank  int
}

var (
	_ AsyncCommunicator  = (*Loopback)(nil)
	_ ObjectCommunicator = (*Loopback)(nil)
)

func (l *Loopback) Rank() int { return l.rank }

func (l *Loopback) Size() int { return len(l.world.boxes) }

func (l *Loopback) Send(buf []byte, dest, tag int) error {
	if err := checkRank(l, dest); err != nil {
		return err
	}
	data := make([]byte, len(buf))
	copy(data, buf)
	l.world.boxes[dest].Deliver(l.rank, tag, Envelope{Data: data})
	return nil
}

func (l *Loopback) Receive(buf []byte, src, tag int) (int, error) {
	if err := checkRank(l, src); err != nil {
		return 0, err
	}
	e, err := l.world.boxes[l.rank].Take(src, tag)
	if err != nil {
		return 0, err
	}
	return CopyOut(e, buf, src, tag)
}

// ISend completes immediately since delivery never blocks
func (l *Loopback) ISend(buf []byte, dest, tag int) (*Request, error) {
	if err := l.Send(buf, dest, tag); err != nil {
		return nil, err
	}
	return CompletedRequest(len(buf), nil), nil
}

func (l *Loopback) IRecv(buf []byte, src, tag int) (*Request, error) {
	if err := checkRank(l, src); err != nil {
		return nil, err
	}
	return NewRequest(func() (int, error) {
		return l.Receive(buf, src, tag)
	}), nil
}

func (l *Loopback) Wait(req *Request) (int, error) {
	return req.Wait()
}

func (l *Loopback) SendObject(v any, dest, tag int) error {
	if err := checkRank(l, dest); err != nil {
		return err
	}
	l.world.boxes[dest].Deliver(l.rank, tag, Envelope{Object: v, IsObj: true})
	return nil
}

func (l *Loopback) ReceiveObject(src, tag int) (any, error) {
	if err := checkRank(l, src); err != nil {
		return nil, err
	}
	e, err := l.world.boxes[l.rank].Take(src, tag)
	if err != nil {
		return nil, err
	}
	if !e.IsObj {
		return nil, fmt.Errorf("%w: byte message from rank %d tag %d on object receive", ErrTransport, src, tag)
	}
	return e.Object, nil
}
