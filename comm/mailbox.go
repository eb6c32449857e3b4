package comm

import (
	"fmt"
	"sync"
)

// Envelope is one delivered message: bytes, or a value on the object path
type Envelope struct {
	Data   []byte
	Object any
	IsObj  bool
}

type mailKey struct{ src, tag int }

// Mailbox queues messages arriving at one rank until they are received.
// Queues are unbounded, so delivery never blocks the sender.
type Mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queues map[mailKey][]Envelope
	failed map[int]error
	closed error
}

// NewMailbox returns an empty mailbox
func NewMailbox() *Mailbox {
	mb := &Mailbox{
		queues: make(map[mailKey][]Envelope),
		failed: make(map[int]error),
	}
	mb.cond = sync.NewCond(&mb.mu)
	return mb
}

// Deliver enqueues e as sent by src under tag. Deliveries after Close are
// dropped.
func (mb *Mailbox) Deliver(src, tag int, e Envelope) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed != nil {
		return
	}
	k := mailKey{src, tag}
	mb.queues[k] = append(mb.queues[k], e)
	mb.cond.Broadcast()
}

// Take blocks for the oldest message from src under tag. Messages already
// queued are still returned after src has failed.
func (mb *Mailbox) Take(src, tag int) (Envelope, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	k := mailKey{src, tag}
	for {
		if q := mb.queues[k]; len(q) > 0 {
			e := q[0]
			q[0] = Envelope{}
			if len(q) == 1 {
				delete(mb.queues, k)
			} else {
				mb.queues[k] = q[1:]
			}
			return e, nil
		}
		if err := mb.failed[src]; err != nil {
			return Envelope{}, err
		}
		if mb.closed != nil {
			return Envelope{}, mb.closed
		}
		mb.cond.Wait()
	}
}

// Fail makes pending and future receives from src fail with err once its
// queued messages are drained
func (mb *Mailbox) Fail(src int, err error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if _, ok := mb.failed[src]; !ok {
		mb.failed[src] = err
	}
	mb.cond.Broadcast()
}

// Close fails every pending and future receive with err
func (mb *Mailbox) Close(err error) {
	if err == nil {
		err = fmt.Errorf("%w: mailbox closed", ErrTransport)
	}
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed == nil {
		mb.closed = err
	}
	mb.cond.Broadcast()
}

// Pending returns the number of queued messages
func (mb *Mailbox) Pending() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	n := 0
	for _, q := range mb.queues {
		n += len(q)
	}
	return n
}

// CopyOut copies a byte envelope into buf
func CopyOut(e Envelope, buf []byte, src, tag int) (int, error) {
	if e.IsObj {
		return 0, fmt.Errorf("%w: object message from rank %d tag %d on byte receive", ErrTransport, src, tag)
	}
	if len(e.Data) > len(buf) {
		return 0, fmt.Errorf("%w: message of %d bytes from rank %d tag %d truncated to %d",
			ErrTransport, len(e.Data), src, tag, len(buf))
	}
	return copy(buf, e.Data), nil
}
