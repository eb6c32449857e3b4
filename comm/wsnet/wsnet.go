// Package wsnet is a Communicator for ranks running as separate processes.
// Every pair of ranks shares one websocket connection: rank i dials every
// rank below it and accepts the ones above. Only the blocking Send/Receive
// capability set is offered, so redistribution over wsnet uses fan-in trees.
package wsnet

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
	"github.com/notargets/meshredist/comm"
	"go.uber.org/zap"
)

const (
	path          = "/mesh"
	tagSize       = 8
	handshakeWait = 10 * time.Second
	redialEvery   = 100 * time.Millisecond
)

// hello is the first message on every connection, sent by the dialer
type hello struct {
	Rank int `cbor:"1,keyasint"`
	Size int `cbor:"2,keyasint"`
}

type accepted struct {
	hello
	conn *websocket.Conn
}

// Listener accepts the connections of higher ranks
type Listener struct {
	ln       net.Listener
	srv      *http.Server
	accepted chan accepted
	done     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
	log      *zap.Logger
}

// Listen starts accepting connections on addr, e.g. "127.0.0.1:0"
func Listen(addr string, log *zap.Logger) (*Listener, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	l := &Listener{
		ln:       ln,
		accepted: make(chan accepted, 64),
		done:     make(chan struct{}),
		log:      log,
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, l.handle)
	l.srv = &http.Server{Handler: mux, ReadHeaderTimeout: handshakeWait}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.log.Error("serve", zap.Error(err))
		}
	}()
	return l, nil
}

// Addr returns the address the listener is bound to
func (l *Listener) Addr() string { return l.ln.Addr().String() }

func (l *Listener) handle(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.log.Warn("upgrade", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	_ = conn.SetReadDeadline(time.Now().Add(handshakeWait))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		l.log.Warn("handshake", zap.String("remote", r.RemoteAddr), zap.Error(err))
		conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	var h hello
	if err := cbor.Unmarshal(msg, &h); err != nil {
		l.log.Warn("handshake", zap.String("remote", r.RemoteAddr), zap.Error(err))
		conn.Close()
		return
	}
	select {
	case l.accepted <- accepted{hello: h, conn: conn}:
	case <-l.done:
		conn.Close()
	}
}

// Close stops accepting connections. Connections already handed to a Comm
// stay open.
func (l *Listener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.srv.Close()
		l.wg.Wait()
		for {
			select {
			case a := <-l.accepted:
				a.conn.Close()
			default:
				return
			}
		}
	})
	return err
}

// Connect joins the ranks listed in peers as rank, peers[rank] being the
// address of l. It dials every lower rank, retrying until ctx ends, and
// waits for every higher rank to dial in.
func (l *Listener) Connect(ctx context.Context, rank int, peers []string) (*Comm, error) {
	size := len(peers)
	if rank < 0 || rank >= size {
		return nil, fmt.Errorf("rank %d outside [0,%d)", rank, size)
	}
	c := &Comm{
		rank:  rank,
		size:  size,
		mb:    comm.NewMailbox(),
		peers: make([]*peer, size),
		l:     l,
		log:   l.log.With(zap.Int("rank", rank)),
	}

	for dest := 0; dest < rank; dest++ {
		conn, err := dial(ctx, peers[dest], hello{Rank: rank, Size: size})
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("connect to rank %d at %s: %w", dest, peers[dest], err)
		}
		c.peers[dest] = &peer{conn: conn}
	}
	for need := size - 1 - rank; need > 0; need-- {
		select {
		case a := <-l.accepted:
			if err := c.admit(a); err != nil {
				a.conn.Close()
				c.Close()
				return nil, err
			}
		case <-ctx.Done():
			c.Close()
			return nil, fmt.Errorf("waiting for %d higher ranks: %w", need, ctx.Err())
		}
	}

	for src, p := range c.peers {
		if p != nil {
			c.wg.Add(1)
			go c.read(src, p)
		}
	}
	c.log.Info("connected", zap.Int("size", size), zap.String("addr", l.Addr()))
	return c, nil
}

func (c *Comm) admit(a accepted) error {
	switch {
	case a.Size != c.size:
		return fmt.Errorf("rank %d joined a world of %d ranks, this one has %d", a.Rank, a.Size, c.size)
	case a.Rank <= c.rank || a.Rank >= c.size:
		return fmt.Errorf("unexpected connection from rank %d", a.Rank)
	case c.peers[a.Rank] != nil:
		return fmt.Errorf("rank %d connected twice", a.Rank)
	}
	c.peers[a.Rank] = &peer{conn: a.conn}
	return nil
}

func dial(ctx context.Context, addr string, h hello) (*websocket.Conn, error) {
	msg, err := cbor.Marshal(h)
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{HandshakeTimeout: handshakeWait}
	url := "ws://" + addr + path
	tick := time.NewTicker(redialEvery)
	defer tick.Stop()
	for {
		conn, _, err := dialer.DialContext(ctx, url, nil)
		if err == nil {
			if err := conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				conn.Close()
				return nil, err
			}
			return conn, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		case <-tick.C:
		}
	}
}

// Dial listens on peers[rank] and connects to the other ranks
func Dial(ctx context.Context, rank int, peers []string, log *zap.Logger) (*Comm, error) {
	if rank < 0 || rank >= len(peers) {
		return nil, fmt.Errorf("rank %d outside [0,%d)", rank, len(peers))
	}
	l, err := Listen(peers[rank], log)
	if err != nil {
		return nil, err
	}
	c, err := l.Connect(ctx, rank, peers)
	if err != nil {
		l.Close()
		return nil, err
	}
	return c, nil
}

// peer is the link to one other rank. gorilla connections allow a single
// concurrent writer.
type peer struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (p *peer) write(frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (p *peer) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	p.conn.Close()
}

// Comm is one rank of a websocket world
type Comm struct {
	rank, size int
	mb         *comm.Mailbox
	peers      []*peer // nil at this rank
	l          *Listener
	wg         sync.WaitGroup
	once       sync.Once
	log        *zap.Logger
}

var _ comm.Communicator = (*Comm)(nil)

func (c *Comm) Rank() int { return c.rank }

func (c *Comm) Size() int { return c.size }

func (c *Comm) check(peer int) error {
	if peer < 0 || peer >= c.size {
		return fmt.Errorf("%w: rank %d outside [0,%d)", comm.ErrTransport, peer, c.size)
	}
	return nil
}

// Send frames buf with its tag and writes it to dest. Messages to the own
// rank go straight to the mailbox.
func (c *Comm) Send(buf []byte, dest, tag int) error {
	if err := c.check(dest); err != nil {
		return err
	}
	if dest == c.rank {
		c.mb.Deliver(c.rank, tag, comm.Envelope{Data: append([]byte(nil), buf...)})
		return nil
	}
	frame := make([]byte, tagSize+len(buf))
	binary.LittleEndian.PutUint64(frame, uint64(int64(tag)))
	copy(frame[tagSize:], buf)
	if err := c.peers[dest].write(frame); err != nil {
		return fmt.Errorf("%w: send to rank %d: %v", comm.ErrPartnerUnreachable, dest, err)
	}
	return nil
}

func (c *Comm) Receive(buf []byte, src, tag int) (int, error) {
	if err := c.check(src); err != nil {
		return 0, err
	}
	e, err := c.mb.Take(src, tag)
	if err != nil {
		return 0, err
	}
	return comm.CopyOut(e, buf, src, tag)
}

// read moves the frames of src into the mailbox until the link drops
func (c *Comm) read(src int, p *peer) {
	defer c.wg.Done()
	for {
		_, frame, err := p.conn.ReadMessage()
		if err != nil {
			c.mb.Fail(src, fmt.Errorf("%w: rank %d: %v", comm.ErrPartnerUnreachable, src, err))
			c.log.Debug("link closed", zap.Int("peer", src), zap.Error(err))
			return
		}
		if len(frame) < tagSize {
			c.mb.Fail(src, fmt.Errorf("%w: rank %d sent a %d byte frame", comm.ErrTransport, src, len(frame)))
			return
		}
		tag := int(int64(binary.LittleEndian.Uint64(frame)))
		c.mb.Deliver(src, tag, comm.Envelope{Data: frame[tagSize:]})
	}
}

// Close drops every link and the listener. Pending receives fail.
func (c *Comm) Close() error {
	var err error
	c.once.Do(func() {
		for _, p := range c.peers {
			if p != nil {
				p.close()
			}
		}
		err = c.l.Close()
		c.mb.Close(nil)
		c.wg.Wait()
	})
	return err
}
