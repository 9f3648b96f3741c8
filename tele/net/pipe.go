package telenet

import (
	"context"
	"net"
	"sync"

	"github.com/juju/errors"
)

const pipeBuffer = 64

// PipeAddr is in-memory endpoint name.
type PipeAddr string

func (a PipeAddr) Network() string { return "pipe" }
func (a PipeAddr) String() string  { return string(a) }

// PipeChannel is lossy in-memory Channel end. Send delivers to the peer
// regardless of destination address, overflow is dropped like UDP would.
type PipeChannel struct {
	addr    PipeAddr
	peer    *PipeChannel
	inbox   chan Datagram
	once    sync.Once
	closech chan struct{}
	stat    SessionStat

	mu      sync.Mutex
	sendErr error
}

var _ Channel = &PipeChannel{}

func NewPipe(a, b string) (*PipeChannel, *PipeChannel) {
	ca := &PipeChannel{addr: PipeAddr(a), inbox: make(chan Datagram, pipeBuffer), closech: make(chan struct{})}
	cb := &PipeChannel{addr: PipeAddr(b), inbox: make(chan Datagram, pipeBuffer), closech: make(chan struct{})}
	ca.peer, cb.peer = cb, ca
	return ca, cb
}

func (c *PipeChannel) Close() error {
	c.once.Do(func() { close(c.closech) })
	return nil
}

func (c *PipeChannel) LocalAddr() net.Addr { return c.addr }
func (c *PipeChannel) Stat() *SessionStat  { return &c.stat }

// SetSendError makes following Send calls fail, nil restores delivery.
func (c *PipeChannel) SetSendError(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

func (c *PipeChannel) Receive(ctx context.Context) (Datagram, error) {
	select {
	case <-c.closech:
		return Datagram{}, ErrClosed
	default:
	}
	select {
	case d := <-c.inbox:
		c.stat.Recv.Register(d.Data)
		return d, nil
	case <-c.closech:
		return Datagram{}, ErrClosed
	case <-ctx.Done():
		return Datagram{}, errors.Annotate(ctx.Err(), "pipe receive")
	}
}

func (c *PipeChannel) Send(ctx context.Context, to net.Addr, b []byte) error {
	select {
	case <-c.closech:
		return ErrClosed
	default:
	}
	c.mu.Lock()
	err := c.sendErr
	c.mu.Unlock()
	if err != nil {
		c.stat.Send.Errors.Add(1)
		return errors.Annotatef(err, "pipe send to=%s", addrString(to))
	}
	select {
	case <-c.peer.closech:
		// remote end gone, datagram lost silently
	default:
		d := Datagram{Addr: c.addr, Data: append([]byte(nil), b...)}
		select {
		case c.peer.inbox <- d:
		default:
			c.peer.stat.Recv.Dropped.Add(1)
		}
	}
	c.stat.Send.Register(b)
	return nil
}
