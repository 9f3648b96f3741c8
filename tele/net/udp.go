package telenet

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/atomic_clock"
	"github.com/temoto/imulink/log2"
)

type UDPOptions struct {
	Log       *log2.Log
	ReadLimit int
}

type UDPChannel struct {
	closed uint32
	conn   *net.UDPConn
	last   atomic_clock.Clock
	opt    UDPOptions
	stat   SessionStat
}

var _ Channel = &UDPChannel{}

// ListenUDP binds local address, e.g. ":4210" on device or ":0" on host.
func ListenUDP(addr string, opt UDPOptions) (*UDPChannel, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Annotatef(err, "resolve addr=%s", addr)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, errors.Annotatef(err, "listen addr=%s", addr)
	}
	if opt.ReadLimit == 0 {
		opt.ReadLimit = DefaultReadLimit
	}
	c := &UDPChannel{conn: conn, opt: opt}
	opt.Log.Debugf("udp listen local=%s", conn.LocalAddr())
	return c, nil
}

func (c *UDPChannel) Close() error {
	if !atomic.CompareAndSwapUint32(&c.closed, 0, 1) {
		return nil
	}
	c.opt.Log.Debugf("udp close local=%s stat=%s", c.conn.LocalAddr(), c.stat.String())
	return errors.Annotate(c.conn.Close(), "udp close")
}

func (c *UDPChannel) LocalAddr() net.Addr { return c.conn.LocalAddr() }
func (c *UDPChannel) Stat() *SessionStat  { return &c.stat }

// SinceLastRecv is zero-based: huge value until first datagram.
func (c *UDPChannel) SinceLastRecv() time.Duration { return atomic_clock.Since(&c.last) }

func (c *UDPChannel) Receive(ctx context.Context) (Datagram, error) {
	if atomic.LoadUint32(&c.closed) != 0 {
		return Datagram{}, ErrClosed
	}
	deadline, _ := ctx.Deadline()
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return Datagram{}, c.wrapErr(err, "SetReadDeadline")
	}
	// unblock read on cancel without deadline
	stop := make(chan struct{})
	defer close(stop)
	if done := ctx.Done(); done != nil {
		go func() {
			select {
			case <-done:
				_ = c.conn.SetReadDeadline(time.Unix(1, 0))
			case <-stop:
			}
		}()
	}

	buf := make([]byte, c.opt.ReadLimit)
	n, addr, err := c.conn.ReadFromUDP(buf)
	if err != nil {
		if ctx.Err() != nil {
			return Datagram{}, errors.Annotate(ctx.Err(), "udp receive")
		}
		return Datagram{}, c.wrapErr(err, "udp receive")
	}
	c.last.SetNow()
	d := Datagram{Addr: addr, Data: buf[:n]}
	c.stat.Recv.Register(d.Data)
	c.opt.Log.Debugf("udp recv from=%s b=(%d)%q", addr, n, printable(d.Data))
	return d, nil
}

func (c *UDPChannel) Send(ctx context.Context, to net.Addr, b []byte) error {
	if atomic.LoadUint32(&c.closed) != 0 {
		return ErrClosed
	}
	if to == nil {
		return errors.NotValidf("udp send destination nil")
	}
	udpAddr, ok := to.(*net.UDPAddr)
	if !ok {
		var err error
		if udpAddr, err = net.ResolveUDPAddr("udp", to.String()); err != nil {
			return errors.Annotatef(err, "resolve addr=%s", to)
		}
	}
	deadline, _ := ctx.Deadline()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return c.wrapErr(err, "SetWriteDeadline")
	}
	if _, err := c.conn.WriteToUDP(b, udpAddr); err != nil {
		c.stat.Send.Errors.Add(1)
		return c.wrapErr(err, "udp send to="+udpAddr.String())
	}
	c.stat.Send.Register(b)
	c.opt.Log.Debugf("udp send to=%s b=(%d)%q", udpAddr, len(b), printable(b))
	return nil
}

func (c *UDPChannel) wrapErr(err error, msg string) error {
	if atomic.LoadUint32(&c.closed) != 0 {
		return errors.Annotate(ErrClosed, msg)
	}
	return errors.Annotate(err, msg)
}

// printable limits binary telemetry in debug log
func printable(b []byte) []byte {
	const max = 64
	if len(b) > max {
		return b[:max]
	}
	return b
}
