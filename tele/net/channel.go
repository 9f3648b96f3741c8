package telenet

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"

	"github.com/juju/errors"
	"golang.org/x/sys/unix"
)

const (
	// device firmware reads into fixed buffer, larger datagrams are truncated
	DefaultReadLimit = 2 << 10
)

var ErrClosed = fmt.Errorf("channel closed")

type Datagram struct {
	Addr net.Addr
	Data []byte
}

func (d Datagram) String() string {
	return fmt.Sprintf("(from=%s len=%d)", addrString(d.Addr), len(d.Data))
}

type Channel interface {
	Close() error
	LocalAddr() net.Addr
	// Receive blocks until next datagram, ctx done or Close.
	Receive(ctx context.Context) (Datagram, error)
	Send(ctx context.Context, to net.Addr, b []byte) error
	Stat() *SessionStat
}

// IsPermanent reports errors after which channel is unusable.
// Everything else (no route, refused, timeout) may clear up by itself.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	cause := errors.Cause(err)
	return cause == ErrClosed || stderrors.Is(cause, net.ErrClosed)
}

// IsTransient reports typical best-effort delivery errors of connected or
// unreachable UDP peers, worth debug log level only.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	cause := errors.Cause(err)
	for _, errno := range []unix.Errno{unix.ECONNREFUSED, unix.EHOSTUNREACH, unix.ENETUNREACH, unix.ENETDOWN, unix.EAGAIN} {
		if stderrors.Is(cause, errno) {
			return true
		}
	}
	var ne net.Error
	if stderrors.As(cause, &ne) && ne.Timeout() {
		return true
	}
	return false
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
