package telemqtt

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/256dpi/gomqtt/client/future"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/imulink/helpers"
	"github.com/temoto/imulink/log2"
)

// Broker side of one client connection.
type brokerConn struct {
	alive  *alive.Alive
	acks   *future.Store
	conn   transport.Conn
	connmu sync.RWMutex
	ctx    context.Context
	disco  uint32
	err    helpers.AtomicError
	id     string
	log    *log2.Log
	opt    BrokerOptions
	will   *packet.Message
	willmu sync.Mutex
}

func newBrokerConn(conn transport.Conn, opt BrokerOptions, log *log2.Log, pktConnect *packet.Connect) *brokerConn {
	c := &brokerConn{
		alive: alive.NewAlive(),
		acks:  future.NewStore(),
		conn:  conn,
		ctx:   context.Background(),
		id:    pktConnect.ClientID,
		log:   log,
		opt:   opt,
	}
	if pktConnect.Will != nil {
		c.will = pktConnect.Will.Copy()
	}
	return c
}

func (c *brokerConn) expectAck(id packet.ID) *future.Future {
	f := future.New()
	if !c.alive.Add(1) {
		f.Cancel(ErrClosing)
		return f
	}
	if ex := c.acks.Get(id); ex != nil {
		c.alive.Done()
		err := errors.Errorf("mqtt expectAck overwriting id=%d", id)
		c.log.Error(err)
		ex.Cancel(err)
		f.Cancel(err)
		return f
	}
	c.acks.Put(id, f)
	go func() {
		defer c.alive.Done()
		if err := f.Wait(c.opt.NetworkTimeout); err == future.ErrTimeout {
			f.Cancel(err)
		}
		c.acks.Delete(id)
	}()
	return f
}

func (c *brokerConn) Publish(ctx context.Context, id packet.ID, msg *packet.Message) error {
	if !c.alive.Add(1) {
		return ErrClosing
	}
	defer c.alive.Done()

	pub := packet.NewPublish()
	pub.ID = id
	pub.Message = *msg
	switch msg.QOS {
	case packet.QOSAtMostOnce:
		pub.ID = 0
		return c.Send(pub)

	case packet.QOSAtLeastOnce:
		f := c.expectAck(pub.ID)
		if err := c.Send(pub); err != nil {
			f.Cancel(err)
		}
		err := f.Wait(c.opt.NetworkTimeout)
		if err == nil {
			return nil
		}
		if err == future.ErrCanceled {
			if err, _ = f.Result().(error); err == nil {
				err = future.ErrCanceled
			}
		}
		return c.die(errors.Annotatef(err, "expect puback id=%d", pub.ID))

	default:
		return errors.NotSupportedf("qos=%d", msg.QOS)
	}
}

func (c *brokerConn) Receive() (packet.Generic, error) {
	conn := c.getConn()
	if conn == nil {
		return nil, ErrClosing
	}
	pkt, err := conn.Receive()
	c.log.Debugf("mqtt recv id=%s pkt=%s err=%v", c.id, PacketString(pkt), err)
	switch {
	case err == nil:
		return pkt, nil
	case err == io.EOF:
		_ = c.die(err)
		return nil, err
	case !c.alive.IsRunning() && isClosedConn(err):
		return nil, ErrClosing
	}
	_ = c.die(err)
	return nil, err
}

func (c *brokerConn) Send(pkt packet.Generic) error {
	conn := c.getConn()
	if conn == nil {
		return ErrClosing
	}
	c.log.Debugf("mqtt send id=%s pkt=%s", c.id, PacketString(pkt))
	if err := conn.Send(pkt, false); err != nil {
		if !c.alive.IsRunning() && isClosedConn(err) {
			return ErrClosing
		}
		return c.die(errors.Annotatef(err, "clientid=%s", c.id))
	}
	return nil
}

func (c *brokerConn) FulfillAck(id packet.ID) error {
	f := c.acks.Get(id)
	if f == nil {
		return fmt.Errorf("unexpected ack for packet id=%d", id)
	}
	if !f.Complete(nil) {
		return future.ErrCanceled
	}
	return nil
}

func (c *brokerConn) RemoteAddr() net.Addr {
	if conn := c.getConn(); conn != nil {
		return conn.RemoteAddr()
	}
	return nil
}

// die closes connection once, returns first reason.
func (c *brokerConn) die(e error) error {
	err, found := c.err.StoreOnce(e)
	if found {
		return err
	}
	c.log.Debugf("mqtt die id=%s e=%v", c.id, e)
	c.alive.Stop()
	helpers.WithLock(&c.connmu, func() {
		if c.conn != nil {
			_ = c.conn.Close()
			c.conn = nil
		}
	})
	return e
}

func (c *brokerConn) getConn() transport.Conn {
	c.connmu.RLock()
	defer c.connmu.RUnlock()
	return c.conn
}

func (c *brokerConn) getWill() (m *packet.Message, clean bool) {
	c.willmu.Lock()
	if c.will != nil {
		m = c.will.Copy()
	}
	c.willmu.Unlock()
	return m, atomic.LoadUint32(&c.disco) == 1
}

func (c *brokerConn) onDisconnect() {
	atomic.StoreUint32(&c.disco, 1)
	c.willmu.Lock()
	c.will = nil
	c.willmu.Unlock()
}
