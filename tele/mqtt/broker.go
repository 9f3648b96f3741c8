package telemqtt

// Embedded MQTT broker, lets imuhost serve mirrored telemetry
// to local subscribers without external broker.

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/broker"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/topic"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/imulink/helpers"
	"github.com/temoto/imulink/log2"
)

const defaultReadLimit = 1 << 16

var (
	ErrSameClient = fmt.Errorf("clientid overtake")
	ErrClosing    = fmt.Errorf("broker is closing")
)

type BrokerOptions struct {
	Log            *log2.Log
	NetworkTimeout time.Duration
	ReadLimit      int64
	// nil accepts everyone
	OnConnect func(*packet.Connect) bool
	OnClose   func(clientID string, clean bool, e error)
}

type subscription struct {
	pattern string
	client  string
	qos     packet.QOS
}

type Broker struct { //nolint:maligned
	sync.RWMutex

	alive *alive.Alive
	conns struct {
		sync.RWMutex
		m map[string]*brokerConn
	}
	ctx     context.Context
	listens map[string]*transport.NetServer
	log     *log2.Log
	nextid  uint32 // atomic packet.ID
	opt     BrokerOptions
	retain  *topic.Tree // *packet.Message
	subs    *topic.Tree // *subscription
}

var _ Publisher = (*Broker)(nil)

func NewBroker(opt BrokerOptions) *Broker {
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if opt.ReadLimit == 0 {
		opt.ReadLimit = defaultReadLimit
	}
	b := &Broker{
		alive:   alive.NewAlive(),
		ctx:     context.Background(),
		listens: make(map[string]*transport.NetServer),
		log:     opt.Log,
		opt:     opt,
		retain:  topic.NewStandardTree(),
		subs:    topic.NewStandardTree(),
	}
	b.conns.m = make(map[string]*brokerConn)
	return b
}

func (b *Broker) Addrs() []string {
	b.RLock()
	defer b.RUnlock()
	addrs := make([]string, 0, len(b.listens))
	for _, l := range b.listens {
		addrs = append(addrs, l.Addr().String())
	}
	return addrs
}

func (b *Broker) Close() error {
	b.alive.Stop()
	errs := make([]error, 0)
	helpers.WithLock(b, func() {
		for key, ns := range b.listens {
			if err := ns.Close(); err != nil {
				errs = append(errs, err)
			}
			delete(b.listens, key)
		}
	})
	helpers.WithLock(b.conns.RLocker(), func() {
		for _, c := range b.conns.m {
			switch err := c.die(nil); err {
			case nil, ErrClosing, io.EOF:
			default:
				errs = append(errs, err)
			}
		}
	})
	b.alive.Wait()
	return helpers.FoldErrors(errs)
}

// Listen accepts tcp://host:port or unix://path URLs.
func (b *Broker) Listen(ctx context.Context, urls ...string) error {
	b.Lock()
	defer b.Unlock()
	b.ctx = ctx

	errs := make([]error, 0)
	for _, u := range urls {
		b.log.Debugf("mqtt listen url=%s", u)
		ns, err := listenURL(u)
		if err != nil {
			errs = append(errs, errors.Annotatef(err, "mqtt listen url=%s", u))
			continue
		}
		if !b.alive.Add(1) {
			_ = ns.Close()
			errs = append(errs, errors.Errorf("Listen after Close"))
			break
		}
		b.listens[u] = ns
		go b.acceptLoop(ns, u)
	}
	return helpers.FoldErrors(errs)
}

func (b *Broker) NextID() packet.ID {
	u32 := atomic.AddUint32(&b.nextid, 1)
	id := packet.ID(u32 % (1 << 16))
	if id == 0 {
		return b.NextID()
	}
	return id
}

// Publish routes message to current subscribers with QoS1.
// Retained message is kept for future subscribers, no subscribers is not an error.
func (b *Broker) Publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	msg := &packet.Message{Topic: topic, Payload: payload, QOS: packet.QOSAtLeastOnce, Retain: retain}
	return b.route(ctx, msg)
}

func (b *Broker) route(ctx context.Context, msg *packet.Message) error {
	b.log.Debugf("mqtt route msg=%s", MessageString(msg))
	id := b.NextID()

	if msg.Retain {
		if len(msg.Payload) != 0 {
			b.retain.Set(msg.Topic, msg.Copy())
		} else {
			b.retain.Empty(msg.Topic)
		}
	}

	subs := make([]*subscription, 0, 8)
	uniq := make(map[string]struct{})
	for _, x := range b.subs.Match(msg.Topic) {
		sub := x.(*subscription)
		if _, ok := uniq[sub.client]; !ok {
			uniq[sub.client] = struct{}{}
			subs = append(subs, sub)
		}
	}
	if len(subs) == 0 {
		return nil
	}

	errch := make(chan error, len(subs))
	wg := sync.WaitGroup{}
	helpers.WithLock(b.conns.RLocker(), func() {
		for _, sub := range subs {
			c, ok := b.conns.m[sub.client]
			if !ok {
				continue
			}
			cmsg := msg.Copy()
			if sub.qos < cmsg.QOS {
				cmsg.QOS = sub.qos
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := c.Publish(ctx, id, cmsg); err != nil {
					errch <- err
				}
			}()
		}
	})
	wg.Wait()
	close(errch)
	errs := make([]error, 0, len(subs))
	for err := range errch {
		errs = append(errs, err)
	}
	return helpers.FoldErrors(errs)
}

func (b *Broker) Retained() []*packet.Message {
	xs := b.retain.All()
	if len(xs) == 0 {
		return nil
	}
	ms := make([]*packet.Message, len(xs))
	for i, x := range xs {
		ms[i] = x.(*packet.Message)
	}
	return ms
}

func listenURL(s string) (*transport.NetServer, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, errors.Annotate(err, "parse url")
	}
	switch u.Scheme {
	case "tcp":
		l, err := net.Listen("tcp", u.Host)
		if err != nil {
			return nil, errors.Annotatef(err, "net.Listen address=%s", u.Host)
		}
		return transport.NewNetServer(l), nil

	case "unix":
		l, err := net.Listen("unix", u.Path)
		if err != nil {
			return nil, errors.Annotatef(err, "net.Listen path=%s", u.Path)
		}
		return transport.NewNetServer(l), nil
	}
	return nil, errors.NotSupportedf("listen url=%s", s)
}

func (b *Broker) acceptLoop(ns *transport.NetServer, u string) {
	defer b.alive.Done()
	for {
		conn, err := ns.Accept()
		if !b.alive.IsRunning() {
			return
		}
		if err != nil {
			b.log.Error(errors.Annotatef(err, "mqtt accept listen=%s", u))
			return
		}
		if !b.alive.Add(1) {
			_ = conn.Close()
			return
		}
		go b.serve(conn)
	}
}

// handshake reads CONNECT and replies CONNACK.
func (b *Broker) handshake(conn transport.Conn) (*brokerConn, error) {
	addr := addrString(conn.RemoteAddr())
	pkt, err := conn.Receive()
	if err != nil {
		return nil, errors.Annotatef(err, "addr=%s", addr)
	}
	pktConnect, ok := pkt.(*packet.Connect)
	if !ok {
		return nil, errors.Annotatef(broker.ErrUnexpectedPacket, "addr=%s pkt=%s", addr, PacketString(pkt))
	}

	connack := packet.NewConnack()
	if pktConnect.ClientID == "" {
		connack.ReturnCode = packet.IdentifierRejected
		_ = conn.Send(connack, false)
		return nil, errors.Annotatef(broker.ErrNotAuthorized, "addr=%s clientid=empty", addr)
	}
	if b.opt.OnConnect != nil && !b.opt.OnConnect(pktConnect) {
		connack.ReturnCode = packet.NotAuthorized
		_ = conn.Send(connack, false)
		return nil, errors.Annotatef(broker.ErrNotAuthorized, "addr=%s clientid=%s", addr, pktConnect.ClientID)
	}
	b.log.Debugf("mqtt CONNECT addr=%s client=%s keepalive=%d will=%t",
		addr, pktConnect.ClientID, pktConnect.KeepAlive, pktConnect.Will != nil)

	keepalive := time.Duration(pktConnect.KeepAlive) * time.Second
	if keepalive == 0 {
		keepalive = b.opt.NetworkTimeout
	}
	conn.SetReadTimeout(keepalive + keepalive/2)
	connack.ReturnCode = packet.ConnectionAccepted
	if err := conn.Send(connack, false); err != nil {
		return nil, errors.Annotatef(err, "addr=%s", addr)
	}
	return newBrokerConn(conn, b.opt, b.log, pktConnect), nil
}

func (b *Broker) serve(conn transport.Conn) {
	defer b.alive.Done()

	addr := addrString(conn.RemoteAddr())
	conn.SetMaxWriteDelay(0)
	conn.SetReadLimit(b.opt.ReadLimit)
	conn.SetReadTimeout(b.opt.NetworkTimeout)
	c, err := b.handshake(conn)
	if err != nil {
		b.log.Infof("mqtt handshake addr=%s err=%v", addr, err)
		_ = conn.Close()
		return
	}

	helpers.WithLock(&b.conns, func() {
		if ex, ok := b.conns.m[c.id]; ok {
			b.log.Infof("mqtt client overtake id=%s ex=%s new=%s", c.id, addrString(ex.RemoteAddr()), addr)
			_ = ex.die(ErrSameClient)
		}
		b.conns.m[c.id] = c
	})

	wg := sync.WaitGroup{}
	for {
		pkt, err := c.Receive()
		if !c.alive.IsRunning() || !b.alive.IsRunning() {
			_ = c.die(ErrClosing)
			break
		}
		if err != nil {
			break
		}
		wg.Add(1)
		go b.handle(c, pkt, &wg)
	}
	wg.Wait()
	_ = c.acks.Await(b.opt.NetworkTimeout)
	c.acks.Clear()
	c.alive.WaitTasks()

	closeErr := c.die(ErrClosing)
	will, clean := c.getWill()
	helpers.WithLock(&b.conns, func() {
		if ex := b.conns.m[c.id]; c == ex {
			delete(b.conns.m, c.id)
		}
		for _, value := range b.subs.All() {
			if sub := value.(*subscription); sub.client == c.id {
				b.subs.Remove(sub.pattern, value)
			}
		}
	})
	if !clean && will != nil {
		_ = b.route(b.ctx, will)
	}
	if b.opt.OnClose != nil {
		b.opt.OnClose(c.id, clean, closeErr)
	}
}

func (b *Broker) handle(c *brokerConn, pkt packet.Generic, wg *sync.WaitGroup) {
	defer wg.Done()
	attached := helpers.WithLockError(b.conns.RLocker(), func() error {
		if b.conns.m[c.id] != c {
			return ErrSameClient
		}
		return nil
	})
	if attached != nil {
		b.log.Errorf("mqtt ignore packet from detached id=%s pkt=%s", c.id, PacketString(pkt))
		_ = c.die(ErrSameClient)
		return
	}

	var err error
	switch pt := pkt.(type) {
	case *packet.Pingreq:
		err = c.Send(packet.NewPingresp())

	case *packet.Publish:
		if pt.Message.QOS > packet.QOSAtLeastOnce {
			err = fmt.Errorf("qos %d is not supported", pt.Message.QOS)
			break
		}
		// subscriber failure is not publisher fault
		if rerr := b.route(c.ctx, &pt.Message); rerr != nil {
			b.log.Errorf("mqtt route from=%s err=%v", c.id, rerr)
		}
		if pt.Message.QOS == packet.QOSAtLeastOnce {
			puback := packet.NewPuback()
			puback.ID = pt.ID
			err = c.Send(puback)
		}

	case *packet.Puback:
		err = c.FulfillAck(pt.ID)

	case *packet.Subscribe:
		err = b.subscribe(c, pt)

	case *packet.Unsubscribe:
		b.unsubscribe(c, pt.Topics)
		unsuback := packet.NewUnsuback()
		unsuback.ID = pt.ID
		err = c.Send(unsuback)

	case *packet.Pubrec, *packet.Pubrel, *packet.Pubcomp:
		err = fmt.Errorf("qos2 not supported")

	case *packet.Disconnect:
		c.onDisconnect()
		_ = c.die(nil)
		return

	default:
		err = fmt.Errorf("packet is not handled pkt=%s", pkt.String())
	}
	if err != nil {
		_ = c.die(err)
	}
}

func (b *Broker) subscribe(c *brokerConn, pkt *packet.Subscribe) error {
	// SUBSCRIBE with no payload is a protocol violation [MQTT-3.8.3-3]
	if len(pkt.Subscriptions) == 0 {
		return fmt.Errorf("subscribe request with empty sub list")
	}
	suback := packet.NewSuback()
	suback.ID = pkt.ID
	suback.ReturnCodes = make([]packet.QOS, 0, len(pkt.Subscriptions))
	retained := make([]*packet.Message, 0)
	for _, s := range pkt.Subscriptions {
		sub := &subscription{pattern: s.Topic, client: c.id, qos: s.QOS}
		if sub.qos > packet.QOSAtLeastOnce {
			sub.qos = packet.QOSAtLeastOnce
		}
		b.subs.Add(sub.pattern, sub)
		suback.ReturnCodes = append(suback.ReturnCodes, sub.qos)
		for _, v := range b.retain.Search(sub.pattern) {
			msg := v.(*packet.Message).Copy()
			if sub.qos < msg.QOS {
				msg.QOS = sub.qos
			}
			retained = append(retained, msg)
		}
	}
	if err := c.Send(suback); err != nil {
		return errors.Annotate(err, "subscribe")
	}
	for _, msg := range retained {
		id := b.NextID()
		msg := msg
		go func() { _ = c.Publish(b.ctx, id, msg) }()
	}
	return nil
}

func (b *Broker) unsubscribe(c *brokerConn, topics []string) {
	for _, t := range topics {
		for _, value := range b.subs.Get(t) {
			if sub := value.(*subscription); sub.client == c.id {
				b.subs.Remove(t, value)
			}
		}
	}
}
