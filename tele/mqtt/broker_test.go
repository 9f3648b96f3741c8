package telemqtt

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/imulink/log2"
	"github.com/temoto/imulink/tele"
)

const testTimeout = 2 * time.Second

func newTestBroker(t testing.TB) (*Broker, string) {
	b := NewBroker(BrokerOptions{
		Log:            log2.NewTest(t, log2.LDebug),
		NetworkTimeout: testTimeout,
	})
	require.NoError(t, b.Listen(context.Background(), "tcp://127.0.0.1:0"))
	t.Cleanup(func() { assert.NoError(t, b.Close()) })
	addrs := b.Addrs()
	require.Len(t, addrs, 1)
	return b, addrs[0]
}

type subscriber struct {
	sync.Mutex
	m    mqtt.Client
	msgs map[string][]string
}

func newSubscriber(t testing.TB, addr, clientID, pattern string) *subscriber {
	s := &subscriber{msgs: make(map[string][]string)}
	opt := mqtt.NewClientOptions().
		AddBroker("tcp://" + addr).
		SetClientID(clientID).
		SetConnectTimeout(testTimeout)
	s.m = mqtt.NewClient(opt)
	tok := s.m.Connect()
	require.True(t, tok.WaitTimeout(testTimeout))
	require.NoError(t, tok.Error())
	tok = s.m.Subscribe(pattern, 1, func(_ mqtt.Client, msg mqtt.Message) {
		s.Lock()
		s.msgs[msg.Topic()] = append(s.msgs[msg.Topic()], string(msg.Payload()))
		s.Unlock()
	})
	require.True(t, tok.WaitTimeout(testTimeout))
	require.NoError(t, tok.Error())
	t.Cleanup(func() { s.m.Disconnect(10) })
	return s
}

func (s *subscriber) get(topic string) []string {
	s.Lock()
	defer s.Unlock()
	return append([]string(nil), s.msgs[topic]...)
}

func TestBrokerHandshake(t *testing.T) {
	t.Parallel()

	_, addr := newTestBroker(t)
	cases := []struct {
		name     string
		clientID string
		expect   packet.ConnackCode
	}{
		{"empty-clientid", "", packet.IdentifierRejected},
		{"accepted", "cli", packet.ConnectionAccepted},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			conn, err := transport.Dial("tcp://" + addr)
			require.NoError(t, err)
			defer conn.Close()
			conn.SetReadTimeout(testTimeout)
			connect := packet.NewConnect()
			connect.ClientID = c.clientID
			require.NoError(t, conn.Send(connect, false))
			pkt, err := conn.Receive()
			require.NoError(t, err)
			connack, ok := pkt.(*packet.Connack)
			require.True(t, ok, PacketString(pkt))
			assert.Equal(t, c.expect, connack.ReturnCode)
		})
	}
}

func TestBrokerRetainedAndWill(t *testing.T) {
	t.Parallel()

	b, addr := newTestBroker(t)
	ctx := context.Background()
	// no subscribers yet
	require.NoError(t, b.Publish(ctx, "p/status", []byte(`{"mode":"setup"}`), true))
	require.NoError(t, b.Publish(ctx, "p/telemetry", []byte("lost"), false))

	sub := newSubscriber(t, addr, "sub", "p/#")
	require.Eventually(t, func() bool { return len(sub.get("p/status")) == 1 }, testTimeout, 5*time.Millisecond)
	assert.Equal(t, []string{`{"mode":"setup"}`}, sub.get("p/status"))
	assert.Empty(t, sub.get("p/telemetry"))

	// client dropped without DISCONNECT
	conn, err := transport.Dial("tcp://" + addr)
	require.NoError(t, err)
	connect := packet.NewConnect()
	connect.ClientID = "dying"
	connect.Will = &packet.Message{Topic: "p/state", Payload: []byte("offline"), QOS: packet.QOSAtLeastOnce, Retain: true}
	require.NoError(t, conn.Send(connect, false))
	_, err = conn.Receive()
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return len(sub.get("p/state")) == 1 }, testTimeout, 5*time.Millisecond)
	assert.Equal(t, "offline", sub.get("p/state")[0])
}

func TestMirrorThroughBroker(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		pub  func(t testing.TB, b *Broker, addr string) Publisher
	}{
		{"embedded", func(t testing.TB, b *Broker, addr string) Publisher { return b }},
		{"paho", func(t testing.TB, b *Broker, addr string) Publisher { return newTestPaho(t, addr, testTimeout) }},
		// half of timeout is below paho minimum keepalive
		{"paho-3s", func(t testing.TB, b *Broker, addr string) Publisher { return newTestPaho(t, addr, 3*time.Second) }},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			b, addr := newTestBroker(t)
			sub := newSubscriber(t, addr, "sub", "imu1/#")
			m := newTestMirror(t, c.pub(t, b, addr))

			frames := []tele.Frame{{Timestamp: 1}, {Timestamp: 2}, {Timestamp: 3}}
			for _, f := range frames {
				m.OnTelemetry(f)
			}
			m.OnDisconnected()

			require.Eventually(t, func() bool { return len(sub.get("imu1/state")) == 2 }, testTimeout, 5*time.Millisecond)
			assert.Equal(t, []string{StateOnline, StateDisconnected}, sub.get("imu1/state"))
			got := sub.get("imu1/telemetry")
			require.Len(t, got, len(frames))
			for i, f := range frames {
				assert.Equal(t, string(tele.EncodeFrame(f)), got[i])
			}
		})
	}
}

func newTestPaho(t testing.TB, addr string, timeout time.Duration) *PahoPublisher {
	p := NewPahoPublisher(PahoOptions{
		Log:            log2.NewTest(t, log2.LDebug),
		BrokerURL:      "tcp://" + addr,
		ClientID:       "imuhost",
		TopicPrefix:    "imu1",
		NetworkTimeout: timeout,
	})
	t.Cleanup(func() { assert.NoError(t, p.Close()) })
	return p
}

func TestPahoKeepalive(t *testing.T) {
	t.Parallel()

	cases := []struct {
		keepalive time.Duration
		timeout   time.Duration
		expect    time.Duration
	}{
		{0, DefaultNetworkTimeout, 15 * time.Second},
		{0, 3 * time.Second, 2 * time.Second},
		{0, time.Second, 2 * time.Second},
		{time.Second, DefaultNetworkTimeout, 2 * time.Second},
		{5500 * time.Millisecond, time.Second, 5 * time.Second},
	}
	for _, c := range cases {
		c := c
		t.Run(c.keepalive.String()+"/"+c.timeout.String(), func(t *testing.T) {
			assert.Equal(t, c.expect, keepaliveFor(c.keepalive, c.timeout))
		})
	}
}
