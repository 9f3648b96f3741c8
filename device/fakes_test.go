package device

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/temoto/imulink/discovery"
	"github.com/temoto/imulink/hardware/imu"
	"github.com/temoto/imulink/log2"
	"github.com/temoto/imulink/state"
	"github.com/temoto/imulink/tele"
	telenet "github.com/temoto/imulink/tele/net"
)

type fakeNetwork struct {
	sync.Mutex
	assocErr error
	assoc    []Credentials
	apSSID   string
	apUp     bool
}

func (n *fakeNetwork) Associate(ctx context.Context, c Credentials) (net.IP, error) {
	n.Lock()
	defer n.Unlock()
	n.assoc = append(n.assoc, c)
	if n.assocErr != nil {
		return nil, n.assocErr
	}
	return net.IPv4(192, 168, 1, 50).To4(), nil
}

func (n *fakeNetwork) StartAP(ctx context.Context, ssid string) (net.IP, error) {
	n.Lock()
	defer n.Unlock()
	n.apSSID, n.apUp = ssid, true
	return net.IPv4(10, 42, 0, 1).To4(), nil
}

func (n *fakeNetwork) StopAP(context.Context) error {
	n.Lock()
	defer n.Unlock()
	n.apUp = false
	return nil
}

type fakeAdvertiser struct {
	active bool
	starts int
	stops  int
	port   int
	text   map[string]string
}

func (a *fakeAdvertiser) Start() error {
	a.active = true
	a.starts++
	return nil
}

func (a *fakeAdvertiser) Stop() {
	a.active = false
	a.stops++
}

func (a *fakeAdvertiser) Active() bool { return a.active }

type memStore struct {
	sync.Mutex
	c       Credentials
	cleared int
	err     error
}

func (s *memStore) Load() (Credentials, error) { return s.get(), nil }

func (s *memStore) Store(c Credentials) error {
	s.Lock()
	defer s.Unlock()
	if s.err != nil {
		return s.err
	}
	s.c = c
	return nil
}

func (s *memStore) Clear() error {
	s.Lock()
	defer s.Unlock()
	s.c = Credentials{}
	s.cleared++
	return nil
}

func (s *memStore) get() Credentials {
	s.Lock()
	defer s.Unlock()
	return s.c
}

type fakeButton struct{ pressed bool }

func (b *fakeButton) Pressed() (bool, error) { return b.pressed, nil }
func (b *fakeButton) Close() error           { return nil }

type fakeLED struct{ levels []bool }

func (l *fakeLED) Set(on bool) error { l.levels = append(l.levels, on); return nil }
func (l *fakeLED) Close() error      { return nil }

type fakeSensor struct {
	sample imu.Sample
	err    error
}

func (s *fakeSensor) Read() (imu.Sample, error) { return s.sample, s.err }
func (s *fakeSensor) Close() error              { return nil }
func (s *fakeSensor) String() string            { return "fake" }

type env struct {
	c      *Controller
	net    *fakeNetwork
	adv    *fakeAdvertiser
	store  *memStore
	button *fakeButton
	led    *fakeLED
	sensor *fakeSensor
	host   *telenet.PipeChannel
	ports  []int
	now    time.Time
}

var testMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0xdd, 0xee, 0x01}

func newEnv(t testing.TB, creds Credentials, tweak func(*Options)) *env {
	e := &env{
		net:    &fakeNetwork{},
		adv:    &fakeAdvertiser{},
		store:  &memStore{c: creds},
		button: &fakeButton{},
		led:    &fakeLED{},
		sensor: &fakeSensor{sample: imu.Sample{Accel: [3]float32{0, 0, 9.80665}, Gyro: [3]float32{0.01, 0, 0}}},
	}
	opt := Options{
		Config: state.DeviceConfig{
			DeviceType:  "imu",
			SetupListen: "127.0.0.1:0",
		},
		Log:     log2.NewTest(t, log2.LDebug),
		MAC:     testMAC,
		Network: e.net,
		Store:   e.store,
		Sensor:  e.sensor,
		Button:  e.button,
		LED:     e.led,
		Listen: func(port int) (telenet.Channel, error) {
			e.ports = append(e.ports, port)
			h, d := telenet.NewPipe("host", fmt.Sprintf("device:%d", port))
			e.host = h
			return d, nil
		},
		Advertiser: func(name string, port int, text map[string]string) discovery.Advertiser {
			e.adv.port, e.adv.text = port, text
			return e.adv
		},
		ConnectTimeout: 50 * time.Millisecond,
	}
	if tweak != nil {
		tweak(&opt)
	}
	e.c = NewController(opt)
	require.NoError(t, e.c.Boot(context.Background()))
	e.now = time.Now()
	return e
}

func (e *env) close() { e.c.Close() }

func (e *env) tick(d time.Duration) {
	e.now = e.now.Add(d)
	e.c.Tick(context.Background(), e.now)
}

// cmd sends command and ticks once it reached device inbox.
func (e *env) cmd(t testing.TB, text string) {
	inbox := len(e.c.pump.C())
	require.NoError(t, e.host.Send(context.Background(), nil, []byte(text)))
	require.Eventually(t, func() bool { return len(e.c.pump.C()) > inbox }, time.Second, time.Millisecond)
	e.tick(time.Millisecond)
}

func (e *env) recv(t testing.TB) []byte {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := e.host.Receive(ctx)
	require.NoError(t, err)
	return d.Data
}

func (e *env) recvStatus(t testing.TB) tele.Status {
	b := e.recv(t)
	st, err := tele.DecodeStatus(b)
	require.NoError(t, err, "raw=%q", b)
	return st
}

func (e *env) pending() int {
	n := 0
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		_, err := e.host.Receive(ctx)
		cancel()
		if err != nil {
			return n
		}
		n++
	}
}
