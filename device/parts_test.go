package device

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/imulink/log2"
	"github.com/temoto/imulink/tele"
)

func TestPatternFor(t *testing.T) {
	t.Parallel()

	cases := []struct {
		mode       Mode
		connected  bool
		connecting bool
		expect     Pattern
	}{
		{ModeSetup, false, false, PatternFastBlink},
		{ModeSetup, true, false, PatternFastBlink},
		{ModeNormal, false, false, PatternSlowBlink},
		{ModeNormal, true, false, PatternSolid},
		{ModeNormal, false, true, PatternOff},
		{ModeSetup, false, true, PatternOff},
	}
	for _, c := range cases {
		c := c
		t.Run(fmt.Sprintf("%s/%t/%t", c.mode, c.connected, c.connecting), func(t *testing.T) {
			assert.Equal(t, c.expect, PatternFor(c.mode, c.connected, c.connecting))
		})
	}
}

func TestBlinker(t *testing.T) {
	t.Parallel()

	led := &fakeLED{}
	b := NewBlinker(led, log2.NewTest(t, log2.LDebug))
	now := time.Now()
	b.Update(now, PatternFastBlink)
	assert.True(t, b.On())
	b.Update(now.Add(50*time.Millisecond), PatternFastBlink)
	assert.True(t, b.On())
	b.Update(now.Add(100*time.Millisecond), PatternFastBlink)
	assert.False(t, b.On())
	b.Update(now.Add(150*time.Millisecond), PatternFastBlink)
	assert.False(t, b.On())
	b.Update(now.Add(200*time.Millisecond), PatternFastBlink)
	assert.True(t, b.On())

	b.Update(now.Add(210*time.Millisecond), PatternSolid)
	b.Update(now.Add(5*time.Second), PatternSolid)
	assert.True(t, b.On())
	b.Update(now.Add(6*time.Second), PatternSlowBlink)
	b.Update(now.Add(6500*time.Millisecond), PatternSlowBlink)
	assert.True(t, b.On())
	b.Update(now.Add(7*time.Second), PatternSlowBlink)
	assert.False(t, b.On())
	b.Update(now.Add(8*time.Second), PatternOff)
	assert.False(t, b.On())
	// output written only on change
	assert.Equal(t, []bool{true, false, true, false}, led.levels)

	// nil LED only tracks level
	nb := NewBlinker(nil, nil)
	nb.Update(now, PatternSolid)
	assert.True(t, nb.On())
}

func TestResetWatcher(t *testing.T) {
	t.Parallel()

	type step struct {
		at      time.Duration
		pressed bool
		fire    bool
	}
	cases := []struct {
		name  string
		steps []step
	}{
		{"short", []step{{0, true, false}, {4 * time.Second, true, false}, {4500 * time.Millisecond, false, false}, {10 * time.Second, false, false}}},
		{"long", []step{{0, true, false}, {5 * time.Second, true, true}, {6 * time.Second, true, false}, {60 * time.Second, true, false}}},
		{"interrupted", []step{{0, true, false}, {3 * time.Second, false, false}, {4 * time.Second, true, false}, {8 * time.Second, true, false}, {9 * time.Second, true, true}}},
		{"twice", []step{{0, true, false}, {5 * time.Second, true, true}, {6 * time.Second, false, false}, {7 * time.Second, true, false}, {12 * time.Second, true, true}}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			b := &fakeButton{}
			w := NewResetWatcher(b, 0, log2.NewTest(t, log2.LDebug))
			begin := time.Now()
			for _, s := range c.steps {
				b.pressed = s.pressed
				assert.Equal(t, s.fire, w.Check(begin.Add(s.at)), "at=%v", s.at)
			}
		})
	}

	var nilWatcher *ResetWatcher
	assert.False(t, nilWatcher.Check(time.Now()))
	assert.False(t, NewResetWatcher(nil, time.Second, nil).Check(time.Now()))
}

func TestSetupSSIDPort(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "imulink-DDEE01", SetupSSID(testMAC))
	assert.Equal(t, "imulink-000000", SetupSSID(nil))
	cases := []struct {
		last   byte
		expect int
	}{{0x00, 4210}, {0x01, 4211}, {0x06, 4212}, {0xff, 4213}}
	for _, c := range cases {
		mac := net.HardwareAddr{0, 0, 0, 0, 0, c.last}
		assert.Equal(t, c.expect, ListenPort(mac, 4210, 4), "last=%02x", c.last)
	}
	assert.Equal(t, 4210, ListenPort(testMAC, 4210, 1))
	assert.Equal(t, 4210, ListenPort(nil, 4210, 4))
}

func TestSampleInterval(t *testing.T) {
	t.Parallel()

	cases := []struct {
		rate   int
		expect time.Duration
		ok     bool
	}{
		{0, 0, false},
		{-1, 0, false},
		{1, time.Second, true},
		{20, 50 * time.Millisecond, true},
		{1000, time.Millisecond, true},
	}
	for _, c := range cases {
		d, ok := SampleInterval(c.rate)
		assert.Equal(t, c.ok, ok, "rate=%d", c.rate)
		assert.Equal(t, c.expect, d, "rate=%d", c.rate)
	}
}

func TestCredentials(t *testing.T) {
	t.Parallel()

	cases := []struct {
		c     Credentials
		valid bool
	}{
		{Credentials{SSID: "Home", Password: "secret123"}, true},
		{Credentials{SSID: "Cafe"}, true},
		{Credentials{Password: "secret123"}, false},
		{Credentials{SSID: "Home", Password: "short"}, false},
		{Credentials{SSID: strings.Repeat("x", 33)}, false},
		{Credentials{SSID: "Home", Password: strings.Repeat("x", 64)}, false},
	}
	for _, c := range cases {
		err := c.c.Validate()
		assert.Equal(t, c.valid, err == nil, "input=%#v err=%v", c.c, err)
	}

	b, err := homeCreds.MarshalBinary()
	require.NoError(t, err)
	var c2 Credentials
	require.NoError(t, c2.UnmarshalBinary(b))
	assert.Equal(t, homeCreds, c2)
	require.NoError(t, c2.UnmarshalBinary(nil))
	assert.True(t, c2.Empty())
	assert.Error(t, c2.UnmarshalBinary([]byte("{")))
}

func TestPersistStore(t *testing.T) {
	t.Parallel()

	dir, err := ioutil.TempDir("", "imulink-device-")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	log := log2.NewTest(t, log2.LDebug)

	s1, err := NewPersistStore(dir, log)
	require.NoError(t, err)
	c, err := s1.Load()
	require.NoError(t, err)
	assert.True(t, c.Empty())
	require.NoError(t, s1.Store(homeCreds))

	s2, err := NewPersistStore(dir, log)
	require.NoError(t, err)
	c, err = s2.Load()
	require.NoError(t, err)
	assert.Equal(t, homeCreds, c)
	require.NoError(t, s2.Clear())

	s3, err := NewPersistStore(dir, log)
	require.NoError(t, err)
	c, err = s3.Load()
	require.NoError(t, err)
	assert.True(t, c.Empty())

	// shorter record over longer one, clear without prior load
	short := Credentials{SSID: "ab"}
	require.NoError(t, s3.Store(homeCreds))
	require.NoError(t, s3.Store(short))
	s4, err := NewPersistStore(dir, log)
	require.NoError(t, err)
	c, err = s4.Load()
	require.NoError(t, err)
	assert.Equal(t, short, c)
	s5, err := NewPersistStore(dir, log)
	require.NoError(t, err)
	require.NoError(t, s5.Clear())
	c, err = s4.Load()
	require.NoError(t, err)
	assert.True(t, c.Empty())

	_, err = NewPersistStore("", log)
	assert.Error(t, err)
}

func TestNmcliNetwork(t *testing.T) {
	t.Parallel()

	var calls []string
	n := NewNmcliNetwork("wlan0", log2.NewTest(t, log2.LDebug))
	n.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		call := name + " " + strings.Join(args, " ")
		calls = append(calls, call)
		if strings.Contains(call, "connect Bad") {
			return nil, fmt.Errorf("exit status 10")
		}
		return nil, nil
	}
	n.addrOf = func(string) (net.IP, error) { return net.IPv4(10, 42, 0, 1), nil }

	ip, err := n.Associate(context.Background(), homeCreds)
	require.NoError(t, err)
	assert.Equal(t, "10.42.0.1", ip.String())
	_, err = n.Associate(context.Background(), Credentials{SSID: "Bad"})
	assert.Error(t, err)
	_, err = n.StartAP(context.Background(), "imulink-DDEE01")
	require.NoError(t, err)
	require.NoError(t, n.StopAP(context.Background()))

	assert.Equal(t, []string{
		"nmcli device wifi connect Home password secret123 ifname wlan0",
		"nmcli device wifi connect Bad ifname wlan0",
		"nmcli connection delete imulink-setup",
		"nmcli connection add type wifi ifname wlan0 con-name imulink-setup autoconnect no ssid imulink-DDEE01 802-11-wireless.mode ap ipv4.method shared",
		"nmcli connection up imulink-setup",
		"nmcli connection down imulink-setup",
	}, calls)
}

func TestProvisionerHandler(t *testing.T) {
	t.Parallel()

	p := NewProvisioner(log2.NewTest(t, log2.LDebug))
	h := p.Handler()

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		code   int
		expect string
	}{
		{"get-wifi", http.MethodGet, "/api/wifi", "", http.StatusMethodNotAllowed, `"success":false`},
		{"bad-json", http.MethodPost, "/api/wifi", "ssid=Home", http.StatusBadRequest, `{"success":false,"error":"credentials JSON not valid"}`},
		{"no-ssid", http.MethodPost, "/api/wifi", `{"ssid":""}`, http.StatusBadRequest, `ssid empty not valid`},
		{"status", http.MethodGet, "/api/status", "", http.StatusOK, `"mode":"normal"`},
		{"qr-empty", http.MethodGet, "/setup.png", "", http.StatusNotFound, ""},
	}
	p.PublishStatus(tele.Status{Mode: tele.ModeNormal, Port: 4211})
	for _, c := range cases {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(c.method, c.path, bytes.NewBufferString(c.body)))
		assert.Equal(t, c.code, w.Code, c.name)
		assert.Contains(t, w.Body.String(), c.expect, c.name)
	}

	p.SetJoin("imulink-DDEE01", "http://10.42.0.1:80/")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/setup.png", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("\x89PNG")))

	// nobody consumes requests: second one is busy
	p.requests <- provisionRequest{reply: make(chan error, 1)}
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/wifi", bytes.NewBufferString(`{"ssid":"Home","password":"secret123"}`)))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestJoinText(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "WIFI:T:nopass;S:imulink-DDEE01;;", JoinText("imulink-DDEE01", ""))
	s, err := QRText(JoinText("imulink-DDEE01", "http://10.42.0.1/"))
	require.NoError(t, err)
	assert.NotEmpty(t, s)
}

func TestProvisionerServe(t *testing.T) {
	t.Parallel()

	p := NewProvisioner(log2.NewTest(t, log2.LDebug))
	require.NoError(t, p.Start("127.0.0.1:0"))
	assert.True(t, p.Running())
	require.NoError(t, p.Start("127.0.0.1:0"))
	p.Stop()
	assert.False(t, p.Running())
	p.Stop()
}
