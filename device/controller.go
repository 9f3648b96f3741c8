package device

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/imulink/discovery"
	"github.com/temoto/imulink/hardware/gpio"
	"github.com/temoto/imulink/hardware/imu"
	"github.com/temoto/imulink/helpers"
	"github.com/temoto/imulink/log2"
	"github.com/temoto/imulink/state"
	"github.com/temoto/imulink/tele"
	telenet "github.com/temoto/imulink/tele/net"
)

const (
	DefaultBasePort       = 4210
	DefaultFleetSize      = 4
	DefaultConnectTimeout = 30 * time.Second
	DefaultPingTimeout    = 10 * time.Second
	DefaultTick           = 5 * time.Millisecond
	DefaultRate           = 20
	DefaultSetupListen    = ":80"

	sendTimeout = 100 * time.Millisecond
)

type ListenFunc func(port int) (telenet.Channel, error)
type AdvertiserFunc func(name string, port int, text map[string]string) discovery.Advertiser

type Options struct {
	Config  state.DeviceConfig
	Log     *log2.Log
	MAC     net.HardwareAddr
	Network Network
	Store   CredentialStore
	Sensor  imu.Sensor
	// nil Button and LED are valid, device without reset button or indicator
	Button gpio.Button
	LED    gpio.LED

	Listen      ListenFunc
	Advertiser  AdvertiserFunc
	Provisioner *Provisioner
	// overrides Config.ConnectTimeoutSec
	ConnectTimeout time.Duration
}

// Controller runs single cooperative loop, see Tick.
// Only connection attempt blocks and only on mode transitions.
type Controller struct {
	opt  Options
	log  *log2.Log
	st   State
	name string

	ch    telenet.Channel
	pump  *telenet.Pump
	adv   discovery.Advertiser
	reset *ResetWatcher
	led   *Blinker
	prov  *Provisioner
	apUp  bool
	apIP  net.IP

	lastError atomic.Value // string, set from any goroutine via log hook

	tick           time.Duration
	pingTimeout    time.Duration
	statusInterval time.Duration
	connectTimeout time.Duration
	basePort       int
	fleetSize      int
}

func NewController(opt Options) *Controller {
	cfg := opt.Config
	c := &Controller{
		opt:            opt,
		name:           SetupSSID(opt.MAC),
		tick:           helpers.IntMillisecondDefault(cfg.TickMs, DefaultTick),
		pingTimeout:    helpers.IntSecondDefault(cfg.PingTimeoutSec, DefaultPingTimeout),
		statusInterval: helpers.IntMillisecondDefault(cfg.StatusIntervalMs, 0),
		connectTimeout: helpers.IntSecondDefault(cfg.ConnectTimeoutSec, DefaultConnectTimeout),
		basePort:       cfg.BasePort,
		fleetSize:      cfg.FleetSize,
	}
	if opt.ConnectTimeout > 0 {
		c.connectTimeout = opt.ConnectTimeout
	}
	if c.basePort == 0 {
		c.basePort = DefaultBasePort
	}
	if c.fleetSize == 0 {
		c.fleetSize = DefaultFleetSize
	}
	level := log2.LInfo
	if cfg.LogDebug {
		level = log2.LDebug
	}
	c.log = opt.Log.Clone(level)
	c.log.SetErrorFunc(func(e error) { c.lastError.Store(e.Error()) })
	c.lastError.Store("")

	if c.opt.Listen == nil {
		log := c.log
		c.opt.Listen = func(port int) (telenet.Channel, error) {
			return telenet.ListenUDP(fmt.Sprintf(":%d", port), telenet.UDPOptions{Log: log})
		}
	}
	if c.opt.Advertiser == nil {
		log := c.log
		c.opt.Advertiser = func(name string, port int, text map[string]string) discovery.Advertiser {
			return discovery.NewDNSSDAdvertiser(name, discovery.DefaultService, port, text, log)
		}
	}
	if c.opt.Provisioner == nil {
		c.opt.Provisioner = NewProvisioner(c.log)
	}
	if c.opt.Network == nil {
		c.opt.Network = StaticNetwork{}
	}
	c.prov = c.opt.Provisioner
	c.reset = NewResetWatcher(opt.Button, time.Duration(cfg.ResetHoldMs)*time.Millisecond, c.log)
	c.led = NewBlinker(opt.LED, c.log)
	c.st.Rate = DefaultRate
	return c
}

// State is for tests and diagnostics, must be called from loop goroutine.
func (c *Controller) State() *State { return &c.st }

// Boot loads credentials and either connects or enters Setup.
func (c *Controller) Boot(ctx context.Context) error {
	c.st.Boot = time.Now()
	creds, err := c.opt.Store.Load()
	if err != nil {
		c.log.Errorf("boot credentials err=%v", err)
		creds = Credentials{}
	}
	if creds.Empty() {
		c.log.Infof("boot not configured")
		c.enterSetup(ctx)
		return ctx.Err()
	}
	c.st.Credentials = creds
	c.st.Configured = true
	if err := c.connect(ctx); err != nil {
		c.log.Error(err)
	}
	return ctx.Err()
}

func (c *Controller) Run(ctx context.Context) error {
	if err := c.Boot(ctx); err != nil {
		c.Close()
		return errors.Trace(err)
	}
	tmr := time.NewTicker(c.tick)
	defer tmr.Stop()
	for {
		select {
		case now := <-tmr.C:
			c.Tick(ctx, now)
		case <-ctx.Done():
			c.Close()
			return nil
		}
	}
}

// Tick: reset button, provisioning, one command, liveness, sampling, LED.
func (c *Controller) Tick(ctx context.Context, now time.Time) {
	if c.reset.Check(now) {
		c.log.Infof("reset button held, clear credentials")
		if err := c.opt.Store.Clear(); err != nil {
			c.log.Errorf("reset clear err=%v", err)
		}
		c.st.Reset()
		c.enterSetup(ctx)
	}

	select {
	case req := <-c.prov.requests:
		c.provision(ctx, req)
	default:
	}

	if c.st.Mode == ModeNormal && c.pump != nil {
		if d, ok := c.pump.Poll(); ok {
			c.handle(ctx, d, now)
		}
		c.checkLiveness(now)
		c.sample(ctx, now)
		c.periodicStatus(ctx, now)
	}

	c.st.LastError = c.lastError.Load().(string)
	c.st.LED = PatternFor(c.st.Mode, c.st.Connected, c.st.Connecting)
	c.led.Update(now, c.st.LED)
	c.prov.PublishStatus(c.Status(now))
}

func (c *Controller) Close() {
	c.stopNormal()
	c.stopSetup(context.Background())
	c.led.Update(time.Now(), PatternOff)
}

// connect associates with stored network, retries with backoff until timeout.
// Failure clears credentials and enters Setup, device must stay reachable.
func (c *Controller) connect(ctx context.Context) error {
	c.st.Connecting = true
	c.led.Update(time.Now(), PatternOff)
	defer func() { c.st.Connecting = false }()

	creds := c.st.Credentials
	actx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()
	backoff := helpers.Backoff{Min: 500 * time.Millisecond, Max: 5 * time.Second, K: 2}
	var ip net.IP
	var err error
	for {
		ip, err = c.opt.Network.Associate(actx, creds)
		if err == nil {
			break
		}
		c.log.Debugf("connect ssid=%s err=%v", creds.SSID, err)
		backoff.Failure()
		if !backoff.Sleep(actx.Done()) || actx.Err() != nil {
			break
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if cerr := c.opt.Store.Clear(); cerr != nil {
			c.log.Errorf("connect clear credentials err=%v", cerr)
		}
		c.st.Reset()
		c.enterSetup(ctx)
		return errors.Annotatef(err, "connect ssid=%s timeout=%v", creds.SSID, c.connectTimeout)
	}

	c.stopSetup(ctx)
	if err = c.startNormal(ip); err != nil {
		// keep credentials, setup access point is still a way in
		c.enterSetup(ctx)
		return errors.Trace(err)
	}
	c.log.Infof("connected ssid=%s ip=%s port=%d", creds.SSID, ip, c.st.Port)
	return nil
}

func (c *Controller) startNormal(ip net.IP) error {
	port := ListenPort(c.opt.MAC, c.basePort, c.fleetSize)
	ch, err := c.opt.Listen(port)
	if err != nil {
		return errors.Annotatef(err, "listen port=%d", port)
	}
	c.ch = ch
	c.pump = telenet.NewPump(ch, telenet.DefaultInboxSize, c.log)
	c.adv = c.opt.Advertiser(c.name, port, map[string]string{
		"mac":  formatMAC(c.opt.MAC),
		"type": c.opt.Config.DeviceType,
	})
	if err := c.adv.Start(); err != nil {
		c.log.Errorf("advertise err=%v", err)
	}
	c.st.Mode = ModeNormal
	c.st.Connected = false
	c.st.LastPing = time.Time{}
	c.st.LocalIP = ip
	c.st.Port = port
	return nil
}

func (c *Controller) stopNormal() {
	if c.pump != nil {
		c.pump.Stop()
		if err := c.ch.Close(); err != nil {
			c.log.Errorf("close channel err=%v", err)
		}
		c.pump.Wait()
		c.pump, c.ch = nil, nil
	}
	if c.adv != nil {
		c.adv.Stop()
		c.adv = nil
	}
}

func (c *Controller) enterSetup(ctx context.Context) {
	c.stopNormal()
	c.st.Mode = ModeSetup
	c.st.Connected = false
	c.st.Streaming = false
	c.st.Peer = nil
	c.st.Port = 0

	ssid := c.name
	if !c.apUp {
		ip, err := c.opt.Network.StartAP(ctx, ssid)
		if err != nil {
			c.log.Errorf("setup access point err=%v", err)
		} else {
			c.apUp = true
			c.apIP = ip
		}
	}
	if c.apUp {
		c.st.LocalIP = c.apIP
	}
	url := ""
	if c.st.LocalIP != nil {
		url = "http://" + net.JoinHostPort(c.st.LocalIP.String(), listenPort(c.setupListen())) + "/"
	}
	c.prov.SetJoin(ssid, url)
	if err := c.prov.Start(c.setupListen()); err != nil {
		c.log.Errorf("setup provisioning err=%v", err)
	}
	c.log.Infof("setup mode ssid=%s url=%s", ssid, url)
}

func (c *Controller) stopSetup(ctx context.Context) {
	c.prov.Stop()
	if c.apUp {
		if err := c.opt.Network.StopAP(ctx); err != nil {
			c.log.Errorf("setup stop err=%v", err)
		}
		c.apUp = false
	}
}

func (c *Controller) setupListen() string {
	if c.opt.Config.SetupListen == "" {
		return DefaultSetupListen
	}
	return c.opt.Config.SetupListen
}

func listenPort(listen string) string {
	_, port, err := net.SplitHostPort(listen)
	if err != nil || port == "" || port == "0" {
		return "80"
	}
	return port
}

// provision persists credentials, acknowledges and reconnects in place.
func (c *Controller) provision(ctx context.Context, req provisionRequest) {
	err := c.opt.Store.Store(req.creds)
	req.reply <- err
	if err != nil {
		c.log.Errorf("provision store err=%v", err)
		return
	}
	c.st.Credentials = req.creds
	c.st.Configured = true
	if err := c.connect(ctx); err != nil {
		c.log.Error(err)
	}
}

func (c *Controller) handle(ctx context.Context, d telenet.Datagram, now time.Time) {
	c.st.Peer = d.Addr
	cmd, err := tele.ParseCommand(d.Data)
	if err != nil {
		c.log.Debugf("command from=%s err=%v", d.Addr, err)
		return
	}
	c.log.Debugf("command from=%s %s", d.Addr, cmd)
	switch cmd.Name {
	case tele.CmdPing:
		// second ping within window confirms link
		if !c.st.Connected && !c.st.LastPing.IsZero() && now.Sub(c.st.LastPing) < c.pingTimeout {
			c.st.Connected = true
			c.adv.Stop()
			c.log.Infof("peer connected %s", d.Addr)
		}
		c.st.LastPing = now

	case tele.CmdGetStatus:
		c.sendStatus(ctx, now)

	case tele.CmdStartStreaming:
		c.st.Streaming = true

	case tele.CmdStopStreaming:
		c.st.Streaming = false

	case tele.CmdSetSamplingRate:
		n, err := cmd.IntArg()
		if err != nil {
			c.log.Errorf("command %s err=%v", cmd, err)
			return
		}
		c.st.Rate = n

	default:
		c.log.Infof("command unknown %q ignored", cmd.String())
	}
}

func (c *Controller) checkLiveness(now time.Time) {
	if c.st.Connected && now.Sub(c.st.LastPing) >= c.pingTimeout {
		c.st.Connected = false
		c.log.Infof("peer lost, no ping for %v", now.Sub(c.st.LastPing))
		if err := c.adv.Start(); err != nil {
			c.log.Errorf("advertise err=%v", err)
		}
	}
}

// SampleInterval returns false for non-positive rate, such rate means no sampling.
func SampleInterval(rate int) (time.Duration, bool) {
	if rate <= 0 {
		return 0, false
	}
	return time.Second / time.Duration(rate), true
}

// sample emits at most one frame, next due time is computed from rate
// at each emission so rate change applies to next interval.
func (c *Controller) sample(ctx context.Context, now time.Time) {
	if !c.st.Streaming || c.st.Peer == nil {
		return
	}
	interval, ok := SampleInterval(c.st.Rate)
	if !ok || now.Before(c.st.nextSample) {
		return
	}
	c.st.nextSample = now.Add(interval)
	s, err := c.opt.Sensor.Read()
	if err != nil {
		c.log.Errorf("sensor=%s err=%v", c.opt.Sensor, err)
		return
	}
	f := tele.Frame{Accel: s.Accel, Gyro: s.Gyro, Mag: s.Mag, Timestamp: helpers.MillisSince(c.st.Boot, now)}
	c.send(ctx, tele.EncodeFrame(f))
}

func (c *Controller) periodicStatus(ctx context.Context, now time.Time) {
	if c.statusInterval <= 0 || c.st.Peer == nil || now.Before(c.st.nextStatus) {
		return
	}
	c.sendStatus(ctx, now)
}

func (c *Controller) sendStatus(ctx context.Context, now time.Time) {
	b, err := tele.EncodeStatus(c.Status(now))
	if err != nil {
		c.log.Errorf("status err=%v", err)
		return
	}
	c.send(ctx, b)
	if c.statusInterval > 0 {
		c.st.nextStatus = now.Add(c.statusInterval)
	}
}

func (c *Controller) send(ctx context.Context, b []byte) {
	if c.ch == nil || c.st.Peer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := c.ch.Send(ctx, c.st.Peer, b); err != nil {
		if telenet.IsTransient(err) {
			c.log.Debugf("send err=%v", err)
		} else {
			c.log.Errorf("send err=%v", err)
		}
	}
}

// Status snapshot as reported to host and provisioning page.
func (c *Controller) Status(now time.Time) tele.Status {
	s := tele.Status{
		Port:         c.st.Port,
		Streaming:    c.st.Streaming,
		SamplingRate: c.st.Rate,
		Connected:    c.st.Connected,
		Mode:         c.st.Mode.String(),
		MAC:          formatMAC(c.opt.MAC),
		DeviceType:   c.opt.Config.DeviceType,
		LastError:    c.st.LastError,
	}
	if c.st.LocalIP != nil {
		s.IP = c.st.LocalIP.String()
	}
	if c.st.Peer != nil {
		s.RemoteIP = peerIP(c.st.Peer)
	}
	if !c.st.LastPing.IsZero() {
		s.LastConnection = int64(now.Sub(c.st.LastPing) / time.Millisecond)
	}
	return s
}

func peerIP(a net.Addr) string {
	if ua, ok := a.(*net.UDPAddr); ok {
		return ua.IP.String()
	}
	if host, _, err := net.SplitHostPort(a.String()); err == nil {
		return host
	}
	return a.String()
}
