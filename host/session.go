// Package host keeps liveness checked session with one remote device.
package host

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/imulink/log2"
	"github.com/temoto/imulink/tele"
	telenet "github.com/temoto/imulink/tele/net"
)

const (
	DefaultHeartbeat = 2 * time.Second
	DefaultLiveness  = 8 * time.Second
)

var (
	ErrNotListening = fmt.Errorf("session not listening")
	ErrClosed       = fmt.Errorf("session closed")
)

type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateListening
	StateDisconnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

type DialFunc func(ctx context.Context) (telenet.Channel, error)

type Options struct {
	Log       *log2.Log
	Heartbeat time.Duration
	Liveness  time.Duration
	// Listen is local UDP address for default Dial, empty means any port.
	Listen string
	// Dial binds local channel on Initialize.
	Dial DialFunc
}

// Session state is owned by single actor goroutine.
// Receive goroutine and heartbeat ticker feed it through channels,
// public methods are executed on actor via request closures.
type Session struct {
	alive  *alive.Alive
	log    *log2.Log
	opt    Options
	reqs   chan func()
	events chan recvEvent

	// actor owned
	state      State
	bind       *binding
	gen        uint64
	ticker     *time.Ticker
	status     *tele.Status
	raw        string
	lastStatus time.Time
	armed      time.Time
	observers  []Observer
}

type binding struct {
	gen    uint64
	ch     telenet.Channel
	remote net.Addr
	cancel context.CancelFunc
	done   chan struct{}
}

type recvEvent struct {
	gen uint64
	d   telenet.Datagram
	err error
}

func NewSession(opt Options) *Session {
	if opt.Heartbeat <= 0 {
		opt.Heartbeat = DefaultHeartbeat
	}
	if opt.Liveness <= 0 {
		opt.Liveness = DefaultLiveness
	}
	if opt.Dial == nil {
		listen := opt.Listen
		if listen == "" {
			listen = ":0"
		}
		log := opt.Log
		opt.Dial = func(context.Context) (telenet.Channel, error) {
			return telenet.ListenUDP(listen, telenet.UDPOptions{Log: log})
		}
	}
	s := &Session{
		alive:  alive.NewAlive(),
		log:    opt.Log,
		opt:    opt,
		reqs:   make(chan func()),
		events: make(chan recvEvent),
	}
	if s.alive.Add(1) {
		go s.run()
	}
	return s
}

// do executes f on actor goroutine and waits for it.
func (s *Session) do(f func()) error {
	done := make(chan struct{})
	select {
	case s.reqs <- func() { f(); close(done) }:
	case <-s.alive.StopChan():
		return ErrClosed
	}
	<-done
	return nil
}

func (s *Session) AddObserver(o Observer) {
	_ = s.do(func() { s.observers = append(s.observers, o) })
}

// Initialize binds local channel, sends ping and getStatus, arms heartbeat.
// Allowed from Idle and Disconnected states only.
func (s *Session) Initialize(ctx context.Context, remote net.Addr) error {
	if remote == nil {
		return errors.NotValidf("session remote address nil")
	}
	var err error
	if e := s.do(func() { err = s.initialize(ctx, remote) }); e != nil {
		return e
	}
	return err
}

func (s *Session) Ping() error           { return s.simple(tele.CmdPing) }
func (s *Session) GetStatus() error      { return s.simple(tele.CmdGetStatus) }
func (s *Session) StartStreaming() error { return s.simple(tele.CmdStartStreaming) }
func (s *Session) StopStreaming() error  { return s.simple(tele.CmdStopStreaming) }

// SetSamplingRate sends any integer, device decides what to do with it.
func (s *Session) SetSamplingRate(hz int) error { return s.command(tele.SetSamplingRate(hz)) }

func (s *Session) simple(name string) error { return s.command(tele.EncodeCommand(name)) }

func (s *Session) command(b []byte) error {
	var err error
	if e := s.do(func() { err = s.send(b) }); e != nil {
		return e
	}
	return err
}

func (s *Session) State() State {
	state := StateClosed
	_ = s.do(func() { state = s.state })
	return state
}

// Status returns copy of last parsed snapshot (nil until first) and last raw text.
func (s *Session) Status() (*tele.Status, string) {
	var st *tele.Status
	var raw string
	_ = s.do(func() {
		if s.status != nil {
			snapshot := *s.status
			st = &snapshot
		}
		raw = s.raw
	})
	return st, raw
}

// Streaming is orthogonal to State, read from last snapshot.
func (s *Session) Streaming() bool {
	st, _ := s.Status()
	return st != nil && st.Streaming
}

func (s *Session) Remote() net.Addr {
	var a net.Addr
	_ = s.do(func() {
		if s.bind != nil {
			a = s.bind.remote
		}
	})
	return a
}

func (s *Session) LocalAddr() net.Addr {
	var a net.Addr
	_ = s.do(func() {
		if s.bind != nil {
			a = s.bind.ch.LocalAddr()
		}
	})
	return a
}

// Stat of current binding, nil when not listening.
func (s *Session) Stat() *telenet.SessionStat {
	var st *telenet.SessionStat
	_ = s.do(func() {
		if s.bind != nil {
			st = s.bind.ch.Stat()
		}
	})
	return st
}

// Teardown is idempotent. No observer is called after it returns.
// Must not be called from Observer callback.
func (s *Session) Teardown() {
	s.alive.Stop()
	s.alive.Wait()
}

func (s *Session) run() {
	defer s.alive.Done()
	stopch := s.alive.StopChan()
	for {
		var tickch <-chan time.Time
		if s.ticker != nil {
			tickch = s.ticker.C
		}
		select {
		case f := <-s.reqs:
			f()
		case ev := <-s.events:
			s.onEvent(ev, time.Now())
		case now := <-tickch:
			s.heartbeat(now)
		case <-stopch:
			s.stopHeartbeat()
			s.release()
			s.state = StateClosed
			s.log.Debugf("session closed")
			return
		}
	}
}

func (s *Session) initialize(ctx context.Context, remote net.Addr) error {
	switch s.state {
	case StateIdle, StateDisconnected:
	default:
		return errors.NotValidf("session initialize in state=%s", s.state)
	}
	prev := s.state
	s.state = StateConnecting
	ch, err := s.opt.Dial(ctx)
	if err != nil {
		s.state = prev
		return errors.Annotatef(err, "session bind remote=%s", remote)
	}

	s.gen++
	rctx, cancel := context.WithCancel(context.Background())
	b := &binding{gen: s.gen, ch: ch, remote: remote, cancel: cancel, done: make(chan struct{})}
	s.bind = b
	go s.receive(rctx, b)

	s.status = nil
	s.raw = ""
	s.lastStatus = time.Time{}
	s.armed = time.Now()
	s.state = StateListening
	s.log.Debugf("session listening local=%s remote=%s", ch.LocalAddr(), remote)

	s.sendHeartbeat()
	s.ticker = time.NewTicker(s.opt.Heartbeat)
	return nil
}

func (s *Session) send(b []byte) error {
	if s.bind == nil {
		return ErrNotListening
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opt.Heartbeat)
	defer cancel()
	err := s.bind.ch.Send(ctx, s.bind.remote, b)
	return errors.Annotatef(err, "session send %q", b)
}

// sendHeartbeat returns false when channel is permanently closed.
func (s *Session) sendHeartbeat() bool {
	for _, cmd := range []string{tele.CmdPing, tele.CmdGetStatus} {
		if err := s.send(tele.EncodeCommand(cmd)); err != nil {
			if telenet.IsPermanent(err) {
				return false
			}
			if telenet.IsTransient(err) {
				s.log.Debugf("session heartbeat err=%v", err)
			} else {
				s.log.Errorf("session heartbeat err=%v", err)
			}
		}
	}
	return true
}

func (s *Session) heartbeat(now time.Time) {
	if s.state != StateListening {
		return
	}
	if !s.sendHeartbeat() {
		s.disconnect("channel closed")
		return
	}
	// fresh status restores these
	if s.status != nil {
		s.status.Connected = false
		s.status.Streaming = false
	}
	base := s.lastStatus
	if base.IsZero() {
		base = s.armed
	}
	if since := now.Sub(base); since > s.opt.Liveness {
		s.disconnect(fmt.Sprintf("no status for %v", since))
	}
}

func (s *Session) onEvent(ev recvEvent, now time.Time) {
	if s.bind == nil || ev.gen != s.bind.gen {
		return
	}
	if ev.err != nil {
		s.disconnect(ev.err.Error())
		return
	}
	d := ev.d
	switch tele.Classify(d.Data) {
	case tele.KindTelemetry:
		f, err := tele.DecodeFrame(d.Data)
		if err != nil {
			s.log.Errorf("session telemetry err=%v", err)
			return
		}
		for _, o := range s.observers {
			o.OnTelemetry(f)
		}

	case tele.KindStatus:
		raw := string(d.Data)
		s.raw = raw
		var parsed *tele.Status
		st, err := tele.DecodeStatus(d.Data)
		if err == nil {
			s.status = &st
			s.lastStatus = now
			snapshot := st
			parsed = &snapshot
		} else {
			s.log.Debugf("session status from=%s err=%v", d.Addr, err)
		}
		for _, o := range s.observers {
			o.OnStatus(raw, parsed, err)
		}
	}
}

func (s *Session) disconnect(reason string) {
	s.log.Infof("session disconnected remote=%s reason=%s", s.bind.remote, reason)
	s.stopHeartbeat()
	s.release()
	s.state = StateDisconnected
	for _, o := range s.observers {
		o.OnDisconnected()
	}
}

func (s *Session) stopHeartbeat() {
	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
	}
}

// release closes binding and waits for its receive goroutine.
func (s *Session) release() {
	b := s.bind
	if b == nil {
		return
	}
	s.bind = nil
	b.cancel()
	if err := b.ch.Close(); err != nil {
		s.log.Errorf("session release err=%v", err)
	}
	<-b.done
}

func (s *Session) receive(ctx context.Context, b *binding) {
	defer close(b.done)
	for {
		d, err := b.ch.Receive(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil && !telenet.IsPermanent(err) {
			s.log.Errorf("session receive err=%v", err)
			// transient, e.g. ICMP port unreachable reported on read
			select {
			case <-time.After(s.opt.Heartbeat / 4):
				continue
			case <-ctx.Done():
				return
			}
		}
		select {
		case s.events <- recvEvent{gen: b.gen, d: d, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}
