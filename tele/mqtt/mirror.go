package telemqtt

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/imulink/helpers"
	"github.com/temoto/imulink/host"
	"github.com/temoto/imulink/log2"
	"github.com/temoto/imulink/tele"
	"github.com/temoto/spq"
)

// queue record kinds, first byte
const (
	qTelemetry byte = 1
	qStatus    byte = 2
	qState     byte = 3
)

func TelemetryTopic(prefix string) string { return prefix + "/telemetry" }
func StatusTopic(prefix string) string    { return prefix + "/status" }
func StateTopic(prefix string) string     { return prefix + "/state" }

type MirrorOptions struct {
	Log         *log2.Log
	Publisher   Publisher
	PersistPath string
	TopicPrefix string
}

type MirrorStat struct {
	Queued    expvar.Int
	Published expvar.Int
	Retries   expvar.Int
	Dropped   expvar.Int
}

func (ms *MirrorStat) String() string {
	return fmt.Sprintf(`{"queued":%d,"published":%d,"retries":%d,"dropped":%d}`,
		ms.Queued.Value(), ms.Published.Value(), ms.Retries.Value(), ms.Dropped.Value())
}

// Mirror forwards session events to MQTT.
// Events are queued on disk first, delivered at least once and in order,
// broker outage only delays delivery.
type Mirror struct {
	Stat MirrorStat

	alive   *alive.Alive
	backoff helpers.Backoff
	cancel  context.CancelFunc
	ctx     context.Context
	log     *log2.Log
	online  uint32
	prefix  string
	pub     Publisher
	q       *spq.Queue
}

var _ host.Observer = (*Mirror)(nil)

func NewMirror(opt MirrorOptions) (*Mirror, error) {
	if opt.Publisher == nil {
		return nil, errors.NotValidf("mirror publisher=nil")
	}
	if opt.PersistPath == "" {
		return nil, errors.NotValidf("mirror persist_path=empty")
	}
	q, err := spq.Open(opt.PersistPath)
	if err != nil {
		return nil, errors.Annotatef(err, "mirror queue path=%s", opt.PersistPath)
	}
	m := &Mirror{
		alive:   alive.NewAlive(),
		backoff: helpers.Backoff{Min: 100 * time.Millisecond, Max: 30 * time.Second, K: 2},
		log:     opt.Log,
		prefix:  opt.TopicPrefix,
		pub:     opt.Publisher,
		q:       q,
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.alive.Add(1)
	go m.worker()
	return m, nil
}

// Close stops delivery, undelivered records stay in queue for next run.
func (m *Mirror) Close() error {
	m.alive.Stop()
	m.cancel()
	m.q.Close()
	m.alive.Wait()
	return nil
}

func (m *Mirror) OnTelemetry(f tele.Frame) {
	m.markOnline()
	m.push(qTelemetry, tele.EncodeFrame(f))
}

// OnStatus forwards only parsed status, raw text as received.
func (m *Mirror) OnStatus(raw string, status *tele.Status, err error) {
	if status == nil {
		m.log.Debugf("mirror skip status err=%v", err)
		return
	}
	m.markOnline()
	m.push(qStatus, []byte(raw))
}

func (m *Mirror) OnDisconnected() {
	atomic.StoreUint32(&m.online, 0)
	m.push(qState, []byte(StateDisconnected))
}

func (m *Mirror) markOnline() {
	if atomic.CompareAndSwapUint32(&m.online, 0, 1) {
		m.push(qState, []byte(StateOnline))
	}
}

func (m *Mirror) push(kind byte, payload []byte) {
	b := make([]byte, 1+len(payload))
	b[0] = kind
	copy(b[1:], payload)
	if err := m.q.Push(b); err != nil {
		m.Stat.Dropped.Add(1)
		m.log.Errorf("mirror queue push kind=%d err=%v", kind, err)
		return
	}
	m.Stat.Queued.Add(1)
}

func (m *Mirror) worker() {
	defer m.alive.Done()
	for {
		box, err := m.q.Peek()
		switch err {
		case nil:
			b := box.Bytes()
			err = m.deliver(b)
			if err != nil && !errors.IsNotValid(err) {
				m.Stat.Retries.Add(1)
				m.log.Errorf("mirror deliver b=%x err=%v", b, err)
				m.backoff.Failure()
				if !m.backoff.Sleep(m.alive.StopChan()) {
					return
				}
				// same record stays at queue head
				continue
			}
			if err != nil {
				m.Stat.Dropped.Add(1)
				m.log.Errorf("mirror drop b=%x err=%v", b, err)
			} else {
				m.Stat.Published.Add(1)
			}
			m.backoff.Reset()
			if err = m.q.Delete(box); err != nil {
				m.log.Errorf("mirror queue delete err=%v", err)
			}

		case spq.ErrClosed:
			if m.alive.IsRunning() {
				m.log.Errorf("CRITICAL mirror queue closed unexpectedly")
			}
			return

		default:
			m.log.Errorf("CRITICAL mirror queue err=%v", err)
			m.backoff.Failure()
			if !m.backoff.Sleep(m.alive.StopChan()) {
				return
			}
		}
	}
}

func (m *Mirror) deliver(b []byte) error {
	if len(b) == 0 {
		return errors.NotValidf("mirror record=empty")
	}
	payload := b[1:]
	switch b[0] {
	case qTelemetry:
		if _, err := tele.DecodeFrame(payload); err != nil {
			return errors.NewNotValid(err, "mirror telemetry")
		}
		return m.pub.Publish(m.ctx, TelemetryTopic(m.prefix), payload, false)

	case qStatus:
		if !json.Valid(payload) {
			return errors.NotValidf("mirror status json")
		}
		return m.pub.Publish(m.ctx, StatusTopic(m.prefix), payload, true)

	case qState:
		return m.pub.Publish(m.ctx, StateTopic(m.prefix), payload, true)
	}
	return errors.NotValidf("mirror record kind=%d", b[0])
}
