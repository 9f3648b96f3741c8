package telemqtt

import (
	"context"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/imulink/log2"
)

const (
	DefaultNetworkTimeout = 30 * time.Second
	// paho keepalive is whole seconds, checked every half period
	minKeepalive = 2 * time.Second

	StateOnline       = "online"
	StateDisconnected = "disconnected"
	stateOffline      = "offline"
)

// Publisher delivers one message with at least once guarantee or returns error.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, retain bool) error
	Close() error
}

type PahoOptions struct {
	Log            *log2.Log
	BrokerURL      string
	ClientID       string
	TopicPrefix    string
	NetworkTimeout time.Duration
	Keepalive      time.Duration
	LogDebug       bool
}

// PahoPublisher talks to external broker.
// Broker sees retained "offline" on <prefix>/state when client is lost.
type PahoPublisher struct {
	log     *log2.Log
	m       mqtt.Client
	timeout time.Duration
}

var _ Publisher = (*PahoPublisher)(nil)

func NewPahoPublisher(opt PahoOptions) *PahoPublisher {
	p := &PahoPublisher{
		log:     opt.Log,
		timeout: opt.NetworkTimeout,
	}
	if p.timeout < time.Second {
		p.timeout = DefaultNetworkTimeout
	}
	mqttLog := opt.Log.Clone(log2.LDebug)
	mqttLog.SetPrefix("mqtt: ")
	mqtt.CRITICAL = mqttLog
	mqtt.ERROR = mqttLog
	mqtt.WARN = mqttLog
	if opt.LogDebug {
		mqtt.DEBUG = mqttLog
	}

	mopt := mqtt.NewClientOptions().
		AddBroker(opt.BrokerURL).
		SetAutoReconnect(true).
		SetBinaryWill(StateTopic(opt.TopicPrefix), []byte(stateOffline), 1, true).
		SetCleanSession(false).
		SetClientID(opt.ClientID).
		SetConnectTimeout(p.timeout).
		SetKeepAlive(keepaliveFor(opt.Keepalive, p.timeout)).
		SetMaxReconnectInterval(p.timeout).
		SetOrderMatters(false).
		SetPingTimeout(p.timeout).
		SetWriteTimeout(p.timeout)
	p.m = mqtt.NewClient(mopt)
	return p
}

// keepaliveFor defaults to half of network timeout, never below minKeepalive.
func keepaliveFor(keepalive, timeout time.Duration) time.Duration {
	if keepalive <= 0 {
		keepalive = timeout / 2
	}
	if keepalive < minKeepalive {
		keepalive = minKeepalive
	}
	return keepalive.Truncate(time.Second)
}

func (p *PahoPublisher) Publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	if !p.m.IsConnected() {
		if err := p.tokenWait(ctx, p.m.Connect(), "connect"); err != nil {
			return err
		}
	}
	return p.tokenWait(ctx, p.m.Publish(topic, 1, retain, payload), "publish topic="+topic)
}

func (p *PahoPublisher) Close() error {
	if p.m.IsConnected() {
		p.m.Disconnect(uint(p.timeout / time.Millisecond))
	}
	return nil
}

func (p *PahoPublisher) tokenWait(ctx context.Context, t mqtt.Token, tag string) error {
	timeout := p.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}
	if !t.WaitTimeout(timeout) {
		err := errors.Errorf("%s timeout", tag)
		p.log.Errorf("mqtt %s", err.Error())
		return err
	}
	if err := t.Error(); err != nil {
		err = errors.Annotate(err, tag)
		p.log.Errorf("mqtt %s", err.Error())
		return err
	}
	return nil
}
