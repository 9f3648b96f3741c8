package imuhost

import (
	"context"

	"github.com/juju/errors"
	"github.com/temoto/imulink/discovery"
	"github.com/temoto/imulink/helpers"
	"github.com/temoto/imulink/host"
	"github.com/temoto/imulink/log2"
	"github.com/temoto/imulink/state"
	telemqtt "github.com/temoto/imulink/tele/mqtt"
)

// env is everything host side needs, shared by daemon and interactive modes.
type env struct {
	log     *log2.Log
	session *host.Session
	super   *host.Supervisor
	mirror  *telemqtt.Mirror
	pub     telemqtt.Publisher
}

func newEnv(ctx context.Context, config *state.Config) (*env, error) {
	g := state.GetGlobal(ctx)
	hc := config.Host
	level := log2.LInfo
	if hc.LogDebug {
		level = log2.LDebug
	}
	e := &env{log: g.Log.Clone(level)}

	var resolver discovery.Resolver
	if hc.DeviceAddress != "" {
		static, err := discovery.ParseStatic(hc.DeviceAddress)
		if err != nil {
			return nil, errors.Annotate(err, "config: host device_address")
		}
		resolver = static
	} else {
		resolver = &discovery.DNSSDResolver{
			Log:     e.log,
			Timeout: helpers.IntSecondDefault(hc.DiscoveryTimeoutSec, discovery.DefaultTimeout),
		}
	}

	e.session = host.NewSession(host.Options{
		Log:       e.log,
		Heartbeat: helpers.IntMillisecondDefault(hc.HeartbeatMs, host.DefaultHeartbeat),
		Liveness:  helpers.IntMillisecondDefault(hc.LivenessMs, host.DefaultLiveness),
		Listen:    hc.Listen,
	})
	e.super = host.NewSupervisor(e.session, resolver, hc.DiscoveryService, e.log)

	if config.Mqtt.Enabled {
		if err := e.initMirror(ctx, config.Mqtt); err != nil {
			e.Close()
			return nil, err
		}
	}
	return e, nil
}

func (e *env) initMirror(ctx context.Context, mc state.MqttConfig) error {
	level := log2.LInfo
	if mc.LogDebug {
		level = log2.LDebug
	}
	mlog := e.log.Clone(level)
	timeout := helpers.IntSecondDefault(mc.NetworkTimeoutSec, telemqtt.DefaultNetworkTimeout)
	prefix := mc.TopicPrefix
	if prefix == "" {
		prefix = "imulink"
	}
	if mc.Listen != "" {
		b := telemqtt.NewBroker(telemqtt.BrokerOptions{Log: mlog, NetworkTimeout: timeout})
		if err := b.Listen(ctx, mc.Listen); err != nil {
			_ = b.Close()
			return errors.Annotate(err, "mqtt broker")
		}
		e.log.Infof("mqtt broker listen=%v", b.Addrs())
		e.pub = b
	} else {
		clientID := mc.ClientID
		if clientID == "" {
			clientID = "imuhost"
		}
		e.pub = telemqtt.NewPahoPublisher(telemqtt.PahoOptions{
			Log:            mlog,
			BrokerURL:      mc.Broker,
			ClientID:       clientID,
			TopicPrefix:    prefix,
			NetworkTimeout: timeout,
			Keepalive:      helpers.IntSecondDefault(mc.KeepaliveSec, 0),
			LogDebug:       mc.LogDebug,
		})
	}
	m, err := telemqtt.NewMirror(telemqtt.MirrorOptions{
		Log:         mlog,
		Publisher:   e.pub,
		PersistPath: mc.PersistPath,
		TopicPrefix: prefix,
	})
	if err != nil {
		return errors.Annotate(err, "mqtt mirror")
	}
	e.mirror = m
	e.session.AddObserver(m)
	return nil
}

// Close order: session stops producing events, mirror stops consuming, then transport.
func (e *env) Close() {
	e.session.Teardown()
	if e.mirror != nil {
		_ = e.mirror.Close()
	}
	if e.pub != nil {
		if err := e.pub.Close(); err != nil {
			e.log.Error(errors.Annotate(err, "mqtt close"))
		}
	}
}
