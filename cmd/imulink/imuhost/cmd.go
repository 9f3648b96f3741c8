package imuhost

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/c-bata/go-prompt"
	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/imulink/cmd/imulink/subcmd"
	"github.com/temoto/imulink/helpers/cli"
	"github.com/temoto/imulink/host"
	"github.com/temoto/imulink/state"
	"github.com/temoto/imulink/tele"
)

var Mod = subcmd.Mod{Name: "host", Usage: "discover device, keep session, mirror telemetry", Main: Main}
var CliMod = subcmd.Mod{Name: "cli", Usage: "interactive host session", Main: CliMain}

func Main(ctx context.Context, config *state.Config) error {
	e, err := newEnv(ctx, config)
	if err != nil {
		return err
	}
	defer e.Close()

	autoStream := config.Host.AutoStream
	sess := e.session
	sess.AddObserver(host.ObserverFuncs{
		Telemetry: func(f tele.Frame) { e.log.Debugf("telemetry %s", f) },
		Status: func(raw string, st *tele.Status, err error) {
			if err != nil {
				e.log.Errorf("status raw=%q err=%v", raw, err)
				return
			}
			e.log.Infof("status %s", st)
			if autoStream && !st.Streaming {
				// observer runs on session goroutine
				go func() {
					if err := sess.StartStreaming(); err != nil {
						e.log.Errorf("auto stream err=%v", err)
					}
				}()
			}
		},
		Disconnected: func() { e.log.Infof("device disconnected") },
	})

	ctx, cancel := subcmd.WithSignals(ctx)
	defer cancel()
	subcmd.SdNotify(daemon.SdNotifyReady)
	err = e.super.Run(ctx)
	if errors.Cause(err) == context.Canceled {
		return nil
	}
	return err
}

const usage = `commands:
- ping          send ping
- status        request status, print last snapshot
- start         start streaming
- stop          stop streaming
- rate N        set sampling rate, Hz
- stat          transport and mirror counters
- show          toggle printing telemetry frames
`

func CliMain(ctx context.Context, config *state.Config) error {
	e, err := newEnv(ctx, config)
	if err != nil {
		return err
	}
	defer e.Close()

	var show uint32
	e.session.AddObserver(host.ObserverFuncs{
		Telemetry: func(f tele.Frame) {
			if atomic.LoadUint32(&show) == 1 {
				e.log.Infof("< %s", f)
			}
		},
		Status: func(raw string, _ *tele.Status, err error) {
			if err != nil {
				e.log.Errorf("< status parse err=%v raw=%s", err, raw)
			} else {
				e.log.Infof("< %s", raw)
			}
		},
		Disconnected: func() { e.log.Infof("disconnected, rediscovering") },
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := e.super.Run(ctx); err != nil && errors.Cause(err) != context.Canceled {
			e.log.Error(errors.Annotate(err, "supervisor"))
		}
	}()

	exec := func(line string) {
		words := strings.Fields(line)
		if len(words) == 0 {
			return
		}
		if words[0] == "show" {
			atomic.StoreUint32(&show, 1-atomic.LoadUint32(&show))
			return
		}
		if err := e.command(words); err != nil {
			e.log.Error(err)
		}
	}
	cli.MainLoop("imulink", exec, newCompleter())
	return nil
}

func (e *env) command(words []string) error {
	s := e.session
	switch words[0] {
	case "help", "?":
		e.log.Infof(usage)
		return nil
	case "ping":
		return s.Ping()
	case "status":
		st, raw := s.Status()
		e.log.Infof("state=%s remote=%v snapshot=%s raw=%s", s.State(), s.Remote(), st, raw)
		return s.GetStatus()
	case "start":
		return s.StartStreaming()
	case "stop":
		return s.StopStreaming()
	case "rate":
		if len(words) != 2 {
			return errors.NotValidf("usage: rate N")
		}
		hz, err := strconv.Atoi(words[1])
		if err != nil {
			return errors.Annotate(err, "rate")
		}
		return s.SetSamplingRate(hz)
	case "stat":
		if st := s.Stat(); st != nil {
			e.log.Infof("session %s", st.String())
		}
		if e.mirror != nil {
			e.log.Infof("mirror %s", e.mirror.Stat.String())
		}
		return nil
	}
	return errors.NotFoundf("command=%s", words[0])
}

func newCompleter() func(d prompt.Document) []prompt.Suggest {
	suggests := []prompt.Suggest{
		{Text: "ping", Description: "send ping"},
		{Text: "status", Description: "request and print status"},
		{Text: "start", Description: "start streaming"},
		{Text: "stop", Description: "stop streaming"},
		{Text: "rate", Description: "set sampling rate, Hz"},
		{Text: "stat", Description: "transport counters"},
		{Text: "show", Description: "toggle telemetry printing"},
	}
	return func(d prompt.Document) []prompt.Suggest {
		return prompt.FilterHasPrefix(suggests, d.GetWordBeforeCursor(), true)
	}
}
