package host

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/imulink/discovery"
	"github.com/temoto/imulink/helpers"
	"github.com/temoto/imulink/log2"
	"github.com/temoto/imulink/tele"
)

// Supervisor re-arms Session: discover device, Initialize, wait for
// Disconnected, repeat with backoff. Session itself never reconnects.
type Supervisor struct {
	Backoff  helpers.Backoff
	Log      *log2.Log
	Resolver discovery.Resolver
	Service  string
	Session  *Session

	lost chan struct{}
}

func NewSupervisor(sess *Session, resolver discovery.Resolver, service string, log *log2.Log) *Supervisor {
	return &Supervisor{
		Backoff:  helpers.Backoff{Min: 500 * time.Millisecond, Max: 30 * time.Second, K: 2},
		Log:      log,
		Resolver: resolver,
		Service:  service,
		Session:  sess,
		lost:     make(chan struct{}, 1),
	}
}

func (s *Supervisor) OnTelemetry(tele.Frame)               {}
func (s *Supervisor) OnStatus(string, *tele.Status, error) {}
func (s *Supervisor) OnDisconnected()                      { helpers.Signal(s.lost) }

// Run blocks until ctx is done or session is torn down.
func (s *Supervisor) Run(ctx context.Context) error {
	s.Session.AddObserver(s)
	for {
		if !s.Backoff.Sleep(ctx.Done()) {
			return ctx.Err()
		}
		err := s.connect(ctx)
		if errors.Cause(err) == ErrClosed {
			return err
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.Backoff.Failure()
			s.Log.Errorf("supervisor err=%v retry in %v", err, s.Backoff.Next())
			continue
		}
		s.Backoff.Reset()

		select {
		case <-s.lost:
			s.Log.Infof("supervisor device lost, rediscover")
			// next attempt waits at least Min, device may be rebooting
			s.Backoff.Failure()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Supervisor) connect(ctx context.Context) error {
	entries, err := s.Resolver.Resolve(ctx, s.Service)
	if err != nil {
		return errors.Annotate(err, "discover")
	}
	if len(entries) == 0 {
		return errors.NotFoundf("device service=%s", s.Service)
	}
	e := entries[0]
	s.Log.Infof("supervisor found %s", e)
	return errors.Annotatef(s.Session.Initialize(ctx, e.Addr()), "initialize %s", e)
}
