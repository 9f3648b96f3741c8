package discovery

import (
	"context"
	"sync"

	"github.com/brutella/dnssd"
	"github.com/juju/errors"
	"github.com/temoto/imulink/log2"
)

// Advertiser announces one service instance while active.
// Start and Stop are idempotent, device toggles advertisement with connection state.
type Advertiser interface {
	Start() error
	Stop()
	Active() bool
}

type DNSSDAdvertiser struct {
	config  dnssd.Config
	log     *log2.Log
	respond func(ctx context.Context, config dnssd.Config) error

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

var _ Advertiser = &DNSSDAdvertiser{}

func NewDNSSDAdvertiser(name, service string, port int, text map[string]string, log *log2.Log) *DNSSDAdvertiser {
	if service == "" {
		service = DefaultService
	}
	return &DNSSDAdvertiser{
		config: dnssd.Config{
			Name:   name,
			Type:   service,
			Domain: DefaultDomain,
			Port:   port,
			Text:   text,
		},
		log:     log,
		respond: respond,
	}
}

// respond serves mDNS queries until ctx is done or responder fails.
func respond(ctx context.Context, config dnssd.Config) error {
	sv, err := dnssd.NewService(config)
	if err != nil {
		return errors.Annotatef(err, "advertise name=%s", config.Name)
	}
	rp, err := dnssd.NewResponder()
	if err != nil {
		return errors.Annotate(err, "advertise responder")
	}
	if _, err = rp.Add(sv); err != nil {
		return errors.Annotatef(err, "advertise add name=%s", config.Name)
	}
	return rp.Respond(ctx)
}

func (a *DNSSDAdvertiser) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancel != nil
}

func (a *DNSSDAdvertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	a.cancel, a.done = cancel, done
	go func() {
		defer close(done)
		err := a.respond(ctx, a.config)
		if err != nil && ctx.Err() == nil {
			a.log.Errorf("advertise respond err=%v", err)
		}
		// exited on its own, allow next Start
		a.mu.Lock()
		if a.done == done {
			a.cancel, a.done = nil, nil
		}
		a.mu.Unlock()
		cancel()
	}()
	a.log.Debugf("advertise start name=%s type=%s port=%d", a.config.Name, a.config.Type, a.config.Port)
	return nil
}

func (a *DNSSDAdvertiser) Stop() {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	a.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	a.log.Debugf("advertise stop name=%s", a.config.Name)
}
