package telenet

import (
	"context"
	"time"

	"github.com/temoto/alive/v2"
	"github.com/temoto/imulink/helpers"
	"github.com/temoto/imulink/log2"
)

const DefaultInboxSize = 4

// Pump moves datagrams from blocking Channel.Receive into bounded inbox.
// Inbox overflow drops newest datagram and counts it in Recv.Dropped.
type Pump struct {
	alive   *alive.Alive
	ch      Channel
	inbox   chan Datagram
	log     *log2.Log
	backoff helpers.Backoff
}

func NewPump(ch Channel, size int, log *log2.Log) *Pump {
	if size <= 0 {
		size = DefaultInboxSize
	}
	p := &Pump{
		alive: alive.NewAlive(),
		ch:    ch,
		inbox: make(chan Datagram, size),
		log:   log,
		backoff: helpers.Backoff{
			Min: 10 * time.Millisecond,
			Max: time.Second,
			K:   2,
		},
	}
	if p.alive.Add(1) {
		go p.run()
	}
	return p
}

// Poll returns at most one pending datagram, never blocks.
func (p *Pump) Poll() (Datagram, bool) {
	select {
	case d := <-p.inbox:
		return d, true
	default:
		return Datagram{}, false
	}
}

func (p *Pump) C() <-chan Datagram { return p.inbox }

// Stop does not close channel, owner does that to unblock Receive.
func (p *Pump) Stop() {
	p.alive.Stop()
}

func (p *Pump) Wait() { p.alive.Wait() }

func (p *Pump) run() {
	defer p.alive.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-p.alive.StopChan()
		cancel()
	}()

	for p.alive.IsRunning() {
		d, err := p.ch.Receive(ctx)
		if err != nil {
			if IsPermanent(err) || ctx.Err() != nil {
				p.log.Debugf("pump stop err=%v", err)
				p.alive.Stop()
				return
			}
			p.log.Errorf("pump receive err=%v", err)
			p.backoff.Failure()
			p.backoff.Sleep(p.alive.StopChan())
			continue
		}
		p.backoff.Reset()
		select {
		case p.inbox <- d:
		default:
			p.ch.Stat().Recv.Dropped.Add(1)
			p.log.Debugf("pump inbox full, drop %s", d)
		}
	}
}
