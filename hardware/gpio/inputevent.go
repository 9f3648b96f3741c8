package gpio

import (
	"io"
	"os"
	"sync/atomic"

	"github.com/juju/errors"
	"github.com/temoto/imulink/log2"
	"github.com/temoto/inputevent-go"
)

const DevInputEventTag = "dev-input-event"

// linux/input-event-codes.h
const evKey = 0x01

// EventButton tracks key state from Linux input device, for boards where
// reset button is bound to gpio-keys driver and raw line is not available.
type EventButton struct {
	r       io.ReadCloser
	code    uint16
	pressed uint32
	err     atomic.Value // error
	done    chan struct{}
	log     *log2.Log
}

var _ Button = &EventButton{}

func OpenEventButton(device string, code int, log *log2.Log) (*EventButton, error) {
	f, err := os.Open(device)
	if err != nil {
		return nil, errors.Annotatef(err, "%s open device=%s", DevInputEventTag, device)
	}
	return NewEventButton(f, code, log), nil
}

// NewEventButton reads events from r until error or Close.
func NewEventButton(r io.ReadCloser, code int, log *log2.Log) *EventButton {
	b := &EventButton{r: r, code: uint16(code), done: make(chan struct{}), log: log}
	go b.run()
	return b
}

func (b *EventButton) Pressed() (bool, error) {
	if err, ok := b.err.Load().(error); ok && err != nil {
		return false, err
	}
	return atomic.LoadUint32(&b.pressed) != 0, nil
}

func (b *EventButton) Close() error {
	err := b.r.Close()
	<-b.done
	return err
}

// Done is closed when reader stops.
func (b *EventButton) Done() <-chan struct{} { return b.done }

func (b *EventButton) run() {
	defer close(b.done)
	for {
		ie, err := inputevent.ReadOne(b.r)
		if err != nil {
			b.log.Debugf("%s stop err=%v", DevInputEventTag, err)
			b.err.Store(errors.Annotate(err, DevInputEventTag))
			atomic.StoreUint32(&b.pressed, 0)
			return
		}
		if ie.Type != evKey || ie.Code != b.code {
			continue
		}
		switch inputevent.KeyEventState(ie.Value) {
		case inputevent.KeyStateDown, inputevent.KeyStateHold:
			atomic.StoreUint32(&b.pressed, 1)
		case inputevent.KeyStateUp:
			atomic.StoreUint32(&b.pressed, 0)
		}
	}
}
