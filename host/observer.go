package host

import "github.com/temoto/imulink/tele"

// Observer receives session events on session actor goroutine.
// Implementations must not call Session methods synchronously, that deadlocks.
// status is nil when raw text failed to parse, err describes why.
type Observer interface {
	OnTelemetry(f tele.Frame)
	OnStatus(raw string, status *tele.Status, err error)
	OnDisconnected()
}

// ObserverFuncs adapts optional functions to Observer.
type ObserverFuncs struct {
	Telemetry    func(tele.Frame)
	Status       func(raw string, status *tele.Status, err error)
	Disconnected func()
}

var _ Observer = ObserverFuncs{}

func (o ObserverFuncs) OnTelemetry(f tele.Frame) {
	if o.Telemetry != nil {
		o.Telemetry(f)
	}
}

func (o ObserverFuncs) OnStatus(raw string, status *tele.Status, err error) {
	if o.Status != nil {
		o.Status(raw, status, err)
	}
}

func (o ObserverFuncs) OnDisconnected() {
	if o.Disconnected != nil {
		o.Disconnected()
	}
}
