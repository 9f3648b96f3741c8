package device

import (
	"time"

	"github.com/temoto/imulink/hardware/gpio"
	"github.com/temoto/imulink/log2"
)

const DefaultResetHold = 5 * time.Second

// ResetWatcher is level triggered long press detector, sampled each tick.
// Fires once per press, release re-arms.
type ResetWatcher struct {
	button gpio.Button
	hold   time.Duration
	log    *log2.Log

	pressed bool
	since   time.Time
	fired   bool
}

func NewResetWatcher(b gpio.Button, hold time.Duration, log *log2.Log) *ResetWatcher {
	if hold <= 0 {
		hold = DefaultResetHold
	}
	return &ResetWatcher{button: b, hold: hold, log: log}
}

func (w *ResetWatcher) Check(now time.Time) bool {
	if w == nil || w.button == nil {
		return false
	}
	pressed, err := w.button.Pressed()
	if err != nil {
		w.log.Errorf("reset button err=%v", err)
		pressed = false
	}
	switch {
	case pressed && !w.pressed:
		w.pressed = true
		w.since = now
		w.fired = false
		w.log.Debugf("reset button pressed")
	case !pressed && w.pressed:
		w.pressed = false
		w.log.Debugf("reset button released after %v", now.Sub(w.since))
	}
	if w.pressed && !w.fired && now.Sub(w.since) >= w.hold {
		w.fired = true
		return true
	}
	return false
}
