package device

import (
	"time"

	"github.com/temoto/imulink/hardware/gpio"
	"github.com/temoto/imulink/log2"
)

type Pattern uint8

const (
	PatternOff Pattern = iota
	PatternFastBlink
	PatternSlowBlink
	PatternSolid
)

const (
	FastBlinkPeriod = 100 * time.Millisecond
	SlowBlinkPeriod = time.Second
)

func (p Pattern) String() string {
	switch p {
	case PatternFastBlink:
		return "fast-blink"
	case PatternSlowBlink:
		return "slow-blink"
	case PatternSolid:
		return "solid"
	}
	return "off"
}

func (p Pattern) Period() time.Duration {
	switch p {
	case PatternFastBlink:
		return FastBlinkPeriod
	case PatternSlowBlink:
		return SlowBlinkPeriod
	}
	return 0
}

func PatternFor(mode Mode, connected, connecting bool) Pattern {
	switch {
	case connecting:
		return PatternOff
	case mode == ModeSetup:
		return PatternFastBlink
	case connected:
		return PatternSolid
	}
	return PatternSlowBlink
}

// Blinker drives LED output from Pattern, toggles when elapsed >= period.
// nil LED is valid and only tracks level.
type Blinker struct {
	led     gpio.LED
	log     *log2.Log
	pattern Pattern
	on      bool
	changed time.Time
}

func NewBlinker(led gpio.LED, log *log2.Log) *Blinker {
	return &Blinker{led: led, log: log}
}

func (b *Blinker) On() bool { return b.on }

func (b *Blinker) Update(now time.Time, p Pattern) {
	if p != b.pattern {
		b.pattern = p
		b.set(now, p != PatternOff)
		b.changed = now
		return
	}
	switch p {
	case PatternOff:
		b.set(now, false)
	case PatternSolid:
		b.set(now, true)
	default:
		if now.Sub(b.changed) >= p.Period() {
			b.set(now, !b.on)
		}
	}
}

func (b *Blinker) set(now time.Time, on bool) {
	if on == b.on && !b.changed.IsZero() {
		return
	}
	b.on = on
	b.changed = now
	if b.led != nil {
		if err := b.led.Set(on); err != nil {
			b.log.Errorf("led set=%t err=%v", on, err)
		}
	}
}
