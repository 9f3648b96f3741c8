package gpio

import (
	"github.com/juju/errors"
	cdev "github.com/temoto/gpio-cdev-go"
)

type LED interface {
	Set(on bool) error
	Close() error
}

type LineLED struct {
	lines     cdev.Lineser
	set       cdev.LineSetFunc
	activeLow bool
	on        bool
	known     bool
}

var _ LED = &LineLED{}

func OpenLED(chip cdev.Chiper, c LineConfig) (*LineLED, error) {
	if c.Line < 0 {
		return nil, errors.NotValidf("led line=%d", c.Line)
	}
	line := uint32(c.Line)
	lines, err := chip.OpenLines(cdev.GPIOHANDLE_REQUEST_OUTPUT, consumerLabel+"-led", line)
	if err != nil {
		return nil, errors.Annotatef(err, "led open chip=%s line=%d", c.Chip, c.Line)
	}
	return &LineLED{lines: lines, set: lines.SetFunc(line), activeLow: c.ActiveLow}, nil
}

// Set skips ioctl when level is unchanged, blink loop calls it every tick.
func (l *LineLED) Set(on bool) error {
	if l.known && l.on == on {
		return nil
	}
	var v byte
	if on != l.activeLow {
		v = 1
	}
	l.set(v)
	if err := l.lines.Flush(); err != nil {
		l.known = false
		return errors.Annotate(err, "led flush")
	}
	l.on, l.known = on, true
	return nil
}

func (l *LineLED) Close() error { return l.lines.Close() }
