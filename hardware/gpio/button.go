package gpio

import (
	"github.com/juju/errors"
	cdev "github.com/temoto/gpio-cdev-go"
)

const consumerLabel = "imulink"

// Button is sampled level of reset button, true while held down.
type Button interface {
	Pressed() (bool, error)
	Close() error
}

type LineButton struct {
	lines     cdev.Lineser
	activeLow bool
}

var _ Button = &LineButton{}

// OpenButton requests single input line. Active-low buttons (pull-up, press
// connects to ground) report Pressed when line reads 0.
func OpenButton(chip cdev.Chiper, c LineConfig) (*LineButton, error) {
	if c.Line < 0 {
		return nil, errors.NotValidf("button line=%d", c.Line)
	}
	lines, err := chip.OpenLines(cdev.GPIOHANDLE_REQUEST_INPUT, consumerLabel+"-reset", uint32(c.Line))
	if err != nil {
		return nil, errors.Annotatef(err, "button open chip=%s line=%d", c.Chip, c.Line)
	}
	return &LineButton{lines: lines, activeLow: c.ActiveLow}, nil
}

func (b *LineButton) Pressed() (bool, error) {
	data, err := b.lines.Read()
	if err != nil {
		return false, errors.Annotate(err, "button read")
	}
	high := data.Values[0] != 0
	return high != b.activeLow, nil
}

func (b *LineButton) Close() error { return b.lines.Close() }
