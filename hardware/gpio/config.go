package gpio

import (
	"github.com/juju/errors"
	cdev "github.com/temoto/gpio-cdev-go"
)

type LineConfig struct {
	Chip      string `hcl:"chip"` // e.g. /dev/gpiochip0
	Line      int    `hcl:"line"`
	ActiveLow bool   `hcl:"active_low"`
}

type ButtonConfig struct {
	LineConfig `hcl:",squash"`
	// Linux input device (gpio-keys) instead of raw line, e.g. /dev/input/event0
	InputEventDevice string `hcl:"input_event_device"`
	InputEventCode   int    `hcl:"input_event_code"`
}

type LEDConfig struct {
	LineConfig `hcl:",squash"`
}

// OpenChip is thin wrapper for consistent consumer label and error text.
func OpenChip(path string) (cdev.Chiper, error) {
	chip, err := cdev.Open(path, consumerLabel)
	return chip, errors.Annotatef(err, "gpio open chip=%s", path)
}
