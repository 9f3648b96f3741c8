package state

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	cdev "github.com/temoto/gpio-cdev-go"
	"github.com/temoto/imulink/hardware/gpio"
	"github.com/temoto/imulink/hardware/imu"
	"github.com/temoto/imulink/helpers"
	"github.com/temoto/imulink/log2"
)

// Global is process wide device state: config, log and lazily opened hardware.
// Protocol state lives in device.State, not here.
type Global struct {
	Alive    *alive.Alive
	Config   *Config
	Log      *log2.Log
	Hardware struct {
		// may be set before first access, e.g. by tests
		Button gpio.Button
		LED    gpio.LED
		Sensor imu.Sensor

		chips map[string]cdev.Chiper
	}

	lk             sync.Mutex
	initButtonOnce sync.Once
	initLEDOnce    sync.Once
	initSensorOnce sync.Once
	errButton      error
	errLED         error
	errSensor      error
	closers        []io.Closer
}

const ContextKey = "run/state-global"

func NewGlobal(log *log2.Log, cfg *Config) *Global {
	return &Global{
		Alive:  alive.NewAlive(),
		Config: cfg,
		Log:    log,
	}
}

func NewContext(log *log2.Log, cfg *Config) (context.Context, *Global) {
	g := NewGlobal(log, cfg)
	ctx := context.WithValue(context.Background(), ContextKey, g)
	return ctx, g
}

func GetGlobal(ctx context.Context) *Global {
	v := ctx.Value(ContextKey)
	if v == nil {
		panic(fmt.Sprintf("context['%s'] is nil", ContextKey))
	}
	if g, ok := v.(*Global); ok {
		return g
	}
	panic(fmt.Sprintf("context['%s'] expected type *Global actual=%#v", ContextKey, v))
}

// Button returns nil,nil when reset button is not configured.
func (g *Global) Button() (gpio.Button, error) {
	g.initButtonOnce.Do(func() {
		if g.Hardware.Button != nil {
			return
		}
		c := g.Config.Hardware.Button
		switch {
		case c.InputEventDevice != "":
			var b *gpio.EventButton
			b, g.errButton = gpio.OpenEventButton(c.InputEventDevice, c.InputEventCode, g.Log)
			if g.errButton == nil {
				g.Hardware.Button = b
				g.addCloser(b)
			}
		case c.Chip != "":
			var chip cdev.Chiper
			if chip, g.errButton = g.chip(c.Chip); g.errButton != nil {
				return
			}
			var b *gpio.LineButton
			b, g.errButton = gpio.OpenButton(chip, c.LineConfig)
			if g.errButton == nil {
				g.Hardware.Button = b
				g.addCloser(b)
			}
		default:
			g.Log.Debugf("config: hardware.button not configured")
		}
	})
	return g.Hardware.Button, g.errButton
}

// LED returns nil,nil when indicator is not configured.
func (g *Global) LED() (gpio.LED, error) {
	g.initLEDOnce.Do(func() {
		if g.Hardware.LED != nil {
			return
		}
		c := g.Config.Hardware.LED
		if c.Chip == "" {
			g.Log.Debugf("config: hardware.led not configured")
			return
		}
		var chip cdev.Chiper
		if chip, g.errLED = g.chip(c.Chip); g.errLED != nil {
			return
		}
		var led *gpio.LineLED
		led, g.errLED = gpio.OpenLED(chip, c.LineConfig)
		if g.errLED == nil {
			g.Hardware.LED = led
			g.addCloser(led)
		}
	})
	return g.Hardware.LED, g.errLED
}

func (g *Global) Sensor() (imu.Sensor, error) {
	g.initSensorOnce.Do(func() {
		if g.Hardware.Sensor != nil {
			return
		}
		var s imu.Sensor
		s, g.errSensor = imu.Open(g.Config.Hardware.IMU, g.Log)
		if g.errSensor == nil {
			g.Hardware.Sensor = s
			g.addCloser(s)
		}
	})
	return g.Hardware.Sensor, errors.Annotate(g.errSensor, "sensor")
}

func (g *Global) chip(path string) (cdev.Chiper, error) {
	g.lk.Lock()
	defer g.lk.Unlock()
	if chip, ok := g.Hardware.chips[path]; ok {
		return chip, nil
	}
	chip, err := gpio.OpenChip(path)
	if err != nil {
		return nil, err
	}
	if g.Hardware.chips == nil {
		g.Hardware.chips = make(map[string]cdev.Chiper)
	}
	g.Hardware.chips[path] = chip
	g.closers = append(g.closers, chip)
	return chip, nil
}

func (g *Global) addCloser(c io.Closer) {
	g.lk.Lock()
	g.closers = append(g.closers, c)
	g.lk.Unlock()
}

// Close releases hardware in reverse open order.
func (g *Global) Close() error {
	g.lk.Lock()
	closers := g.closers
	g.closers = nil
	g.lk.Unlock()
	errs := make([]error, 0)
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return helpers.FoldErrors(errs)
}

func (g *Global) Error(err error, args ...interface{}) {
	if err != nil {
		if len(args) != 0 {
			msg := args[0].(string)
			args = args[1:]
			err = errors.Annotatef(err, msg, args...)
		}
		g.Log.Error(err)
		g.Log.Debugf("%s", errors.ErrorStack(err))
	}
}
