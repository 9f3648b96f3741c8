// Package imu reads inertial sensors for telemetry frames.
// Units: accel m/s^2, gyro rad/s, mag uT (zero when sensor has none).
package imu

import (
	"fmt"

	"github.com/juju/errors"
	"github.com/temoto/imulink/log2"
)

const (
	DriverMPU6050 = "mpu6050"
	DriverSim     = "sim"
)

type Sample struct {
	Accel [3]float32
	Gyro  [3]float32
	Mag   [3]float32
}

func (s Sample) String() string {
	return fmt.Sprintf("accel=%v gyro=%v mag=%v", s.Accel, s.Gyro, s.Mag)
}

type Sensor interface {
	Read() (Sample, error)
	Close() error
	String() string
}

type Config struct {
	Driver string `hcl:"driver"`
	Bus    string `hcl:"i2c_bus"` // periph bus name, "" = first available
	Addr   int    `hcl:"i2c_addr"`
}

// Open picks driver by config, default is simulated sensor.
func Open(c Config, log *log2.Log) (Sensor, error) {
	switch c.Driver {
	case "", DriverSim:
		log.Debugf("imu driver=sim")
		return NewSim(), nil
	case DriverMPU6050:
		return OpenMPU6050(c.Bus, uint16(c.Addr), log)
	}
	return nil, errors.NotValidf("imu driver=%s", c.Driver)
}
