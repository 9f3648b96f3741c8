package imu

import (
	"math"
	"time"
)

// Sim produces smooth synthetic motion: gravity on Z with slow wobble.
// Used on boards without sensor and in tests.
type Sim struct {
	begin time.Time
	now   func() time.Time
}

var _ Sensor = &Sim{}

func NewSim() *Sim {
	return &Sim{begin: time.Now(), now: time.Now}
}

func (s *Sim) String() string { return "sim" }
func (s *Sim) Close() error   { return nil }

func (s *Sim) Read() (Sample, error) {
	t := s.now().Sub(s.begin).Seconds()
	w := 2 * math.Pi * 0.5 // 0.5 Hz
	sin, cos := float32(math.Sin(w*t)), float32(math.Cos(w*t))
	return Sample{
		Accel: [3]float32{0.5 * sin, 0.5 * cos, standardGravity},
		Gyro:  [3]float32{0.1 * cos, -0.1 * sin, 0},
	}, nil
}
