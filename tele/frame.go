package tele

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/juju/errors"
)

// 9 sensor floats + timestamp, little-endian float32 each.
const (
	FrameFloats = 10
	FrameSize   = FrameFloats * 4
)

var ErrFrameLength = fmt.Errorf("telemetry frame length must be %d", FrameSize)

// Frame is one IMU sample. Magnetometer is placeholder on devices without one.
// Timestamp is milliseconds since device boot, not wall clock.
type Frame struct {
	Accel     [3]float32
	Gyro      [3]float32
	Mag       [3]float32
	Timestamp float32
}

func (f Frame) String() string {
	return fmt.Sprintf("t=%.0f accel=%v gyro=%v mag=%v", f.Timestamp, f.Accel, f.Gyro, f.Mag)
}

func (f *Frame) floats() [FrameFloats]float32 {
	return [FrameFloats]float32{
		f.Accel[0], f.Accel[1], f.Accel[2],
		f.Gyro[0], f.Gyro[1], f.Gyro[2],
		f.Mag[0], f.Mag[1], f.Mag[2],
		f.Timestamp,
	}
}

func EncodeFrame(f Frame) []byte {
	b := make([]byte, FrameSize)
	PutFrame(b, f)
	return b
}

// PutFrame writes f into b[:FrameSize], panics if b is too short.
func PutFrame(b []byte, f Frame) {
	_ = b[FrameSize-1]
	for i, v := range f.floats() {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
}

// DecodeFrame is pure reinterpretation, NaN and out of range values pass as is.
func DecodeFrame(b []byte) (Frame, error) {
	if len(b) != FrameSize {
		return Frame{}, errors.Annotatef(ErrFrameLength, "len=%d", len(b))
	}
	var v [FrameFloats]float32
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return Frame{
		Accel:     [3]float32{v[0], v[1], v[2]},
		Gyro:      [3]float32{v[3], v[4], v[5]},
		Mag:       [3]float32{v[6], v[7], v[8]},
		Timestamp: v[9],
	}, nil
}
