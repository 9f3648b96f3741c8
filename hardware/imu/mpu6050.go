package imu

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/juju/errors"
	"github.com/temoto/imulink/log2"
	"periph.io/x/periph/conn/i2c"
	"periph.io/x/periph/conn/i2c/i2creg"
	"periph.io/x/periph/host"
)

// MPU-6050 registers
const (
	mpuDefaultAddr  = 0x68
	mpuRegGyroCfg   = 0x1b
	mpuRegAccelCfg  = 0x1c
	mpuRegAccelOut  = 0x3b
	mpuRegPwrMgmt1  = 0x6b
	mpuRegWhoAmI    = 0x75
	mpuWhoAmIValue  = 0x68
	mpuAccelPerG    = 16384 // +-2g range
	mpuGyroPerDeg   = 131   // +-250 deg/s range
	mpuSampleLength = 14    // accel xyz, temp, gyro xyz; int16 big-endian
	standardGravity = 9.80665
)

type MPU6050 struct {
	dev    *i2c.Dev
	closer io.Closer
	buf    [mpuSampleLength]byte
}

var _ Sensor = &MPU6050{}

func OpenMPU6050(busName string, addr uint16, log *log2.Log) (*MPU6050, error) {
	if _, err := host.Init(); err != nil {
		return nil, errors.Annotate(err, "periph/init")
	}
	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, errors.Annotatef(err, "i2c open bus=%s", busName)
	}
	m, err := NewMPU6050(bus, addr)
	if err != nil {
		_ = bus.Close()
		return nil, err
	}
	m.closer = bus
	log.Debugf("imu mpu6050 bus=%s addr=%#x", bus, m.dev.Addr)
	return m, nil
}

// NewMPU6050 wakes sensor from sleep and sets smallest ranges.
func NewMPU6050(bus i2c.Bus, addr uint16) (*MPU6050, error) {
	if addr == 0 {
		addr = mpuDefaultAddr
	}
	m := &MPU6050{dev: &i2c.Dev{Bus: bus, Addr: addr}}
	var who [1]byte
	if err := m.dev.Tx([]byte{mpuRegWhoAmI}, who[:]); err != nil {
		return nil, errors.Annotate(err, "mpu6050 whoami")
	}
	if who[0] != mpuWhoAmIValue {
		return nil, errors.NotFoundf("mpu6050 at addr=%#x whoami=%#x", addr, who[0])
	}
	for _, w := range [][]byte{
		{mpuRegPwrMgmt1, 0x00},
		{mpuRegGyroCfg, 0x00},
		{mpuRegAccelCfg, 0x00},
	} {
		if err := m.dev.Tx(w, nil); err != nil {
			return nil, errors.Annotatef(err, "mpu6050 write reg=%#x", w[0])
		}
	}
	return m, nil
}

func (m *MPU6050) String() string { return "mpu6050" }

func (m *MPU6050) Close() error {
	if m.closer == nil {
		return nil
	}
	return m.closer.Close()
}

func (m *MPU6050) Read() (Sample, error) {
	if err := m.dev.Tx([]byte{mpuRegAccelOut}, m.buf[:]); err != nil {
		return Sample{}, errors.Annotate(err, "mpu6050 read")
	}
	raw := func(i int) float32 { return float32(int16(binary.BigEndian.Uint16(m.buf[i*2:]))) }
	const degToRad = math.Pi / 180
	var s Sample
	for i := 0; i < 3; i++ {
		s.Accel[i] = raw(i) / mpuAccelPerG * standardGravity
		// index 3 is temperature
		s.Gyro[i] = raw(4+i) / mpuGyroPerDeg * degToRad
	}
	return s, nil
}
