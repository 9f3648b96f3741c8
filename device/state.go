// Package device is sensor side of imulink: Setup/Normal mode state machine,
// command interpreter, sampling loop and provisioning endpoint.
package device

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/imulink/tele"
)

type Mode uint8

const (
	ModeSetup Mode = iota
	ModeNormal
)

func (m Mode) String() string {
	if m == ModeNormal {
		return tele.ModeNormal
	}
	return tele.ModeSetup
}

// Credentials of wireless network, persisted across reboots.
type Credentials struct {
	SSID     string `json:"ssid"`
	Password string `json:"password"`
}

func (c Credentials) Empty() bool { return c.SSID == "" }

// MarshalBinary implements persist.Stater
func (c *Credentials) MarshalBinary() ([]byte, error) {
	if c.Empty() {
		return []byte{}, nil
	}
	return json.Marshal(c)
}

// UnmarshalBinary maps empty record left by Clear to unconfigured.
func (c *Credentials) UnmarshalBinary(b []byte) error {
	*c = Credentials{}
	if len(b) == 0 {
		return nil
	}
	return errors.Annotate(json.Unmarshal(b, c), "credentials decode")
}

// Validate checks provisioning input, WPA2 passphrase is 8..63 chars, empty means open network.
func (c *Credentials) Validate() error {
	if c.SSID == "" {
		return errors.NotValidf("ssid empty")
	}
	if len(c.SSID) > 32 {
		return errors.NotValidf("ssid longer than 32 bytes")
	}
	if n := len(c.Password); n != 0 && (n < 8 || n > 63) {
		return errors.NotValidf("password length=%d must be 8..63", n)
	}
	return nil
}

// State is owned by control loop, no locking.
type State struct {
	Mode        Mode
	Configured  bool
	Connecting  bool
	Credentials Credentials
	Peer        net.Addr
	Connected   bool
	LastPing    time.Time
	Streaming   bool
	Rate        int
	LED         Pattern
	LocalIP     net.IP
	Port        int
	Boot        time.Time
	LastError   string

	nextSample time.Time
	nextStatus time.Time
}

// Reset returns to defaults of unconfigured Setup, Boot and LastError are kept.
func (s *State) Reset() {
	s.Mode = ModeSetup
	s.Configured = false
	s.Connecting = false
	s.Credentials = Credentials{}
	s.Peer = nil
	s.Connected = false
	s.LastPing = time.Time{}
	s.Streaming = false
	s.Rate = DefaultRate
	s.LocalIP = nil
	s.Port = 0
	s.nextSample = time.Time{}
	s.nextStatus = time.Time{}
}

func (s *State) String() string {
	return fmt.Sprintf("mode=%s configured=%t connected=%t streaming=%t rate=%d peer=%v",
		s.Mode, s.Configured, s.Connected, s.Streaming, s.Rate, s.Peer)
}

// SSID for setup access point, "imulink-" and last 3 MAC bytes.
func SetupSSID(mac net.HardwareAddr) string {
	const prefix = "imulink-"
	if len(mac) < 3 {
		return prefix + "000000"
	}
	tail := mac[len(mac)-3:]
	return prefix + strings.ToUpper(fmt.Sprintf("%02x%02x%02x", tail[0], tail[1], tail[2]))
}

// ListenPort spreads small fleet on one segment: base + mac[5] % fleet.
func ListenPort(mac net.HardwareAddr, base, fleet int) int {
	if fleet <= 1 || len(mac) < 6 {
		return base
	}
	return base + int(mac[5])%fleet
}
