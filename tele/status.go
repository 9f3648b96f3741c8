package tele

import (
	"encoding/json"
	"fmt"

	"github.com/juju/errors"
)

const (
	ModeSetup  = "setup"
	ModeNormal = "normal"
)

// Status is device reported state snapshot.
// JSON keys are fixed by device firmware, see statusKey* constants.
type Status struct {
	IP             string `json:"ip"`
	RemoteIP       string `json:"remoteIP"`
	Port           int    `json:"port"`
	Streaming      bool   `json:"streaming"`
	SamplingRate   int    `json:"samplingRate"`
	LastConnection int64  `json:"lastConnection"` // ms since last received heartbeat
	Connected      bool   `json:"connected"`
	Mode           string `json:"mode"`
	MAC            string `json:"mac"`
	DeviceType     string `json:"deviceType"`
	LastError      string `json:"lastError,omitempty"`
}

func (s *Status) String() string {
	if s == nil {
		return "<nil>"
	}
	return fmt.Sprintf("mode=%s connected=%t streaming=%t rate=%d ip=%s:%d peer=%s last=%dms mac=%s type=%s",
		s.Mode, s.Connected, s.Streaming, s.SamplingRate, s.IP, s.Port, s.RemoteIP, s.LastConnection, s.MAC, s.DeviceType)
}

// StatusParseError is returned for status text that is not JSON object.
// Caller should keep previous snapshot and show Raw.
type StatusParseError struct {
	Raw string
	Err error
}

func (e *StatusParseError) Error() string {
	return fmt.Sprintf("status parse raw=%q err=%v", e.Raw, e.Err)
}

func IsStatusParseError(err error) bool {
	_, ok := errors.Cause(err).(*StatusParseError)
	return ok
}

func EncodeStatus(s Status) ([]byte, error) {
	b, err := json.Marshal(s)
	return b, errors.Annotate(err, "status encode")
}

// DecodeStatus is lenient: unknown keys are ignored, missing keys or
// keys with unexpected JSON type get zero value. Only text which is not
// a JSON object fails, with *StatusParseError.
func DecodeStatus(b []byte) (Status, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return Status{}, &StatusParseError{Raw: string(b), Err: err}
	}
	if m == nil { // literal null
		return Status{}, &StatusParseError{Raw: string(b), Err: fmt.Errorf("not an object")}
	}
	var s Status
	field(m, "ip", &s.IP)
	field(m, "remoteIP", &s.RemoteIP)
	field(m, "port", &s.Port)
	field(m, "streaming", &s.Streaming)
	field(m, "samplingRate", &s.SamplingRate)
	field(m, "lastConnection", &s.LastConnection)
	field(m, "connected", &s.Connected)
	field(m, "mode", &s.Mode)
	field(m, "mac", &s.MAC)
	field(m, "deviceType", &s.DeviceType)
	field(m, "lastError", &s.LastError)
	return s, nil
}

func field(m map[string]json.RawMessage, key string, target interface{}) {
	raw, ok := m[key]
	if !ok {
		return
	}
	if err := json.Unmarshal(raw, target); err != nil {
		// wrong type, keep zero value
		return
	}
}
