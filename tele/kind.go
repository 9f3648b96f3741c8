package tele

type Kind uint8

const (
	KindStatus Kind = iota
	KindTelemetry
)

func (k Kind) String() string {
	switch k {
	case KindTelemetry:
		return "telemetry"
	default:
		return "status"
	}
}

// Classify routes device datagram to codec by length alone.
// Anything not exactly FrameSize is status text, even if it is garbage.
func Classify(b []byte) Kind {
	if len(b) == FrameSize {
		return KindTelemetry
	}
	return KindStatus
}
