// Package tele is the imulink wire protocol shared by host and device.
//
// Host -> device: short ASCII commands, `name` or `name:arg`.
// Device -> host: either exactly FrameSize bytes of binary telemetry
// or JSON status object. Datagram length is the only discriminator.
//
// Transport lives in tele/net, this package does no IO.
package tele
