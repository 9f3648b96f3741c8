// Datagram transport between host and device.
// Channel knows nothing about protocol semantics: it moves byte slices
// to and from addresses and keeps traffic statistics.
//
// Two implementations:
// - UDP socket, used by both host session and device firmware
// - in-memory pair for tests
//
// Receive blocks, so device side wraps Channel into Pump which feeds
// small bounded inbox polled once per control loop tick.
package telenet
