package transport

import "errors"

// Transport errors.
var (
	// ErrClosed is returned when an operation is attempted on a closed transport.
	ErrClosed = errors.New("transport: closed")

	// ErrNoPeer is returned when the device end writes before any host sent a packet.
	ErrNoPeer = errors.New("transport: no peer address")

	// ErrPacketSize is returned for packets larger than the packet size.
	ErrPacketSize = errors.New("transport: packet exceeds packet size")
)
