package message

import "errors"

// Packet layer errors.
var (
	ErrPacketTooShort     = errors.New("message: packet too short")
	ErrPayloadTooLong     = errors.New("message: payload exceeds maximum length")
	ErrInvalidLength      = errors.New("message: length field smaller than checksum")
	ErrInvalidPacketSize  = errors.New("message: packet size too small")
	ErrInvalidChecksum    = errors.New("message: invalid checksum")
	ErrUnexpectedContinue = errors.New("message: continuation packet without init packet")
)
