package payload

import "errors"

// Decoding errors.
var (
	ErrMalformed    = errors.New("payload: malformed protobuf")
	ErrWireType     = errors.New("payload: unexpected wire type")
	ErrUnknownType  = errors.New("payload: unknown message type")
	ErrTypeMismatch = errors.New("payload: message type mismatch")
)
