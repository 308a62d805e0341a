package device

import "errors"

// Configuration errors.
var (
	ErrTransportRequired = errors.New("device: transport required")
	ErrStorageRequired   = errors.New("device: storage required")
	ErrInvalidStaticKey  = errors.New("device: invalid static key")
	ErrNoPairingMethod   = errors.New("device: no pairing method")
)

// Lifecycle errors.
var (
	ErrAlreadyStarted = errors.New("device: already started")
	ErrNotStarted     = errors.New("device: not started")
)
