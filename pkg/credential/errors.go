package credential

import "errors"

// Credential errors.
var (
	ErrNoCredential  = errors.New("credential: no credential presented")
	ErrMalformed     = errors.New("credential: malformed credential")
	ErrInvalidMAC    = errors.New("credential: invalid MAC")
	ErrRevoked       = errors.New("credential: revoked")
	ErrNotFound      = errors.New("credential: not found")
	ErrInvalidSecret = errors.New("credential: device secret too short")
	ErrInvalidKey    = errors.New("credential: invalid host static key")
)
