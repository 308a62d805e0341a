package handshake

import "errors"

// Handshake errors.
var (
	ErrInvalidKeyLength = errors.New("handshake: invalid key length")
	ErrInvalidMessage   = errors.New("handshake: invalid handshake message")
	ErrDecryptionFailed = errors.New("handshake: decryption failed")
	ErrOutOfOrder       = errors.New("handshake: message out of order")
	ErrNonceExhausted   = errors.New("handshake: nonce exhausted")
	ErrKeysCleared      = errors.New("handshake: transport keys cleared")
)
