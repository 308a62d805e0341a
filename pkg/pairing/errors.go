package pairing

import "errors"

// Pairing errors. Any of them ends pairing without granting trust.
var (
	ErrCancelled          = errors.New("pairing: cancelled by host")
	ErrRejected           = errors.New("pairing: rejected by user")
	ErrUnsupportedMethod  = errors.New("pairing: unsupported pairing method")
	ErrTagMismatch        = errors.New("pairing: tag mismatch")
	ErrInvalidChallenge   = errors.New("pairing: invalid challenge")
	ErrHostKeyMismatch    = errors.New("pairing: host static key mismatch")
	ErrCommitmentMismatch = errors.New("pairing: commitment mismatch")
	ErrClosed             = errors.New("pairing: closed")
)
