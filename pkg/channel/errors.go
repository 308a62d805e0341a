package channel

import (
	"errors"
	"fmt"

	"github.com/backkem/thp/pkg/message"
)

// ProtocolError is a failure reported to the host as a transport error
// packet.
type ProtocolError struct {
	Code message.ErrorCode
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("channel: %s: %v", e.Code, e.Err)
	}
	return "channel: " + e.Code.String()
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Is matches any ProtocolError with the same code.
func (e *ProtocolError) Is(target error) bool {
	t, ok := target.(*ProtocolError)
	return ok && t.Code == e.Code
}

// ClearsChannel reports whether the error resets the channel.
func (e *ProtocolError) ClearsChannel() bool {
	switch e.Code {
	case message.ErrorUnallocatedChannel, message.ErrorDecryptionFailed, message.ErrorInvalidData:
		return true
	}
	return false
}

func protocolError(code message.ErrorCode, err error) *ProtocolError {
	return &ProtocolError{Code: code, Err: err}
}

// Protocol errors, one per wire error code. Match with errors.Is.
var (
	ErrTransportBusy      = &ProtocolError{Code: message.ErrorTransportBusy}
	ErrUnallocatedChannel = &ProtocolError{Code: message.ErrorUnallocatedChannel}
	ErrDecryptionFailed   = &ProtocolError{Code: message.ErrorDecryptionFailed}
	ErrInvalidData        = &ProtocolError{Code: message.ErrorInvalidData}
	ErrDeviceLocked       = &ProtocolError{Code: message.ErrorDeviceLocked}
)

// UnallocatedSessionError reports a message for a session that was torn
// down. The host receives a ThpUnallocatedSession failure on that session.
type UnallocatedSessionError struct {
	SessionID uint8
}

func (e *UnallocatedSessionError) Error() string {
	return fmt.Sprintf("channel: unallocated session %d", e.SessionID)
}

// Recoverable receive conditions and channel errors.
var (
	ErrUnexpectedSeqBit  = errors.New("channel: unexpected sequence bit")
	ErrTooManyMismatches = errors.New("channel: too many sequence bit mismatches")
	ErrIgnored           = errors.New("channel: message ignored in this state")
	ErrCleared           = errors.New("channel: channel cleared")
	ErrMailboxFull       = errors.New("channel: mailbox full")
	ErrInvalidConfig     = errors.New("channel: invalid configuration")
	ErrNoChannelID       = errors.New("channel: no free channel ID")
)

func errorf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...)
}
