package host

import (
	"errors"
	"fmt"

	"github.com/backkem/thp/pkg/message"
)

// TransportError is a transport error packet received from the device.
type TransportError struct {
	Code message.ErrorCode
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("host: device reported %s", e.Code)
}

// Is matches a TransportError with the same code.
func (e *TransportError) Is(target error) bool {
	t, ok := target.(*TransportError)
	return ok && t.Code == e.Code
}

// Transport errors reported by the device. Match with errors.Is.
var (
	ErrTransportBusy      = &TransportError{Code: message.ErrorTransportBusy}
	ErrUnallocatedChannel = &TransportError{Code: message.ErrorUnallocatedChannel}
	ErrDecryptionFailed   = &TransportError{Code: message.ErrorDecryptionFailed}
	ErrInvalidData        = &TransportError{Code: message.ErrorInvalidData}
	ErrDeviceLocked       = &TransportError{Code: message.ErrorDeviceLocked}
)

// Client errors.
var (
	ErrInvalidConfig      = errors.New("host: invalid configuration")
	ErrNotAllocated       = errors.New("host: no channel allocated")
	ErrNotConnected       = errors.New("host: handshake not complete")
	ErrAllocationTimeout  = errors.New("host: no allocation response")
	ErrUnexpectedMessage  = errors.New("host: unexpected message")
	ErrCodeMismatch       = errors.New("host: pairing code does not match the device secret")
	ErrCommitmentMismatch = errors.New("host: device secret does not match its commitment")
	ErrTagMismatch        = errors.New("host: device tag mismatch")
	ErrClosed             = errors.New("host: client closed")
)
