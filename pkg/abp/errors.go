package abp

import "errors"

// Errors returned by the abp package.
var (
	// ErrCancelled is returned when an in-flight message is cancelled, for
	// example because its channel was reset.
	ErrCancelled = errors.New("abp: transmission cancelled")

	// ErrRetransmitLimit is returned when a message was not acknowledged
	// within the retransmission budget.
	ErrRetransmitLimit = errors.New("abp: max retransmissions exceeded")

	// ErrClosed is returned by a closed Sender.
	ErrClosed = errors.New("abp: sender closed")

	// ErrNotReserved is returned when Transmit or Abort is called for a
	// sequence bit that was not reserved by Begin.
	ErrNotReserved = errors.New("abp: sequence bit not reserved")

	// ErrBusy is returned by Rewind while a message is reserved or in flight.
	ErrBusy = errors.New("abp: message in flight")
)
