// Package message implements the THP packet layer: the control byte, the init
// and continuation packet headers, splitting a transport message into
// fixed-size packets and reassembling it on the receiving side.
//
// A transport message on the wire is
//
//	ctrl(1) | cid(2) | length(2) | payload | crc32(4)
//
// where length covers the payload and the checksum. Messages longer than one
// packet continue in packets that start with a 3-byte continuation header
// (0x80 followed by the channel ID). Every packet is padded to the packet size
// of the underlying transport.
package message

import "fmt"

// ControlByte is the first byte of an init packet. It encodes the message
// class together with the sequence and acknowledgement bits.
type ControlByte uint8

// Message classes.
const (
	// HandshakeInitRequest carries the host ephemeral key (TH1).
	HandshakeInitRequest ControlByte = 0x00

	// HandshakeInitResponse carries the device ephemeral and encrypted static key.
	HandshakeInitResponse ControlByte = 0x01

	// HandshakeCompletionRequest carries the encrypted host static key and
	// the Noise payload (TH2).
	HandshakeCompletionRequest ControlByte = 0x02

	// HandshakeCompletionResponse carries the encrypted device state byte.
	HandshakeCompletionResponse ControlByte = 0x03

	// EncryptedTransport carries an AEAD-encrypted session message.
	EncryptedTransport ControlByte = 0x04

	// Ack acknowledges a data message. The ack bit selects which.
	Ack ControlByte = 0x20

	// ChannelAllocationRequest asks the device for a new channel.
	ChannelAllocationRequest ControlByte = 0x40

	// ChannelAllocationResponse returns the new channel ID.
	ChannelAllocationResponse ControlByte = 0x41

	// TransportError carries a one-byte ErrorCode.
	TransportError ControlByte = 0x42

	// Continuation marks a continuation packet.
	Continuation ControlByte = 0x80
)

const (
	seqBitMask  ControlByte = 0x10
	ackBitMask  ControlByte = 0x08
	dataMask    ControlByte = 0xE7
	ackMask     ControlByte = 0xF7
	contMask    ControlByte = 0x80
	seqBitShift             = 4
	ackBitShift             = 3
)

// SeqBit returns the sequence bit (0 or 1).
func (c ControlByte) SeqBit() uint8 {
	return uint8((c & seqBitMask) >> seqBitShift)
}

// AckBit returns the acknowledgement bit (0 or 1).
func (c ControlByte) AckBit() uint8 {
	return uint8((c & ackBitMask) >> ackBitShift)
}

// WithSeqBit returns c with the sequence bit set to bit.
func (c ControlByte) WithSeqBit(bit uint8) ControlByte {
	if bit&1 == 1 {
		return c | seqBitMask
	}
	return c &^ seqBitMask
}

// WithAckBit returns c with the acknowledgement bit set to bit.
func (c ControlByte) WithAckBit(bit uint8) ControlByte {
	if bit&1 == 1 {
		return c | ackBitMask
	}
	return c &^ ackBitMask
}

// AckFor returns the control byte of an ACK acknowledging bit.
func AckFor(bit uint8) ControlByte {
	return Ack.WithAckBit(bit)
}

// Class returns the message class with sequence and ack bits cleared.
func (c ControlByte) Class() ControlByte {
	switch {
	case c.IsContinuation():
		return Continuation
	case c.IsAck():
		return Ack
	case c&0xF0 == 0x40:
		return c
	default:
		return c & dataMask
	}
}

// IsContinuation reports whether c starts a continuation packet.
func (c ControlByte) IsContinuation() bool { return c&contMask == Continuation }

// IsAck reports whether c is an ACK.
func (c ControlByte) IsAck() bool { return c&ackMask == Ack }

// IsError reports whether c is a transport error.
func (c ControlByte) IsError() bool { return c == TransportError }

// IsChannelAllocationRequest reports whether c requests a new channel.
func (c ControlByte) IsChannelAllocationRequest() bool { return c == ChannelAllocationRequest }

// IsChannelAllocationResponse reports whether c answers a channel allocation.
func (c ControlByte) IsChannelAllocationResponse() bool { return c == ChannelAllocationResponse }

// IsHandshakeInitRequest reports whether c is a TH1 request.
func (c ControlByte) IsHandshakeInitRequest() bool { return c&dataMask == HandshakeInitRequest }

// IsHandshakeInitResponse reports whether c is a TH1 response.
func (c ControlByte) IsHandshakeInitResponse() bool { return c&dataMask == HandshakeInitResponse }

// IsHandshakeCompletionRequest reports whether c is a TH2 request.
func (c ControlByte) IsHandshakeCompletionRequest() bool {
	return c&dataMask == HandshakeCompletionRequest
}

// IsHandshakeCompletionResponse reports whether c is a TH2 response.
func (c ControlByte) IsHandshakeCompletionResponse() bool {
	return c&dataMask == HandshakeCompletionResponse
}

// IsEncryptedTransport reports whether c carries an encrypted session message.
func (c ControlByte) IsEncryptedTransport() bool { return c&dataMask == EncryptedTransport }

// IsData reports whether c belongs to a class that carries a sequence bit
// and must be acknowledged.
func (c ControlByte) IsData() bool {
	if c.IsContinuation() || c&0xE0 != 0 {
		return false
	}
	return c&dataMask <= EncryptedTransport
}

// String returns a human-readable name for the control byte.
func (c ControlByte) String() string {
	var name string
	switch c.Class() {
	case HandshakeInitRequest:
		name = "HandshakeInitRequest"
	case HandshakeInitResponse:
		name = "HandshakeInitResponse"
	case HandshakeCompletionRequest:
		name = "HandshakeCompletionRequest"
	case HandshakeCompletionResponse:
		name = "HandshakeCompletionResponse"
	case EncryptedTransport:
		name = "EncryptedTransport"
	case Ack:
		return fmt.Sprintf("Ack(%d)", c.AckBit())
	case ChannelAllocationRequest:
		return "ChannelAllocationRequest"
	case ChannelAllocationResponse:
		return "ChannelAllocationResponse"
	case TransportError:
		return "TransportError"
	case Continuation:
		return "Continuation"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", uint8(c))
	}
	return fmt.Sprintf("%s(seq=%d)", name, c.SeqBit())
}

// ErrorCode is the one-byte payload of a TransportError message.
type ErrorCode uint8

const (
	// ErrorTransportBusy: another host is in the middle of a handshake.
	ErrorTransportBusy ErrorCode = 1

	// ErrorUnallocatedChannel: the channel ID is unknown or was invalidated.
	ErrorUnallocatedChannel ErrorCode = 2

	// ErrorDecryptionFailed: an encrypted message failed authentication.
	ErrorDecryptionFailed ErrorCode = 3

	// ErrorInvalidData: the message is malformed for the channel state.
	ErrorInvalidData ErrorCode = 4

	// ErrorDeviceLocked: the device must be unlocked before a handshake.
	ErrorDeviceLocked ErrorCode = 5
)

// String returns the wire name of the error code.
func (e ErrorCode) String() string {
	switch e {
	case ErrorTransportBusy:
		return "TRANSPORT_BUSY"
	case ErrorUnallocatedChannel:
		return "UNALLOCATED_CHANNEL"
	case ErrorDecryptionFailed:
		return "DECRYPTION_FAILED"
	case ErrorInvalidData:
		return "INVALID_DATA"
	case ErrorDeviceLocked:
		return "DEVICE_LOCKED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(e))
	}
}

// IsValid reports whether e is a defined error code.
func (e ErrorCode) IsValid() bool {
	return e >= ErrorTransportBusy && e <= ErrorDeviceLocked
}
