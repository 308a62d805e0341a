package message

import (
	"encoding/binary"

	"github.com/backkem/thp/pkg/checksum"
)

// Wire format constants.
const (
	// InitHeaderSize is the size of the header of the first packet.
	InitHeaderSize = 5

	// ContinuationHeaderSize is the size of the header of continuation packets.
	ContinuationHeaderSize = 3

	// ChecksumSize is the size of the trailing CRC-32.
	ChecksumSize = checksum.Size

	// MaxPayloadLength caps the length field of a message.
	MaxPayloadLength = 60000

	// SessionIDSize is the size of the session ID in encrypted payloads.
	SessionIDSize = 1

	// MessageTypeSize is the size of the message type in encrypted payloads.
	MessageTypeSize = 2

	// BroadcastChannelID addresses every host during channel allocation.
	BroadcastChannelID uint16 = 0xFFFF

	// DefaultPacketSize is the packet size of USB HID and the UDP emulator.
	DefaultPacketSize = 64
)

// Header is the init packet header.
type Header struct {
	// Control encodes the message class and the sequence/ack bits.
	Control ControlByte

	// ChannelID identifies the channel, BroadcastChannelID during allocation.
	ChannelID uint16

	// Length is the number of bytes following the header, including the
	// 4-byte checksum.
	Length uint16
}

// NewHeader builds a header for a payload of payloadLen bytes.
func NewHeader(ctrl ControlByte, cid uint16, payloadLen int) Header {
	return Header{Control: ctrl, ChannelID: cid, Length: uint16(payloadLen + ChecksumSize)}
}

// PayloadLength returns the payload length without the checksum.
func (h Header) PayloadLength() int {
	if int(h.Length) < ChecksumSize {
		return 0
	}
	return int(h.Length) - ChecksumSize
}

// Encode returns the 5-byte encoding of h.
func (h Header) Encode() []byte {
	buf := make([]byte, InitHeaderSize)
	h.EncodeTo(buf)
	return buf
}

// EncodeTo writes the header into buf and returns the number of bytes written.
// buf must hold at least InitHeaderSize bytes.
func (h Header) EncodeTo(buf []byte) int {
	buf[0] = byte(h.Control)
	binary.BigEndian.PutUint16(buf[1:3], h.ChannelID)
	binary.BigEndian.PutUint16(buf[3:5], h.Length)
	return InitHeaderSize
}

// EncodeContinuationTo writes the continuation header for h's channel into buf.
func (h Header) EncodeContinuationTo(buf []byte) int {
	buf[0] = byte(Continuation)
	binary.BigEndian.PutUint16(buf[1:3], h.ChannelID)
	return ContinuationHeaderSize
}

// Decode parses an init header from data.
func (h *Header) Decode(data []byte) (int, error) {
	if len(data) < InitHeaderSize {
		return 0, ErrPacketTooShort
	}
	h.Control = ControlByte(data[0])
	h.ChannelID = binary.BigEndian.Uint16(data[1:3])
	h.Length = binary.BigEndian.Uint16(data[3:5])
	return InitHeaderSize, nil
}

// Validate checks the length field.
func (h Header) Validate() error {
	if int(h.Length) < ChecksumSize {
		return ErrInvalidLength
	}
	if h.PayloadLength() > MaxPayloadLength {
		return ErrPayloadTooLong
	}
	return nil
}

// PeekChannelID returns the channel ID of any packet, init or continuation.
func PeekChannelID(packet []byte) (uint16, error) {
	if len(packet) < ContinuationHeaderSize {
		return 0, ErrPacketTooShort
	}
	return binary.BigEndian.Uint16(packet[1:3]), nil
}
