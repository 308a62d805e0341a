// Package payload encodes the protobuf messages the THP core speaks itself:
// device properties, the handshake Noise payload, pairing credentials, the
// pairing sub-protocol and the few application messages the device answers
// without a higher layer (Ping, Success, Failure, Cancel).
//
// Messages are encoded with protowire directly. Unknown fields are skipped on
// decode and zero values are omitted on encode, matching proto3.
package payload

import (
	"fmt"

	"github.com/backkem/thp/pkg/message"
)

// Message is a typed THP protobuf message.
type Message interface {
	// MessageType returns the wire message type number.
	MessageType() MessageType

	// Marshal returns the protobuf encoding.
	Marshal() []byte

	// Unmarshal decodes b into the message.
	Unmarshal(b []byte) error
}

// Encode wraps m into a session message.
func Encode(m Message) message.Message {
	return message.Message{Type: uint16(m.MessageType()), Data: m.Marshal()}
}

// Decode decodes a session message into its typed form.
func Decode(msg message.Message) (Message, error) {
	m := New(MessageType(msg.Type))
	if m == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, msg.Type)
	}
	if err := m.Unmarshal(msg.Data); err != nil {
		return nil, err
	}
	return m, nil
}

// DecodeAs decodes msg into dst, checking the message type.
func DecodeAs(msg message.Message, dst Message) error {
	if MessageType(msg.Type) != dst.MessageType() {
		return fmt.Errorf("%w: got %s, want %s", ErrTypeMismatch, MessageType(msg.Type), dst.MessageType())
	}
	return dst.Unmarshal(msg.Data)
}

// New returns an empty message of type t, or nil if t is unknown.
func New(t MessageType) Message {
	switch t {
	case TypePing:
		return &Ping{}
	case TypeSuccess:
		return &Success{}
	case TypeFailure:
		return &Failure{}
	case TypeCancel:
		return &Cancel{}
	case TypePairingRequest:
		return &PairingRequest{}
	case TypePairingRequestApproved:
		return &PairingRequestApproved{}
	case TypeSelectMethod:
		return &SelectMethod{}
	case TypePairingPreparationsFinished:
		return &PairingPreparationsFinished{}
	case TypeCredentialRequest:
		return &CredentialRequest{}
	case TypeCredentialResponse:
		return &CredentialResponse{}
	case TypeEndRequest:
		return &EndRequest{}
	case TypeEndResponse:
		return &EndResponse{}
	case TypeCodeEntryCommitment:
		return &CodeEntryCommitment{}
	case TypeCodeEntryChallenge:
		return &CodeEntryChallenge{}
	case TypeCodeEntryPakeTrezor:
		return &CodeEntryPakeTrezor{}
	case TypeCodeEntryTag:
		return &CodeEntryTag{}
	case TypeCodeEntrySecret:
		return &CodeEntrySecret{}
	case TypeQrCodeTag:
		return &QrCodeTag{}
	case TypeQrCodeSecret:
		return &QrCodeSecret{}
	case TypeNfcTagHost:
		return &NfcTagHost{}
	case TypeNfcTagTrezor:
		return &NfcTagTrezor{}
	}
	return nil
}
