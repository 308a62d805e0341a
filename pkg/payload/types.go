package payload

import "fmt"

// MessageType is the 16-bit type number carried in front of every session
// message.
type MessageType uint16

// Message types.
const (
	TypePing    MessageType = 1
	TypeSuccess MessageType = 2
	TypeFailure MessageType = 3
	TypeCancel  MessageType = 20

	TypePairingRequest              MessageType = 1006
	TypePairingRequestApproved      MessageType = 1007
	TypeSelectMethod                MessageType = 1008
	TypePairingPreparationsFinished MessageType = 1009
	TypeCredentialRequest           MessageType = 1010
	TypeCredentialResponse          MessageType = 1011
	TypeEndRequest                  MessageType = 1012
	TypeEndResponse                 MessageType = 1013
	TypeCodeEntryCommitment         MessageType = 1016
	TypeCodeEntryChallenge          MessageType = 1017
	TypeCodeEntryPakeTrezor         MessageType = 1018
	TypeCodeEntryTag                MessageType = 1019
	TypeCodeEntrySecret             MessageType = 1020
	TypeQrCodeTag                   MessageType = 1024
	TypeQrCodeSecret                MessageType = 1025
	TypeNfcTagHost                  MessageType = 1032
	TypeNfcTagTrezor                MessageType = 1033
)

var typeNames = map[MessageType]string{
	TypePing:                        "Ping",
	TypeSuccess:                     "Success",
	TypeFailure:                     "Failure",
	TypeCancel:                      "Cancel",
	TypePairingRequest:              "PairingRequest",
	TypePairingRequestApproved:      "PairingRequestApproved",
	TypeSelectMethod:                "SelectMethod",
	TypePairingPreparationsFinished: "PairingPreparationsFinished",
	TypeCredentialRequest:           "CredentialRequest",
	TypeCredentialResponse:          "CredentialResponse",
	TypeEndRequest:                  "EndRequest",
	TypeEndResponse:                 "EndResponse",
	TypeCodeEntryCommitment:         "CodeEntryCommitment",
	TypeCodeEntryChallenge:          "CodeEntryChallenge",
	TypeCodeEntryPakeTrezor:         "CodeEntryPakeTrezor",
	TypeCodeEntryTag:                "CodeEntryTag",
	TypeCodeEntrySecret:             "CodeEntrySecret",
	TypeQrCodeTag:                   "QrCodeTag",
	TypeQrCodeSecret:                "QrCodeSecret",
	TypeNfcTagHost:                  "NfcTagHost",
	TypeNfcTagTrezor:                "NfcTagTrezor",
}

// String returns the message name.
func (t MessageType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MessageType(%d)", uint16(t))
}

// IsPairing reports whether t belongs to the pairing sub-protocol.
func (t MessageType) IsPairing() bool {
	return t >= TypePairingRequest && t <= TypeNfcTagTrezor
}

// FailureType is the code of a Failure message.
type FailureType uint32

// Failure codes.
const (
	FailureUnexpectedMessage     FailureType = 1
	FailureDataError             FailureType = 3
	FailureActionCancelled       FailureType = 4
	FailureProcessError          FailureType = 9
	FailureInvalidSession        FailureType = 14
	FailureBusy                  FailureType = 15
	FailureThpUnallocatedSession FailureType = 16
	FailureFirmwareError         FailureType = 99
)

// String returns the failure code name.
func (f FailureType) String() string {
	switch f {
	case FailureUnexpectedMessage:
		return "UnexpectedMessage"
	case FailureDataError:
		return "DataError"
	case FailureActionCancelled:
		return "ActionCancelled"
	case FailureProcessError:
		return "ProcessError"
	case FailureInvalidSession:
		return "InvalidSession"
	case FailureBusy:
		return "Busy"
	case FailureThpUnallocatedSession:
		return "ThpUnallocatedSession"
	case FailureFirmwareError:
		return "FirmwareError"
	default:
		return fmt.Sprintf("FailureType(%d)", uint32(f))
	}
}

// PairingMethod is a pairing method advertised in DeviceProperties and
// chosen with SelectMethod.
type PairingMethod uint32

// Pairing methods.
const (
	MethodSkipPairing PairingMethod = 1
	MethodCodeEntry   PairingMethod = 2
	MethodQrCode      PairingMethod = 3
	MethodNFC         PairingMethod = 4
)

// String returns the method name.
func (m PairingMethod) String() string {
	switch m {
	case MethodSkipPairing:
		return "SkipPairing"
	case MethodCodeEntry:
		return "CodeEntry"
	case MethodQrCode:
		return "QrCode"
	case MethodNFC:
		return "NFC"
	default:
		return fmt.Sprintf("PairingMethod(%d)", uint32(m))
	}
}
