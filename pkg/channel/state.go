// Package channel implements the device side of THP channels.
//
// A Channel is one host connection: it owns the channel ID, the alternating
// bit state of both directions, the transport keys produced by the
// handshake, the sessions multiplexed over it and, while the channel is not
// yet trusted, the pairing context. Its receive path acknowledges data
// messages before dispatching them according to the channel state:
//
//	UNALLOCATED -> TH1 -> TH2 -> TC1 ----------------> ENCRYPTED_TRANSPORT
//	                         \-> TP0 -> ... -> TP4 --/
//
// Any cryptographic failure or state violation resets the channel; keys,
// sessions and pairing state are destroyed and the host has to allocate a
// new channel.
//
// The Manager is the arena of channels sharing one transport. It allocates
// channel IDs, evicts the least recently used channel when full and guards
// handshakes with the transport busy lock.
package channel

import "fmt"

// State is the state of a channel.
type State int

// Channel states.
const (
	StateUnallocated State = iota
	StateTH1
	StateTH2
	StateEncryptedTransport
	StateTP0
	StateTP1
	StateTP2
	StateTP3
	StateTP4
	StateTC1
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUnallocated:
		return "UNALLOCATED"
	case StateTH1:
		return "TH1"
	case StateTH2:
		return "TH2"
	case StateEncryptedTransport:
		return "ENCRYPTED_TRANSPORT"
	case StateTP0:
		return "TP0"
	case StateTP1:
		return "TP1"
	case StateTP2:
		return "TP2"
	case StateTP3:
		return "TP3"
	case StateTP4:
		return "TP4"
	case StateTC1:
		return "TC1"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// IsHandshake reports whether s is TH1 or TH2.
func (s State) IsHandshake() bool {
	return s == StateTH1 || s == StateTH2
}

// IsPairing reports whether s is one of TP0..TP4 or TC1.
func (s State) IsPairing() bool {
	return s >= StateTP0 && s <= StateTC1
}

// IsPreTransport reports whether a channel in s is still establishing
// trust and therefore subject to the transport busy lock.
func (s State) IsPreTransport() bool {
	return s.IsHandshake() || s.IsPairing()
}
