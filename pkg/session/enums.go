// Package session implements THP sessions: independent logical
// conversations multiplexed over one encrypted channel by a one-byte
// session ID.
//
// Each Session owns a mailbox filled by the channel receive path and a
// handle loop (Run) that feeds messages to a Handler. Replies go back
// through the channel Writer. A per-channel Table holds the sessions of a
// channel, and a Store persists session records so a session ID can be
// resumed on a later message.
package session

import "fmt"

// State is the allocation state of a session.
type State uint8

const (
	// StateUnallocated marks a session that was torn down. Messages for it
	// are answered with a ThpUnallocatedSession failure.
	StateUnallocated State = iota

	// StateSeedless is a session created implicitly by a message for an
	// unknown session ID.
	StateSeedless

	// StateAllocated is a session with application state attached.
	StateAllocated
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUnallocated:
		return "UNALLOCATED"
	case StateSeedless:
		return "SEEDLESS"
	case StateAllocated:
		return "ALLOCATED"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}
