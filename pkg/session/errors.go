package session

import (
	"errors"
	"fmt"

	"github.com/backkem/thp/pkg/message"
)

// Session errors.
var (
	ErrClosed           = errors.New("session: closed")
	ErrMailboxFull      = errors.New("session: mailbox full")
	ErrNotFound         = errors.New("session: not found")
	ErrDuplicateSession = errors.New("session: duplicate session ID")
	ErrNoWriter         = errors.New("session: no writer")
	ErrAlreadyRunning   = errors.New("session: handle loop already running")
)

// UnexpectedMessageError is returned by Read when a message of a type the
// caller did not ask for arrives. The session loop restarts with Msg as the
// next message to handle.
type UnexpectedMessageError struct {
	Msg message.Message
}

func (e *UnexpectedMessageError) Error() string {
	return fmt.Sprintf("session: unexpected message type %d", e.Msg.Type)
}
