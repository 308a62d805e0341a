package message

import "fmt"

// Message is an application message exchanged with a session: a numeric
// type and an opaque payload.
type Message struct {
	Type uint16
	Data []byte
}

// String returns a short description of the message.
func (m Message) String() string {
	return fmt.Sprintf("Message(type=%d, len=%d)", m.Type, len(m.Data))
}
