package device

import (
	"context"

	"github.com/backkem/thp/pkg/message"
	"github.com/backkem/thp/pkg/payload"
	"github.com/backkem/thp/pkg/session"
)

// DefaultHandler answers Ping with Success and everything else with an
// UnexpectedMessage failure.
var DefaultHandler session.Handler = session.HandlerFunc(handleDefault)

func handleDefault(ctx context.Context, s *session.Session, msg message.Message) error {
	switch payload.MessageType(msg.Type) {
	case payload.TypePing:
		var ping payload.Ping
		if err := ping.Unmarshal(msg.Data); err != nil {
			return &payload.Failure{Code: payload.FailureDataError, Message: err.Error()}
		}
		return s.Write(ctx, payload.Encode(&payload.Success{Message: ping.Message}))
	default:
		return &payload.Failure{
			Code:    payload.FailureUnexpectedMessage,
			Message: "unexpected message " + payload.MessageType(msg.Type).String(),
		}
	}
}
