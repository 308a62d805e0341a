package session

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/backkem/thp/pkg/message"
	"github.com/backkem/thp/pkg/payload"
	"github.com/pion/logging"
)

// DefaultMailboxDepth is the number of messages a session buffers before
// Deliver fails.
const DefaultMailboxDepth = 8

// Writer sends a session message over the owning channel. It blocks until
// the message was acknowledged or ctx ends.
type Writer interface {
	WriteMessage(ctx context.Context, sessionID uint8, msg message.Message) error
}

// Handler processes one message of a session.
//
// Returning an *UnexpectedMessageError makes the loop handle the carried
// message next. Returning a *payload.Failure sends it to the host.
type Handler interface {
	Handle(ctx context.Context, s *Session, msg message.Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, s *Session, msg message.Message) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, s *Session, msg message.Message) error {
	return f(ctx, s, msg)
}

// Config configures a Session.
type Config struct {
	ID           uint8
	ChannelID    uint16
	State        State
	Writer       Writer
	MailboxDepth int
	// Values restores application data of a resumed session.
	Values        map[string][]byte
	Now           func() time.Time
	LoggerFactory logging.LoggerFactory
}

// Session is one logical conversation on a channel.
type Session struct {
	id        uint8
	channelID uint16
	writer    Writer
	now       func() time.Time
	log       logging.LeveledLogger

	mailbox chan message.Message
	closeCh chan struct{}
	done    chan struct{}

	mu       sync.Mutex
	state    State
	lastUsed time.Time
	values   map[string][]byte
	running  bool
	cancel   context.CancelFunc
	closed   bool
}

// New creates a session. The handle loop is started with Run.
func New(config Config) *Session {
	if config.MailboxDepth <= 0 {
		config.MailboxDepth = DefaultMailboxDepth
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	values := make(map[string][]byte, len(config.Values))
	for k, v := range config.Values {
		values[k] = append([]byte(nil), v...)
	}
	return &Session{
		id:        config.ID,
		channelID: config.ChannelID,
		writer:    config.Writer,
		now:       config.Now,
		log:       config.LoggerFactory.NewLogger("thp-session"),
		mailbox:   make(chan message.Message, config.MailboxDepth),
		closeCh:   make(chan struct{}),
		done:      make(chan struct{}),
		state:     config.State,
		lastUsed:  config.Now(),
		values:    values,
	}
}

// ID returns the session ID.
func (s *Session) ID() uint8 { return s.id }

// ChannelID returns the ID of the owning channel.
func (s *Session) ChannelID() uint16 { return s.channelID }

// State returns the allocation state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState changes the allocation state.
func (s *Session) SetState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// LastUsed returns when the session last received or sent a message.
func (s *Session) LastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// Touch updates the last used time.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastUsed = s.now()
	s.mu.Unlock()
}

// Value returns application data stored under key.
func (s *Session) Value(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// SetValue stores application data under key. Storing application data
// moves a seedless session to ALLOCATED.
func (s *Session) SetValue(key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = append([]byte(nil), value...)
	if s.state == StateSeedless {
		s.state = StateAllocated
	}
}

// Record returns a snapshot suitable for a Store.
func (s *Session) Record() *Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := &Record{
		ChannelID: s.channelID,
		SessionID: s.id,
		State:     s.state,
		LastUsed:  s.lastUsed,
		Values:    make(map[string][]byte, len(s.values)),
	}
	for k, v := range s.values {
		r.Values[k] = append([]byte(nil), v...)
	}
	return r
}

// Deliver puts a received message into the mailbox. It never blocks: the
// channel receive path must stay free to process ACKs.
func (s *Session) Deliver(msg message.Message) error {
	select {
	case <-s.closeCh:
		return ErrClosed
	default:
	}
	select {
	case s.mailbox <- msg:
		s.Touch()
		return nil
	default:
		return ErrMailboxFull
	}
}

// Read waits for the next message. When types is not empty, a message of
// any other type is returned as an *UnexpectedMessageError.
func (s *Session) Read(ctx context.Context, types ...uint16) (message.Message, error) {
	select {
	case msg := <-s.mailbox:
		if len(types) > 0 && !slices.Contains(types, msg.Type) {
			return message.Message{}, &UnexpectedMessageError{Msg: msg}
		}
		return msg, nil
	case <-s.closeCh:
		return message.Message{}, ErrClosed
	case <-ctx.Done():
		return message.Message{}, ctx.Err()
	}
}

// Write sends msg to the host and waits for its acknowledgement.
func (s *Session) Write(ctx context.Context, msg message.Message) error {
	if s.writer == nil {
		return ErrNoWriter
	}
	select {
	case <-s.closeCh:
		return ErrClosed
	default:
	}
	s.Touch()
	return s.writer.WriteMessage(ctx, s.id, msg)
}

// WriteFailure sends a Failure message.
func (s *Session) WriteFailure(ctx context.Context, f *payload.Failure) error {
	return s.Write(ctx, payload.Encode(f))
}

// Run is the handle loop. It returns when ctx ends or the session is
// closed.
func (s *Session) Run(ctx context.Context, handler Handler) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.mu.Unlock()

	defer close(s.done)
	defer cancel()

	var next *message.Message
	for {
		var msg message.Message
		if next != nil {
			msg, next = *next, nil
		} else {
			var err error
			msg, err = s.Read(ctx)
			if err != nil {
				return err
			}
		}

		err := handler.Handle(ctx, s, msg)
		if err == nil {
			continue
		}

		var unexpected *UnexpectedMessageError
		var failure *payload.Failure
		switch {
		case errors.As(err, &unexpected):
			s.log.Debugf("channel %04x session %d: restarting with message type %d", s.channelID, s.id, unexpected.Msg.Type)
			m := unexpected.Msg
			next = &m
		case errors.As(err, &failure):
			if werr := s.WriteFailure(ctx, failure); werr != nil && !s.stopped(ctx) {
				s.log.Warnf("channel %04x session %d: failed to send failure: %v", s.channelID, s.id, werr)
			}
		case s.stopped(ctx):
			if s.isClosed() {
				return ErrClosed
			}
			return ctx.Err()
		default:
			s.log.Errorf("channel %04x session %d: handler error: %v", s.channelID, s.id, err)
		}
	}
}

// Start runs the handle loop in a new goroutine.
func (s *Session) Start(ctx context.Context, handler Handler) {
	go func() {
		if err := s.Run(ctx, handler); err != nil && !errors.Is(err, ErrClosed) && !errors.Is(err, context.Canceled) {
			s.log.Debugf("channel %04x session %d: loop ended: %v", s.channelID, s.id, err)
		}
	}()
}

// Done is closed when a started handle loop has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) stopped(ctx context.Context) bool {
	return ctx.Err() != nil || s.isClosed()
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closeCh:
		return true
	default:
		return false
	}
}

// Close stops the handle loop and cancels a pending Write.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.closeCh)
	if s.cancel != nil {
		s.cancel()
	}
	if !s.running {
		close(s.done)
	}
}
