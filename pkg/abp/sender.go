// Package abp implements the alternating bit protocol used by THP channels:
// stop-and-wait reliability with one sequence bit per direction.
//
// A Sender allows one data message in flight. Writers reserve the next
// sequence bit with Begin, which blocks until the previous message was
// acknowledged, then Transmit the message, which resends it at a fixed
// interval until a matching ACK arrives through Ack, the transmission is
// cancelled, or the retransmission budget is exhausted.
//
// A Receiver tracks the bit expected on the next incoming message so that
// retransmitted duplicates are acknowledged again but not delivered twice.
package abp

import (
	"context"
	"sync"
	"time"

	"github.com/pion/logging"
)

// Sender serializes outgoing data messages of one channel.
type Sender struct {
	params Params
	log    logging.LeveledLogger

	slot    chan struct{}
	closeCh chan struct{}

	mu        sync.Mutex
	nextBit   uint8
	reserved  bool
	inflight  *inflight
	closed    bool
	transmits int
}

type inflight struct {
	bit       uint8
	acked     chan struct{}
	cancelled chan struct{}
	once      sync.Once
}

func (f *inflight) cancel() {
	f.once.Do(func() { close(f.cancelled) })
}

// NewSender creates a Sender whose first message carries sequence bit 0.
func NewSender(params Params, loggerFactory logging.LoggerFactory) *Sender {
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	s := &Sender{
		params:  params.WithDefaults(),
		log:     loggerFactory.NewLogger("thp-abp"),
		slot:    make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}
	s.slot <- struct{}{}
	return s
}

// Begin waits until sending is allowed and reserves the next sequence bit.
// The caller must follow up with Transmit or Abort.
func (s *Sender) Begin(ctx context.Context) (uint8, error) {
	select {
	case <-s.slot:
	case <-s.closeCh:
		return 0, ErrClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.releaseLocked()
		return 0, ErrClosed
	}
	s.reserved = true
	return s.nextBit, nil
}

// Abort gives up a reservation without transmitting.
func (s *Sender) Abort(bit uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.reserved || bit != s.nextBit {
		return
	}
	s.releaseLocked()
}

// Transmit sends a reserved message by calling write, then calls write again
// every RetransmitInterval until the message is acknowledged. It returns nil
// once Ack(bit) was observed. The sequence bit flips as soon as the message
// is first written, whether or not it is eventually acknowledged.
func (s *Sender) Transmit(ctx context.Context, bit uint8, write func() error) error {
	s.mu.Lock()
	if !s.reserved || bit != s.nextBit {
		s.mu.Unlock()
		return ErrNotReserved
	}
	f := &inflight{
		bit:       bit,
		acked:     make(chan struct{}),
		cancelled: make(chan struct{}),
	}
	s.inflight = f
	s.nextBit ^= 1
	s.transmits = 0
	s.mu.Unlock()

	defer s.finish(f)

	if err := s.write(write); err != nil {
		return err
	}

	ticker := time.NewTicker(s.params.RetransmitInterval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-f.acked:
			return nil
		case <-f.cancelled:
			return ErrCancelled
		case <-s.closeCh:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if attempt > s.params.MaxRetransmissions {
			s.log.Warnf("giving up on seq=%d after %d retransmissions", bit, attempt-1)
			return ErrRetransmitLimit
		}
		s.log.Debugf("retransmitting seq=%d attempt=%d", bit, attempt)
		if err := s.write(write); err != nil {
			return err
		}
	}
}

func (s *Sender) write(write func() error) error {
	s.mu.Lock()
	s.transmits++
	s.mu.Unlock()
	return write()
}

func (s *Sender) finish(f *inflight) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight == f {
		s.inflight = nil
	}
	s.releaseLocked()
}

func (s *Sender) releaseLocked() {
	if !s.reserved {
		return
	}
	s.reserved = false
	select {
	case s.slot <- struct{}{}:
	default:
	}
}

// Ack handles an incoming ACK. It reports whether the ACK matched the
// message in flight, which then stops being retransmitted.
func (s *Sender) Ack(bit uint8) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.inflight
	if f == nil || f.bit != bit&1 {
		return false
	}
	s.inflight = nil
	close(f.acked)
	return true
}

// Rewind makes the next message carry bit again. It is used after the peer
// rejected an unacknowledged message that will be sent anew, such as a
// handshake refused with TRANSPORT_BUSY.
func (s *Sender) Rewind(bit uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reserved || s.inflight != nil {
		return ErrBusy
	}
	s.nextBit = bit & 1
	return nil
}

// InFlight reports whether a message is waiting for its ACK.
func (s *Sender) InFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight != nil
}

// Transmissions returns how often the current or last message was written.
func (s *Sender) Transmissions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transmits
}

// NextSeqBit returns the sequence bit the next message will carry.
func (s *Sender) NextSeqBit() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextBit
}

// Cancel stops the retransmission loop of the message in flight, if any.
func (s *Sender) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight != nil {
		s.inflight.cancel()
	}
}

// Close cancels any message in flight and fails all future calls.
func (s *Sender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.inflight != nil {
		s.inflight.cancel()
	}
	close(s.closeCh)
}
