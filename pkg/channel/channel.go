package channel

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/backkem/thp/pkg/abp"
	"github.com/backkem/thp/pkg/credential"
	"github.com/backkem/thp/pkg/handshake"
	"github.com/backkem/thp/pkg/message"
	"github.com/backkem/thp/pkg/pairing"
	"github.com/backkem/thp/pkg/payload"
	"github.com/backkem/thp/pkg/session"
	"github.com/pion/logging"
)

// Channel is one host connection.
type Channel struct {
	id  uint16
	mgr *Manager
	log logging.LeveledLogger

	sender   *abp.Sender
	receiver *abp.Receiver
	sessions *session.Table

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	state         State
	lastUsed      time.Time
	invalidated   bool
	responder     *handshake.Responder
	keys          *handshake.Keys
	handshakeHash []byte
	hostStatic    []byte
	credential    *credential.Credential
	pairing       *pairing.Context

	// writers counts sends holding the pooled write buffer.
	writers int
}

func newChannel(m *Manager, id uint16) *Channel {
	ctx, cancel := context.WithCancel(m.ctx)
	return &Channel{
		id:       id,
		mgr:      m,
		log:      m.config.LoggerFactory.NewLogger("thp-channel"),
		sender:   abp.NewSender(m.config.ABP, m.config.LoggerFactory),
		receiver: abp.NewReceiver(m.config.ABP),
		sessions: session.NewTable(m.config.MaxSessions),
		ctx:      ctx,
		cancel:   cancel,
		state:    StateTH1,
		lastUsed: m.now(),
	}
}

// ID returns the channel ID.
func (c *Channel) ID() uint16 { return c.id }

// State returns the channel state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastUsed returns when the channel last received a message.
func (c *Channel) LastUsed() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}

// HandshakeHash returns a copy of the channel binding hash, or nil before
// the handshake completed.
func (c *Channel) HandshakeHash() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.handshakeHash...)
}

// HostStaticKey returns the host static key learned in the handshake.
func (c *Channel) HostStaticKey() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.hostStatic...)
}

// Credential returns the credential the host presented, or nil.
func (c *Channel) Credential() *credential.Credential {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.credential
}

// Sessions returns the session table.
func (c *Channel) Sessions() *session.Table { return c.sessions }

func (c *Channel) touch() {
	c.mu.Lock()
	c.lastUsed = c.mgr.now()
	c.mu.Unlock()
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	if c.state == StateUnallocated {
		c.mu.Unlock()
		return
	}
	old := c.state
	c.state = s
	c.mu.Unlock()

	if old != s {
		c.log.Debugf("channel %04x: %s -> %s", c.id, old, s)
	}
	if s == StateEncryptedTransport && old != s {
		c.mgr.onEncrypted(c)
	}
}

func (c *Channel) invalidate() {
	c.mu.Lock()
	c.invalidated = true
	responder := c.responder
	c.responder = nil
	c.mu.Unlock()
	responder.Wipe()
}

// HandleMessage processes one complete message addressed to the channel.
// Returned errors are informational: protocol errors have already been
// reported to the host and fatal ones have cleared the channel.
func (c *Channel) HandleMessage(ctx context.Context, f *message.Frame) error {
	c.touch()
	ctrl := f.Header.Control

	if ctrl.IsAck() {
		if c.sender.Ack(ctrl.AckBit()) {
			c.log.Tracef("channel %04x: ack %d", c.id, ctrl.AckBit())
		}
		return nil
	}
	if !ctrl.IsData() {
		return ErrIgnored
	}

	state := c.State()
	if state == StateUnallocated {
		return c.handleError(ctx, ErrUnallocatedChannel)
	}
	if !state.IsHandshake() && !ctrl.IsEncryptedTransport() {
		c.log.Warnf("channel %04x: ignoring %s in state %s", c.id, ctrl, state)
		return ErrIgnored
	}

	c.mu.Lock()
	invalidated := c.invalidated
	c.mu.Unlock()

	if state.IsPreTransport() && !invalidated && !c.mgr.acquireLock(c) {
		c.log.Infof("channel %04x: transport busy", c.id)
		if err := c.mgr.WriteError(ctx, c.id, message.ErrorTransportBusy); err != nil {
			return err
		}
		return ErrTransportBusy
	}

	bit := ctrl.SeqBit()
	if !c.receiver.Check(bit) {
		c.writeAck(ctx, bit)
		if c.receiver.Exceeded() {
			c.log.Warnf("channel %04x: %d consecutive sequence bit mismatches", c.id, c.receiver.Mismatches())
			c.Clear()
			return ErrTooManyMismatches
		}
		return ErrUnexpectedSeqBit
	}
	c.receiver.Advance()
	c.writeAck(ctx, bit)

	if invalidated {
		return c.handleError(ctx, ErrUnallocatedChannel)
	}
	return c.handleError(ctx, c.dispatch(ctx, state, f))
}

func (c *Channel) writeAck(ctx context.Context, bit uint8) {
	if err := c.mgr.WriteFrame(ctx, message.AckFor(bit), c.id, nil); err != nil {
		c.log.Warnf("channel %04x: failed to write ack: %v", c.id, err)
	}
}

// handleError reports err to the host as the receive algorithm requires.
func (c *Channel) handleError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}

	var unallocated *UnallocatedSessionError
	var perr *ProtocolError
	switch {
	case errors.As(err, &unallocated):
		c.log.Infof("channel %04x: %v", c.id, err)
		sid := unallocated.SessionID
		go func() {
			failure := &payload.Failure{Code: payload.FailureThpUnallocatedSession, Message: "unallocated session"}
			if werr := c.WriteMessage(c.ctx, sid, payload.Encode(failure)); werr != nil {
				c.log.Debugf("channel %04x: failed to report unallocated session: %v", c.id, werr)
			}
		}()
	case errors.As(err, &perr):
		c.log.Infof("channel %04x: %v", c.id, err)
		if werr := c.mgr.WriteError(ctx, c.id, perr.Code); werr != nil {
			c.log.Warnf("channel %04x: failed to write error: %v", c.id, werr)
		}
		if perr.ClearsChannel() {
			c.Clear()
		}
	default:
		c.log.Warnf("channel %04x: %v", c.id, err)
	}
	return err
}

func (c *Channel) dispatch(ctx context.Context, state State, f *message.Frame) error {
	ctrl := f.Header.Control
	switch state {
	case StateTH1:
		if !ctrl.IsHandshakeInitRequest() {
			return protocolError(message.ErrorInvalidData, fmt.Errorf("unexpected %s in %s", ctrl, state))
		}
		return c.handleInit(f.Payload)
	case StateTH2:
		if !ctrl.IsHandshakeCompletionRequest() {
			return protocolError(message.ErrorInvalidData, fmt.Errorf("unexpected %s in %s", ctrl, state))
		}
		return c.handleCompletion(f.Payload)
	default:
		return c.handleEncrypted(state, f.Payload)
	}
}

func (c *Channel) handleInit(hostEphemeral []byte) error {
	if len(hostEphemeral) != handshake.InitRequestSize {
		return protocolError(message.ErrorInvalidData, handshake.ErrInvalidKeyLength)
	}
	if !c.mgr.config.Unlocker.Unlocked() {
		return ErrDeviceLocked
	}

	responder, err := handshake.NewResponder(handshake.Config{
		StaticKey: c.mgr.config.StaticKey,
		Prologue:  c.mgr.properties,
		Random:    c.mgr.config.Random,
	})
	if err != nil {
		return err
	}
	resp, err := responder.HandleInit(append([]byte(nil), hostEphemeral...))
	if err != nil {
		return protocolError(message.ErrorInvalidData, err)
	}

	c.mu.Lock()
	c.responder = responder
	c.mu.Unlock()
	c.setState(StateTH2)

	c.sendAsync(message.HandshakeInitResponse, func() ([]byte, error) { return resp, nil })
	return nil
}

func (c *Channel) handleCompletion(msg []byte) error {
	c.mu.Lock()
	responder := c.responder
	c.mu.Unlock()
	if responder == nil {
		return ErrUnallocatedChannel
	}
	if !c.mgr.config.Unlocker.Unlocked() {
		return ErrDeviceLocked
	}
	if len(msg) < handshake.MinCompletionRequestSize {
		return protocolError(message.ErrorInvalidData, handshake.ErrInvalidMessage)
	}

	result, noisePayload, err := responder.HandleCompletion(append([]byte(nil), msg...))
	if err != nil {
		return protocolError(message.ErrorDecryptionFailed, err)
	}

	// An undecodable or invalid credential means "not paired".
	var cred *credential.Credential
	var req payload.HandshakeCompletionReqNoisePayload
	if err := req.Unmarshal(noisePayload); err != nil {
		c.log.Debugf("channel %04x: ignoring malformed handshake payload: %v", c.id, err)
	} else if len(req.HostPairingCredential) > 0 {
		cred, err = c.mgr.config.Credentials.Validate(req.HostPairingCredential, result.PeerStatic)
		if err != nil {
			c.log.Infof("channel %04x: credential rejected: %v", c.id, err)
			cred = nil
		}
	}

	deviceState := handshake.StateUnpaired
	next := StateTP0
	if cred != nil {
		next = StateTC1
		deviceState = handshake.StatePaired
		if cred.Autoconnect {
			deviceState = handshake.StatePairedAutoconnect
		}
	}

	c.mu.Lock()
	c.responder = nil
	c.keys = result.Keys
	c.handshakeHash = result.HandshakeHash
	c.hostStatic = result.PeerStatic
	c.credential = cred
	c.mu.Unlock()

	c.startPairing(result, cred)
	c.setState(next)
	c.log.Infof("channel %04x: handshake complete, %s", c.id, deviceState)

	c.sendAsync(message.HandshakeCompletionResponse, func() ([]byte, error) {
		return result.CompletionResponse(deviceState)
	})
	return nil
}

func (c *Channel) startPairing(result *handshake.Result, cred *credential.Credential) {
	p := pairing.NewContext(pairing.Config{
		ChannelID:       c.id,
		Writer:          c,
		UI:              c.mgr.config.UI,
		Credentials:     c.mgr.config.Credentials,
		Properties:      c.mgr.config.Properties,
		HandshakeHash:   result.HandshakeHash,
		HostStaticKey:   result.PeerStatic,
		DeviceStaticKey: c.mgr.config.StaticKey.Public,
		Credential:      cred,
		OnPhase:         c.onPairingPhase,
		Random:          c.mgr.config.Random,
		MailboxDepth:    c.mgr.config.MailboxDepth,
		LoggerFactory:   c.mgr.config.LoggerFactory,
	})
	c.mu.Lock()
	c.pairing = p
	c.mu.Unlock()

	go func() {
		err := p.Run(c.ctx)
		c.mu.Lock()
		current := c.pairing == p
		if current {
			c.pairing = nil
		}
		c.mu.Unlock()
		if err != nil && current {
			c.Clear()
		}
	}()
}

func (c *Channel) onPairingPhase(p pairing.Phase) {
	switch p {
	case pairing.PhaseTP0:
		c.setState(StateTP0)
	case pairing.PhaseTP1:
		c.setState(StateTP1)
	case pairing.PhaseTP2:
		c.setState(StateTP2)
	case pairing.PhaseTP3:
		c.setState(StateTP3)
	case pairing.PhaseTP4:
		c.setState(StateTP4)
	case pairing.PhaseTC1:
		c.setState(StateTC1)
	case pairing.PhaseDone:
		c.setState(StateEncryptedTransport)
	}
}

func (c *Channel) handleEncrypted(state State, ciphertext []byte) error {
	c.mu.Lock()
	keys := c.keys
	pc := c.pairing
	c.mu.Unlock()
	if keys == nil {
		return ErrUnallocatedChannel
	}

	plaintext, err := keys.Decrypt(ciphertext)
	if err != nil {
		return protocolError(message.ErrorDecryptionFailed, err)
	}
	if len(plaintext) < message.SessionIDSize+message.MessageTypeSize {
		return protocolError(message.ErrorInvalidData, errors.New("short transport payload"))
	}
	sid := plaintext[0]
	msg := message.Message{
		Type: binary.BigEndian.Uint16(plaintext[1:3]),
		Data: plaintext[3:],
	}

	if state.IsPairing() {
		if pc == nil {
			return protocolError(message.ErrorUnallocatedChannel, errors.New("no pairing in progress"))
		}
		if err := pc.Deliver(msg); err != nil {
			c.log.Warnf("channel %04x: dropping pairing message: %v", c.id, err)
			return ErrMailboxFull
		}
		return nil
	}
	return c.deliverToSession(sid, msg)
}

// deliverToSession routes msg to session sid, resuming a cached session or
// creating a seedless one for an unknown ID.
func (c *Channel) deliverToSession(sid uint8, msg message.Message) error {
	store := c.mgr.config.SessionStore

	s := c.sessions.Get(sid)
	if s == nil {
		cfg := session.Config{
			ID:            sid,
			ChannelID:     c.id,
			State:         session.StateSeedless,
			Writer:        c,
			MailboxDepth:  c.mgr.config.MailboxDepth,
			Now:           c.mgr.now,
			LoggerFactory: c.mgr.config.LoggerFactory,
		}
		rec, err := store.LoadSession(c.id, sid)
		switch {
		case err == nil:
			if rec.State == session.StateUnallocated {
				return &UnallocatedSessionError{SessionID: sid}
			}
			cfg.State = rec.State
			cfg.Values = rec.Values
			c.log.Debugf("channel %04x: resuming session %d (%s)", c.id, sid, rec.State)
		case errors.Is(err, session.ErrNotFound):
			c.log.Debugf("channel %04x: creating session %d", c.id, sid)
		default:
			return err
		}

		s = session.New(cfg)
		evicted, err := c.sessions.Add(s)
		if err != nil {
			return err
		}
		if evicted != nil {
			c.log.Debugf("channel %04x: evicting session %d", c.id, evicted.ID())
			evicted.Close()
			if err := store.SaveSession(evicted.Record()); err != nil {
				c.log.Warnf("channel %04x: failed to cache session %d: %v", c.id, evicted.ID(), err)
			}
		}
		if err := store.SaveSession(s.Record()); err != nil {
			c.log.Warnf("channel %04x: failed to cache session %d: %v", c.id, sid, err)
		}
		s.Start(c.ctx, c.mgr.config.Handler)
	}

	if s.State() == session.StateUnallocated {
		return &UnallocatedSessionError{SessionID: sid}
	}
	if err := s.Deliver(msg); err != nil {
		c.log.Warnf("channel %04x: dropping message for session %d: %v", c.id, sid, err)
		return ErrMailboxFull
	}
	if err := store.TouchSession(c.id, sid, c.mgr.now()); err != nil {
		c.log.Debugf("channel %04x: failed to touch session %d: %v", c.id, sid, err)
	}
	return nil
}

// DeallocateSession tears session sid down. Later messages for it are
// answered with a ThpUnallocatedSession failure.
func (c *Channel) DeallocateSession(sid uint8) error {
	s := c.sessions.Get(sid)
	if s == nil {
		return session.ErrNotFound
	}
	s.SetState(session.StateUnallocated)
	s.Close()
	return c.mgr.config.SessionStore.SaveSession(s.Record())
}

// WriteMessage encrypts msg for session sid and sends it, returning once
// the host acknowledged it. Writes of all sessions are serialized.
func (c *Channel) WriteMessage(ctx context.Context, sid uint8, msg message.Message) error {
	return c.send(ctx, message.EncryptedTransport, func() ([]byte, error) {
		c.mu.Lock()
		keys := c.keys
		c.mu.Unlock()
		if keys == nil {
			return nil, ErrCleared
		}
		plaintext := make([]byte, message.SessionIDSize+message.MessageTypeSize+len(msg.Data))
		plaintext[0] = sid
		binary.BigEndian.PutUint16(plaintext[1:3], msg.Type)
		copy(plaintext[3:], msg.Data)
		return keys.Encrypt(plaintext)
	})
}

// send runs the write pipeline: reserve the sequence bit, build the payload,
// frame it and transmit it until acknowledged. Payloads are built after the
// reservation so encryption nonces follow wire order.
func (c *Channel) send(ctx context.Context, ctrl message.ControlByte, build func() ([]byte, error)) error {
	c.mu.Lock()
	c.writers++
	c.mu.Unlock()
	defer c.doneWriting()

	bit, err := c.sender.Begin(ctx)
	if err != nil {
		return err
	}
	body, err := build()
	if err != nil {
		c.sender.Abort(bit)
		return err
	}

	size := c.mgr.PacketSize()
	dst := c.mgr.writePool.Get(c.id, message.PacketCount(len(body), size)*size)
	buf, err := message.Fragment(dst[:0], ctrl.WithSeqBit(bit), c.id, body, size)
	if err != nil {
		c.sender.Abort(bit)
		return err
	}
	return c.sender.Transmit(ctx, bit, func() error {
		return c.mgr.writeMessage(ctx, buf)
	})
}

// doneWriting releases the write buffer of a cleared channel once its last
// send returned.
func (c *Channel) doneWriting() {
	c.mu.Lock()
	c.writers--
	release := c.writers == 0 && c.state == StateUnallocated
	c.mu.Unlock()
	if release {
		c.mgr.writePool.Release(c.id)
	}
}

// releaseWriteBuffer releases the write buffer unless a send still uses
// it; that send releases it when it returns.
func (c *Channel) releaseWriteBuffer() {
	c.mu.Lock()
	idle := c.writers == 0
	c.mu.Unlock()
	if idle {
		c.mgr.writePool.Release(c.id)
	}
}

// sendAsync sends a handshake response without blocking the receive path.
func (c *Channel) sendAsync(ctrl message.ControlByte, build func() ([]byte, error)) {
	go func() {
		err := c.send(c.ctx, ctrl, build)
		switch {
		case err == nil:
		case errors.Is(err, abp.ErrRetransmitLimit):
			c.log.Warnf("channel %04x: %s not acknowledged, clearing", c.id, ctrl.Class())
			c.Clear()
		case errors.Is(err, abp.ErrClosed), errors.Is(err, abp.ErrCancelled), errors.Is(err, context.Canceled):
		default:
			c.log.Warnf("channel %04x: failed to send %s: %v", c.id, ctrl.Class(), err)
		}
	}()
}

// Clear resets the channel to UNALLOCATED: transport keys are wiped,
// retransmission stops, sessions and pairing end and the manager forgets
// the channel.
func (c *Channel) Clear() {
	c.mu.Lock()
	if c.state == StateUnallocated {
		c.mu.Unlock()
		return
	}
	c.state = StateUnallocated
	keys := c.keys
	hh := c.handshakeHash
	pc := c.pairing
	c.keys = nil
	c.handshakeHash = nil
	c.hostStatic = nil
	c.credential = nil
	responder := c.responder
	c.responder = nil
	c.pairing = nil
	c.mu.Unlock()

	responder.Wipe()
	if keys != nil {
		keys.Zero()
	}
	handshake.Wipe(hh)
	c.cancel()
	c.sender.Close()
	if pc != nil {
		pc.Close()
	}
	c.sessions.Clear()
	c.receiver.Reset()
	c.mgr.remove(c)
	c.log.Infof("channel %04x: cleared", c.id)
}
