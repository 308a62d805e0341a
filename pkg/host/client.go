// Package host implements the host side of THP: channel allocation, the
// Noise handshake, pairing and encrypted session traffic. It is used by
// the command line tool and by end-to-end tests of the device.
package host

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/backkem/thp/pkg/abp"
	"github.com/backkem/thp/pkg/handshake"
	"github.com/backkem/thp/pkg/message"
	"github.com/backkem/thp/pkg/payload"
	"github.com/backkem/thp/pkg/transport"
	"github.com/flynn/noise"
	"github.com/pion/logging"
)

const inboxDepth = 64

// nonceSize is the size of the allocation request nonce.
const nonceSize = 8

// Config configures a Client.
type Config struct {
	// Transport is the host end of the link. Required.
	Transport transport.Interface

	// StaticKey is the host static key pair. Generated if empty.
	StaticKey noise.DHKey

	// Credential is a pairing credential from an earlier pairing. It is
	// presented in the handshake.
	Credential []byte

	// HostName is sent with the pairing request.
	HostName string

	ABP           abp.Params
	Random        io.Reader
	LoggerFactory logging.LoggerFactory
}

// Client is one host connection to a device.
type Client struct {
	config Config
	log    logging.LeveledLogger

	sender   *abp.Sender
	receiver *abp.Receiver

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	wireMu  sync.Mutex
	inbox   chan *message.Frame
	allocCh chan []byte
	errCh   chan *TransportError

	mu            sync.Mutex
	cid           uint16
	allocated     bool
	properties    *payload.DeviceProperties
	propertiesRaw []byte
	keys          *handshake.Keys
	handshakeHash []byte
	deviceStatic  []byte
	state         handshake.DeviceState
}

// New creates a client and starts reading from the transport.
func New(config Config) (*Client, error) {
	if config.Transport == nil {
		return nil, fmt.Errorf("%w: transport required", ErrInvalidConfig)
	}
	if config.Random == nil {
		config.Random = rand.Reader
	}
	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	config.ABP = config.ABP.WithDefaults()
	if len(config.StaticKey.Private) == 0 {
		key, err := handshake.GenerateKeypair(config.Random)
		if err != nil {
			return nil, err
		}
		config.StaticKey = key
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		config:   config,
		log:      config.LoggerFactory.NewLogger("thp-host"),
		sender:   abp.NewSender(config.ABP, config.LoggerFactory),
		receiver: abp.NewReceiver(config.ABP),
		ctx:      ctx,
		cancel:   cancel,
		inbox:    make(chan *message.Frame, inboxDepth),
		allocCh:  make(chan []byte, 4),
		errCh:    make(chan *TransportError, 1),
	}
	c.wg.Add(1)
	go c.readLoop()
	return c, nil
}

// StaticKey returns the host static key pair.
func (c *Client) StaticKey() noise.DHKey { return c.config.StaticKey }

// ChannelID returns the allocated channel ID.
func (c *Client) ChannelID() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cid
}

// Properties returns the device properties received at allocation.
func (c *Client) Properties() *payload.DeviceProperties {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.properties
}

// DeviceState returns the pairing state the device reported in the handshake.
func (c *Client) DeviceState() handshake.DeviceState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// HandshakeHash returns the channel binding hash.
func (c *Client) HandshakeHash() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handshakeHash
}

// DeviceStaticKey returns the device static public key.
func (c *Client) DeviceStaticKey() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceStatic
}

// Credential returns the credential presented in the next handshake.
func (c *Client) Credential() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config.Credential
}

// SetCredential replaces the credential presented in the next handshake.
func (c *Client) SetCredential(cred []byte) {
	c.mu.Lock()
	c.config.Credential = cred
	c.mu.Unlock()
}

// Close stops the client. The transport is not closed.
func (c *Client) Close() error {
	c.cancel()
	c.sender.Close()
	c.wg.Wait()
	c.mu.Lock()
	if c.keys != nil {
		c.keys.Zero()
	}
	c.mu.Unlock()
	return nil
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	r := message.NewReassembler(nil)
	for {
		packet, err := c.config.Transport.ReadPacket(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil {
				c.log.Debugf("read loop stopped: %v", err)
			}
			return
		}
		cid, err := message.PeekChannelID(packet)
		if err != nil {
			continue
		}
		c.mu.Lock()
		own, allocated := c.cid, c.allocated
		c.mu.Unlock()
		if cid != message.BroadcastChannelID && (!allocated || cid != own) {
			continue
		}

		f, err := r.Feed(packet)
		if err != nil || f == nil {
			continue
		}
		if !f.Valid() {
			c.log.Debugf("dropping message with invalid checksum")
			continue
		}
		c.handleFrame(f.Clone())
	}
}

func (c *Client) handleFrame(f *message.Frame) {
	ctrl := f.Header.Control
	switch {
	case f.Header.ChannelID == message.BroadcastChannelID:
		if ctrl.IsChannelAllocationResponse() {
			select {
			case c.allocCh <- f.Payload:
			default:
			}
		}
	case ctrl.IsAck():
		c.sender.Ack(ctrl.AckBit())
	case ctrl.IsError():
		if len(f.Payload) == 0 {
			return
		}
		terr := &TransportError{Code: message.ErrorCode(f.Payload[0])}
		c.log.Debugf("channel %04x: %v", f.Header.ChannelID, terr)
		select {
		case <-c.errCh:
		default:
		}
		c.errCh <- terr
		c.sender.Cancel()
	case ctrl.IsData():
		bit := ctrl.SeqBit()
		c.writeAck(bit)
		if !c.receiver.Check(bit) {
			c.log.Debugf("dropping duplicate seq=%d", bit)
			return
		}
		c.receiver.Advance()
		select {
		case c.inbox <- f:
		case <-c.ctx.Done():
		}
	}
}

func (c *Client) writeAck(bit uint8) {
	buf, err := message.Fragment(nil, message.AckFor(bit), c.ChannelID(), nil, c.config.Transport.PacketSize())
	if err != nil {
		return
	}
	if err := c.writePackets(c.ctx, buf); err != nil {
		c.log.Debugf("failed to write ack: %v", err)
	}
}

func (c *Client) writePackets(ctx context.Context, buf []byte) error {
	c.wireMu.Lock()
	defer c.wireMu.Unlock()
	for _, p := range message.Packets(buf, c.config.Transport.PacketSize()) {
		if err := c.config.Transport.WritePacket(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) takeError() *TransportError {
	select {
	case err := <-c.errCh:
		return err
	default:
		return nil
	}
}

// Allocate requests a channel on the broadcast channel. The request is
// repeated until a response with the same nonce arrives.
func (c *Client) Allocate(ctx context.Context) error {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(c.config.Random, nonce); err != nil {
		return err
	}
	buf, err := message.Fragment(nil, message.ChannelAllocationRequest, message.BroadcastChannelID, nonce, c.config.Transport.PacketSize())
	if err != nil {
		return err
	}

	for attempt := 0; attempt <= c.config.ABP.MaxRetransmissions; attempt++ {
		if err := c.writePackets(ctx, buf); err != nil {
			return err
		}
		timer := time.NewTimer(c.config.ABP.RetransmitInterval)
	wait:
		for {
			select {
			case resp := <-c.allocCh:
				if len(resp) < nonceSize+2 || !bytes.Equal(resp[:nonceSize], nonce) {
					continue
				}
				timer.Stop()
				return c.setChannel(resp[nonceSize:])
			case <-timer.C:
				break wait
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-c.ctx.Done():
				timer.Stop()
				return ErrClosed
			}
		}
	}
	return ErrAllocationTimeout
}

func (c *Client) setChannel(resp []byte) error {
	cid := binary.BigEndian.Uint16(resp[:2])
	raw := append([]byte(nil), resp[2:]...)
	props := &payload.DeviceProperties{}
	if err := props.Unmarshal(raw); err != nil {
		return fmt.Errorf("host: device properties: %w", err)
	}

	c.mu.Lock()
	c.cid = cid
	c.allocated = true
	c.properties = props
	c.propertiesRaw = raw
	if c.keys != nil {
		c.keys.Zero()
	}
	c.keys = nil
	c.handshakeHash = nil
	c.mu.Unlock()
	for len(c.inbox) > 0 {
		<-c.inbox
	}
	c.receiver.Reset()
	if err := c.sender.Rewind(0); err != nil {
		return err
	}
	c.log.Infof("allocated channel %04x", cid)
	return nil
}

// Handshake runs the Noise XX handshake on the allocated channel and
// returns the pairing state reported by the device.
func (c *Client) Handshake(ctx context.Context) (handshake.DeviceState, error) {
	c.mu.Lock()
	allocated := c.allocated
	prologue := c.propertiesRaw
	cred := c.config.Credential
	c.mu.Unlock()
	if !allocated {
		return 0, ErrNotAllocated
	}

	ini, err := handshake.NewInitiator(handshake.Config{
		StaticKey: c.config.StaticKey,
		Prologue:  prologue,
		Random:    c.config.Random,
	})
	if err != nil {
		return 0, err
	}
	first, err := ini.WriteInit()
	if err != nil {
		return 0, err
	}
	if err := c.send(ctx, message.HandshakeInitRequest, constant(first)); err != nil {
		return 0, err
	}
	f, err := c.receive(ctx)
	if err != nil {
		return 0, err
	}
	if !f.Header.Control.IsHandshakeInitResponse() {
		return 0, fmt.Errorf("%w: %s", ErrUnexpectedMessage, f.Header.Control)
	}
	if err := ini.ReadInitResponse(f.Payload); err != nil {
		return 0, err
	}

	noisePayload := (&payload.HandshakeCompletionReqNoisePayload{HostPairingCredential: cred}).Marshal()
	completion, result, err := ini.WriteCompletion(noisePayload)
	if err != nil {
		return 0, err
	}
	if err := c.send(ctx, message.HandshakeCompletionRequest, constant(completion)); err != nil {
		return 0, err
	}
	f, err = c.receive(ctx)
	if err != nil {
		return 0, err
	}
	if !f.Header.Control.IsHandshakeCompletionResponse() {
		return 0, fmt.Errorf("%w: %s", ErrUnexpectedMessage, f.Header.Control)
	}
	state, err := result.ReadCompletionResponse(f.Payload)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.keys = result.Keys
	c.handshakeHash = result.HandshakeHash
	c.deviceStatic = ini.DeviceStatic()
	c.state = state
	c.mu.Unlock()
	c.log.Infof("channel %04x: handshake complete, %s", c.ChannelID(), state)
	return state, nil
}

// Connect allocates a channel and runs the handshake, waiting out a busy
// device until ctx is done.
func (c *Client) Connect(ctx context.Context) (handshake.DeviceState, error) {
	if err := c.Allocate(ctx); err != nil {
		return 0, err
	}
	for {
		state, err := c.Handshake(ctx)
		if !errors.Is(err, ErrTransportBusy) {
			return state, err
		}
		c.log.Debugf("device busy, retrying handshake")
		select {
		case <-time.After(c.config.ABP.RetransmitInterval):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

func constant(b []byte) func() ([]byte, error) {
	return func() ([]byte, error) { return b, nil }
}

// send transmits one data message and waits for its ACK. A transport error
// from the device aborts the transmission; after TRANSPORT_BUSY the
// sequence bit is reused because the device did not take the message.
func (c *Client) send(ctx context.Context, ctrl message.ControlByte, build func() ([]byte, error)) error {
	c.takeError()
	bit, err := c.sender.Begin(ctx)
	if err != nil {
		return err
	}
	body, err := build()
	if err != nil {
		c.sender.Abort(bit)
		return err
	}
	buf, err := message.Fragment(nil, ctrl.WithSeqBit(bit), c.ChannelID(), body, c.config.Transport.PacketSize())
	if err != nil {
		c.sender.Abort(bit)
		return err
	}
	err = c.sender.Transmit(ctx, bit, func() error { return c.writePackets(ctx, buf) })
	if errors.Is(err, abp.ErrCancelled) {
		if terr := c.takeError(); terr != nil {
			if terr.Code == message.ErrorTransportBusy {
				_ = c.sender.Rewind(bit)
			}
			return terr
		}
	}
	return err
}

// receive returns the next data message or a transport error.
func (c *Client) receive(ctx context.Context) (*message.Frame, error) {
	select {
	case f := <-c.inbox:
		return f, nil
	case terr := <-c.errCh:
		return nil, terr
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, ErrClosed
	}
}

// WriteMessage encrypts msg for session sid and sends it.
func (c *Client) WriteMessage(ctx context.Context, sid uint8, msg message.Message) error {
	c.mu.Lock()
	keys := c.keys
	c.mu.Unlock()
	if keys == nil {
		return ErrNotConnected
	}
	return c.send(ctx, message.EncryptedTransport, func() ([]byte, error) {
		plaintext := make([]byte, 0, message.SessionIDSize+message.MessageTypeSize+len(msg.Data))
		plaintext = append(plaintext, sid)
		plaintext = binary.BigEndian.AppendUint16(plaintext, msg.Type)
		plaintext = append(plaintext, msg.Data...)
		return keys.Encrypt(plaintext)
	})
}

// Write sends a typed message on session sid.
func (c *Client) Write(ctx context.Context, sid uint8, m payload.Message) error {
	return c.WriteMessage(ctx, sid, payload.Encode(m))
}

// ReadMessage returns the next session message from the device.
func (c *Client) ReadMessage(ctx context.Context) (uint8, message.Message, error) {
	c.mu.Lock()
	keys := c.keys
	c.mu.Unlock()
	if keys == nil {
		return 0, message.Message{}, ErrNotConnected
	}
	f, err := c.receive(ctx)
	if err != nil {
		return 0, message.Message{}, err
	}
	if !f.Header.Control.IsEncryptedTransport() {
		return 0, message.Message{}, fmt.Errorf("%w: %s", ErrUnexpectedMessage, f.Header.Control)
	}
	plaintext, err := keys.Decrypt(f.Payload)
	if err != nil {
		return 0, message.Message{}, err
	}
	if len(plaintext) < message.SessionIDSize+message.MessageTypeSize {
		return 0, message.Message{}, fmt.Errorf("%w: short payload", ErrUnexpectedMessage)
	}
	return plaintext[0], message.Message{
		Type: binary.BigEndian.Uint16(plaintext[1:3]),
		Data: plaintext[3:],
	}, nil
}

// Read returns the next typed message for session sid. Messages for other
// sessions are dropped.
func (c *Client) Read(ctx context.Context, sid uint8) (payload.Message, error) {
	for {
		got, msg, err := c.ReadMessage(ctx)
		if err != nil {
			return nil, err
		}
		if got != sid {
			c.log.Debugf("dropping message for session %d", got)
			continue
		}
		return payload.Decode(msg)
	}
}

// Call writes req on session sid and returns the response. A Failure
// response is returned as the error.
func (c *Client) Call(ctx context.Context, sid uint8, req payload.Message) (payload.Message, error) {
	if err := c.Write(ctx, sid, req); err != nil {
		return nil, err
	}
	resp, err := c.Read(ctx, sid)
	if err != nil {
		return nil, err
	}
	if f, ok := resp.(*payload.Failure); ok {
		return nil, f
	}
	return resp, nil
}

// Ping sends a Ping on session sid and returns the Success message text.
func (c *Client) Ping(ctx context.Context, sid uint8, text string) (string, error) {
	resp, err := c.Call(ctx, sid, &payload.Ping{Message: text})
	if err != nil {
		return "", err
	}
	s, ok := resp.(*payload.Success)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnexpectedMessage, resp.MessageType())
	}
	return s.Message, nil
}
