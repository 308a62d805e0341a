// Package handshake implements the two round trip THP handshake on top of
// Noise_XX_25519_AESGCM_SHA256.
//
//	TH1  host   -> device  e
//	     device -> host    e, ee, s, es
//	TH2  host   -> device  s, se, payload
//	     device -> host    AEAD(key_send, nonce 0, trezor_state)
//
// The device properties blob returned at channel allocation is the Noise
// prologue, binding the handshake to the advertised device. After TH2 both
// sides hold a Keys value and the same handshake hash.
package handshake

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"
	"sync"

	"github.com/flynn/noise"
)

// Handshake message sizes.
const (
	// InitRequestSize is the size of the TH1 request payload.
	InitRequestSize = KeySize

	// InitResponseSize is the size of the TH1 response payload.
	InitResponseSize = KeySize + KeySize + TagSize + TagSize

	// EncryptedStaticSize is the size of an encrypted static key.
	EncryptedStaticSize = KeySize + TagSize

	// MinCompletionRequestSize is the size of a TH2 request with an empty payload.
	MinCompletionRequestSize = EncryptedStaticSize + TagSize
)

// Result is the outcome of a completed handshake.
type Result struct {
	// Keys is the transport state of the channel.
	Keys *Keys

	// HandshakeHash is the Noise channel binding, identical on both sides.
	HandshakeHash []byte

	// PeerStatic is the authenticated static public key of the peer.
	PeerStatic []byte
}

// Zero wipes the handshake hash and the transport keys.
func (r *Result) Zero() {
	if r == nil {
		return
	}
	Wipe(r.HandshakeHash)
	if r.Keys != nil {
		r.Keys.Zero()
	}
}

func newResult(hs *noise.HandshakeState, send, receive *noise.CipherState) *Result {
	return &Result{
		Keys:          newKeys(send.UnsafeKey(), receive.UnsafeKey()),
		HandshakeHash: append([]byte(nil), hs.ChannelBinding()...),
		PeerStatic:    append([]byte(nil), hs.PeerStatic()...),
	}
}

// Config configures one side of a handshake.
type Config struct {
	// StaticKey is the long-term key pair of this side.
	StaticKey noise.DHKey

	// Prologue is the encoded device properties.
	Prologue []byte

	// Random is the entropy source (default: crypto/rand).
	Random io.Reader

	// EphemeralKey fixes the ephemeral key pair. Tests only.
	EphemeralKey *noise.DHKey
}

func (c Config) noiseConfig(initiator bool) (noise.Config, *ephemeralSource, error) {
	if len(c.StaticKey.Private) != KeySize || len(c.StaticKey.Public) != KeySize {
		return noise.Config{}, nil, ErrInvalidKeyLength
	}
	src := &ephemeralSource{r: c.Random}
	if src.r == nil {
		src.r = rand.Reader
	}
	if c.EphemeralKey != nil {
		if len(c.EphemeralKey.Private) != KeySize {
			return noise.Config{}, nil, ErrInvalidKeyLength
		}
		src.r = bytes.NewReader(c.EphemeralKey.Private)
	}
	nc := noise.Config{
		CipherSuite:   CipherSuite,
		Random:        src,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		Prologue:      c.Prologue,
		StaticKeypair: c.StaticKey,
	}
	return nc, src, nil
}

// ephemeralSource is the randomness the Noise state draws its ephemeral
// private key from. The XX pattern reads it once per side, straight into the
// key buffer, so remembering the filled buffers is enough to wipe the key.
type ephemeralSource struct {
	r      io.Reader
	filled [][]byte
}

func (s *ephemeralSource) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	s.filled = append(s.filled, p[:n])
	return n, err
}

func (s *ephemeralSource) wipe() {
	for _, b := range s.filled {
		clear(b)
	}
	s.filled = nil
}

type step int

const (
	stepInit step = iota
	stepCompletion
	stepDone
)

// Responder is the device side of a handshake. Wipe may be called from any
// goroutine.
type Responder struct {
	mu   sync.Mutex
	hs   *noise.HandshakeState
	src  *ephemeralSource
	step step
}

// NewResponder prepares the device side of a handshake.
func NewResponder(config Config) (*Responder, error) {
	nc, src, err := config.noiseConfig(false)
	if err != nil {
		return nil, err
	}
	hs, err := noise.NewHandshakeState(nc)
	if err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	return &Responder{hs: hs, src: src}, nil
}

// HandleInit consumes the host ephemeral key of a TH1 request and returns
// the TH1 response: device ephemeral key, encrypted device static key and tag.
func (r *Responder) HandleInit(hostEphemeral []byte) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.step != stepInit {
		return nil, ErrOutOfOrder
	}
	if len(hostEphemeral) != InitRequestSize {
		return nil, ErrInvalidKeyLength
	}
	if _, _, _, err := r.hs.ReadMessage(nil, hostEphemeral); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	out, _, _, err := r.hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	r.step = stepCompletion
	return out, nil
}

// HandleCompletion consumes a TH2 request: the encrypted host static key and
// the encrypted Noise payload. It returns the handshake result and the
// decrypted payload.
func (r *Responder) HandleCompletion(msg []byte) (*Result, []byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.step != stepCompletion {
		return nil, nil, ErrOutOfOrder
	}
	if len(msg) < MinCompletionRequestSize {
		return nil, nil, ErrInvalidMessage
	}
	payload, cs1, cs2, err := r.hs.ReadMessage(nil, msg)
	if err != nil {
		return nil, nil, ErrDecryptionFailed
	}
	if cs1 == nil || cs2 == nil {
		return nil, nil, ErrOutOfOrder
	}
	res := newResult(r.hs, cs2, cs1)
	r.wipe()
	return res, payload, nil
}

// Wipe overwrites the ephemeral private key and drops the Noise state. The
// chaining key inside that state has no exported way to be cleared and is
// left to the garbage collector. The Responder is unusable afterwards.
func (r *Responder) Wipe() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wipe()
}

func (r *Responder) wipe() {
	if r.src != nil {
		r.src.wipe()
	}
	r.hs = nil
	r.step = stepDone
}

// Initiator is the host side of a handshake.
type Initiator struct {
	hs           *noise.HandshakeState
	src          *ephemeralSource
	deviceStatic []byte
	step         step
}

// NewInitiator prepares the host side of a handshake.
func NewInitiator(config Config) (*Initiator, error) {
	nc, src, err := config.noiseConfig(true)
	if err != nil {
		return nil, err
	}
	hs, err := noise.NewHandshakeState(nc)
	if err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	return &Initiator{hs: hs, src: src}, nil
}

// WriteInit returns the TH1 request payload.
func (i *Initiator) WriteInit() ([]byte, error) {
	if i.step != stepInit {
		return nil, ErrOutOfOrder
	}
	out, _, _, err := i.hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	return out, nil
}

// ReadInitResponse consumes the TH1 response.
func (i *Initiator) ReadInitResponse(resp []byte) error {
	if i.step != stepInit {
		return ErrOutOfOrder
	}
	if len(resp) != InitResponseSize {
		return ErrInvalidMessage
	}
	if _, _, _, err := i.hs.ReadMessage(nil, resp); err != nil {
		return ErrDecryptionFailed
	}
	i.deviceStatic = append([]byte(nil), i.hs.PeerStatic()...)
	i.step = stepCompletion
	return nil
}

// DeviceStatic returns the authenticated device static key once the TH1
// response has been read.
func (i *Initiator) DeviceStatic() []byte {
	return append([]byte(nil), i.deviceStatic...)
}

// WriteCompletion returns the TH2 request carrying payload together with
// the handshake result.
func (i *Initiator) WriteCompletion(payload []byte) ([]byte, *Result, error) {
	if i.step != stepCompletion {
		return nil, nil, ErrOutOfOrder
	}
	out, cs1, cs2, err := i.hs.WriteMessage(nil, payload)
	if err != nil {
		return nil, nil, fmt.Errorf("handshake: %w", err)
	}
	if cs1 == nil || cs2 == nil {
		return nil, nil, ErrOutOfOrder
	}
	res := newResult(i.hs, cs1, cs2)
	i.Wipe()
	return out, res, nil
}

// Wipe overwrites the ephemeral private key and drops the Noise state.
func (i *Initiator) Wipe() {
	if i == nil {
		return
	}
	if i.src != nil {
		i.src.wipe()
	}
	i.hs = nil
	i.step = stepDone
}

// DeviceState is the plaintext of the TH2 response.
type DeviceState uint8

// Device states reported at the end of the handshake.
const (
	StateUnpaired          DeviceState = 0
	StatePaired            DeviceState = 1
	StatePairedAutoconnect DeviceState = 2
)

// String returns the state name.
func (s DeviceState) String() string {
	switch s {
	case StateUnpaired:
		return "unpaired"
	case StatePaired:
		return "paired"
	case StatePairedAutoconnect:
		return "paired-autoconnect"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// CompletionResponse encrypts the TH2 response: the device state under the
// send key at nonce 0.
func (r *Result) CompletionResponse(state DeviceState) ([]byte, error) {
	if r.Keys.NonceSend() != 0 {
		return nil, ErrOutOfOrder
	}
	return r.Keys.Encrypt([]byte{byte(state)})
}

// ReadCompletionResponse decrypts the TH2 response on the host side.
func (r *Result) ReadCompletionResponse(resp []byte) (DeviceState, error) {
	if r.Keys.NonceReceive() != 0 {
		return 0, ErrOutOfOrder
	}
	pt, err := r.Keys.Decrypt(resp)
	if err != nil {
		return 0, err
	}
	if len(pt) != 1 {
		return 0, ErrInvalidMessage
	}
	return DeviceState(pt[0]), nil
}
