package handshake

import (
	"bytes"
	"testing"

	"github.com/flynn/noise"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPrologue = []byte("device-properties")

type handshakePair struct {
	device     *Responder
	host       *Initiator
	deviceKey  noise.DHKey
	hostKey    noise.DHKey
	hostResult *Result
	devResult  *Result
	payload    []byte
}

func newPair(t *testing.T) *handshakePair {
	t.Helper()
	deviceKey, err := GenerateKeypair(nil)
	require.NoError(t, err)
	hostKey, err := GenerateKeypair(nil)
	require.NoError(t, err)

	device, err := NewResponder(Config{StaticKey: deviceKey, Prologue: testPrologue})
	require.NoError(t, err)
	host, err := NewInitiator(Config{StaticKey: hostKey, Prologue: testPrologue})
	require.NoError(t, err)

	return &handshakePair{device: device, host: host, deviceKey: deviceKey, hostKey: hostKey}
}

func (p *handshakePair) run(t *testing.T, payload []byte) {
	t.Helper()
	th1, err := p.host.WriteInit()
	require.NoError(t, err)
	require.Len(t, th1, InitRequestSize)

	resp, err := p.device.HandleInit(th1)
	require.NoError(t, err)
	require.Len(t, resp, InitResponseSize)

	require.NoError(t, p.host.ReadInitResponse(resp))
	assert.Equal(t, p.deviceKey.Public, p.host.DeviceStatic())

	th2, hostResult, err := p.host.WriteCompletion(payload)
	require.NoError(t, err)
	assert.Len(t, th2, EncryptedStaticSize+len(payload)+TagSize)

	devResult, got, err := p.device.HandleCompletion(th2)
	require.NoError(t, err)

	p.hostResult = hostResult
	p.devResult = devResult
	p.payload = got
}

func TestHandshakeSymmetry(t *testing.T) {
	p := newPair(t)
	p.run(t, []byte{0x0a, 0x03, 1, 2, 3})

	assert.Equal(t, []byte{0x0a, 0x03, 1, 2, 3}, p.payload)
	assert.Equal(t, p.hostResult.HandshakeHash, p.devResult.HandshakeHash)
	assert.Len(t, p.devResult.HandshakeHash, 32)
	assert.Equal(t, p.hostKey.Public, p.devResult.PeerStatic)
	assert.Equal(t, p.deviceKey.Public, p.hostResult.PeerStatic)

	// device key_send pairs with host key_receive
	ct, err := p.devResult.Keys.Encrypt([]byte("to host"))
	require.NoError(t, err)
	pt, err := p.hostResult.Keys.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("to host"), pt)

	// host key_send pairs with device key_receive
	ct, err = p.hostResult.Keys.Encrypt([]byte("to device"))
	require.NoError(t, err)
	pt, err = p.devResult.Keys.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("to device"), pt)
}

func TestHandshakeCompletionResponseNonces(t *testing.T) {
	p := newPair(t)
	p.run(t, nil)

	resp, err := p.devResult.CompletionResponse(StatePaired)
	require.NoError(t, err)
	assert.Len(t, resp, 1+TagSize)
	assert.Equal(t, uint64(1), p.devResult.Keys.NonceSend())
	assert.Equal(t, uint64(0), p.devResult.Keys.NonceReceive())

	_, err = p.devResult.CompletionResponse(StatePaired)
	assert.ErrorIs(t, err, ErrOutOfOrder)

	state, err := p.hostResult.ReadCompletionResponse(resp)
	require.NoError(t, err)
	assert.Equal(t, StatePaired, state)
	assert.Equal(t, uint64(1), p.hostResult.Keys.NonceReceive())
}

func TestHandshakeTamperedCompletion(t *testing.T) {
	p := newPair(t)
	th1, _ := p.host.WriteInit()
	resp, err := p.device.HandleInit(th1)
	require.NoError(t, err)
	require.NoError(t, p.host.ReadInitResponse(resp))

	th2, _, err := p.host.WriteCompletion([]byte("credential"))
	require.NoError(t, err)
	th2[len(th2)-1] ^= 0x80

	_, _, err = p.device.HandleCompletion(th2)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestHandshakePrologueMismatch(t *testing.T) {
	deviceKey, _ := GenerateKeypair(nil)
	hostKey, _ := GenerateKeypair(nil)
	device, err := NewResponder(Config{StaticKey: deviceKey, Prologue: []byte("model A")})
	require.NoError(t, err)
	host, err := NewInitiator(Config{StaticKey: hostKey, Prologue: []byte("model B")})
	require.NoError(t, err)

	th1, _ := host.WriteInit()
	resp, err := device.HandleInit(th1)
	require.NoError(t, err)
	assert.ErrorIs(t, host.ReadInitResponse(resp), ErrDecryptionFailed)
}

func TestHandshakeInvalidInput(t *testing.T) {
	p := newPair(t)

	_, err := p.device.HandleInit(make([]byte, 31))
	assert.ErrorIs(t, err, ErrInvalidKeyLength)

	_, _, err = p.device.HandleCompletion(make([]byte, 80))
	assert.ErrorIs(t, err, ErrOutOfOrder)

	_, err = NewResponder(Config{StaticKey: noise.DHKey{Private: make([]byte, 31)}})
	assert.ErrorIs(t, err, ErrInvalidKeyLength)
}

func TestHandshakeDeterministicEphemeral(t *testing.T) {
	deviceKey, _ := GenerateKeypair(nil)
	hostKey, _ := GenerateKeypair(nil)
	eph, err := KeypairFromPrivate(bytes.Repeat([]byte{0x42}, KeySize))
	require.NoError(t, err)

	host, err := NewInitiator(Config{StaticKey: hostKey, Prologue: testPrologue, EphemeralKey: &eph})
	require.NoError(t, err)
	th1, err := host.WriteInit()
	require.NoError(t, err)
	assert.Equal(t, eph.Public, th1)

	device, err := NewResponder(Config{StaticKey: deviceKey, Prologue: testPrologue})
	require.NoError(t, err)
	resp, err := device.HandleInit(th1)
	require.NoError(t, err)
	require.NoError(t, host.ReadInitResponse(resp))
}

func TestKeysZero(t *testing.T) {
	p := newPair(t)
	p.run(t, nil)

	p.devResult.Zero()
	assert.Equal(t, make([]byte, 32), p.devResult.HandshakeHash)

	_, err := p.devResult.Keys.Encrypt([]byte("x"))
	assert.ErrorIs(t, err, ErrKeysCleared)
	_, err = p.devResult.Keys.Decrypt(make([]byte, 20))
	assert.ErrorIs(t, err, ErrKeysCleared)
}

func TestKeysDecryptFailureKeepsNonce(t *testing.T) {
	p := newPair(t)
	p.run(t, nil)

	ct, _ := p.hostResult.Keys.Encrypt([]byte("hello"))
	bad := append([]byte(nil), ct...)
	bad[0] ^= 1

	_, err := p.devResult.Keys.Decrypt(bad)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
	assert.Equal(t, uint64(0), p.devResult.Keys.NonceReceive())

	pt, err := p.devResult.Keys.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), pt)
}

func TestKeysZeroOverwritesKeys(t *testing.T) {
	p := newPair(t)
	p.run(t, nil)

	keys := p.devResult.Keys
	require.NotEqual(t, [KeySize]byte{}, keys.send)
	require.NotEqual(t, [KeySize]byte{}, keys.receive)

	keys.Zero()
	assert.Equal(t, [KeySize]byte{}, keys.send)
	assert.Equal(t, [KeySize]byte{}, keys.receive)
}

func TestHandshakeWipesEphemeralOnCompletion(t *testing.T) {
	p := newPair(t)
	p.run(t, nil)

	assert.Nil(t, p.host.src.filled)
	assert.Nil(t, p.host.hs)
	assert.Nil(t, p.device.src.filled)
	assert.Nil(t, p.device.hs)
	assert.Equal(t, p.deviceKey.Public, p.host.DeviceStatic())
}

func TestResponderWipe(t *testing.T) {
	deviceKey, _ := GenerateKeypair(nil)
	hostKey, _ := GenerateKeypair(nil)
	eph, err := KeypairFromPrivate(bytes.Repeat([]byte{0x17}, KeySize))
	require.NoError(t, err)

	device, err := NewResponder(Config{StaticKey: deviceKey, Prologue: testPrologue, EphemeralKey: &eph})
	require.NoError(t, err)
	host, err := NewInitiator(Config{StaticKey: hostKey, Prologue: testPrologue})
	require.NoError(t, err)

	th1, err := host.WriteInit()
	require.NoError(t, err)
	resp, err := device.HandleInit(th1)
	require.NoError(t, err)
	assert.Equal(t, eph.Public, resp[:KeySize])

	// The buffer noise generated the ephemeral private key into.
	require.Len(t, device.src.filled, 1)
	priv := device.src.filled[0]
	require.Equal(t, eph.Private, priv)

	device.Wipe()
	assert.Equal(t, make([]byte, KeySize), priv)
	assert.Equal(t, bytes.Repeat([]byte{0x17}, KeySize), eph.Private)

	require.NoError(t, host.ReadInitResponse(resp))
	th2, _, err := host.WriteCompletion(nil)
	require.NoError(t, err)
	_, _, err = device.HandleCompletion(th2)
	assert.ErrorIs(t, err, ErrOutOfOrder)

	var nilResponder *Responder
	nilResponder.Wipe()
}
