package handshake

import (
	"crypto/rand"
	"io"
	"math"
	"sync"

	"github.com/flynn/noise"
	"golang.org/x/crypto/curve25519"
)

// KeySize is the size of X25519 public and private keys.
const KeySize = 32

// TagSize is the size of the AES-GCM authentication tag.
const TagSize = 16

// CipherSuite is Noise_XX_25519_AESGCM_SHA256's suite.
var CipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherAESGCM, noise.HashSHA256)

// GenerateKeypair creates a random X25519 key pair. A nil rng uses crypto/rand.
func GenerateKeypair(rng io.Reader) (noise.DHKey, error) {
	if rng == nil {
		rng = rand.Reader
	}
	return noise.DH25519.GenerateKeypair(rng)
}

// KeypairFromPrivate derives the key pair of a stored X25519 private key.
func KeypairFromPrivate(priv []byte) (noise.DHKey, error) {
	if len(priv) != KeySize {
		return noise.DHKey{}, ErrInvalidKeyLength
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return noise.DHKey{}, err
	}
	return noise.DHKey{Private: append([]byte(nil), priv...), Public: pub}, nil
}

// Keys holds the symmetric transport state of an established channel:
// a key per direction and its counter nonce. Associated data is empty.
//
// The raw keys are kept instead of ready ciphers so that Zero can overwrite
// them. Each Encrypt and Decrypt expands its own AES key schedule, which
// becomes garbage when the call returns.
type Keys struct {
	mu           sync.Mutex
	send         [KeySize]byte
	receive      [KeySize]byte
	cleared      bool
	nonceSend    uint64
	nonceReceive uint64
}

func newKeys(send, receive [KeySize]byte) *Keys {
	return &Keys{send: send, receive: receive}
}

// Encrypt seals plaintext with the send key at the current send nonce and
// advances the nonce.
func (k *Keys) Encrypt(plaintext []byte) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.cleared {
		return nil, ErrKeysCleared
	}
	if k.nonceSend == math.MaxUint64 {
		return nil, ErrNonceExhausted
	}
	out := CipherSuite.Cipher(k.send).Encrypt(nil, k.nonceSend, nil, plaintext)
	k.nonceSend++
	return out, nil
}

// Decrypt opens ciphertext with the receive key at the current receive
// nonce. The nonce advances only on success.
func (k *Keys) Decrypt(ciphertext []byte) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.cleared {
		return nil, ErrKeysCleared
	}
	if len(ciphertext) < TagSize {
		return nil, ErrDecryptionFailed
	}
	if k.nonceReceive == math.MaxUint64 {
		return nil, ErrNonceExhausted
	}
	out, err := CipherSuite.Cipher(k.receive).Decrypt(nil, k.nonceReceive, nil, ciphertext)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	k.nonceReceive++
	return out, nil
}

// NonceSend returns the nonce of the next encrypted message.
func (k *Keys) NonceSend() uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.nonceSend
}

// NonceReceive returns the nonce expected on the next received message.
func (k *Keys) NonceReceive() uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.nonceReceive
}

// Zero overwrites both keys and resets the nonces. The Keys are unusable
// afterwards.
func (k *Keys) Zero() {
	k.mu.Lock()
	defer k.mu.Unlock()
	clear(k.send[:])
	clear(k.receive[:])
	k.cleared = true
	k.nonceSend = 0
	k.nonceReceive = 0
}

// Wipe overwrites b with zeros.
func Wipe(b []byte) {
	clear(b)
}
