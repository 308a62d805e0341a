package pairing

import (
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/backkem/thp/pkg/crypto"
	"github.com/backkem/thp/pkg/crypto/spake2p"
	"github.com/backkem/thp/pkg/payload"
)

// SecretSize is the size of the device pairing secret and host challenge.
const SecretSize = 32

// CodeDigits is the length of the code entry code.
const CodeDigits = 6

var codeModulus = big.NewInt(1_000_000)

// Commitment is the device commitment to its code entry secret.
func Commitment(secret []byte) []byte {
	return crypto.SHA256(secret)
}

// EntryCode derives the six digit code shown during code entry pairing:
// SHA-256(method || handshake hash || secret || challenge) mod 10^6.
func EntryCode(handshakeHash, secret, challenge []byte) string {
	digest := crypto.SHA256([]byte{byte(payload.MethodCodeEntry)}, handshakeHash, secret, challenge)
	n := new(big.Int).SetBytes(digest)
	n.Mod(n, codeModulus)
	return fmt.Sprintf("%0*d", CodeDigits, n.Int64())
}

// QrCode derives the QR code content: the first 16 bytes of
// SHA-256(method || handshake hash || secret), hex encoded.
func QrCode(handshakeHash, secret []byte) string {
	digest := crypto.SHA256([]byte{byte(payload.MethodQrCode)}, handshakeHash, secret)
	return hex.EncodeToString(digest[:16])
}

// NfcSecret derives the secret transferred over NFC: the first 16 bytes of
// SHA-256(method || handshake hash || secret).
func NfcSecret(handshakeHash, secret []byte) []byte {
	digest := crypto.SHA256([]byte{byte(payload.MethodNFC)}, handshakeHash, secret)
	return digest[:16]
}

// CodeEntryScalars derives the SPAKE2+ password scalars for a code entry
// code. The handshake hash salts the derivation so that scalars never
// carry over between channels.
func CodeEntryScalars(handshakeHash []byte, code string) (w0, w1 []byte) {
	return spake2p.PasswordScalars([]byte(code), handshakeHash, spake2p.DefaultIterations)
}

// HostTag is the tag a host sends to prove it learned a QR code or NFC
// secret out of band. Both carry 128 bits, so the tag is a plain hash; the
// six digit code entry code goes through SPAKE2+ instead.
func HostTag(handshakeHash []byte, code []byte) []byte {
	return crypto.SHA256(handshakeHash, code)
}

// DeviceNfcTag is the device answer to an NFC host tag.
func DeviceNfcTag(handshakeHash, nfcSecret []byte) []byte {
	return crypto.HMACSHA256(nfcSecret, handshakeHash)
}
