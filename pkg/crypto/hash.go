// Package crypto collects the symmetric primitives THP uses outside the
// Noise handshake: SHA-256 over concatenated fields, HMAC-SHA256 for
// pairing credentials and tags, and HKDF-SHA256 for deriving device keys
// from a stored secret.
package crypto

import (
	"crypto/sha256"
)

// HashSize is the SHA-256 output size in bytes.
const HashSize = sha256.Size

// SHA256 hashes the concatenation of parts.
func SHA256(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}
