package crypto

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// LabelCredential derives the key that authenticates pairing credentials.
const LabelCredential = "thp credential mac key"

// HKDFSHA256 derives length bytes from inputKey (RFC 5869).
func HKDFSHA256(inputKey, salt, info []byte, length int) ([]byte, error) {
	r := hkdf.New(sha256.New, inputKey, salt, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeriveKey derives a 32-byte key for label from a device secret.
func DeriveKey(secret []byte, label string) ([]byte, error) {
	return HKDFSHA256(secret, nil, []byte(label), HashSize)
}

// PBKDF2SHA256 stretches a low entropy password into keyLen bytes.
func PBKDF2SHA256(password, salt []byte, iterations, keyLen int) []byte {
	return pbkdf2.Key(password, salt, iterations, keyLen, sha256.New)
}
