// Package credential issues and validates pairing credentials.
//
// A credential binds a host static key to metadata (host name, autoconnect)
// with an HMAC under a key derived from the device secret. Issued
// credentials are also recorded in a Store so they can be listed and
// revoked; a credential whose record is gone no longer validates.
package credential

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/backkem/thp/pkg/crypto"
	"github.com/backkem/thp/pkg/payload"
)

// MinSecretSize is the minimum size of the device credential secret.
const MinSecretSize = 16

// HostKeySize is the size of a host static public key.
const HostKeySize = 32

// Credential is an issued pairing credential.
type Credential struct {
	// HostStaticKey is the host static public key the credential is bound to.
	HostStaticKey []byte

	// HostName is the name the host presented when pairing.
	HostName string

	// Autoconnect allows the host to connect without a confirmation dialog.
	Autoconnect bool

	// Encoded is the wire form handed to the host.
	Encoded []byte

	// IssuedAt is when the credential was issued.
	IssuedAt time.Time
}

// Store persists issued credentials keyed by host static key.
//
// All methods must be safe for concurrent use.
type Store interface {
	SaveCredential(c *Credential) error
	// LoadCredential returns ErrNotFound when no credential is stored.
	LoadCredential(hostStaticKey []byte) (*Credential, error)
	DeleteCredential(hostStaticKey []byte) error
	ListCredentials() ([]*Credential, error)
}

// Manager issues and validates credentials for one device.
type Manager struct {
	mu    sync.Mutex
	key   []byte
	store Store
	now   func() time.Time
}

// NewManager derives the MAC key from secret. A nil store disables
// revocation: any credential with a valid MAC is accepted.
func NewManager(secret []byte, store Store) (*Manager, error) {
	if len(secret) < MinSecretSize {
		return nil, ErrInvalidSecret
	}
	key, err := crypto.DeriveKey(secret, crypto.LabelCredential)
	if err != nil {
		return nil, fmt.Errorf("credential: derive key: %w", err)
	}
	return &Manager{key: key, store: store, now: time.Now}, nil
}

func (m *Manager) mac(hostStaticKey []byte, meta *payload.CredentialMetadata) []byte {
	return crypto.HMACSHA256(m.key, hostStaticKey, meta.Marshal())
}

// Issue creates a credential for hostStaticKey and records it, replacing
// any earlier credential of the same host.
func (m *Manager) Issue(hostStaticKey []byte, meta payload.CredentialMetadata) (*Credential, error) {
	if len(hostStaticKey) != HostKeySize {
		return nil, ErrInvalidKey
	}
	wire := payload.PairingCredential{Metadata: meta, MAC: m.mac(hostStaticKey, &meta)}
	c := &Credential{
		HostStaticKey: append([]byte(nil), hostStaticKey...),
		HostName:      meta.HostName,
		Autoconnect:   meta.Autoconnect,
		Encoded:       wire.Marshal(),
		IssuedAt:      m.now(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.store != nil {
		if err := m.store.SaveCredential(c); err != nil {
			return nil, fmt.Errorf("credential: save: %w", err)
		}
	}
	return c, nil
}

// Validate checks an encoded credential presented by the host with static
// key hostStaticKey.
func (m *Manager) Validate(encoded, hostStaticKey []byte) (*Credential, error) {
	if len(encoded) == 0 {
		return nil, ErrNoCredential
	}
	var wire payload.PairingCredential
	if err := wire.Unmarshal(encoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !crypto.Equal(wire.MAC, m.mac(hostStaticKey, &wire.Metadata)) {
		return nil, ErrInvalidMAC
	}

	c := &Credential{
		HostStaticKey: append([]byte(nil), hostStaticKey...),
		HostName:      wire.Metadata.HostName,
		Autoconnect:   wire.Metadata.Autoconnect,
		Encoded:       append([]byte(nil), encoded...),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.store == nil {
		return c, nil
	}
	stored, err := m.store.LoadCredential(hostStaticKey)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrRevoked
		}
		return nil, fmt.Errorf("credential: load: %w", err)
	}
	var storedWire payload.PairingCredential
	if err := storedWire.Unmarshal(stored.Encoded); err != nil || !crypto.Equal(storedWire.MAC, wire.MAC) {
		return nil, ErrRevoked
	}
	c.IssuedAt = stored.IssuedAt
	return c, nil
}

// Revoke deletes the credential of hostStaticKey.
func (m *Manager) Revoke(hostStaticKey []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.store == nil {
		return nil
	}
	return m.store.DeleteCredential(hostStaticKey)
}

// List returns all recorded credentials.
func (m *Manager) List() ([]*Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.store == nil {
		return nil, nil
	}
	return m.store.ListCredentials()
}
