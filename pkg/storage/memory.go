package storage

import (
	"bytes"
	"slices"
	"sync"
	"time"

	"github.com/backkem/thp/pkg/credential"
	"github.com/backkem/thp/pkg/session"
)

type sessionKey struct {
	cid uint16
	sid uint8
}

// Memory is an in-process Store. Session records are kept in their encoded
// form so callers never share maps with the store.
type Memory struct {
	mu          sync.Mutex
	credentials map[string]*credential.Credential
	sessions    map[sessionKey][]byte
	secrets     map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		credentials: make(map[string]*credential.Credential),
		sessions:    make(map[sessionKey][]byte),
		secrets:     make(map[string][]byte),
	}
}

func (m *Memory) SaveCredential(c *credential.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credentials[string(c.HostStaticKey)] = cloneCredential(c)
	return nil
}

func (m *Memory) LoadCredential(hostStaticKey []byte) (*credential.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.credentials[string(hostStaticKey)]
	if !ok {
		return nil, credential.ErrNotFound
	}
	return cloneCredential(c), nil
}

func (m *Memory) DeleteCredential(hostStaticKey []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.credentials[string(hostStaticKey)]; !ok {
		return credential.ErrNotFound
	}
	delete(m.credentials, string(hostStaticKey))
	return nil
}

// ListCredentials returns the credentials ordered by host key.
func (m *Memory) ListCredentials() ([]*credential.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*credential.Credential, 0, len(m.credentials))
	for _, c := range m.credentials {
		out = append(out, cloneCredential(c))
	}
	slices.SortFunc(out, func(a, b *credential.Credential) int {
		return bytes.Compare(a.HostStaticKey, b.HostStaticKey)
	})
	return out, nil
}

func (m *Memory) LoadSession(channelID uint16, sessionID uint8) (*session.Record, error) {
	m.mu.Lock()
	data, ok := m.sessions[sessionKey{channelID, sessionID}]
	m.mu.Unlock()
	if !ok {
		return nil, session.ErrNotFound
	}
	return decodeRecord(channelID, sessionID, data)
}

func (m *Memory) SaveSession(r *session.Record) error {
	data, err := encodeRecord(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sessionKey{r.ChannelID, r.SessionID}] = data
	return nil
}

func (m *Memory) TouchSession(channelID uint16, sessionID uint8, t time.Time) error {
	r, err := m.LoadSession(channelID, sessionID)
	if err != nil {
		return err
	}
	r.LastUsed = t
	return m.SaveSession(r)
}

func (m *Memory) ClearSession(channelID uint16, sessionID uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionKey{channelID, sessionID})
	return nil
}

func (m *Memory) ClearChannelSessions(channelID uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.sessions {
		if k.cid == channelID {
			delete(m.sessions, k)
		}
	}
	return nil
}

func (m *Memory) ClearAllSessions() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.sessions)
	return nil
}

func (m *Memory) LoadSecret(name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.secrets[name]
	if !ok {
		return nil, ErrSecretNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) SaveSecret(name string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[name] = append([]byte(nil), value...)
	return nil
}
