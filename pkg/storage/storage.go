// Package storage persists issued credentials, cached sessions and device
// secrets. Memory keeps everything in process; SQLite survives restarts.
package storage

import (
	"errors"
	"time"

	"github.com/backkem/thp/pkg/credential"
	"github.com/backkem/thp/pkg/session"
	"github.com/fxamacker/cbor/v2"
)

// ErrSecretNotFound is returned by LoadSecret for unknown names.
var ErrSecretNotFound = errors.New("storage: secret not found")

// Secret names used by the device.
const (
	SecretStaticKey  = "static_key"
	SecretCredential = "credential_secret"
)

// Store is the full set of persistence the device needs.
type Store interface {
	credential.Store
	session.Store

	LoadSecret(name string) ([]byte, error)
	SaveSecret(name string, value []byte) error
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*SQLite)(nil)
)

// sessionRow is the CBOR form of the session values.
type sessionRow struct {
	State    uint8             `cbor:"1,keyasint"`
	LastUsed int64             `cbor:"2,keyasint"`
	Values   map[string][]byte `cbor:"3,keyasint,omitempty"`
}

var encMode, _ = cbor.CanonicalEncOptions().EncMode()

func encodeRecord(r *session.Record) ([]byte, error) {
	return encMode.Marshal(sessionRow{
		State:    uint8(r.State),
		LastUsed: r.LastUsed.UnixNano(),
		Values:   r.Values,
	})
}

func decodeRecord(cid uint16, sid uint8, data []byte) (*session.Record, error) {
	var row sessionRow
	if err := cbor.Unmarshal(data, &row); err != nil {
		return nil, err
	}
	return &session.Record{
		ChannelID: cid,
		SessionID: sid,
		State:     session.State(row.State),
		LastUsed:  time.Unix(0, row.LastUsed),
		Values:    row.Values,
	}, nil
}

func cloneCredential(c *credential.Credential) *credential.Credential {
	out := *c
	out.HostStaticKey = append([]byte(nil), c.HostStaticKey...)
	out.Encoded = append([]byte(nil), c.Encoded...)
	return &out
}
