package session

import "time"

// Record is the persisted form of a session.
type Record struct {
	ChannelID uint16
	SessionID uint8
	State     State
	LastUsed  time.Time
	Values    map[string][]byte
}

// Store is a persistent session cache. Implementations return ErrNotFound
// from LoadSession for unknown sessions.
//
// All methods must be safe for concurrent use.
type Store interface {
	LoadSession(channelID uint16, sessionID uint8) (*Record, error)
	SaveSession(r *Record) error
	TouchSession(channelID uint16, sessionID uint8, t time.Time) error
	ClearSession(channelID uint16, sessionID uint8) error
	ClearChannelSessions(channelID uint16) error
	// ClearAllSessions drops every record. Channel IDs are reused after a
	// restart, so records from a previous run must not survive it.
	ClearAllSessions() error
}
