package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/backkem/thp/pkg/credential"
	"github.com/backkem/thp/pkg/session"
	"github.com/ncruces/go-sqlite3/driver"  // Load database/sql driver
	_ "github.com/ncruces/go-sqlite3/embed" // Load sqlite WASM binary
)

// SQLite is a Store backed by a SQLite database file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite creates or opens the database at filename using a single
// connection and creates missing tables.
func OpenSQLite(filename string) (*SQLite, error) {
	connector, err := (&driver.SQLite{}).OpenConnector("file:" + filepath.Clean(filename))
	if err != nil {
		return nil, fmt.Errorf("error creating sqlite connector: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(1)
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS secrets
			( name TEXT PRIMARY KEY
			, secret BLOB NOT NULL
			)`,
		`CREATE TABLE IF NOT EXISTS credentials
			( host_key BLOB PRIMARY KEY
			, host_name TEXT NOT NULL
			, autoconnect INTEGER NOT NULL
			, encoded BLOB NOT NULL
			, issued_at INTEGER NOT NULL
			)`,
		`CREATE TABLE IF NOT EXISTS sessions
			( channel_id INTEGER NOT NULL
			, session_id INTEGER NOT NULL
			, record BLOB NOT NULL
			, PRIMARY KEY(channel_id, session_id)
			)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("error initializing database: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) SaveCredential(c *credential.Credential) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO credentials
		(host_key, host_name, autoconnect, encoded, issued_at) VALUES (?, ?, ?, ?, ?)`,
		c.HostStaticKey, c.HostName, c.Autoconnect, c.Encoded, c.IssuedAt.UnixNano())
	return err
}

func (s *SQLite) LoadCredential(hostStaticKey []byte) (*credential.Credential, error) {
	row := s.db.QueryRow(`SELECT host_key, host_name, autoconnect, encoded, issued_at
		FROM credentials WHERE host_key = ?`, hostStaticKey)
	c, err := scanCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, credential.ErrNotFound
	}
	return c, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCredential(row scanner) (*credential.Credential, error) {
	var c credential.Credential
	var issued int64
	if err := row.Scan(&c.HostStaticKey, &c.HostName, &c.Autoconnect, &c.Encoded, &issued); err != nil {
		return nil, err
	}
	c.IssuedAt = time.Unix(0, issued)
	return &c, nil
}

func (s *SQLite) DeleteCredential(hostStaticKey []byte) error {
	res, err := s.db.Exec(`DELETE FROM credentials WHERE host_key = ?`, hostStaticKey)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return credential.ErrNotFound
	}
	return nil
}

// ListCredentials returns the credentials ordered by host key.
func (s *SQLite) ListCredentials() ([]*credential.Credential, error) {
	rows, err := s.db.Query(`SELECT host_key, host_name, autoconnect, encoded, issued_at
		FROM credentials ORDER BY host_key`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*credential.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLite) LoadSession(channelID uint16, sessionID uint8) (*session.Record, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT record FROM sessions WHERE channel_id = ? AND session_id = ?`,
		int64(channelID), int64(sessionID)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeRecord(channelID, sessionID, data)
}

func (s *SQLite) SaveSession(r *session.Record) error {
	data, err := encodeRecord(r)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO sessions (channel_id, session_id, record) VALUES (?, ?, ?)`,
		int64(r.ChannelID), int64(r.SessionID), data)
	return err
}

func (s *SQLite) TouchSession(channelID uint16, sessionID uint8, t time.Time) error {
	r, err := s.LoadSession(channelID, sessionID)
	if err != nil {
		return err
	}
	r.LastUsed = t
	return s.SaveSession(r)
}

func (s *SQLite) ClearSession(channelID uint16, sessionID uint8) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE channel_id = ? AND session_id = ?`, int64(channelID), int64(sessionID))
	return err
}

func (s *SQLite) ClearChannelSessions(channelID uint16) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE channel_id = ?`, int64(channelID))
	return err
}

func (s *SQLite) ClearAllSessions() error {
	_, err := s.db.Exec(`DELETE FROM sessions`)
	return err
}

func (s *SQLite) LoadSecret(name string) ([]byte, error) {
	var v []byte
	err := s.db.QueryRow(`SELECT secret FROM secrets WHERE name = ?`, name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSecretNotFound
	}
	return v, err
}

func (s *SQLite) SaveSecret(name string, value []byte) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO secrets (name, secret) VALUES (?, ?)`, name, value)
	return err
}
