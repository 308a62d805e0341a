package channel

import (
	"context"
	"io"
	"time"

	"github.com/backkem/thp/pkg/abp"
	"github.com/backkem/thp/pkg/credential"
	"github.com/backkem/thp/pkg/handshake"
	"github.com/backkem/thp/pkg/pairing"
	"github.com/backkem/thp/pkg/payload"
	"github.com/backkem/thp/pkg/session"
	"github.com/flynn/noise"
	"github.com/pion/logging"
)

// Defaults.
const (
	// DefaultCapacity is the number of channels kept before the least
	// recently used one is evicted.
	DefaultCapacity = 4

	// DefaultLockInterval is how long the transport busy lock stays with a
	// host after its last handshake or pairing message.
	DefaultLockInterval = time.Second

	// MaxChannelID is the highest channel ID handed to hosts.
	MaxChannelID uint16 = 0xFFEF
)

// PacketWriter is the device end of a transport.
type PacketWriter interface {
	PacketSize() int
	WritePacket(ctx context.Context, packet []byte) error
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Transport - Required
	Writer PacketWriter

	// Identity - Required
	StaticKey  noise.DHKey               // Device static X25519 key pair
	Properties *payload.DeviceProperties // Returned at allocation, handshake prologue

	// Collaborators
	Credentials  *credential.Manager // Required
	Handler      session.Handler     // Required, runs every session
	SessionStore session.Store       // Session cache (default: in memory)
	UI           pairing.UI          // Pairing dialogs (default: confirm all)
	Unlocker     Unlocker            // Lock state (default: unlocked)

	// Limits - Optional (uses defaults if zero)
	Capacity     int           // Channels (default: 4)
	MaxSessions  int           // Sessions per channel (default: 16)
	MailboxDepth int           // Session mailbox depth (default: 8)
	LockInterval time.Duration // Busy lock interval (default: 1s)
	ABP          abp.Params    // Retransmission parameters

	// Advanced - Testing
	Time   TimeProvider
	Random io.Reader

	LoggerFactory logging.LoggerFactory
}

// Validate checks the configuration for errors.
func (c *ManagerConfig) Validate() error {
	if c.Writer == nil {
		return errorf("writer required")
	}
	if len(c.StaticKey.Private) != handshake.KeySize || len(c.StaticKey.Public) != handshake.KeySize {
		return errorf("device static key required")
	}
	if c.Properties == nil {
		return errorf("device properties required")
	}
	if c.Credentials == nil {
		return errorf("credential manager required")
	}
	if c.Handler == nil {
		return errorf("session handler required")
	}
	return nil
}

// applyDefaults fills in default values for unset fields.
func (c *ManagerConfig) applyDefaults() {
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = session.DefaultMaxSessions
	}
	if c.MailboxDepth <= 0 {
		c.MailboxDepth = session.DefaultMailboxDepth
	}
	if c.LockInterval <= 0 {
		c.LockInterval = DefaultLockInterval
	}
	c.ABP = c.ABP.WithDefaults()
	if c.UI == nil {
		c.UI = pairing.AutoConfirm{}
	}
	if c.Unlocker == nil {
		c.Unlocker = StaticUnlocker(true)
	}
	if c.Time == nil {
		c.Time = SystemTime{}
	}
	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
}
