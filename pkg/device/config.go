package device

import (
	"io"
	"time"

	"github.com/backkem/thp/pkg/abp"
	"github.com/backkem/thp/pkg/channel"
	"github.com/backkem/thp/pkg/handshake"
	"github.com/backkem/thp/pkg/pairing"
	"github.com/backkem/thp/pkg/payload"
	"github.com/backkem/thp/pkg/session"
	"github.com/backkem/thp/pkg/storage"
	"github.com/backkem/thp/pkg/transport"
	"github.com/flynn/noise"
	"github.com/pion/logging"
)

// Default device properties.
const (
	DefaultInternalModel        = "T3W1"
	DefaultProtocolVersionMajor = 2
	DefaultProtocolVersionMinor = 0
)

// Config holds all configuration for a Device.
type Config struct {
	// Transport - Required
	Transport transport.Interface

	// Storage - Required. Holds credentials, the session cache and, unless
	// set below, the device secrets.
	Storage storage.Store

	// Identity - Optional (loaded from Storage or generated)
	StaticKey        noise.DHKey // Device static X25519 key pair
	CredentialSecret []byte      // Credential MAC secret

	// Device Information - Optional
	Properties *payload.DeviceProperties // (default: T3W1, protocol 2.0, all methods)

	// Behaviour - Optional
	UI       pairing.UI      // Pairing dialogs (default: confirm all)
	Unlocker Unlocker        // Lock state (default: unlocked)
	Handler  session.Handler // Session handler (default: DefaultHandler)

	// Limits - Optional (uses defaults if zero)
	Capacity     int           // Channels (default: 4)
	MaxSessions  int           // Sessions per channel (default: 16)
	MailboxDepth int           // Session mailbox depth (default: 8)
	LockInterval time.Duration // Busy lock interval (default: 1s)
	ABP          abp.Params    // Retransmission parameters

	// Callbacks - Optional
	OnStateChanged func(state State)

	// Advanced - Testing
	Time   channel.TimeProvider
	Random io.Reader

	LoggerFactory logging.LoggerFactory
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Transport == nil {
		return ErrTransportRequired
	}
	if c.Storage == nil {
		return ErrStorageRequired
	}
	if len(c.StaticKey.Private) != 0 && len(c.StaticKey.Private) != handshake.KeySize {
		return ErrInvalidStaticKey
	}
	if c.Properties != nil && len(c.Properties.PairingMethods) == 0 {
		return ErrNoPairingMethod
	}
	return nil
}

// applyDefaults fills in default values for unset fields.
func (c *Config) applyDefaults() {
	if c.Properties == nil {
		c.Properties = &payload.DeviceProperties{
			InternalModel:        DefaultInternalModel,
			ProtocolVersionMajor: DefaultProtocolVersionMajor,
			ProtocolVersionMinor: DefaultProtocolVersionMinor,
			PairingMethods: []payload.PairingMethod{
				payload.MethodCodeEntry,
				payload.MethodQrCode,
				payload.MethodNFC,
			},
		}
	}
	if c.Handler == nil {
		c.Handler = DefaultHandler
	}
	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
}
