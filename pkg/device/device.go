// Package device runs the device side of THP on one transport: it wires
// storage, credentials, the channel manager and the dispatcher together.
package device

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/backkem/thp/pkg/channel"
	"github.com/backkem/thp/pkg/credential"
	"github.com/backkem/thp/pkg/dispatcher"
	"github.com/backkem/thp/pkg/handshake"
	"github.com/backkem/thp/pkg/storage"
	"github.com/flynn/noise"
	"github.com/pion/logging"
)

// credentialSecretSize is the size of a generated credential secret.
const credentialSecretSize = 32

// Device is a running THP device.
type Device struct {
	config Config
	log    logging.LeveledLogger

	credentials *credential.Manager
	channels    *channel.Manager
	dispatcher  *dispatcher.Dispatcher

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
	runErr error
}

// New creates a device. Identity secrets missing from the config are
// loaded from storage, or generated and saved on first use.
func New(config Config) (*Device, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()
	random := config.Random
	if random == nil {
		random = rand.Reader
	}

	d := &Device{
		config: config,
		log:    config.LoggerFactory.NewLogger("thp-device"),
		state:  StateInitialized,
	}

	switch {
	case len(config.StaticKey.Private) == 0:
		key, err := d.loadStaticKey(random)
		if err != nil {
			return nil, err
		}
		d.config.StaticKey = key
	case len(config.StaticKey.Public) == 0:
		key, err := handshake.KeypairFromPrivate(config.StaticKey.Private)
		if err != nil {
			return nil, err
		}
		d.config.StaticKey = key
	}
	secret := config.CredentialSecret
	if len(secret) == 0 {
		var err error
		secret, err = d.loadSecret(storage.SecretCredential, func() ([]byte, error) {
			b := make([]byte, credentialSecretSize)
			_, err := io.ReadFull(random, b)
			return b, err
		})
		if err != nil {
			return nil, err
		}
	}

	// Sessions are bound to channels, and no channel outlives the process.
	if err := config.Storage.ClearAllSessions(); err != nil {
		return nil, fmt.Errorf("device: clear stale sessions: %w", err)
	}

	creds, err := credential.NewManager(secret, config.Storage)
	if err != nil {
		return nil, err
	}
	d.credentials = creds

	d.channels, err = channel.NewManager(channel.ManagerConfig{
		Writer:        config.Transport,
		StaticKey:     d.config.StaticKey,
		Properties:    config.Properties,
		Credentials:   creds,
		Handler:       config.Handler,
		SessionStore:  config.Storage,
		UI:            config.UI,
		Unlocker:      config.Unlocker,
		Capacity:      config.Capacity,
		MaxSessions:   config.MaxSessions,
		MailboxDepth:  config.MailboxDepth,
		LockInterval:  config.LockInterval,
		ABP:           config.ABP,
		Time:          config.Time,
		Random:        config.Random,
		LoggerFactory: config.LoggerFactory,
	})
	if err != nil {
		return nil, err
	}

	d.dispatcher, err = dispatcher.New(dispatcher.Config{
		Transport:     config.Transport,
		Channels:      d.channels,
		LoggerFactory: config.LoggerFactory,
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Device) loadStaticKey(random io.Reader) (noise.DHKey, error) {
	priv, err := d.loadSecret(storage.SecretStaticKey, func() ([]byte, error) {
		key, err := handshake.GenerateKeypair(random)
		if err != nil {
			return nil, err
		}
		return key.Private, nil
	})
	if err != nil {
		return noise.DHKey{}, err
	}
	return handshake.KeypairFromPrivate(priv)
}

func (d *Device) loadSecret(name string, generate func() ([]byte, error)) ([]byte, error) {
	v, err := d.config.Storage.LoadSecret(name)
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, storage.ErrSecretNotFound) {
		return nil, fmt.Errorf("device: load %s: %w", name, err)
	}
	v, err = generate()
	if err != nil {
		return nil, fmt.Errorf("device: generate %s: %w", name, err)
	}
	if err := d.config.Storage.SaveSecret(name, v); err != nil {
		return nil, fmt.Errorf("device: save %s: %w", name, err)
	}
	d.log.Infof("generated %s", name)
	return v, nil
}

// Start begins serving hosts. It returns immediately; the receive loop runs
// until Stop is called, ctx ends or the transport fails.
func (d *Device) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.state != StateInitialized {
		d.mu.Unlock()
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.mu.Unlock()

	d.setState(StateRunning)
	d.log.Infof("device started, static key %x", d.config.StaticKey.Public)

	go func() {
		defer close(d.done)
		err := d.dispatcher.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			d.log.Warnf("receive loop stopped: %v", err)
		}
		d.mu.Lock()
		d.runErr = err
		d.mu.Unlock()
	}()
	return nil
}

// Stop clears every channel and stops the receive loop. The transport is
// not closed.
func (d *Device) Stop() error {
	d.mu.Lock()
	if d.state != StateRunning {
		d.mu.Unlock()
		return ErrNotStarted
	}
	d.mu.Unlock()

	d.setState(StateStopping)
	d.cancel()
	<-d.done
	d.channels.Close()
	d.setState(StateStopped)
	d.log.Info("device stopped")
	return nil
}

// Done is closed when the receive loop of a started device has returned.
func (d *Device) Done() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done
}

// Err returns why the receive loop stopped.
func (d *Device) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.runErr
}

func (d *Device) setState(s State) {
	d.mu.Lock()
	d.state = s
	cb := d.config.OnStateChanged
	d.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

// State returns the lifecycle state.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// StaticKey returns the device static public key.
func (d *Device) StaticKey() []byte { return d.config.StaticKey.Public }

// Channels returns the channel manager.
func (d *Device) Channels() *channel.Manager { return d.channels }

// Credentials returns the credential manager.
func (d *Device) Credentials() *credential.Manager { return d.credentials }
