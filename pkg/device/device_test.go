package device

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/backkem/thp/pkg/abp"
	"github.com/backkem/thp/pkg/channel"
	"github.com/backkem/thp/pkg/crypto/spake2p"
	"github.com/backkem/thp/pkg/handshake"
	"github.com/backkem/thp/pkg/host"
	"github.com/backkem/thp/pkg/pairing"
	"github.com/backkem/thp/pkg/payload"
	"github.com/backkem/thp/pkg/session"
	"github.com/backkem/thp/pkg/storage"
	"github.com/backkem/thp/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastABP = abp.Params{RetransmitInterval: 20 * time.Millisecond, MaxRetransmissions: 100}

// codeUI confirms everything and publishes displayed codes.
type codeUI struct {
	codes  chan pairing.Request
	mu     sync.Mutex
	reject map[pairing.RequestKind]bool
	seen   []pairing.RequestKind
}

func newCodeUI() *codeUI {
	return &codeUI{codes: make(chan pairing.Request, 8), reject: map[pairing.RequestKind]bool{}}
}

func (u *codeUI) Run(_ context.Context, req pairing.Request) (pairing.Response, error) {
	u.mu.Lock()
	u.seen = append(u.seen, req.Kind)
	rejected := u.reject[req.Kind]
	u.mu.Unlock()
	switch req.Kind {
	case pairing.ShowCode, pairing.ShowQrCode, pairing.ShowNFC:
		u.codes <- req
	}
	return pairing.Response{Confirmed: !rejected}, nil
}

func (u *codeUI) saw(kind pairing.RequestKind) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, k := range u.seen {
		if k == kind {
			return true
		}
	}
	return false
}

func (u *codeUI) code(ctx context.Context) (string, error) {
	select {
	case req := <-u.codes:
		return req.Code, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (u *codeUI) nfcSecret(ctx context.Context) ([]byte, error) {
	code, err := u.code(ctx)
	if err != nil {
		return nil, err
	}
	return hex.DecodeString(code)
}

type testbed struct {
	t      *testing.T
	device *Device
	ui     *codeUI
	store  storage.Store
	ctx    context.Context
}

func newTestbed(t *testing.T, tr transport.Interface, mutate func(*Config)) *testbed {
	t.Helper()
	ui := newCodeUI()
	cfg := Config{
		Transport: tr,
		Storage:   storage.NewMemory(),
		UI:        ui,
		ABP:       fastABP,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	d, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	require.NoError(t, d.Start(ctx))
	t.Cleanup(func() { _ = d.Stop() })
	return &testbed{t: t, device: d, ui: ui, store: cfg.Storage, ctx: ctx}
}

func newHost(t *testing.T, tr transport.Interface, mutate func(*host.Config)) *host.Client {
	t.Helper()
	cfg := host.Config{Transport: tr, HostName: "test host", ABP: fastABP}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := host.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// pairCodeEntry connects, pairs with code entry, requests a credential and
// ends pairing.
func (tb *testbed) pairCodeEntry(c *host.Client, autoconnect bool) *payload.CredentialResponse {
	tb.t.Helper()
	state, err := c.Connect(tb.ctx)
	require.NoError(tb.t, err)
	require.Equal(tb.t, handshake.StateUnpaired, state)
	require.NoError(tb.t, c.RequestPairing(tb.ctx))
	require.NoError(tb.t, c.PairCodeEntry(tb.ctx, tb.ui.code))
	cred, err := c.RequestCredential(tb.ctx, autoconnect)
	require.NoError(tb.t, err)
	require.NoError(tb.t, c.EndPairing(tb.ctx))
	return cred
}

func TestConfigValidate(t *testing.T) {
	p := transport.NewPipe()
	defer p.Close()

	_, err := New(Config{Storage: storage.NewMemory()})
	assert.ErrorIs(t, err, ErrTransportRequired)
	_, err = New(Config{Transport: p.Device()})
	assert.ErrorIs(t, err, ErrStorageRequired)
	_, err = New(Config{Transport: p.Device(), Storage: storage.NewMemory(), Properties: &payload.DeviceProperties{}})
	assert.ErrorIs(t, err, ErrNoPairingMethod)
}

func TestIdentityPersisted(t *testing.T) {
	p := transport.NewPipe()
	defer p.Close()
	store := storage.NewMemory()

	d1, err := New(Config{Transport: p.Device(), Storage: store})
	require.NoError(t, err)
	d2, err := New(Config{Transport: p.Device(), Storage: store})
	require.NoError(t, err)
	assert.Equal(t, d1.StaticKey(), d2.StaticKey())
	assert.Len(t, d1.StaticKey(), handshake.KeySize)
}

func TestLifecycle(t *testing.T) {
	p := transport.NewPipe()
	defer p.Close()

	var states []State
	d, err := New(Config{
		Transport:      p.Device(),
		Storage:        storage.NewMemory(),
		OnStateChanged: func(s State) { states = append(states, s) },
	})
	require.NoError(t, err)
	assert.ErrorIs(t, d.Stop(), ErrNotStarted)
	require.NoError(t, d.Start(context.Background()))
	assert.ErrorIs(t, d.Start(context.Background()), ErrAlreadyStarted)
	require.NoError(t, d.Stop())
	assert.Equal(t, []State{StateRunning, StateStopping, StateStopped}, states)
}

func TestCodeEntryPairingAndPing(t *testing.T) {
	p := transport.NewPipe()
	defer p.Close()
	tb := newTestbed(t, p.Device(), nil)
	c := newHost(t, p.Host(), nil)

	cred := tb.pairCodeEntry(c, false)
	assert.Equal(t, tb.device.StaticKey(), cred.TrezorStaticPubkey)

	ch := tb.device.Channels().Get(c.ChannelID())
	require.NotNil(t, ch)
	assert.Equal(t, channel.StateEncryptedTransport, ch.State())

	for i := 0; i < 3; i++ {
		got, err := c.Ping(tb.ctx, 7, "hello")
		require.NoError(t, err)
		assert.Equal(t, "hello", got)
	}
	assert.Equal(t, 1, ch.Sessions().Count(), "session 7 is created once and reused")

	_, err := c.Call(tb.ctx, 7, &payload.Cancel{})
	var failure *payload.Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, payload.FailureUnexpectedMessage, failure.Code)

	list, err := tb.device.Credentials().List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "test host", list[0].HostName)
}

func TestQrCodePairing(t *testing.T) {
	p := transport.NewPipe()
	defer p.Close()
	tb := newTestbed(t, p.Device(), nil)
	c := newHost(t, p.Host(), nil)

	_, err := c.Connect(tb.ctx)
	require.NoError(t, err)
	require.NoError(t, c.RequestPairing(tb.ctx))
	require.NoError(t, c.PairQrCode(tb.ctx, tb.ui.code))
	require.NoError(t, c.EndPairing(tb.ctx))

	_, err = c.Ping(tb.ctx, 1, "qr")
	require.NoError(t, err)
}

func TestNFCPairing(t *testing.T) {
	p := transport.NewPipe()
	defer p.Close()
	tb := newTestbed(t, p.Device(), nil)
	c := newHost(t, p.Host(), nil)

	_, err := c.Connect(tb.ctx)
	require.NoError(t, err)
	require.NoError(t, c.RequestPairing(tb.ctx))
	require.NoError(t, c.PairNFC(tb.ctx, tb.ui.nfcSecret))
	_, err = c.RequestCredential(tb.ctx, false)
	require.NoError(t, err)
	require.NoError(t, c.EndPairing(tb.ctx))
}

func TestWrongCodeFailsPairing(t *testing.T) {
	p := transport.NewPipe()
	defer p.Close()
	tb := newTestbed(t, p.Device(), nil)
	c := newHost(t, p.Host(), nil)

	_, err := c.Connect(tb.ctx)
	require.NoError(t, err)
	require.NoError(t, c.RequestPairing(tb.ctx))
	err = c.PairCodeEntry(tb.ctx, func(ctx context.Context) (string, error) {
		code, err := tb.ui.code(ctx)
		if err != nil {
			return "", err
		}
		if code == "000000" {
			return "000001", nil
		}
		return "000000", nil
	})
	var failure *payload.Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, payload.FailureDataError, failure.Code)

	// The channel was reset.
	cid := c.ChannelID()
	require.Eventually(t, func() bool { return tb.device.Channels().Get(cid) == nil },
		time.Second, 5*time.Millisecond)
	_, err = c.Ping(tb.ctx, 1, "after")
	assert.ErrorIs(t, err, host.ErrUnallocatedChannel)
}

// A tag computed over another handshake hash, as a relay holding two
// handshakes would produce, is refused even with the right code.
func TestCodeEntryTagFromOtherHandshake(t *testing.T) {
	p := transport.NewPipe()
	defer p.Close()
	tb := newTestbed(t, p.Device(), nil)
	c := newHost(t, p.Host(), nil)

	_, err := c.Connect(tb.ctx)
	require.NoError(t, err)
	require.NoError(t, c.RequestPairing(tb.ctx))
	_, err = c.Call(tb.ctx, pairing.SessionID, &payload.SelectMethod{Method: payload.MethodCodeEntry})
	require.NoError(t, err)
	resp, err := c.Call(tb.ctx, pairing.SessionID, &payload.CodeEntryChallenge{Challenge: make([]byte, pairing.SecretSize)})
	require.NoError(t, err)
	deviceShare := resp.(*payload.CodeEntryPakeTrezor).Share
	code, err := tb.ui.code(tb.ctx)
	require.NoError(t, err)

	otherHash := append([]byte(nil), c.HandshakeHash()...)
	otherHash[0] ^= 0xFF
	w0, w1 := pairing.CodeEntryScalars(otherHash, code)
	pake, err := spake2p.NewProver(otherHash, w0, w1, rand.Reader)
	require.NoError(t, err)
	share, err := pake.Share()
	require.NoError(t, err)
	require.NoError(t, pake.Finish(deviceShare))
	tag, err := pake.Confirmation()
	require.NoError(t, err)

	_, err = c.Call(tb.ctx, pairing.SessionID, &payload.CodeEntryTag{HostShare: share, Tag: tag})
	var failure *payload.Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, payload.FailureDataError, failure.Code)

	cid := c.ChannelID()
	require.Eventually(t, func() bool { return tb.device.Channels().Get(cid) == nil },
		time.Second, 5*time.Millisecond)
	creds, err := tb.store.ListCredentials()
	require.NoError(t, err)
	assert.Empty(t, creds)
}

func TestRejectedPairing(t *testing.T) {
	p := transport.NewPipe()
	defer p.Close()
	tb := newTestbed(t, p.Device(), nil)
	tb.ui.reject[pairing.ConfirmPairing] = true
	c := newHost(t, p.Host(), nil)

	_, err := c.Connect(tb.ctx)
	require.NoError(t, err)
	err = c.RequestPairing(tb.ctx)
	var failure *payload.Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, payload.FailureActionCancelled, failure.Code)
}

func TestCancelPairing(t *testing.T) {
	p := transport.NewPipe()
	defer p.Close()
	tb := newTestbed(t, p.Device(), nil)
	c := newHost(t, p.Host(), nil)

	_, err := c.Connect(tb.ctx)
	require.NoError(t, err)
	require.NoError(t, c.RequestPairing(tb.ctx))
	require.NoError(t, c.Cancel(tb.ctx))
}

func TestReconnectWithCredential(t *testing.T) {
	for _, autoconnect := range []bool{false, true} {
		name := "confirm"
		want := handshake.StatePaired
		if autoconnect {
			name = "autoconnect"
			want = handshake.StatePairedAutoconnect
		}
		t.Run(name, func(t *testing.T) {
			p := transport.NewPipe()
			defer p.Close()
			tb := newTestbed(t, p.Device(), nil)
			first := newHost(t, p.Host(), nil)
			cred := tb.pairCodeEntry(first, autoconnect)
			require.NoError(t, first.Close())

			second := newHost(t, p.Host(), func(c *host.Config) {
				c.StaticKey = first.StaticKey()
				c.Credential = cred.Credential
			})
			state, err := second.Connect(tb.ctx)
			require.NoError(t, err)
			assert.Equal(t, want, state)
			require.NoError(t, second.EndPairing(tb.ctx))
			assert.Equal(t, !autoconnect, tb.ui.saw(pairing.ConfirmConnection))

			_, err = second.Ping(tb.ctx, 3, "again")
			require.NoError(t, err)
		})
	}
}

func TestCredentialForOtherKeyIsIgnored(t *testing.T) {
	p := transport.NewPipe()
	defer p.Close()
	tb := newTestbed(t, p.Device(), nil)
	first := newHost(t, p.Host(), nil)
	cred := tb.pairCodeEntry(first, false)
	require.NoError(t, first.Close())

	// A fresh host key with a stolen credential is treated as unpaired.
	second := newHost(t, p.Host(), func(c *host.Config) { c.Credential = cred.Credential })
	state, err := second.Connect(tb.ctx)
	require.NoError(t, err)
	assert.Equal(t, handshake.StateUnpaired, state)
}

func TestRevokedCredential(t *testing.T) {
	p := transport.NewPipe()
	defer p.Close()
	tb := newTestbed(t, p.Device(), nil)
	first := newHost(t, p.Host(), nil)
	cred := tb.pairCodeEntry(first, false)
	require.NoError(t, first.Close())
	require.NoError(t, tb.device.Credentials().Revoke(first.StaticKey().Public))

	second := newHost(t, p.Host(), func(c *host.Config) {
		c.StaticKey = first.StaticKey()
		c.Credential = cred.Credential
	})
	state, err := second.Connect(tb.ctx)
	require.NoError(t, err)
	assert.Equal(t, handshake.StateUnpaired, state)
}

func TestSkipPairing(t *testing.T) {
	p := transport.NewPipe()
	defer p.Close()
	tb := newTestbed(t, p.Device(), func(c *Config) {
		c.Properties = &payload.DeviceProperties{
			InternalModel:  "T3W1",
			PairingMethods: []payload.PairingMethod{payload.MethodSkipPairing},
		}
	})
	c := newHost(t, p.Host(), nil)

	_, err := c.Connect(tb.ctx)
	require.NoError(t, err)
	assert.Equal(t, "T3W1", c.Properties().InternalModel)
	require.NoError(t, c.RequestPairing(tb.ctx))
	require.NoError(t, c.SkipPairing(tb.ctx))
	_, err = c.Ping(tb.ctx, 1, "skipped")
	require.NoError(t, err)
}

func TestDeviceLocked(t *testing.T) {
	p := transport.NewPipe()
	defer p.Close()
	locked := true
	var mu sync.Mutex
	tb := newTestbed(t, p.Device(), func(c *Config) {
		c.Unlocker = UnlockerFunc(func() bool {
			mu.Lock()
			defer mu.Unlock()
			return !locked
		})
	})
	c := newHost(t, p.Host(), nil)

	require.NoError(t, c.Allocate(tb.ctx))
	_, err := c.Handshake(tb.ctx)
	require.ErrorIs(t, err, host.ErrDeviceLocked)
	assert.NotNil(t, tb.device.Channels().Get(c.ChannelID()), "a locked device keeps the channel")

	mu.Lock()
	locked = false
	mu.Unlock()
	state, err := c.Handshake(tb.ctx)
	require.NoError(t, err)
	assert.Equal(t, handshake.StateUnpaired, state)
}

func TestUnallocatedSession(t *testing.T) {
	p := transport.NewPipe()
	defer p.Close()
	tb := newTestbed(t, p.Device(), nil)
	c := newHost(t, p.Host(), nil)
	tb.pairCodeEntry(c, false)

	_, err := c.Ping(tb.ctx, 9, "one")
	require.NoError(t, err)
	ch := tb.device.Channels().Get(c.ChannelID())
	require.NoError(t, ch.DeallocateSession(9))

	_, err = c.Ping(tb.ctx, 9, "two")
	var failure *payload.Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, payload.FailureThpUnallocatedSession, failure.Code)

	// Other sessions are unaffected.
	_, err = c.Ping(tb.ctx, 10, "three")
	require.NoError(t, err)
}

func TestUnknownChannel(t *testing.T) {
	p := transport.NewPipe()
	defer p.Close()
	tb := newTestbed(t, p.Device(), nil)
	c := newHost(t, p.Host(), nil)
	tb.pairCodeEntry(c, false)

	tb.device.Channels().Get(c.ChannelID()).Clear()
	_, err := c.Ping(tb.ctx, 1, "gone")
	assert.ErrorIs(t, err, host.ErrUnallocatedChannel)
}

func TestLossyLink(t *testing.T) {
	p := transport.NewPipeWithConfig(transport.PipeConfig{AutoProcess: true, Seed: 42})
	defer p.Close()
	p.SetCondition(transport.NetworkCondition{
		DropRate:      0.1,
		DuplicateRate: 0.05,
	})
	tb := newTestbed(t, p.Device(), nil)
	c := newHost(t, p.Host(), nil)
	tb.pairCodeEntry(c, false)

	for i := 0; i < 10; i++ {
		got, err := c.Ping(tb.ctx, 1, "lossy")
		require.NoError(t, err)
		assert.Equal(t, "lossy", got)
	}
}

func TestLargeMessage(t *testing.T) {
	p := transport.NewPipe()
	defer p.Close()
	tb := newTestbed(t, p.Device(), nil)
	c := newHost(t, p.Host(), nil)
	tb.pairCodeEntry(c, false)

	big := make([]byte, 20000)
	for i := range big {
		big[i] = 'a' + byte(i%26)
	}
	got, err := c.Ping(tb.ctx, 2, string(big))
	require.NoError(t, err)
	assert.Equal(t, string(big), got)
}

func TestBusyLock(t *testing.T) {
	hub := transport.NewHub(2, transport.DefaultPipeConfig())
	defer hub.Close()
	tb := newTestbed(t, hub.Device(), func(c *Config) { c.LockInterval = time.Minute })
	a := newHost(t, hub.Host(0), func(c *host.Config) { c.HostName = "a" })
	b := newHost(t, hub.Host(1), func(c *host.Config) { c.HostName = "b" })

	_, err := a.Connect(tb.ctx)
	require.NoError(t, err)

	require.NoError(t, b.Allocate(tb.ctx))
	_, err = b.Handshake(tb.ctx)
	require.ErrorIs(t, err, host.ErrTransportBusy)
	assert.Equal(t, tb.device.Channels().Get(a.ChannelID()), tb.device.Channels().LockHolder())

	// Host a finishes pairing; b's half-open channel is invalidated.
	require.NoError(t, a.RequestPairing(tb.ctx))
	require.NoError(t, a.PairCodeEntry(tb.ctx, tb.ui.code))
	require.NoError(t, a.EndPairing(tb.ctx))
	assert.Nil(t, tb.device.Channels().LockHolder())

	_, err = b.Handshake(tb.ctx)
	require.ErrorIs(t, err, host.ErrUnallocatedChannel)

	state, err := b.Connect(tb.ctx)
	require.NoError(t, err)
	assert.Equal(t, handshake.StateUnpaired, state)

	_, err = a.Ping(tb.ctx, 1, "still here")
	require.NoError(t, err)
}

func TestBusyLockExpires(t *testing.T) {
	hub := transport.NewHub(2, transport.DefaultPipeConfig())
	defer hub.Close()
	tb := newTestbed(t, hub.Device(), func(c *Config) { c.LockInterval = 50 * time.Millisecond })
	a := newHost(t, hub.Host(0), nil)
	b := newHost(t, hub.Host(1), nil)

	_, err := a.Connect(tb.ctx)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	// b takes the lock over; a is now the busy one.
	_, err = b.Connect(tb.ctx)
	require.NoError(t, err)
	err = a.RequestPairing(tb.ctx)
	require.ErrorIs(t, err, host.ErrTransportBusy)
}

func TestChannelEviction(t *testing.T) {
	p := transport.NewPipe()
	defer p.Close()
	tb := newTestbed(t, p.Device(), func(c *Config) { c.Capacity = 2 })

	var cids []uint16
	for i := 0; i < 3; i++ {
		c := newHost(t, p.Host(), nil)
		require.NoError(t, c.Allocate(tb.ctx))
		cids = append(cids, c.ChannelID())
		require.NoError(t, c.Close())
	}
	assert.Equal(t, 2, tb.device.Channels().Len())
	assert.Nil(t, tb.device.Channels().Get(cids[0]), "least recently used channel is evicted")
	assert.NotNil(t, tb.device.Channels().Get(cids[2]))
}

func TestSQLiteStorage(t *testing.T) {
	db, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "device.db"))
	require.NoError(t, err)
	defer db.Close()

	p := transport.NewPipe()
	defer p.Close()
	tb := newTestbed(t, p.Device(), func(c *Config) { c.Storage = db })
	first := newHost(t, p.Host(), nil)
	cred := tb.pairCodeEntry(first, true)
	require.NoError(t, first.Close())
	require.NoError(t, tb.device.Stop())

	// A restarted device with the same database recognizes the host.
	d2, err := New(Config{Transport: p.Device(), Storage: db, ABP: fastABP})
	require.NoError(t, err)
	require.NoError(t, d2.Start(tb.ctx))
	defer d2.Stop()
	assert.Equal(t, tb.device.StaticKey(), d2.StaticKey())

	second := newHost(t, p.Host(), func(c *host.Config) {
		c.StaticKey = first.StaticKey()
		c.Credential = cred.Credential
	})
	state, err := second.Connect(tb.ctx)
	require.NoError(t, err)
	assert.Equal(t, handshake.StatePairedAutoconnect, state)
}

// Session rows left behind by a device that never shut down cleanly must
// not leak into the channel that reuses their channel ID.
func TestStaleSessionsDroppedOnStart(t *testing.T) {
	db, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "device.db"))
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.SaveSession(&session.Record{
		ChannelID: 1,
		SessionID: 5,
		State:     session.StateUnallocated,
		Values:    map[string][]byte{"seed": {1, 2, 3}},
	}))

	p := transport.NewPipe()
	defer p.Close()
	tb := newTestbed(t, p.Device(), func(c *Config) { c.Storage = db })
	c := newHost(t, p.Host(), nil)
	tb.pairCodeEntry(c, false)
	require.Equal(t, uint16(1), c.ChannelID())

	got, err := c.Ping(tb.ctx, 5, "fresh")
	require.NoError(t, err)
	assert.Equal(t, "fresh", got)

	r, err := db.LoadSession(1, 5)
	require.NoError(t, err)
	assert.NotEqual(t, session.StateUnallocated, r.State)
	assert.Empty(t, r.Values)
}
