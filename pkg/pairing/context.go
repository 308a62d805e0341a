// Package pairing runs the THP pairing sub-protocol on a channel whose
// handshake has completed but which is not yet trusted.
//
// An unpaired channel starts in phase TP0 and walks through the pairing
// request, method selection and the method specific proof (code entry, QR
// code or NFC) to TP4, where the host may request credentials before ending
// pairing. A channel that presented a valid credential starts in TC1 and
// only needs the user to confirm the connection, unless the credential
// allows autoconnect. A Cancel message or a rejection in the UI ends
// pairing without granting trust.
package pairing

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/backkem/thp/pkg/credential"
	"github.com/backkem/thp/pkg/crypto"
	"github.com/backkem/thp/pkg/crypto/spake2p"
	"github.com/backkem/thp/pkg/message"
	"github.com/backkem/thp/pkg/payload"
	"github.com/backkem/thp/pkg/session"
	"github.com/pion/logging"
)

// SessionID is the session ID that carries pairing messages.
const SessionID uint8 = 0

// Phase is the pairing progress of a channel.
type Phase int

// Pairing phases.
const (
	PhaseTP0 Phase = iota
	PhaseTP1
	PhaseTP2
	PhaseTP3
	PhaseTP4
	PhaseTC1
	PhaseDone
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseTP0:
		return "TP0"
	case PhaseTP1:
		return "TP1"
	case PhaseTP2:
		return "TP2"
	case PhaseTP3:
		return "TP3"
	case PhaseTP4:
		return "TP4"
	case PhaseTC1:
		return "TC1"
	case PhaseDone:
		return "DONE"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Config configures a pairing Context.
type Config struct {
	ChannelID uint16

	// Writer sends replies on SessionID.
	Writer session.Writer

	UI          UI
	Credentials *credential.Manager
	Properties  *payload.DeviceProperties

	// HandshakeHash binds pairing proofs to the channel.
	HandshakeHash []byte

	// HostStaticKey is the host static key authenticated in the handshake.
	HostStaticKey []byte

	// DeviceStaticKey is the device static public key returned with
	// credentials.
	DeviceStaticKey []byte

	// Credential is the valid credential presented in the handshake, if any.
	Credential *credential.Credential

	// OnPhase is called on every phase change, before the message that
	// lets the host proceed is written.
	OnPhase func(Phase)

	Random        io.Reader
	MailboxDepth  int
	LoggerFactory logging.LoggerFactory
}

// Context is the pairing state of one channel.
type Context struct {
	config Config
	log    logging.LeveledLogger
	mbox   *session.Session

	mu       sync.Mutex
	phase    Phase
	hostName string
	issued   []*credential.Credential
}

// NewContext creates a pairing context. It starts in TC1 when a credential
// was presented and in TP0 otherwise.
func NewContext(config Config) *Context {
	if config.Random == nil {
		config.Random = rand.Reader
	}
	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if config.UI == nil {
		config.UI = AutoConfirm{}
	}
	c := &Context{
		config: config,
		log:    config.LoggerFactory.NewLogger("thp-pairing"),
		mbox: session.New(session.Config{
			ID:            SessionID,
			ChannelID:     config.ChannelID,
			State:         session.StateSeedless,
			Writer:        config.Writer,
			MailboxDepth:  config.MailboxDepth,
			LoggerFactory: config.LoggerFactory,
		}),
		phase: PhaseTP0,
	}
	if config.Credential != nil {
		c.phase = PhaseTC1
		c.hostName = config.Credential.HostName
	}
	return c
}

// Phase returns the current phase.
func (c *Context) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Issued returns the credentials issued on this channel.
func (c *Context) Issued() []*credential.Credential {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*credential.Credential(nil), c.issued...)
}

// Deliver queues a pairing message. It does not block.
func (c *Context) Deliver(msg message.Message) error {
	err := c.mbox.Deliver(msg)
	if errors.Is(err, session.ErrClosed) {
		return ErrClosed
	}
	return err
}

// Close aborts a running pairing.
func (c *Context) Close() {
	c.mbox.Close()
}

func (c *Context) setPhase(p Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
	c.log.Debugf("channel %04x: pairing phase %s", c.config.ChannelID, p)
	if c.config.OnPhase != nil {
		c.config.OnPhase(p)
	}
}

// Run drives pairing to completion. It returns nil once the channel may
// enter encrypted transport; any error means the channel must be reset.
func (c *Context) Run(ctx context.Context) error {
	err := c.run(ctx)
	if err != nil {
		c.log.Infof("channel %04x: pairing ended: %v", c.config.ChannelID, err)
		switch {
		case errors.Is(err, ErrCancelled), errors.Is(err, ErrRejected):
			c.fail(ctx, payload.FailureActionCancelled, err)
		case errors.Is(err, ErrUnsupportedMethod), errors.Is(err, ErrTagMismatch),
			errors.Is(err, ErrInvalidChallenge), errors.Is(err, ErrHostKeyMismatch):
			c.fail(ctx, payload.FailureDataError, err)
		}
	}
	return err
}

func (c *Context) run(ctx context.Context) error {
	if c.Phase() == PhaseTC1 {
		return c.runPaired(ctx)
	}
	if err := c.request(ctx); err != nil {
		return err
	}
	method, err := c.selectMethod(ctx)
	if err != nil {
		return err
	}
	switch method {
	case payload.MethodSkipPairing:
		return c.finish(ctx)
	case payload.MethodCodeEntry:
		err = c.codeEntry(ctx)
	case payload.MethodQrCode:
		err = c.qrCode(ctx)
	case payload.MethodNFC:
		err = c.nfc(ctx)
	}
	if err != nil {
		return err
	}
	return c.credentialPhase(ctx)
}

// expect reads the next message of one of types. Cancel aborts; any other
// message is answered with an UnexpectedMessage failure and skipped.
func (c *Context) expect(ctx context.Context, types ...payload.MessageType) (payload.Message, error) {
	for {
		msg, err := c.mbox.Read(ctx)
		if err != nil {
			if errors.Is(err, session.ErrClosed) {
				return nil, ErrClosed
			}
			return nil, err
		}
		t := payload.MessageType(msg.Type)
		if t == payload.TypeCancel {
			return nil, ErrCancelled
		}
		if !slices.Contains(types, t) {
			c.fail(ctx, payload.FailureUnexpectedMessage, fmt.Errorf("unexpected %s in phase %s", t, c.Phase()))
			continue
		}
		m, err := payload.Decode(msg)
		if err != nil {
			c.fail(ctx, payload.FailureDataError, err)
			continue
		}
		return m, nil
	}
}

func (c *Context) write(ctx context.Context, m payload.Message) error {
	return c.mbox.Write(ctx, payload.Encode(m))
}

func (c *Context) fail(ctx context.Context, code payload.FailureType, err error) {
	if werr := c.mbox.WriteFailure(ctx, &payload.Failure{Code: code, Message: err.Error()}); werr != nil {
		c.log.Debugf("channel %04x: failed to send failure: %v", c.config.ChannelID, werr)
	}
}

func (c *Context) confirm(ctx context.Context, kind RequestKind) error {
	resp, err := c.config.UI.Run(ctx, Request{Kind: kind, ChannelID: c.config.ChannelID, HostName: c.hostName})
	if err != nil {
		return err
	}
	if !resp.Confirmed {
		return ErrRejected
	}
	return nil
}

func (c *Context) show(ctx context.Context, kind RequestKind, code string) error {
	_, err := c.config.UI.Run(ctx, Request{Kind: kind, ChannelID: c.config.ChannelID, HostName: c.hostName, Code: code})
	return err
}

func (c *Context) request(ctx context.Context) error {
	m, err := c.expect(ctx, payload.TypePairingRequest)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.hostName = m.(*payload.PairingRequest).HostName
	c.mu.Unlock()

	if err := c.confirm(ctx, ConfirmPairing); err != nil {
		return err
	}
	c.setPhase(PhaseTP1)
	return c.write(ctx, &payload.PairingRequestApproved{})
}

func (c *Context) selectMethod(ctx context.Context) (payload.PairingMethod, error) {
	m, err := c.expect(ctx, payload.TypeSelectMethod)
	if err != nil {
		return 0, err
	}
	method := m.(*payload.SelectMethod).Method
	if c.config.Properties == nil || !c.config.Properties.Supports(method) {
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedMethod, method)
	}
	return method, nil
}

func (c *Context) newSecret() ([]byte, error) {
	secret := make([]byte, SecretSize)
	if _, err := io.ReadFull(c.config.Random, secret); err != nil {
		return nil, fmt.Errorf("pairing: random: %w", err)
	}
	return secret, nil
}

func (c *Context) codeEntry(ctx context.Context) error {
	secret, err := c.newSecret()
	if err != nil {
		return err
	}
	c.setPhase(PhaseTP2)
	if err := c.write(ctx, &payload.CodeEntryCommitment{Commitment: Commitment(secret)}); err != nil {
		return err
	}

	m, err := c.expect(ctx, payload.TypeCodeEntryChallenge)
	if err != nil {
		return err
	}
	challenge := m.(*payload.CodeEntryChallenge).Challenge
	if len(challenge) != SecretSize {
		return ErrInvalidChallenge
	}
	code := EntryCode(c.config.HandshakeHash, secret, challenge)
	w0, w1 := CodeEntryScalars(c.config.HandshakeHash, code)
	registration, err := spake2p.Registration(w1)
	clear(w1)
	if err != nil {
		return err
	}
	pake, err := spake2p.NewVerifier(c.config.HandshakeHash, w0, registration, c.config.Random)
	clear(w0)
	if err != nil {
		return err
	}
	defer pake.Wipe()
	share, err := pake.Share()
	if err != nil {
		return err
	}

	if err := c.show(ctx, ShowCode, code); err != nil {
		return err
	}
	c.setPhase(PhaseTP3)
	if err := c.write(ctx, &payload.CodeEntryPakeTrezor{Share: share}); err != nil {
		return err
	}

	m, err = c.expect(ctx, payload.TypeCodeEntryTag)
	if err != nil {
		return err
	}
	tag := m.(*payload.CodeEntryTag)
	if err := pake.Finish(tag.HostShare); err != nil {
		return fmt.Errorf("%w: %v", ErrTagMismatch, err)
	}
	if err := pake.Verify(tag.Tag); err != nil {
		return ErrTagMismatch
	}
	c.setPhase(PhaseTP4)
	return c.write(ctx, &payload.CodeEntrySecret{Secret: secret})
}

func (c *Context) qrCode(ctx context.Context) error {
	secret, err := c.newSecret()
	if err != nil {
		return err
	}
	code := QrCode(c.config.HandshakeHash, secret)
	if err := c.show(ctx, ShowQrCode, code); err != nil {
		return err
	}
	c.setPhase(PhaseTP3)
	if err := c.write(ctx, &payload.PairingPreparationsFinished{}); err != nil {
		return err
	}

	m, err := c.expect(ctx, payload.TypeQrCodeTag)
	if err != nil {
		return err
	}
	if !crypto.Equal(m.(*payload.QrCodeTag).Tag, HostTag(c.config.HandshakeHash, []byte(code))) {
		return ErrTagMismatch
	}
	c.setPhase(PhaseTP4)
	return c.write(ctx, &payload.QrCodeSecret{Secret: secret})
}

func (c *Context) nfc(ctx context.Context) error {
	secret, err := c.newSecret()
	if err != nil {
		return err
	}
	nfcSecret := NfcSecret(c.config.HandshakeHash, secret)
	if err := c.show(ctx, ShowNFC, fmt.Sprintf("%x", nfcSecret)); err != nil {
		return err
	}
	c.setPhase(PhaseTP3)
	if err := c.write(ctx, &payload.PairingPreparationsFinished{}); err != nil {
		return err
	}

	m, err := c.expect(ctx, payload.TypeNfcTagHost)
	if err != nil {
		return err
	}
	if !crypto.Equal(m.(*payload.NfcTagHost).Tag, HostTag(c.config.HandshakeHash, nfcSecret)) {
		return ErrTagMismatch
	}
	c.setPhase(PhaseTP4)
	return c.write(ctx, &payload.NfcTagTrezor{Tag: DeviceNfcTag(c.config.HandshakeHash, nfcSecret)})
}

// credentialPhase serves credential requests until EndRequest.
func (c *Context) credentialPhase(ctx context.Context) error {
	for {
		m, err := c.expect(ctx, payload.TypeCredentialRequest, payload.TypeEndRequest)
		if err != nil {
			return err
		}
		req, ok := m.(*payload.CredentialRequest)
		if !ok {
			return c.finish(ctx)
		}
		if err := c.issue(ctx, req, false); err != nil {
			return err
		}
	}
}

// runPaired handles a channel that presented a valid credential.
func (c *Context) runPaired(ctx context.Context) error {
	for {
		m, err := c.expect(ctx, payload.TypeCredentialRequest, payload.TypeEndRequest)
		if err != nil {
			return err
		}
		if req, ok := m.(*payload.CredentialRequest); ok {
			if err := c.issue(ctx, req, true); err != nil {
				return err
			}
			continue
		}
		if !c.config.Credential.Autoconnect {
			if err := c.confirm(ctx, ConfirmConnection); err != nil {
				return err
			}
		}
		return c.finish(ctx)
	}
}

func (c *Context) issue(ctx context.Context, req *payload.CredentialRequest, paired bool) error {
	if !bytes.Equal(req.HostStaticPubkey, c.config.HostStaticKey) {
		return ErrHostKeyMismatch
	}
	if req.Autoconnect {
		if err := c.confirm(ctx, ConfirmAutoconnect); err != nil {
			return err
		}
	}
	if c.config.Credentials == nil {
		return errors.New("pairing: no credential manager")
	}

	c.mu.Lock()
	hostName := c.hostName
	c.mu.Unlock()

	cred, err := c.config.Credentials.Issue(req.HostStaticPubkey, payload.CredentialMetadata{
		HostName:    hostName,
		Autoconnect: req.Autoconnect,
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.issued = append(c.issued, cred)
	c.mu.Unlock()

	if paired {
		c.log.Infof("channel %04x: refreshed credential for %q (autoconnect=%v)", c.config.ChannelID, hostName, req.Autoconnect)
	} else {
		c.log.Infof("channel %04x: issued credential for %q (autoconnect=%v)", c.config.ChannelID, hostName, req.Autoconnect)
	}
	return c.write(ctx, &payload.CredentialResponse{
		TrezorStaticPubkey: c.config.DeviceStaticKey,
		Credential:         cred.Encoded,
	})
}

func (c *Context) finish(ctx context.Context) error {
	c.setPhase(PhaseDone)
	return c.write(ctx, &payload.EndResponse{})
}
