package pairing

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/backkem/thp/pkg/credential"
	"github.com/backkem/thp/pkg/crypto/spake2p"
	"github.com/backkem/thp/pkg/message"
	"github.com/backkem/thp/pkg/payload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanWriter chan message.Message

func (w chanWriter) WriteMessage(_ context.Context, sid uint8, msg message.Message) error {
	if sid != SessionID {
		panic("pairing wrote outside session 0")
	}
	w <- msg
	return nil
}

type recordingUI struct {
	mu       sync.Mutex
	requests []Request
	answer   map[RequestKind]bool
}

func (u *recordingUI) Run(_ context.Context, req Request) (Response, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.requests = append(u.requests, req)
	ok, set := u.answer[req.Kind]
	return Response{Confirmed: !set || ok}, nil
}

func (u *recordingUI) last(kind RequestKind) (Request, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for i := len(u.requests) - 1; i >= 0; i-- {
		if u.requests[i].Kind == kind {
			return u.requests[i], true
		}
	}
	return Request{}, false
}

type harness struct {
	t      *testing.T
	ctx    *Context
	out    chanWriter
	ui     *recordingUI
	creds  *credential.Manager
	hh     []byte
	host   []byte
	phases []Phase
	done   chan error
	mu     sync.Mutex
}

func newHarness(t *testing.T, presented *credential.Credential, methods ...payload.PairingMethod) *harness {
	t.Helper()
	creds, err := credential.NewManager(bytes.Repeat([]byte{9}, 32), nil)
	require.NoError(t, err)
	if len(methods) == 0 {
		methods = []payload.PairingMethod{payload.MethodCodeEntry, payload.MethodQrCode, payload.MethodNFC}
	}
	h := &harness{
		t:     t,
		out:   make(chanWriter, 16),
		ui:    &recordingUI{answer: map[RequestKind]bool{}},
		creds: creds,
		hh:    bytes.Repeat([]byte{0x11}, 32),
		host:  bytes.Repeat([]byte{0x22}, 32),
		done:  make(chan error, 1),
	}
	h.ctx = NewContext(Config{
		ChannelID:       0x1234,
		Writer:          h.out,
		UI:              h.ui,
		Credentials:     creds,
		Properties:      &payload.DeviceProperties{PairingMethods: methods},
		HandshakeHash:   h.hh,
		HostStaticKey:   h.host,
		DeviceStaticKey: bytes.Repeat([]byte{0x33}, 32),
		Credential:      presented,
		OnPhase: func(p Phase) {
			h.mu.Lock()
			h.phases = append(h.phases, p)
			h.mu.Unlock()
		},
	})
	return h
}

func (h *harness) start() {
	go func() { h.done <- h.ctx.Run(context.Background()) }()
}

func (h *harness) send(m payload.Message) {
	require.NoError(h.t, h.ctx.Deliver(payload.Encode(m)))
}

func (h *harness) recv(dst payload.Message) {
	h.t.Helper()
	select {
	case msg := <-h.out:
		require.NoError(h.t, payload.DecodeAs(msg, dst), "got %s", payload.MessageType(msg.Type))
	case <-time.After(2 * time.Second):
		h.t.Fatalf("timed out waiting for %s", dst.MessageType())
	}
}

func (h *harness) result() error {
	h.t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(2 * time.Second):
		h.t.Fatal("pairing did not finish")
		return nil
	}
}

func (h *harness) pair() {
	h.send(&payload.PairingRequest{HostName: "laptop"})
	h.recv(&payload.PairingRequestApproved{})
}

func TestCodeEntryPairing(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	h.pair()

	h.send(&payload.SelectMethod{Method: payload.MethodCodeEntry})
	var commitment payload.CodeEntryCommitment
	h.recv(&commitment)

	challenge := bytes.Repeat([]byte{0x44}, SecretSize)
	h.send(&payload.CodeEntryChallenge{Challenge: challenge})
	var pake payload.CodeEntryPakeTrezor
	h.recv(&pake)

	shown, ok := h.ui.last(ShowCode)
	require.True(t, ok)
	assert.Len(t, shown.Code, CodeDigits)
	assert.Equal(t, "laptop", shown.HostName)

	h.send(hostCodeEntryTag(t, h.hh, shown.Code, pake.Share))
	var secret payload.CodeEntrySecret
	h.recv(&secret)
	assert.Equal(t, commitment.Commitment, Commitment(secret.Secret))
	assert.Equal(t, shown.Code, EntryCode(h.hh, secret.Secret, challenge))

	h.send(&payload.CredentialRequest{HostStaticPubkey: h.host, Autoconnect: true})
	var resp payload.CredentialResponse
	h.recv(&resp)
	cred, err := h.creds.Validate(resp.Credential, h.host)
	require.NoError(t, err)
	assert.Equal(t, "laptop", cred.HostName)
	assert.True(t, cred.Autoconnect)

	h.send(&payload.EndRequest{})
	h.recv(&payload.EndResponse{})
	require.NoError(t, h.result())

	_, asked := h.ui.last(ConfirmAutoconnect)
	assert.True(t, asked)
	assert.Equal(t, []Phase{PhaseTP1, PhaseTP2, PhaseTP3, PhaseTP4, PhaseDone}, h.phases)
	assert.Len(t, h.ctx.Issued(), 1)
}

// hostCodeEntryTag plays the host side of the code entry SPAKE2+ exchange.
func hostCodeEntryTag(t *testing.T, hh []byte, code string, deviceShare []byte) *payload.CodeEntryTag {
	t.Helper()
	w0, w1 := CodeEntryScalars(hh, code)
	pake, err := spake2p.NewProver(hh, w0, w1, rand.Reader)
	require.NoError(t, err)
	share, err := pake.Share()
	require.NoError(t, err)
	require.NoError(t, pake.Finish(deviceShare))
	tag, err := pake.Confirmation()
	require.NoError(t, err)
	return &payload.CodeEntryTag{HostShare: share, Tag: tag}
}

// startCodeEntry runs code entry up to the device share and returns it with
// the displayed code.
func (h *harness) startCodeEntry() (code string, deviceShare []byte) {
	h.t.Helper()
	h.start()
	h.pair()
	h.send(&payload.SelectMethod{Method: payload.MethodCodeEntry})
	h.recv(&payload.CodeEntryCommitment{})
	h.send(&payload.CodeEntryChallenge{Challenge: bytes.Repeat([]byte{0x44}, SecretSize)})
	var pake payload.CodeEntryPakeTrezor
	h.recv(&pake)
	shown, ok := h.ui.last(ShowCode)
	require.True(h.t, ok)
	return shown.Code, pake.Share
}

func TestCodeEntryRejectsTag(t *testing.T) {
	t.Run("wrong code", func(t *testing.T) {
		h := newHarness(t, nil)
		code, share := h.startCodeEntry()
		wrong := []byte(code)
		wrong[0] = '0' + (wrong[0]-'0'+1)%10
		h.send(hostCodeEntryTag(t, h.hh, string(wrong), share))

		var failure payload.Failure
		h.recv(&failure)
		assert.Equal(t, payload.FailureDataError, failure.Code)
		assert.ErrorIs(t, h.result(), ErrTagMismatch)
		assert.NotContains(t, h.phases, PhaseTP4)
	})

	// A relay between host and device terminates two handshakes, so the
	// tag it can forward or build is bound to the other handshake hash
	// even when it knows the right code.
	t.Run("other handshake hash", func(t *testing.T) {
		h := newHarness(t, nil)
		code, share := h.startCodeEntry()
		relayed := bytes.Repeat([]byte{0x66}, 32)
		h.send(hostCodeEntryTag(t, relayed, code, share))

		var failure payload.Failure
		h.recv(&failure)
		assert.Equal(t, payload.FailureDataError, failure.Code)
		assert.ErrorIs(t, h.result(), ErrTagMismatch)
		assert.Empty(t, h.ctx.Issued())
	})

	t.Run("bad share", func(t *testing.T) {
		h := newHarness(t, nil)
		h.startCodeEntry()
		h.send(&payload.CodeEntryTag{HostShare: []byte{4, 1, 2}, Tag: make([]byte, 32)})

		var failure payload.Failure
		h.recv(&failure)
		assert.Equal(t, payload.FailureDataError, failure.Code)
		assert.ErrorIs(t, h.result(), ErrTagMismatch)
	})
}

// The tag for one code entry run gives nothing to test codes against
// offline: every code yields a different but equally plausible tag.
func TestCodeEntryTagHidesCode(t *testing.T) {
	h := newHarness(t, nil)
	code, share := h.startCodeEntry()
	a := hostCodeEntryTag(t, h.hh, code, share)
	b := hostCodeEntryTag(t, h.hh, code, share)
	assert.NotEqual(t, a.HostShare, b.HostShare)
	assert.NotEqual(t, a.Tag, b.Tag)
	h.ctx.Close()
	assert.ErrorIs(t, h.result(), ErrClosed)
}

func TestQrCodeWrongTag(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	h.pair()

	h.send(&payload.SelectMethod{Method: payload.MethodQrCode})
	h.recv(&payload.PairingPreparationsFinished{})
	shown, ok := h.ui.last(ShowQrCode)
	require.True(t, ok)
	assert.Len(t, shown.Code, 32)

	h.send(&payload.QrCodeTag{Tag: HostTag(h.hh, []byte("000000"))})
	var failure payload.Failure
	h.recv(&failure)
	assert.Equal(t, payload.FailureDataError, failure.Code)
	assert.ErrorIs(t, h.result(), ErrTagMismatch)
}

func TestNfcPairing(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	h.pair()

	h.send(&payload.SelectMethod{Method: payload.MethodNFC})
	h.recv(&payload.PairingPreparationsFinished{})

	var secret payload.NfcTagTrezor
	h.send(&payload.NfcTagHost{Tag: HostTag(h.hh, nfcSecretFromUI(t, h.ui))})
	h.recv(&secret)
	assert.Equal(t, DeviceNfcTag(h.hh, nfcSecretFromUI(t, h.ui)), secret.Tag)

	h.send(&payload.EndRequest{})
	h.recv(&payload.EndResponse{})
	require.NoError(t, h.result())
}

func nfcSecretFromUI(t *testing.T, ui *recordingUI) []byte {
	t.Helper()
	req, ok := ui.last(ShowNFC)
	require.True(t, ok)
	b, err := hex.DecodeString(req.Code)
	require.NoError(t, err)
	return b
}

func TestUserRejectsPairing(t *testing.T) {
	h := newHarness(t, nil)
	h.ui.answer[ConfirmPairing] = false
	h.start()

	h.send(&payload.PairingRequest{HostName: "intruder"})
	var failure payload.Failure
	h.recv(&failure)
	assert.Equal(t, payload.FailureActionCancelled, failure.Code)
	assert.ErrorIs(t, h.result(), ErrRejected)
	assert.Empty(t, h.phases)
}

func TestCancelDuringPairing(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	h.pair()

	h.send(&payload.Cancel{})
	var failure payload.Failure
	h.recv(&failure)
	assert.Equal(t, payload.FailureActionCancelled, failure.Code)
	assert.ErrorIs(t, h.result(), ErrCancelled)
}

func TestUnexpectedMessageIsSkipped(t *testing.T) {
	h := newHarness(t, nil)
	h.start()

	h.send(&payload.EndRequest{})
	var failure payload.Failure
	h.recv(&failure)
	assert.Equal(t, payload.FailureUnexpectedMessage, failure.Code)

	h.pair()
	h.ctx.Close()
	assert.ErrorIs(t, h.result(), ErrClosed)
}

func TestUnsupportedMethod(t *testing.T) {
	h := newHarness(t, nil, payload.MethodCodeEntry)
	h.start()
	h.pair()

	h.send(&payload.SelectMethod{Method: payload.MethodNFC})
	var failure payload.Failure
	h.recv(&failure)
	assert.Equal(t, payload.FailureDataError, failure.Code)
	assert.ErrorIs(t, h.result(), ErrUnsupportedMethod)
}

func TestSkipPairing(t *testing.T) {
	h := newHarness(t, nil, payload.MethodSkipPairing)
	h.start()
	h.pair()

	h.send(&payload.SelectMethod{Method: payload.MethodSkipPairing})
	h.recv(&payload.EndResponse{})
	require.NoError(t, h.result())
	assert.Equal(t, []Phase{PhaseTP1, PhaseDone}, h.phases)
}

func TestPairedConnection(t *testing.T) {
	t.Run("confirmation required", func(t *testing.T) {
		h := newHarness(t, &credential.Credential{HostName: "laptop"})
		assert.Equal(t, PhaseTC1, h.ctx.Phase())
		h.start()

		h.send(&payload.EndRequest{})
		h.recv(&payload.EndResponse{})
		require.NoError(t, h.result())

		req, ok := h.ui.last(ConfirmConnection)
		require.True(t, ok)
		assert.Equal(t, "laptop", req.HostName)
	})

	t.Run("autoconnect", func(t *testing.T) {
		h := newHarness(t, &credential.Credential{HostName: "laptop", Autoconnect: true})
		h.start()

		h.send(&payload.EndRequest{})
		h.recv(&payload.EndResponse{})
		require.NoError(t, h.result())

		_, asked := h.ui.last(ConfirmConnection)
		assert.False(t, asked)
	})

	t.Run("connection rejected", func(t *testing.T) {
		h := newHarness(t, &credential.Credential{HostName: "laptop"})
		h.ui.answer[ConfirmConnection] = false
		h.start()

		h.send(&payload.EndRequest{})
		var failure payload.Failure
		h.recv(&failure)
		assert.ErrorIs(t, h.result(), ErrRejected)
	})

	t.Run("credential for another key", func(t *testing.T) {
		h := newHarness(t, &credential.Credential{HostName: "laptop"})
		h.start()

		h.send(&payload.CredentialRequest{HostStaticPubkey: bytes.Repeat([]byte{1}, 32)})
		var failure payload.Failure
		h.recv(&failure)
		assert.ErrorIs(t, h.result(), ErrHostKeyMismatch)
	})
}

func TestEntryCode(t *testing.T) {
	hh := bytes.Repeat([]byte{1}, 32)
	secret := bytes.Repeat([]byte{2}, 32)
	a := EntryCode(hh, secret, bytes.Repeat([]byte{3}, 32))
	b := EntryCode(hh, secret, bytes.Repeat([]byte{4}, 32))

	assert.Len(t, a, CodeDigits)
	assert.Equal(t, a, EntryCode(hh, secret, bytes.Repeat([]byte{3}, 32)))
	assert.NotEqual(t, a, b)
}
