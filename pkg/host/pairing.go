package host

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/backkem/thp/pkg/crypto"
	"github.com/backkem/thp/pkg/crypto/spake2p"
	"github.com/backkem/thp/pkg/pairing"
	"github.com/backkem/thp/pkg/payload"
)

// CodeFunc returns the code shown on the device, typically typed in or
// scanned by the user.
type CodeFunc func(ctx context.Context) (string, error)

// SecretFunc returns a secret read out of band, such as over NFC.
type SecretFunc func(ctx context.Context) ([]byte, error)

// call sends m on the pairing session and decodes a reply of type want.
func (c *Client) call(ctx context.Context, m payload.Message, want payload.MessageType) (payload.Message, error) {
	resp, err := c.Call(ctx, pairing.SessionID, m)
	if err != nil {
		return nil, err
	}
	if resp.MessageType() != want {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrUnexpectedMessage, resp.MessageType(), want)
	}
	return resp, nil
}

// RequestPairing asks the device to start pairing. It returns once the
// user approved the request on the device.
func (c *Client) RequestPairing(ctx context.Context) error {
	_, err := c.call(ctx, &payload.PairingRequest{HostName: c.config.HostName}, payload.TypePairingRequestApproved)
	return err
}

// SkipPairing selects the skip method, which ends pairing without
// authenticating the channel.
func (c *Client) SkipPairing(ctx context.Context) error {
	_, err := c.call(ctx, &payload.SelectMethod{Method: payload.MethodSkipPairing}, payload.TypeEndResponse)
	return err
}

// PairCodeEntry runs the code entry method. The device commits to its
// secret before it learns the host challenge, so neither side can steer
// the code. The code itself only keys a SPAKE2+ exchange and never goes on
// the wire.
func (c *Client) PairCodeEntry(ctx context.Context, code CodeFunc) error {
	resp, err := c.call(ctx, &payload.SelectMethod{Method: payload.MethodCodeEntry}, payload.TypeCodeEntryCommitment)
	if err != nil {
		return err
	}
	commitment := resp.(*payload.CodeEntryCommitment).Commitment

	challenge := make([]byte, pairing.SecretSize)
	if _, err := io.ReadFull(c.config.Random, challenge); err != nil {
		return err
	}
	resp, err = c.call(ctx, &payload.CodeEntryChallenge{Challenge: challenge}, payload.TypeCodeEntryPakeTrezor)
	if err != nil {
		return err
	}
	deviceShare := resp.(*payload.CodeEntryPakeTrezor).Share

	entered, err := code(ctx)
	if err != nil {
		return c.abort(ctx, err)
	}
	hh := c.HandshakeHash()
	hostShare, tag, err := c.codeEntryTag(hh, entered, deviceShare)
	if err != nil {
		return c.abort(ctx, err)
	}
	resp, err = c.call(ctx, &payload.CodeEntryTag{HostShare: hostShare, Tag: tag}, payload.TypeCodeEntrySecret)
	if err != nil {
		return err
	}
	secret := resp.(*payload.CodeEntrySecret).Secret
	if !crypto.Equal(pairing.Commitment(secret), commitment) {
		return ErrCommitmentMismatch
	}
	if pairing.EntryCode(hh, secret, challenge) != entered {
		return ErrCodeMismatch
	}
	return nil
}

// codeEntryTag runs the host side of SPAKE2+ keyed by the entered code and
// returns the host share with its key confirmation.
func (c *Client) codeEntryTag(handshakeHash []byte, code string, deviceShare []byte) (share, tag []byte, err error) {
	w0, w1 := pairing.CodeEntryScalars(handshakeHash, code)
	pake, err := spake2p.NewProver(handshakeHash, w0, w1, c.config.Random)
	clear(w0)
	clear(w1)
	if err != nil {
		return nil, nil, err
	}
	defer pake.Wipe()
	if share, err = pake.Share(); err != nil {
		return nil, nil, err
	}
	if err := pake.Finish(deviceShare); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrTagMismatch, err)
	}
	tag, err = pake.Confirmation()
	return share, tag, err
}

// PairQrCode runs the QR code method.
func (c *Client) PairQrCode(ctx context.Context, code CodeFunc) error {
	if _, err := c.call(ctx, &payload.SelectMethod{Method: payload.MethodQrCode}, payload.TypePairingPreparationsFinished); err != nil {
		return err
	}
	scanned, err := code(ctx)
	if err != nil {
		return c.abort(ctx, err)
	}
	hh := c.HandshakeHash()
	resp, err := c.call(ctx, &payload.QrCodeTag{Tag: pairing.HostTag(hh, []byte(scanned))}, payload.TypeQrCodeSecret)
	if err != nil {
		return err
	}
	if pairing.QrCode(hh, resp.(*payload.QrCodeSecret).Secret) != scanned {
		return ErrCodeMismatch
	}
	return nil
}

// PairNFC runs the NFC method. Both sides prove knowledge of the secret
// exchanged over NFC.
func (c *Client) PairNFC(ctx context.Context, secret SecretFunc) error {
	if _, err := c.call(ctx, &payload.SelectMethod{Method: payload.MethodNFC}, payload.TypePairingPreparationsFinished); err != nil {
		return err
	}
	nfcSecret, err := secret(ctx)
	if err != nil {
		return c.abort(ctx, err)
	}
	hh := c.HandshakeHash()
	resp, err := c.call(ctx, &payload.NfcTagHost{Tag: pairing.HostTag(hh, nfcSecret)}, payload.TypeNfcTagTrezor)
	if err != nil {
		return err
	}
	if !crypto.Equal(resp.(*payload.NfcTagTrezor).Tag, pairing.DeviceNfcTag(hh, nfcSecret)) {
		return ErrTagMismatch
	}
	return nil
}

// RequestCredential asks for a pairing credential bound to the host
// static key. The credential is remembered for the next handshake.
func (c *Client) RequestCredential(ctx context.Context, autoconnect bool) (*payload.CredentialResponse, error) {
	resp, err := c.call(ctx, &payload.CredentialRequest{
		HostStaticPubkey: c.config.StaticKey.Public,
		Autoconnect:      autoconnect,
	}, payload.TypeCredentialResponse)
	if err != nil {
		return nil, err
	}
	cr := resp.(*payload.CredentialResponse)
	if !crypto.Equal(cr.TrezorStaticPubkey, c.DeviceStaticKey()) {
		return nil, fmt.Errorf("%w: device static key", ErrTagMismatch)
	}
	c.SetCredential(cr.Credential)
	return cr, nil
}

// EndPairing ends pairing. The channel is in encrypted transport afterwards.
func (c *Client) EndPairing(ctx context.Context) error {
	_, err := c.call(ctx, &payload.EndRequest{}, payload.TypeEndResponse)
	return err
}

// Cancel aborts pairing on the device and waits for its acknowledgement.
func (c *Client) Cancel(ctx context.Context) error {
	resp, err := c.Call(ctx, pairing.SessionID, &payload.Cancel{})
	var f *payload.Failure
	if errors.As(err, &f) && f.Code == payload.FailureActionCancelled {
		return nil
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrUnexpectedMessage, resp.MessageType())
}

// abort cancels pairing after a local failure and returns cause.
func (c *Client) abort(ctx context.Context, cause error) error {
	if err := c.Write(ctx, pairing.SessionID, &payload.Cancel{}); err != nil {
		c.log.Debugf("failed to cancel pairing: %v", err)
	}
	return cause
}
