package payload

import "google.golang.org/protobuf/encoding/protowire"

// PairingRequest starts pairing on a channel in TP0.
type PairingRequest struct {
	HostName string
}

func (*PairingRequest) MessageType() MessageType { return TypePairingRequest }

func (r *PairingRequest) Marshal() []byte { return appendStringField(nil, 1, r.HostName) }

func (r *PairingRequest) Unmarshal(b []byte) error {
	*r = PairingRequest{}
	return decodeString1(b, &r.HostName)
}

// PairingRequestApproved reports that the user accepted the pairing request.
type PairingRequestApproved struct{}

func (*PairingRequestApproved) MessageType() MessageType { return TypePairingRequestApproved }
func (*PairingRequestApproved) Marshal() []byte          { return nil }
func (*PairingRequestApproved) Unmarshal(b []byte) error { return decodeFields(b, skipAll) }

// SelectMethod chooses one of the advertised pairing methods.
type SelectMethod struct {
	Method PairingMethod
}

func (*SelectMethod) MessageType() MessageType { return TypeSelectMethod }

func (s *SelectMethod) Marshal() []byte { return appendUint32Field(nil, 1, uint32(s.Method)) }

func (s *SelectMethod) Unmarshal(b []byte) error {
	*s = SelectMethod{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			var v uint32
			n, err := consumeUint32(typ, b, &v)
			s.Method = PairingMethod(v)
			return n, err
		}
		return 0, nil
	})
}

// PairingPreparationsFinished reports that the device displays the pairing
// secret for the selected method.
type PairingPreparationsFinished struct{}

func (*PairingPreparationsFinished) MessageType() MessageType {
	return TypePairingPreparationsFinished
}
func (*PairingPreparationsFinished) Marshal() []byte          { return nil }
func (*PairingPreparationsFinished) Unmarshal(b []byte) error { return decodeFields(b, skipAll) }

// CodeEntryCommitment is the device commitment to its code entry secret.
type CodeEntryCommitment struct {
	Commitment []byte
}

func (*CodeEntryCommitment) MessageType() MessageType { return TypeCodeEntryCommitment }
func (c *CodeEntryCommitment) Marshal() []byte        { return appendBytesField(nil, 1, c.Commitment) }
func (c *CodeEntryCommitment) Unmarshal(b []byte) error {
	*c = CodeEntryCommitment{}
	return decodeBytes1(b, &c.Commitment)
}

// CodeEntryChallenge is the host challenge mixed into the displayed code.
type CodeEntryChallenge struct {
	Challenge []byte
}

func (*CodeEntryChallenge) MessageType() MessageType { return TypeCodeEntryChallenge }
func (c *CodeEntryChallenge) Marshal() []byte        { return appendBytesField(nil, 1, c.Challenge) }
func (c *CodeEntryChallenge) Unmarshal(b []byte) error {
	*c = CodeEntryChallenge{}
	return decodeBytes1(b, &c.Challenge)
}

// CodeEntryPakeTrezor carries the device SPAKE2+ share, keyed by the
// displayed code.
type CodeEntryPakeTrezor struct {
	Share []byte
}

func (*CodeEntryPakeTrezor) MessageType() MessageType { return TypeCodeEntryPakeTrezor }
func (p *CodeEntryPakeTrezor) Marshal() []byte        { return appendBytesField(nil, 1, p.Share) }
func (p *CodeEntryPakeTrezor) Unmarshal(b []byte) error {
	*p = CodeEntryPakeTrezor{}
	return decodeBytes1(b, &p.Share)
}

// CodeEntryTag carries the host SPAKE2+ share and its key confirmation,
// which proves the host knows the code the user typed.
type CodeEntryTag struct {
	HostShare []byte
	Tag       []byte
}

func (*CodeEntryTag) MessageType() MessageType { return TypeCodeEntryTag }

func (t *CodeEntryTag) Marshal() []byte {
	b := appendBytesField(nil, 1, t.HostShare)
	return appendBytesField(b, 2, t.Tag)
}

func (t *CodeEntryTag) Unmarshal(b []byte) error {
	*t = CodeEntryTag{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeBytes(typ, b, &t.HostShare)
		case 2:
			return consumeBytes(typ, b, &t.Tag)
		}
		return 0, nil
	})
}

// CodeEntrySecret reveals the device code entry secret.
type CodeEntrySecret struct {
	Secret []byte
}

func (*CodeEntrySecret) MessageType() MessageType { return TypeCodeEntrySecret }
func (s *CodeEntrySecret) Marshal() []byte        { return appendBytesField(nil, 1, s.Secret) }
func (s *CodeEntrySecret) Unmarshal(b []byte) error {
	*s = CodeEntrySecret{}
	return decodeBytes1(b, &s.Secret)
}

// QrCodeTag proves the host scanned the displayed QR code.
type QrCodeTag struct {
	Tag []byte
}

func (*QrCodeTag) MessageType() MessageType { return TypeQrCodeTag }
func (t *QrCodeTag) Marshal() []byte        { return appendBytesField(nil, 1, t.Tag) }
func (t *QrCodeTag) Unmarshal(b []byte) error {
	*t = QrCodeTag{}
	return decodeBytes1(b, &t.Tag)
}

// QrCodeSecret reveals the device QR secret.
type QrCodeSecret struct {
	Secret []byte
}

func (*QrCodeSecret) MessageType() MessageType { return TypeQrCodeSecret }
func (s *QrCodeSecret) Marshal() []byte        { return appendBytesField(nil, 1, s.Secret) }
func (s *QrCodeSecret) Unmarshal(b []byte) error {
	*s = QrCodeSecret{}
	return decodeBytes1(b, &s.Secret)
}

// NfcTagHost proves the host read the NFC secret.
type NfcTagHost struct {
	Tag []byte
}

func (*NfcTagHost) MessageType() MessageType { return TypeNfcTagHost }
func (t *NfcTagHost) Marshal() []byte        { return appendBytesField(nil, 1, t.Tag) }
func (t *NfcTagHost) Unmarshal(b []byte) error {
	*t = NfcTagHost{}
	return decodeBytes1(b, &t.Tag)
}

// NfcTagTrezor is the device tag answering NfcTagHost.
type NfcTagTrezor struct {
	Tag []byte
}

func (*NfcTagTrezor) MessageType() MessageType { return TypeNfcTagTrezor }
func (t *NfcTagTrezor) Marshal() []byte        { return appendBytesField(nil, 1, t.Tag) }
func (t *NfcTagTrezor) Unmarshal(b []byte) error {
	*t = NfcTagTrezor{}
	return decodeBytes1(b, &t.Tag)
}

// CredentialRequest asks for a pairing credential bound to the host static key.
type CredentialRequest struct {
	HostStaticPubkey []byte
	Autoconnect      bool
}

func (*CredentialRequest) MessageType() MessageType { return TypeCredentialRequest }

func (r *CredentialRequest) Marshal() []byte {
	b := appendBytesField(nil, 1, r.HostStaticPubkey)
	return appendBoolField(b, 2, r.Autoconnect)
}

func (r *CredentialRequest) Unmarshal(b []byte) error {
	*r = CredentialRequest{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeBytes(typ, b, &r.HostStaticPubkey)
		case 2:
			return consumeBool(typ, b, &r.Autoconnect)
		}
		return 0, nil
	})
}

// CredentialResponse carries the issued credential.
type CredentialResponse struct {
	TrezorStaticPubkey []byte
	Credential         []byte
}

func (*CredentialResponse) MessageType() MessageType { return TypeCredentialResponse }

func (r *CredentialResponse) Marshal() []byte {
	b := appendBytesField(nil, 1, r.TrezorStaticPubkey)
	return appendBytesField(b, 2, r.Credential)
}

func (r *CredentialResponse) Unmarshal(b []byte) error {
	*r = CredentialResponse{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeBytes(typ, b, &r.TrezorStaticPubkey)
		case 2:
			return consumeBytes(typ, b, &r.Credential)
		}
		return 0, nil
	})
}

// EndRequest ends pairing.
type EndRequest struct{}

func (*EndRequest) MessageType() MessageType { return TypeEndRequest }
func (*EndRequest) Marshal() []byte          { return nil }
func (*EndRequest) Unmarshal(b []byte) error { return decodeFields(b, skipAll) }

// EndResponse confirms the channel is in encrypted transport.
type EndResponse struct{}

func (*EndResponse) MessageType() MessageType { return TypeEndResponse }
func (*EndResponse) Marshal() []byte          { return nil }
func (*EndResponse) Unmarshal(b []byte) error { return decodeFields(b, skipAll) }
