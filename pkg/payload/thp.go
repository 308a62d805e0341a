package payload

import "google.golang.org/protobuf/encoding/protowire"

// DeviceProperties is returned with a channel allocation and used as the
// handshake prologue.
type DeviceProperties struct {
	InternalModel        string
	ModelVariant         uint32
	ProtocolVersionMajor uint32
	ProtocolVersionMinor uint32
	PairingMethods       []PairingMethod
}

// Supports reports whether m is among the advertised pairing methods.
func (p *DeviceProperties) Supports(m PairingMethod) bool {
	for _, pm := range p.PairingMethods {
		if pm == m {
			return true
		}
	}
	return false
}

// Marshal returns the protobuf encoding. Pairing methods are written
// unpacked.
func (p *DeviceProperties) Marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, p.InternalModel)
	b = appendUint32Field(b, 2, p.ModelVariant)
	b = appendUint32Field(b, 3, p.ProtocolVersionMajor)
	b = appendUint32Field(b, 4, p.ProtocolVersionMinor)
	for _, m := range p.PairingMethods {
		b = protowire.AppendTag(b, 5, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m))
	}
	return b
}

// Unmarshal decodes b.
func (p *DeviceProperties) Unmarshal(b []byte) error {
	*p = DeviceProperties{}
	var methods []uint32
	err := decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &p.InternalModel)
		case 2:
			return consumeUint32(typ, b, &p.ModelVariant)
		case 3:
			return consumeUint32(typ, b, &p.ProtocolVersionMajor)
		case 4:
			return consumeUint32(typ, b, &p.ProtocolVersionMinor)
		case 5:
			return consumeRepeatedUint32(typ, b, &methods)
		}
		return 0, nil
	})
	if err != nil {
		return err
	}
	for _, m := range methods {
		p.PairingMethods = append(p.PairingMethods, PairingMethod(m))
	}
	return nil
}

// HandshakeCompletionReqNoisePayload is the Noise payload of the TH2 request.
type HandshakeCompletionReqNoisePayload struct {
	HostPairingCredential []byte
}

// Marshal returns the protobuf encoding.
func (p *HandshakeCompletionReqNoisePayload) Marshal() []byte {
	return appendBytesField(nil, 1, p.HostPairingCredential)
}

// Unmarshal decodes b.
func (p *HandshakeCompletionReqNoisePayload) Unmarshal(b []byte) error {
	*p = HandshakeCompletionReqNoisePayload{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			return consumeBytes(typ, b, &p.HostPairingCredential)
		}
		return 0, nil
	})
}

// CredentialMetadata is the authenticated part of a pairing credential.
type CredentialMetadata struct {
	HostName    string
	Autoconnect bool
}

// Marshal returns the protobuf encoding.
func (m *CredentialMetadata) Marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, m.HostName)
	b = appendBoolField(b, 2, m.Autoconnect)
	return b
}

// Unmarshal decodes b.
func (m *CredentialMetadata) Unmarshal(b []byte) error {
	*m = CredentialMetadata{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &m.HostName)
		case 2:
			return consumeBool(typ, b, &m.Autoconnect)
		}
		return 0, nil
	})
}

// PairingCredential is the opaque credential a paired host presents in TH2.
type PairingCredential struct {
	Metadata CredentialMetadata
	MAC      []byte
}

// Marshal returns the protobuf encoding. The metadata is always present.
func (c *PairingCredential) Marshal() []byte {
	b := protowire.AppendTag(nil, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, c.Metadata.Marshal())
	return appendBytesField(b, 2, c.MAC)
}

// Unmarshal decodes b.
func (c *PairingCredential) Unmarshal(b []byte) error {
	*c = PairingCredential{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			var raw []byte
			n, err := consumeBytes(typ, b, &raw)
			if err != nil {
				return 0, err
			}
			return n, c.Metadata.Unmarshal(raw)
		case 2:
			return consumeBytes(typ, b, &c.MAC)
		}
		return 0, nil
	})
}
