package payload

import "google.golang.org/protobuf/encoding/protowire"

// Ping asks the device to answer with Success carrying the same message.
type Ping struct {
	Message string
}

func (*Ping) MessageType() MessageType { return TypePing }

func (p *Ping) Marshal() []byte { return appendStringField(nil, 1, p.Message) }

func (p *Ping) Unmarshal(b []byte) error {
	*p = Ping{}
	return decodeString1(b, &p.Message)
}

// Success is a generic positive response.
type Success struct {
	Message string
}

func (*Success) MessageType() MessageType { return TypeSuccess }

func (s *Success) Marshal() []byte { return appendStringField(nil, 1, s.Message) }

func (s *Success) Unmarshal(b []byte) error {
	*s = Success{}
	return decodeString1(b, &s.Message)
}

// Failure is a generic negative response.
type Failure struct {
	Code    FailureType
	Message string
}

func (*Failure) MessageType() MessageType { return TypeFailure }

func (f *Failure) Marshal() []byte {
	b := appendUint32Field(nil, 1, uint32(f.Code))
	return appendStringField(b, 2, f.Message)
}

func (f *Failure) Unmarshal(b []byte) error {
	*f = Failure{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			var code uint32
			n, err := consumeUint32(typ, b, &code)
			f.Code = FailureType(code)
			return n, err
		case 2:
			return consumeString(typ, b, &f.Message)
		}
		return 0, nil
	})
}

// Error implements error so a received Failure can be returned directly.
func (f *Failure) Error() string {
	if f.Message == "" {
		return "failure: " + f.Code.String()
	}
	return "failure: " + f.Code.String() + ": " + f.Message
}

// Cancel aborts the operation in progress.
type Cancel struct{}

func (*Cancel) MessageType() MessageType { return TypeCancel }
func (*Cancel) Marshal() []byte          { return nil }
func (c *Cancel) Unmarshal(b []byte) error {
	return decodeFields(b, skipAll)
}

func skipAll(protowire.Number, protowire.Type, []byte) (int, error) { return 0, nil }

func decodeString1(b []byte, dst *string) error {
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			return consumeString(typ, b, dst)
		}
		return 0, nil
	})
}

func decodeBytes1(b []byte, dst *[]byte) error {
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			return consumeBytes(typ, b, dst)
		}
		return 0, nil
	})
}
