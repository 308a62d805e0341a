package message

import (
	"bytes"
	"testing"
)

func TestHeaderEncodeDecode(t *testing.T) {
	tests := []struct {
		name   string
		header Header
		want   []byte
	}{
		{
			name:   "channel allocation request",
			header: NewHeader(ChannelAllocationRequest, BroadcastChannelID, 8),
			want:   []byte{0x40, 0xff, 0xff, 0x00, 0x0c},
		},
		{
			name:   "ack bit 1",
			header: NewHeader(AckFor(1), 0x1234, 0),
			want:   []byte{0x28, 0x12, 0x34, 0x00, 0x04},
		},
		{
			name:   "handshake completion with seq bit",
			header: NewHeader(HandshakeCompletionRequest.WithSeqBit(1), 0x0001, 100),
			want:   []byte{0x12, 0x00, 0x01, 0x00, 0x68},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.header.Encode()
			if !bytes.Equal(got, tt.want) {
				t.Fatalf("Encode = %x, want %x", got, tt.want)
			}

			var h Header
			n, err := h.Decode(got)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if n != InitHeaderSize {
				t.Errorf("Decode consumed %d bytes, want %d", n, InitHeaderSize)
			}
			if h != tt.header {
				t.Errorf("Decode = %+v, want %+v", h, tt.header)
			}
		})
	}
}

func TestHeaderDecodeShort(t *testing.T) {
	var h Header
	if _, err := h.Decode([]byte{0x04, 0x00, 0x01, 0x00}); err != ErrPacketTooShort {
		t.Errorf("err = %v, want ErrPacketTooShort", err)
	}
}

func TestHeaderValidate(t *testing.T) {
	tests := []struct {
		name   string
		length uint16
		want   error
	}{
		{"checksum only", 4, nil},
		{"below checksum", 3, ErrInvalidLength},
		{"max payload", MaxPayloadLength + ChecksumSize, nil},
		{"too long", MaxPayloadLength + ChecksumSize + 1, ErrPayloadTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := Header{Control: EncryptedTransport, ChannelID: 1, Length: tt.length}
			if err := h.Validate(); err != tt.want {
				t.Errorf("Validate = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestControlByte(t *testing.T) {
	tests := []struct {
		ctrl     ControlByte
		class    ControlByte
		data     bool
		seq, ack uint8
	}{
		{0x00, HandshakeInitRequest, true, 0, 0},
		{0x12, HandshakeCompletionRequest, true, 1, 0},
		{0x11, HandshakeInitResponse, true, 1, 0},
		{0x03, HandshakeCompletionResponse, true, 0, 0},
		{0x14, EncryptedTransport, true, 1, 0},
		{0x20, Ack, false, 0, 0},
		{0x28, Ack, false, 0, 1},
		{0x40, ChannelAllocationRequest, false, 0, 0},
		{0x41, ChannelAllocationResponse, false, 0, 0},
		{0x42, TransportError, false, 0, 0},
		{0x80, Continuation, false, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.ctrl.String(), func(t *testing.T) {
			if got := tt.ctrl.Class(); got != tt.class {
				t.Errorf("Class = 0x%02x, want 0x%02x", uint8(got), uint8(tt.class))
			}
			if got := tt.ctrl.IsData(); got != tt.data {
				t.Errorf("IsData = %v, want %v", got, tt.data)
			}
			if got := tt.ctrl.SeqBit(); got != tt.seq {
				t.Errorf("SeqBit = %d, want %d", got, tt.seq)
			}
			if got := tt.ctrl.AckBit(); got != tt.ack {
				t.Errorf("AckBit = %d, want %d", got, tt.ack)
			}
		})
	}
}

func TestControlBytePredicates(t *testing.T) {
	if !ControlByte(0x28).IsAck() || !ControlByte(0x20).IsAck() {
		t.Error("ACK bytes not recognised")
	}
	if ControlByte(0x24).IsAck() {
		t.Error("0x24 recognised as ACK")
	}
	if !ControlByte(0x14).IsEncryptedTransport() {
		t.Error("0x14 not encrypted transport")
	}
	if ControlByte(0x40).IsHandshakeInitRequest() {
		t.Error("allocation request mistaken for handshake init")
	}
	if EncryptedTransport.WithSeqBit(1).WithSeqBit(0) != EncryptedTransport {
		t.Error("WithSeqBit(0) did not clear the bit")
	}
}

func TestErrorCodeString(t *testing.T) {
	if ErrorDeviceLocked.String() != "DEVICE_LOCKED" {
		t.Errorf("String = %s", ErrorDeviceLocked)
	}
	if ErrorCode(9).IsValid() {
		t.Error("code 9 reported valid")
	}
}
