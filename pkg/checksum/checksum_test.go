package checksum

import (
	"bytes"
	"testing"
)

func TestCompute(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want []byte
	}{
		{"empty", nil, []byte{0x00, 0x00, 0x00, 0x00}},
		{"check string", []byte("123456789"), []byte{0xcb, 0xf4, 0x39, 0x26}},
		{"ack header", []byte{0x20, 0x12, 0x34, 0x00, 0x04}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compute(tt.data)
			if len(got) != Size {
				t.Fatalf("len = %d, want %d", len(got), Size)
			}
			if tt.want != nil && !bytes.Equal(got, tt.want) {
				t.Errorf("Compute = %x, want %x", got, tt.want)
			}
			if !IsValid(got, tt.data) {
				t.Error("IsValid(Compute(d), d) = false")
			}
		})
	}
}

func TestUpdateMatchesCompute(t *testing.T) {
	header := []byte{0x04, 0x12, 0x34, 0x00, 0x10}
	payload := []byte("incremental payload")

	crc := Update(0, header)
	crc = Update(crc, payload)

	var got [Size]byte
	Encode(got[:], crc)

	want := Compute(append(append([]byte{}, header...), payload...))
	if !bytes.Equal(got[:], want) {
		t.Errorf("incremental = %x, want %x", got, want)
	}
}

func TestSingleBitFlipInvalidates(t *testing.T) {
	data := []byte{0x41, 0xff, 0xff, 0x00, 0x0c, 1, 2, 3, 4, 5, 6, 7, 8}
	sum := Compute(data)

	for i := range data {
		for bit := 0; bit < 8; bit++ {
			flipped := append([]byte{}, data...)
			flipped[i] ^= 1 << bit
			if IsValid(sum, flipped) {
				t.Fatalf("flip byte %d bit %d still valid", i, bit)
			}
		}
	}
}

func TestIsValidWrongLength(t *testing.T) {
	if IsValid([]byte{0, 0, 0}, nil) {
		t.Error("3-byte checksum accepted")
	}
}
