// Package checksum implements the CRC-32 integrity check appended to every
// THP transport message.
//
// The checksum covers the encoded init header followed by the payload and is
// transmitted big-endian after the payload.
package checksum

import (
	"encoding/binary"
	"hash/crc32"
)

// Size is the length of an encoded checksum in bytes.
const Size = 4

// Compute returns the 4-byte big-endian CRC-32 of data.
func Compute(data []byte) []byte {
	out := make([]byte, Size)
	binary.BigEndian.PutUint32(out, crc32.ChecksumIEEE(data))
	return out
}

// Update continues a running CRC-32 with data. Start with crc = 0.
func Update(crc uint32, data []byte) uint32 {
	return crc32.Update(crc, crc32.IEEETable, data)
}

// Encode writes crc big-endian into dst, which must hold at least Size bytes.
func Encode(dst []byte, crc uint32) {
	binary.BigEndian.PutUint32(dst, crc)
}

// IsValid reports whether sum is the checksum of data.
func IsValid(sum, data []byte) bool {
	if len(sum) != Size {
		return false
	}
	return binary.BigEndian.Uint32(sum) == crc32.ChecksumIEEE(data)
}
