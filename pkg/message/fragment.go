package message

import "github.com/backkem/thp/pkg/checksum"

// PacketCount returns the number of packets needed to carry a payload of
// payloadLen bytes over a transport with the given packet size.
func PacketCount(payloadLen, packetSize int) int {
	total := InitHeaderSize + payloadLen + ChecksumSize
	if total <= packetSize {
		return 1
	}
	per := packetSize - ContinuationHeaderSize
	rest := total - packetSize
	return 1 + (rest+per-1)/per
}

// Fragment encodes a message with the given control byte and channel ID into
// consecutive packets of packetSize bytes. The checksum is computed over the
// init header and the payload and appended after the payload. Unused bytes of
// the last packet are zero.
//
// dst is reused when its capacity suffices. The returned buffer holds
// PacketCount packets back to back; use Packets to iterate them.
func Fragment(dst []byte, ctrl ControlByte, cid uint16, payload []byte, packetSize int) ([]byte, error) {
	if packetSize <= InitHeaderSize+ChecksumSize || packetSize <= ContinuationHeaderSize {
		return nil, ErrInvalidPacketSize
	}
	if len(payload) > MaxPayloadLength {
		return nil, ErrPayloadTooLong
	}

	h := NewHeader(ctrl, cid, len(payload))
	var hdr [InitHeaderSize]byte
	h.EncodeTo(hdr[:])

	crc := checksum.Update(0, hdr[:])
	crc = checksum.Update(crc, payload)
	var sum [ChecksumSize]byte
	checksum.Encode(sum[:], crc)

	n := PacketCount(len(payload), packetSize) * packetSize
	if cap(dst) < n {
		dst = make([]byte, n)
	} else {
		dst = dst[:n]
		clear(dst)
	}

	w := &packetWriter{buf: dst, size: packetSize, h: h}
	w.off = copy(dst, hdr[:])
	w.write(payload)
	w.write(sum[:])

	return dst, nil
}

type packetWriter struct {
	buf  []byte
	size int
	off  int
	h    Header
}

func (w *packetWriter) write(data []byte) {
	for len(data) > 0 {
		if w.off%w.size == 0 {
			w.off += w.h.EncodeContinuationTo(w.buf[w.off:])
		}
		end := (w.off/w.size + 1) * w.size
		n := copy(w.buf[w.off:end], data)
		w.off += n
		data = data[n:]
	}
}

// Packets splits a buffer returned by Fragment into its packets.
func Packets(buf []byte, packetSize int) [][]byte {
	out := make([][]byte, 0, len(buf)/packetSize)
	for off := 0; off+packetSize <= len(buf); off += packetSize {
		out = append(out, buf[off:off+packetSize])
	}
	return out
}
