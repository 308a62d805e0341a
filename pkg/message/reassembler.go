package message

import (
	"bytes"

	"github.com/backkem/thp/pkg/checksum"
)

// Frame is a complete transport message read from the wire.
type Frame struct {
	Header   Header
	Payload  []byte
	Checksum []byte
}

// Valid reports whether the checksum matches the header and payload.
func (f *Frame) Valid() bool {
	var hdr [InitHeaderSize]byte
	f.Header.EncodeTo(hdr[:])
	crc := checksum.Update(0, hdr[:])
	crc = checksum.Update(crc, f.Payload)
	var sum [ChecksumSize]byte
	checksum.Encode(sum[:], crc)
	return bytes.Equal(sum[:], f.Checksum)
}

// Clone returns a copy of f that does not alias pooled memory.
func (f *Frame) Clone() *Frame {
	return &Frame{
		Header:   f.Header,
		Payload:  append([]byte(nil), f.Payload...),
		Checksum: append([]byte(nil), f.Checksum...),
	}
}

// Reassembler collects packets into transport messages. Each channel has its
// own message in progress, so packets of different channels may interleave.
// Packets of one message must arrive in order; a new init packet for a
// channel abandons that channel's message in progress.
//
// Frame payloads alias the pool buffer of their channel and stay valid until
// the next message for that channel is started.
type Reassembler struct {
	pool     *BufferPool
	partials map[uint16]*partial
	limit    int
	started  uint64
}

type partial struct {
	header Header
	buf    []byte
	filled int
	seq    uint64
}

// NewReassembler creates a Reassembler reading into buffers from pool.
// A nil pool gets a private one.
func NewReassembler(pool *BufferPool) *Reassembler {
	if pool == nil {
		pool = NewBufferPool(0)
	}
	return &Reassembler{
		pool:     pool,
		partials: make(map[uint16]*partial),
	}
}

// SetLimit caps the number of messages in progress at once. Starting one
// more abandons the message whose init packet is oldest. Zero means no
// limit.
func (r *Reassembler) SetLimit(n int) {
	r.limit = n
}

// Feed consumes one packet and returns the frame once its message is
// complete. The checksum is not checked; see Frame.Valid.
func (r *Reassembler) Feed(packet []byte) (*Frame, error) {
	cid, err := PeekChannelID(packet)
	if err != nil {
		return nil, err
	}

	if ControlByte(packet[0]).IsContinuation() {
		p, ok := r.partials[cid]
		if !ok {
			return nil, ErrUnexpectedContinue
		}
		p.filled += copy(p.buf[p.filled:], packet[ContinuationHeaderSize:])
		return r.complete(cid, p), nil
	}

	var h Header
	if _, err := h.Decode(packet); err != nil {
		delete(r.partials, cid)
		return nil, err
	}
	if err := h.Validate(); err != nil {
		delete(r.partials, cid)
		return nil, err
	}

	delete(r.partials, cid)
	if r.limit > 0 && len(r.partials) >= r.limit {
		r.evictOldest()
	}
	r.started++
	p := &partial{header: h, buf: r.pool.Get(cid, int(h.Length)), seq: r.started}
	p.filled = copy(p.buf, packet[InitHeaderSize:])
	r.partials[cid] = p
	return r.complete(cid, p), nil
}

func (r *Reassembler) complete(cid uint16, p *partial) *Frame {
	if p.filled < len(p.buf) {
		return nil
	}
	delete(r.partials, cid)
	n := len(p.buf) - ChecksumSize
	return &Frame{
		Header:   p.header,
		Payload:  p.buf[:n],
		Checksum: p.buf[n:],
	}
}

func (r *Reassembler) evictOldest() {
	var (
		oldest uint16
		seq    uint64
	)
	for cid, p := range r.partials {
		if seq == 0 || p.seq < seq {
			oldest, seq = cid, p.seq
		}
	}
	if seq != 0 {
		delete(r.partials, oldest)
	}
}

// InProgress reports whether a message for cid is partially assembled.
func (r *Reassembler) InProgress(cid uint16) bool {
	_, ok := r.partials[cid]
	return ok
}

// Reset abandons the message in progress for cid.
func (r *Reassembler) Reset(cid uint16) {
	delete(r.partials, cid)
}

// Prune abandons messages and releases pooled buffers of every channel for
// which keep returns false.
func (r *Reassembler) Prune(keep func(cid uint16) bool) {
	for cid := range r.partials {
		if !keep(cid) {
			delete(r.partials, cid)
		}
	}
	r.pool.Prune(keep)
}

// Len returns the number of messages in progress.
func (r *Reassembler) Len() int {
	return len(r.partials)
}
