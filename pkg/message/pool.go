package message

import "sync"

// DefaultPoolChannels is the default number of channels a BufferPool holds
// buffers for.
const DefaultPoolChannels = 8

// BufferPool hands out one reusable buffer per channel ID. A buffer is never
// shared between two channels; once the pool tracks maxChannels IDs further
// requests get unpooled buffers.
type BufferPool struct {
	mu          sync.Mutex
	buffers     map[uint16][]byte
	maxChannels int
}

// NewBufferPool creates a pool for up to maxChannels channel IDs
// (0 uses DefaultPoolChannels).
func NewBufferPool(maxChannels int) *BufferPool {
	if maxChannels <= 0 {
		maxChannels = DefaultPoolChannels
	}
	return &BufferPool{
		buffers:     make(map[uint16][]byte),
		maxChannels: maxChannels,
	}
}

// Get returns a buffer of length size owned by cid. The contents are
// undefined. A buffer obtained earlier for the same cid is reused when it is
// large enough, so callers must be done with it before calling Get again.
func (p *BufferPool) Get(cid uint16, size int) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	if buf, ok := p.buffers[cid]; ok {
		if cap(buf) >= size {
			return buf[:size]
		}
		buf = make([]byte, size)
		p.buffers[cid] = buf
		return buf
	}

	buf := make([]byte, size)
	if len(p.buffers) < p.maxChannels {
		p.buffers[cid] = buf
	}
	return buf
}

// Release drops the buffer owned by cid.
func (p *BufferPool) Release(cid uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if buf, ok := p.buffers[cid]; ok {
		clear(buf[:cap(buf)])
		delete(p.buffers, cid)
	}
}

// Len returns the number of channels holding a pooled buffer.
func (p *BufferPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffers)
}

// Prune releases the buffers of every channel for which keep returns false.
func (p *BufferPool) Prune(keep func(cid uint16) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for cid, buf := range p.buffers {
		if !keep(cid) {
			clear(buf[:cap(buf)])
			delete(p.buffers, cid)
		}
	}
}
