package abp

import "sync"

// Receiver tracks the sequence bit expected on the next incoming data
// message of one channel.
type Receiver struct {
	mu         sync.Mutex
	expected   uint8
	mismatches int
	limit      int
}

// NewReceiver creates a Receiver expecting sequence bit 0.
func NewReceiver(params Params) *Receiver {
	return &Receiver{limit: params.WithDefaults().MaxSeqMismatches}
}

// Expected returns the sequence bit of the next new message.
func (r *Receiver) Expected() uint8 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expected
}

// Check reports whether bit is the expected one. A mismatch marks a
// retransmitted duplicate and is counted; a match clears the count.
func (r *Receiver) Check(bit uint8) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if bit&1 != r.expected {
		r.mismatches++
		return false
	}
	r.mismatches = 0
	return true
}

// Advance flips the expected bit after a message was accepted.
func (r *Receiver) Advance() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expected ^= 1
}

// Mismatches returns the number of consecutive unexpected sequence bits.
func (r *Receiver) Mismatches() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mismatches
}

// Exceeded reports whether consecutive mismatches passed the configured bound.
func (r *Receiver) Exceeded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mismatches > r.limit
}

// Reset returns the receiver to its initial state.
func (r *Receiver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expected = 0
	r.mismatches = 0
}
