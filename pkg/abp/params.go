package abp

import "time"

// Retransmission parameters.
const (
	// DefaultRetransmitInterval is the fixed delay between transmissions of an
	// unacknowledged message.
	DefaultRetransmitInterval = 200 * time.Millisecond

	// DefaultMaxRetransmissions bounds the number of retransmissions after the
	// first transmission.
	DefaultMaxRetransmissions = 50

	// DefaultMaxSeqMismatches is the number of consecutive messages with an
	// unexpected sequence bit tolerated before the link is considered broken.
	DefaultMaxSeqMismatches = 5
)

// Params configures a Sender and Receiver.
type Params struct {
	// RetransmitInterval is the delay between transmissions (default: 200ms).
	RetransmitInterval time.Duration

	// MaxRetransmissions bounds retransmissions of one message (default: 50).
	MaxRetransmissions int

	// MaxSeqMismatches bounds consecutive duplicate or out-of-order messages
	// (default: 5).
	MaxSeqMismatches int
}

// DefaultParams returns the default parameters.
func DefaultParams() Params {
	return Params{
		RetransmitInterval: DefaultRetransmitInterval,
		MaxRetransmissions: DefaultMaxRetransmissions,
		MaxSeqMismatches:   DefaultMaxSeqMismatches,
	}
}

// WithDefaults returns p with zero fields replaced by defaults.
func (p Params) WithDefaults() Params {
	d := DefaultParams()
	if p.RetransmitInterval <= 0 {
		p.RetransmitInterval = d.RetransmitInterval
	}
	if p.MaxRetransmissions <= 0 {
		p.MaxRetransmissions = d.MaxRetransmissions
	}
	if p.MaxSeqMismatches <= 0 {
		p.MaxSeqMismatches = d.MaxSeqMismatches
	}
	return p
}
