// Package dispatcher reads packets from a transport, reassembles them into
// messages and hands each message to its channel. Channel allocation on
// the broadcast channel and unknown channel IDs are answered here.
package dispatcher

import (
	"context"
	"errors"

	"github.com/backkem/thp/pkg/channel"
	"github.com/backkem/thp/pkg/message"
	"github.com/backkem/thp/pkg/transport"
	"github.com/pion/logging"
)

// ErrInvalidConfig is returned by New for an incomplete Config.
var ErrInvalidConfig = errors.New("dispatcher: invalid configuration")

// Config configures a Dispatcher.
type Config struct {
	// Transport is the device end of the link. Required.
	Transport transport.Interface

	// Channels owns the channels. Its PacketWriter should write to
	// Transport. Required.
	Channels *channel.Manager

	LoggerFactory logging.LoggerFactory
}

// Dispatcher is the receive loop of a device.
type Dispatcher struct {
	transport   transport.Interface
	channels    *channel.Manager
	pool        *message.BufferPool
	reassembler *message.Reassembler
	log         logging.LeveledLogger
}

// New creates a dispatcher.
func New(config Config) (*Dispatcher, error) {
	if config.Transport == nil || config.Channels == nil {
		return nil, ErrInvalidConfig
	}
	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	// One reader buffer per channel plus the broadcast channel.
	slots := config.Channels.Capacity() + 1
	pool := message.NewBufferPool(slots)
	r := message.NewReassembler(pool)
	r.SetLimit(slots)
	return &Dispatcher{
		transport:   config.Transport,
		channels:    config.Channels,
		pool:        pool,
		reassembler: r,
		log:         config.LoggerFactory.NewLogger("thp-dispatcher"),
	}, nil
}

// Run processes packets until ctx is done or the transport fails.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		packet, err := d.transport.ReadPacket(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		d.HandlePacket(ctx, packet)
	}
}

// HandlePacket processes one packet. Complete messages are routed before
// it returns.
func (d *Dispatcher) HandlePacket(ctx context.Context, packet []byte) {
	if !d.admit(ctx, packet) {
		return
	}
	f, err := d.reassembler.Feed(packet)
	if err != nil {
		d.log.Debugf("dropping packet: %v", err)
		return
	}
	if f == nil {
		return
	}
	if !f.Valid() {
		d.log.Debugf("channel %04x: dropping %s with invalid checksum", f.Header.ChannelID, f.Header.Control)
		return
	}
	d.route(ctx, f)
}

// admit screens init packets before anything is buffered for them. Only
// allocation requests on the broadcast channel and messages for allocated
// channels get a reader buffer; unknown channels are answered from the init
// packet alone.
func (d *Dispatcher) admit(ctx context.Context, packet []byte) bool {
	if len(packet) == 0 || message.ControlByte(packet[0]).IsContinuation() {
		return true
	}
	var h message.Header
	if _, err := h.Decode(packet); err != nil {
		return true
	}
	if h.ChannelID == message.BroadcastChannelID {
		if h.Control.IsChannelAllocationRequest() {
			return true
		}
		d.log.Debugf("ignoring %s on broadcast channel", h.Control)
		return false
	}
	if d.channels.Get(h.ChannelID) != nil {
		return true
	}
	d.unallocated(ctx, h.ChannelID, h.Control)
	return false
}

func (d *Dispatcher) unallocated(ctx context.Context, cid uint16, ctrl message.ControlByte) {
	d.release(cid)
	if ctrl.IsAck() || ctrl.IsError() {
		return
	}
	d.log.Debugf("channel %04x: unallocated", cid)
	if err := d.channels.WriteError(ctx, cid, message.ErrorUnallocatedChannel); err != nil {
		d.log.Warnf("channel %04x: failed to write error: %v", cid, err)
	}
}

func (d *Dispatcher) route(ctx context.Context, f *message.Frame) {
	cid := f.Header.ChannelID
	ctrl := f.Header.Control

	if cid == message.BroadcastChannelID {
		if ctrl.IsChannelAllocationRequest() {
			d.allocate(ctx, f.Payload)
		} else {
			d.log.Debugf("ignoring %s on broadcast channel", ctrl)
		}
		return
	}

	c := d.channels.Get(cid)
	if c == nil {
		d.unallocated(ctx, cid, ctrl)
		return
	}

	if err := c.HandleMessage(ctx, f); err != nil {
		d.log.Debugf("channel %04x: %v", cid, err)
	}
	if d.channels.Get(cid) == nil {
		d.release(cid)
	}
}

func (d *Dispatcher) allocate(ctx context.Context, nonce []byte) {
	c, resp, err := d.channels.AllocationResponse(nonce)
	if err != nil {
		d.log.Infof("channel allocation failed: %v", err)
		return
	}
	if err := d.channels.WriteFrame(ctx, message.ChannelAllocationResponse, message.BroadcastChannelID, resp); err != nil {
		d.log.Warnf("failed to write allocation response: %v", err)
		return
	}
	d.log.Infof("allocated channel %04x", c.ID())

	// Allocation may have evicted a channel.
	d.reassembler.Prune(func(cid uint16) bool {
		return cid == message.BroadcastChannelID || d.channels.Get(cid) != nil
	})
}

func (d *Dispatcher) release(cid uint16) {
	d.reassembler.Reset(cid)
	d.pool.Release(cid)
}
