package transport

import (
	"context"
	"sync"
)

// Hub links one device to several hosts, the way a USB device is shared
// by the applications of one computer: every host sees every device packet
// and filters by channel ID itself.
type Hub struct {
	pipes  []*Pipe
	device *HubDevice
}

// NewHub creates a hub with n host ends. Each host is connected through
// its own Pipe so network conditions can be set per host.
func NewHub(n int, config PipeConfig) *Hub {
	h := &Hub{pipes: make([]*Pipe, n)}
	for i := range h.pipes {
		c := config
		if c.Seed != 0 {
			c.Seed += int64(i)
		}
		h.pipes[i] = NewPipeWithConfig(c)
	}
	h.device = newHubDevice(h.pipes)
	return h
}

// Device returns the device end.
func (h *Hub) Device() *HubDevice { return h.device }

// Host returns host end i.
func (h *Hub) Host(i int) *PipeEnd { return h.pipes[i].Host() }

// Pipe returns the pipe of host i.
func (h *Hub) Pipe(i int) *Pipe { return h.pipes[i] }

// Len returns the number of hosts.
func (h *Hub) Len() int { return len(h.pipes) }

// Close closes every pipe.
func (h *Hub) Close() error {
	var first error
	h.device.stop()
	for _, p := range h.pipes {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// HubDevice is the device end of a Hub. It implements Interface.
type HubDevice struct {
	pipes []*Pipe
	r     *reader
	once  sync.Once
}

func newHubDevice(pipes []*Pipe) *HubDevice {
	d := &HubDevice{pipes: pipes, r: newReader(nil)}
	for _, p := range pipes {
		end := p.Device()
		d.r.wg.Add(1)
		go func() {
			defer d.r.wg.Done()
			for {
				pkt, err := end.r.read(context.Background())
				if err != nil {
					return
				}
				d.r.push(pkt)
			}
		}()
	}
	return d
}

// PacketSize returns the packet size of the first pipe.
func (d *HubDevice) PacketSize() int { return d.pipes[0].packetSize }

// ReadPacket returns the next packet from any host.
func (d *HubDevice) ReadPacket(ctx context.Context) ([]byte, error) {
	return d.r.read(ctx)
}

// WritePacket sends packet to every host.
func (d *HubDevice) WritePacket(ctx context.Context, packet []byte) error {
	if d.r.closed() {
		return ErrClosed
	}
	for _, p := range d.pipes {
		if err := p.Device().WritePacket(ctx, packet); err != nil {
			return err
		}
	}
	return nil
}

func (d *HubDevice) stop() {
	d.once.Do(d.r.stop)
}

// Close stops reading. The pipes stay open until the Hub is closed.
func (d *HubDevice) Close() error {
	d.stop()
	return nil
}

var _ Interface = (*HubDevice)(nil)
