// Package transport moves fixed-size THP packets between a host and a
// device. UDP matches the emulator link; Pipe and Hub are in-memory links
// for tests with configurable loss, duplication and delay.
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/backkem/thp/pkg/message"
	"github.com/pion/logging"
)

// Interface is one end of a packet link.
type Interface interface {
	// PacketSize returns the size every packet is padded to.
	PacketSize() int

	// ReadPacket blocks until a packet arrives, ctx is done or the
	// transport is closed.
	ReadPacket(ctx context.Context) ([]byte, error)

	// WritePacket sends one packet.
	WritePacket(ctx context.Context, packet []byte) error

	Close() error
}

// queueDepth is the number of received packets buffered per endpoint.
// Packets arriving at a full queue are dropped like on a congested link.
const queueDepth = 256

// maxDatagramSize bounds a single read from the underlying connection.
const maxDatagramSize = 2048

// reader pumps packets from a connection into a queue so reads can honour
// a context.
type reader struct {
	queue   chan []byte
	closeCh chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	log     logging.LeveledLogger
}

func newReader(log logging.LeveledLogger) *reader {
	return &reader{
		queue:   make(chan []byte, queueDepth),
		closeCh: make(chan struct{}),
		log:     log,
	}
}

// run reads with read until it fails after close. onPacket is called
// before a packet is queued.
func (r *reader) run(read func([]byte) (int, net.Addr, error), onPacket func(net.Addr)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		buf := make([]byte, maxDatagramSize)
		for {
			n, addr, err := read(buf)
			if err != nil {
				select {
				case <-r.closeCh:
					return
				default:
				}
				if r.log != nil {
					r.log.Debugf("read error: %v", err)
				}
				if isClosedErr(err) {
					r.stop()
					return
				}
				continue
			}
			if n == 0 {
				continue
			}
			if onPacket != nil {
				onPacket(addr)
			}
			r.push(append([]byte(nil), buf[:n]...))
		}
	}()
}

func (r *reader) push(p []byte) {
	select {
	case r.queue <- p:
	case <-r.closeCh:
	default:
		if r.log != nil {
			r.log.Warn("receive queue full, dropping packet")
		}
	}
}

func (r *reader) read(ctx context.Context) ([]byte, error) {
	select {
	case p := <-r.queue:
		return p, nil
	case <-r.closeCh:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *reader) stop() {
	r.once.Do(func() { close(r.closeCh) })
}

func (r *reader) closed() bool {
	select {
	case <-r.closeCh:
		return true
	default:
		return false
	}
}

// pad returns packet zero-padded to size.
func pad(packet []byte, size int) ([]byte, error) {
	if len(packet) > size {
		return nil, ErrPacketSize
	}
	if len(packet) == size {
		return packet, nil
	}
	out := make([]byte, size)
	copy(out, packet)
	return out, nil
}

func packetSize(size int) int {
	if size <= 0 {
		return message.DefaultPacketSize
	}
	return size
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe)
}
