package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pion/logging"
)

// DefaultPort is the UDP port of the device emulator.
const DefaultPort = 21324

// UDPConfig configures the UDP transport.
type UDPConfig struct {
	// Conn is an optional pre-existing PacketConn to use.
	// If nil, a new connection will be created using ListenAddr.
	Conn net.PacketConn

	// ListenAddr is the address to listen on (e.g., ":21324").
	// Ignored if Conn is provided.
	ListenAddr string

	// PacketSize defaults to 64.
	PacketSize int

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// UDP is the device end of the emulator link. Packets are answered to the
// address that sent the most recent packet.
type UDP struct {
	conn       net.PacketConn
	packetSize int
	r          *reader
	log        logging.LeveledLogger

	mu   sync.RWMutex
	peer net.Addr
}

// NewUDP creates a device-side UDP transport and starts reading.
func NewUDP(config UDPConfig) (*UDP, error) {
	u := &UDP{
		conn:       config.Conn,
		packetSize: packetSize(config.PacketSize),
	}
	if config.LoggerFactory != nil {
		u.log = config.LoggerFactory.NewLogger("transport-udp")
	}

	if u.conn == nil {
		addr := config.ListenAddr
		if addr == "" {
			addr = ":0" // Use ephemeral port
		}
		conn, err := net.ListenPacket("udp", addr)
		if err != nil {
			return nil, err
		}
		u.conn = conn
	}

	if u.log != nil {
		u.log.Infof("listening on %s", u.conn.LocalAddr())
	}
	u.r = newReader(u.log)
	u.r.run(u.conn.ReadFrom, func(addr net.Addr) {
		u.mu.Lock()
		u.peer = addr
		u.mu.Unlock()
	})
	return u, nil
}

// PacketSize returns the packet size.
func (u *UDP) PacketSize() int { return u.packetSize }

// LocalAddr returns the local address the transport is listening on.
func (u *UDP) LocalAddr() net.Addr { return u.conn.LocalAddr() }

// Peer returns the address of the last sender, or nil.
func (u *UDP) Peer() net.Addr {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.peer
}

// ReadPacket returns the next received packet.
func (u *UDP) ReadPacket(ctx context.Context) ([]byte, error) {
	return u.r.read(ctx)
}

// WritePacket sends packet to the last peer.
func (u *UDP) WritePacket(_ context.Context, packet []byte) error {
	if u.r.closed() {
		return ErrClosed
	}
	peer := u.Peer()
	if peer == nil {
		return ErrNoPeer
	}
	packet, err := pad(packet, u.packetSize)
	if err != nil {
		return err
	}
	if _, err := u.conn.WriteTo(packet, peer); err != nil {
		if u.log != nil {
			u.log.Warnf("send failed: %v", err)
		}
		return err
	}
	return nil
}

// Close closes the transport and waits for the read loop to exit.
func (u *UDP) Close() error {
	if u.r.closed() {
		return ErrClosed
	}
	u.r.stop()
	// Unblock any pending read.
	_ = u.conn.SetReadDeadline(time.Now())
	err := u.conn.Close()
	u.r.wg.Wait()
	return err
}

var _ Interface = (*UDP)(nil)

// UDPClient is the host end of the emulator link.
type UDPClient struct {
	conn       *net.UDPConn
	packetSize int
	r          *reader
}

// DialUDP connects to a device emulator at addr.
func DialUDP(addr string, size int) (*UDPClient, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, err
	}
	c := &UDPClient{conn: conn, packetSize: packetSize(size), r: newReader(nil)}
	c.r.run(func(b []byte) (int, net.Addr, error) {
		n, err := conn.Read(b)
		return n, nil, err
	}, nil)
	return c, nil
}

// PacketSize returns the packet size.
func (c *UDPClient) PacketSize() int { return c.packetSize }

// ReadPacket returns the next packet from the device.
func (c *UDPClient) ReadPacket(ctx context.Context) ([]byte, error) {
	return c.r.read(ctx)
}

// WritePacket sends packet to the device.
func (c *UDPClient) WritePacket(_ context.Context, packet []byte) error {
	if c.r.closed() {
		return ErrClosed
	}
	packet, err := pad(packet, c.packetSize)
	if err != nil {
		return err
	}
	_, err = c.conn.Write(packet)
	return err
}

// Close closes the connection.
func (c *UDPClient) Close() error {
	if c.r.closed() {
		return ErrClosed
	}
	c.r.stop()
	err := c.conn.Close()
	c.r.wg.Wait()
	return err
}

var _ Interface = (*UDPClient)(nil)
