package channel

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/backkem/thp/pkg/message"
	"github.com/backkem/thp/pkg/storage"
	"github.com/pion/logging"
)

// AllocationNonceSize is the size of the host nonce in an allocation request.
const AllocationNonceSize = 8

// Manager owns the channels of one transport.
type Manager struct {
	config     ManagerConfig
	log        logging.LeveledLogger
	properties []byte

	ctx    context.Context
	cancel context.CancelFunc

	// wireMu keeps the packets of one message together on the wire.
	wireMu    sync.Mutex
	writePool *message.BufferPool

	mu       sync.Mutex
	channels map[uint16]*Channel
	nextID   uint16
	lock     busyLock
}

// busyLock is held by the channel whose handshake or pairing is in progress.
type busyLock struct {
	holder  *Channel
	expires time.Time
}

// NewManager creates a channel manager.
func NewManager(config ManagerConfig) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()
	if config.SessionStore == nil {
		config.SessionStore = storage.NewMemory()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config:     config,
		log:        config.LoggerFactory.NewLogger("thp-channel"),
		properties: config.Properties.Marshal(),
		ctx:        ctx,
		cancel:     cancel,
		writePool:  message.NewBufferPool(config.Capacity),
		channels:   make(map[uint16]*Channel),
		nextID:     1,
	}, nil
}

// Properties returns the encoded device properties.
func (m *Manager) Properties() []byte {
	return m.properties
}

// Capacity returns the maximum number of channels.
func (m *Manager) Capacity() int {
	return m.config.Capacity
}

// PacketSize returns the packet size of the transport.
func (m *Manager) PacketSize() int {
	return m.config.Writer.PacketSize()
}

func (m *Manager) now() time.Time {
	return m.config.Time.Now()
}

// Allocate creates a channel in state TH1. When the manager is full the
// least recently used channel is cleared first.
func (m *Manager) Allocate() (*Channel, error) {
	m.mu.Lock()
	var victim *Channel
	if len(m.channels) >= m.config.Capacity {
		for _, c := range m.channels {
			if victim == nil || c.LastUsed().Before(victim.LastUsed()) {
				victim = c
			}
		}
		delete(m.channels, victim.id)
		if m.lock.holder == victim {
			m.lock = busyLock{}
		}
	}
	id, err := m.allocateIDLocked()
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	c := newChannel(m, id)
	m.channels[id] = c
	m.mu.Unlock()

	if victim != nil {
		m.log.Infof("evicting channel %04x", victim.id)
		victim.Clear()
	}
	m.log.Debugf("allocated channel %04x", id)
	return c, nil
}

func (m *Manager) allocateIDLocked() (uint16, error) {
	start := m.nextID
	for {
		id := m.nextID
		m.nextID++
		if m.nextID == 0 || m.nextID > MaxChannelID {
			m.nextID = 1
		}
		if _, used := m.channels[id]; !used {
			return id, nil
		}
		if m.nextID == start {
			return 0, ErrNoChannelID
		}
	}
}

// AllocationResponse allocates a channel for an allocation request and
// returns the response payload: nonce, channel ID and device properties.
func (m *Manager) AllocationResponse(nonce []byte) (*Channel, []byte, error) {
	if len(nonce) != AllocationNonceSize {
		return nil, nil, ErrInvalidData
	}
	c, err := m.Allocate()
	if err != nil {
		return nil, nil, err
	}
	resp := make([]byte, 0, AllocationNonceSize+2+len(m.properties))
	resp = append(resp, nonce...)
	resp = binary.BigEndian.AppendUint16(resp, c.id)
	resp = append(resp, m.properties...)
	return c, resp, nil
}

// Get returns the channel with cid, or nil.
func (m *Manager) Get(cid uint16) *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channels[cid]
}

// Channels returns all live channels.
func (m *Manager) Channels() []*Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Channel, 0, len(m.channels))
	for _, c := range m.channels {
		out = append(out, c)
	}
	return out
}

// Len returns the number of live channels.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.channels)
}

// LockHolder returns the channel holding an unexpired busy lock, or nil.
func (m *Manager) LockHolder() *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lock.holder == nil || !m.now().Before(m.lock.expires) {
		return nil
	}
	return m.lock.holder
}

// remove forgets c after it was cleared.
func (m *Manager) remove(c *Channel) {
	m.mu.Lock()
	if m.channels[c.id] == c {
		delete(m.channels, c.id)
	}
	if m.lock.holder == c {
		m.lock = busyLock{}
	}
	m.mu.Unlock()

	c.releaseWriteBuffer()
	if err := m.config.SessionStore.ClearChannelSessions(c.id); err != nil {
		m.log.Warnf("channel %04x: failed to clear session cache: %v", c.id, err)
	}
}

// acquireLock takes or refreshes the busy lock for c. It fails while
// another channel holds an unexpired lock.
func (m *Manager) acquireLock(c *Channel) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	holder := m.lock.holder
	if holder != nil && holder != c && now.Before(m.lock.expires) {
		return false
	}
	if holder != nil && holder != c {
		m.log.Infof("channel %04x takes over the busy lock from %04x", c.id, holder.id)
	}
	m.lock = busyLock{holder: c, expires: now.Add(m.config.LockInterval)}
	return true
}

// onEncrypted releases the lock when c reaches encrypted transport and
// invalidates every other channel still in handshake or pairing.
func (m *Manager) onEncrypted(c *Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lock.holder == c {
		m.lock = busyLock{}
	}
	for id, other := range m.channels {
		if other == c || !other.State().IsPreTransport() {
			continue
		}
		m.log.Infof("channel %04x: invalidated by channel %04x", id, c.id)
		other.invalidate()
	}
}

// writeMessage writes packets built by message.Fragment as one unit.
func (m *Manager) writeMessage(ctx context.Context, buf []byte) error {
	size := m.PacketSize()
	m.wireMu.Lock()
	defer m.wireMu.Unlock()
	for _, p := range message.Packets(buf, size) {
		if err := m.config.Writer.WritePacket(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// WriteFrame encodes and writes a message that does not take part in the
// alternating bit protocol: ACKs, errors and allocation responses.
func (m *Manager) WriteFrame(ctx context.Context, ctrl message.ControlByte, cid uint16, payload []byte) error {
	buf, err := message.Fragment(nil, ctrl, cid, payload, m.PacketSize())
	if err != nil {
		return err
	}
	return m.writeMessage(ctx, buf)
}

// WriteError sends a transport error packet on cid.
func (m *Manager) WriteError(ctx context.Context, cid uint16, code message.ErrorCode) error {
	m.log.Debugf("channel %04x: sending error %s", cid, code)
	return m.WriteFrame(ctx, message.TransportError, cid, []byte{byte(code)})
}

// Close clears every channel.
func (m *Manager) Close() {
	m.cancel()
	for _, c := range m.Channels() {
		c.Clear()
	}
}
