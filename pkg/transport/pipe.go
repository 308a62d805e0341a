package transport

import (
	"context"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v3/test"
)

// NetworkCondition configures network behavior simulation.
// Use this to test protocol behavior under adverse network conditions.
type NetworkCondition struct {
	// DropRate is the probability of dropping a packet (0.0 - 1.0).
	DropRate float64

	// DelayMin is the minimum delay to add to each packet.
	DelayMin time.Duration

	// DelayMax is the maximum delay to add to each packet.
	// Actual delay is uniformly distributed between DelayMin and DelayMax,
	// so delayed packets may overtake each other.
	DelayMax time.Duration

	// DuplicateRate is the probability of duplicating a packet (0.0 - 1.0).
	DuplicateRate float64
}

// PipeConfig configures a Pipe.
type PipeConfig struct {
	// PacketSize is the packet size of both ends. Default: 64
	PacketSize int

	// AutoProcess enables automatic packet delivery in a background goroutine.
	// Default: true
	AutoProcess bool

	// ProcessInterval is how often the auto-processor delivers packets.
	// Default: 1ms
	ProcessInterval time.Duration

	// Seed seeds the condition simulator. Zero uses the current time.
	Seed int64

	LoggerFactory logging.LoggerFactory
}

// DefaultPipeConfig returns the default pipe configuration.
func DefaultPipeConfig() PipeConfig {
	return PipeConfig{
		AutoProcess:     true,
		ProcessInterval: 1 * time.Millisecond,
	}
}

// Pipe is a bidirectional in-memory packet link between a host end and a
// device end. It wraps pion's test.Bridge and adds network condition
// simulation.
//
// By default, Pipe delivers packets in a background goroutine. Use
// PipeConfig{AutoProcess: false} and Process for manual control.
type Pipe struct {
	bridge     *test.Bridge
	packetSize int

	mu              sync.Mutex
	condition       NetworkCondition
	rng             *rand.Rand
	closed          bool
	autoProcess     bool
	processInterval time.Duration
	stopCh          chan struct{}
	wg              sync.WaitGroup

	ends [2]*PipeEnd
}

// NewPipe creates a pipe with auto-processing enabled.
func NewPipe() *Pipe {
	return NewPipeWithConfig(DefaultPipeConfig())
}

// NewPipeWithConfig creates a pipe with the given configuration.
func NewPipeWithConfig(config PipeConfig) *Pipe {
	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	p := &Pipe{
		bridge:          test.NewBridge(),
		packetSize:      packetSize(config.PacketSize),
		rng:             rand.New(rand.NewSource(seed)), //nolint:gosec // simulation only
		autoProcess:     config.AutoProcess,
		processInterval: config.ProcessInterval,
		stopCh:          make(chan struct{}),
	}
	if p.processInterval == 0 {
		p.processInterval = 1 * time.Millisecond
	}

	var log logging.LeveledLogger
	if config.LoggerFactory != nil {
		log = config.LoggerFactory.NewLogger("transport-pipe")
	}
	p.ends[0] = newPipeEnd(p, p.bridge.GetConn0(), log)
	p.ends[1] = newPipeEnd(p, p.bridge.GetConn1(), log)

	if p.autoProcess {
		p.startAutoProcess()
	}
	return p
}

func (p *Pipe) startAutoProcess() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.processInterval)
		defer ticker.Stop()

		for {
			select {
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.Process()
			}
		}
	}()
}

// Host returns the host end.
func (p *Pipe) Host() *PipeEnd { return p.ends[0] }

// Device returns the device end.
func (p *Pipe) Device() *PipeEnd { return p.ends[1] }

// SetCondition configures network condition simulation.
// The conditions apply to packets in both directions.
func (p *Pipe) SetCondition(cond NetworkCondition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.condition = cond
}

// Condition returns the current network condition configuration.
func (p *Pipe) Condition() NetworkCondition {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.condition
}

// Tick delivers one packet in each direction (if available).
// Returns the number of packets delivered (0, 1, or 2).
func (p *Pipe) Tick() int {
	return p.bridge.Tick()
}

// Process delivers all queued packets.
// Returns the number of packets delivered.
func (p *Pipe) Process() int {
	count := 0
	for {
		n := p.Tick()
		if n == 0 {
			break
		}
		count += n
	}
	return count
}

// Close closes both ends of the pipe and stops auto-processing.
func (p *Pipe) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.autoProcess {
		close(p.stopCh)
	}
	p.mu.Unlock()

	p.wg.Wait()

	err0 := p.ends[0].Close()
	err1 := p.ends[1].Close()
	if err0 != nil {
		return err0
	}
	return err1
}

// plan decides the fate of one packet: how many copies and their delays.
func (p *Pipe) plan() []time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	cond := p.condition
	if cond.DropRate > 0 && p.rng.Float64() < cond.DropRate {
		return nil
	}
	copies := 1
	if cond.DuplicateRate > 0 && p.rng.Float64() < cond.DuplicateRate {
		copies = 2
	}
	delays := make([]time.Duration, copies)
	for i := range delays {
		delay := cond.DelayMin
		if cond.DelayMax > cond.DelayMin {
			delay += time.Duration(p.rng.Int63n(int64(cond.DelayMax - cond.DelayMin)))
		}
		delays[i] = delay
	}
	return delays
}

// PipeEnd is one end of a Pipe. It implements Interface.
type PipeEnd struct {
	pipe *Pipe
	conn net.Conn
	r    *reader
}

func newPipeEnd(p *Pipe, conn net.Conn, log logging.LeveledLogger) *PipeEnd {
	e := &PipeEnd{pipe: p, conn: conn, r: newReader(log)}
	e.r.run(func(b []byte) (int, net.Addr, error) {
		n, err := conn.Read(b)
		return n, nil, err
	}, nil)
	return e
}

// PacketSize returns the packet size of the pipe.
func (e *PipeEnd) PacketSize() int { return e.pipe.packetSize }

// ReadPacket returns the next packet from the peer.
func (e *PipeEnd) ReadPacket(ctx context.Context) ([]byte, error) {
	return e.r.read(ctx)
}

// WritePacket sends packet to the peer, subject to the network condition.
func (e *PipeEnd) WritePacket(_ context.Context, packet []byte) error {
	if e.r.closed() {
		return ErrClosed
	}
	packet, err := pad(packet, e.pipe.packetSize)
	if err != nil {
		return err
	}
	for _, delay := range e.pipe.plan() {
		data := append([]byte(nil), packet...)
		if delay <= 0 {
			if _, err := e.conn.Write(data); err != nil {
				return err
			}
			continue
		}
		time.AfterFunc(delay, func() {
			if !e.r.closed() {
				_, _ = e.conn.Write(data)
			}
		})
	}
	return nil
}

// Close closes this end.
func (e *PipeEnd) Close() error {
	if e.r.closed() {
		return nil
	}
	e.r.stop()
	return e.conn.Close()
}

var _ Interface = (*PipeEnd)(nil)
