package host

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/backkem/thp/pkg/abp"
	"github.com/backkem/thp/pkg/message"
	"github.com/backkem/thp/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *transport.Pipe) {
	t.Helper()
	p := transport.NewPipe()
	t.Cleanup(func() { _ = p.Close() })
	c, err := New(Config{
		Transport: p.Host(),
		ABP:       abp.Params{RetransmitInterval: 10 * time.Millisecond, MaxRetransmissions: 2},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, p
}

func TestNewRequiresTransport(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestGeneratesStaticKey(t *testing.T) {
	c, _ := newTestClient(t)
	assert.Len(t, c.StaticKey().Public, 32)
	assert.Len(t, c.StaticKey().Private, 32)
}

func TestAllocationTimeout(t *testing.T) {
	c, p := newTestClient(t)
	err := c.Allocate(context.Background())
	assert.ErrorIs(t, err, ErrAllocationTimeout)

	// One request per attempt.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		packet, err := p.Device().ReadPacket(ctx)
		require.NoError(t, err)
		assert.Equal(t, byte(message.ChannelAllocationRequest), packet[0])
	}
}

func TestHandshakeRequiresChannel(t *testing.T) {
	c, _ := newTestClient(t)
	_, err := c.Handshake(context.Background())
	assert.ErrorIs(t, err, ErrNotAllocated)
	_, err = c.Ping(context.Background(), 1, "x")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestTransportErrorMatching(t *testing.T) {
	err := error(&TransportError{Code: message.ErrorTransportBusy})
	assert.ErrorIs(t, err, ErrTransportBusy)
	assert.False(t, errors.Is(err, ErrDeviceLocked))
	assert.Contains(t, err.Error(), "TRANSPORT_BUSY")
}

func TestClosedClient(t *testing.T) {
	c, _ := newTestClient(t)
	require.NoError(t, c.Close())
	err := c.Allocate(context.Background())
	assert.Error(t, err)
}
