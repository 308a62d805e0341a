package transport

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestUDP_RoundTrip(t *testing.T) {
	dev, err := NewUDP(UDPConfig{ListenAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("NewUDP: %v", err)
	}
	defer dev.Close()

	if err := dev.WritePacket(context.Background(), []byte{1}); !errors.Is(err, ErrNoPeer) {
		t.Errorf("write without peer: %v, want ErrNoPeer", err)
	}

	host, err := DialUDP(dev.LocalAddr().String(), 0)
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer host.Close()

	if err := host.WritePacket(context.Background(), []byte{0x40, 0xff, 0xff}); err != nil {
		t.Fatalf("host write: %v", err)
	}
	got, err := readWithTimeout(t, dev, time.Second)
	if err != nil {
		t.Fatalf("device read: %v", err)
	}
	if len(got) != 64 || got[0] != 0x40 {
		t.Fatalf("device got %x", got)
	}
	if dev.Peer() == nil {
		t.Fatal("peer not recorded")
	}

	// Replies go to the last sender.
	if err := dev.WritePacket(context.Background(), []byte{0x41}); err != nil {
		t.Fatalf("device write: %v", err)
	}
	got, err = readWithTimeout(t, host, time.Second)
	if err != nil {
		t.Fatalf("host read: %v", err)
	}
	if got[0] != 0x41 {
		t.Errorf("host got %x", got)
	}
}

func TestUDP_Close(t *testing.T) {
	dev, err := NewUDP(UDPConfig{ListenAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("NewUDP: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := dev.ReadPacket(context.Background())
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	if err := dev.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("read: %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("read did not unblock")
	}
	if err := dev.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("second close: %v, want ErrClosed", err)
	}
}
