package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/backkem/thp/pkg/pairing"
)

// consoleUI shows pairing codes on the terminal and asks y/n questions on
// stdin unless every request is confirmed automatically.
type consoleUI struct {
	mu          sync.Mutex
	in          *bufio.Reader
	out         io.Writer
	autoConfirm bool
}

func newConsoleUI(in io.Reader, out io.Writer, autoConfirm bool) *consoleUI {
	return &consoleUI{in: bufio.NewReader(in), out: out, autoConfirm: autoConfirm}
}

func (u *consoleUI) Run(ctx context.Context, req pairing.Request) (pairing.Response, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	switch req.Kind {
	case pairing.ShowCode:
		fmt.Fprintf(u.out, "[%04x] pairing code for %q: %s\n", req.ChannelID, req.HostName, req.Code)
		return pairing.Response{Confirmed: true}, nil
	case pairing.ShowQrCode:
		fmt.Fprintf(u.out, "[%04x] QR code for %q: %s\n", req.ChannelID, req.HostName, req.Code)
		return pairing.Response{Confirmed: true}, nil
	case pairing.ShowNFC:
		fmt.Fprintf(u.out, "[%04x] NFC secret for %q: %s\n", req.ChannelID, req.HostName, req.Code)
		return pairing.Response{Confirmed: true}, nil
	}

	question := fmt.Sprintf("[%04x] %s from %q", req.ChannelID, req.Kind, req.HostName)
	if u.autoConfirm {
		fmt.Fprintf(u.out, "%s: confirmed\n", question)
		return pairing.Response{Confirmed: true}, nil
	}
	fmt.Fprintf(u.out, "%s? [y/N] ", question)

	answer := make(chan string, 1)
	go func() {
		line, _ := u.in.ReadString('\n')
		answer <- strings.TrimSpace(strings.ToLower(line))
	}()
	select {
	case a := <-answer:
		return pairing.Response{Confirmed: a == "y" || a == "yes"}, nil
	case <-ctx.Done():
		return pairing.Response{}, ctx.Err()
	}
}
