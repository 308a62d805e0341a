package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/backkem/thp/pkg/handshake"
	"github.com/backkem/thp/pkg/host"
	"github.com/backkem/thp/pkg/transport"
	"github.com/fxamacker/cbor/v2"
	"github.com/spf13/cobra"
)

// hostIdentity is what a host keeps between runs.
type hostIdentity struct {
	StaticKey  []byte `cbor:"1,keyasint"`
	Credential []byte `cbor:"2,keyasint,omitempty"`
}

func loadIdentity(path string) (*hostIdentity, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &hostIdentity{}, nil
	}
	if err != nil {
		return nil, err
	}
	var id hostIdentity
	if err := cbor.Unmarshal(b, &id); err != nil {
		return nil, fmt.Errorf("credential file %s: %w", path, err)
	}
	return &id, nil
}

func saveIdentity(path string, id *hostIdentity) error {
	b, err := cbor.Marshal(id)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

func pingCmd() *cobra.Command {
	var (
		addr           string
		code           string
		credentialFile string
		hostName       string
		autoconnect    bool
		sessionID      uint8
		timeout        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "ping <text>",
		Short: "Connect to a device, pair if needed and send a Ping",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := &hostIdentity{}
			if credentialFile != "" {
				var err error
				if id, err = loadIdentity(credentialFile); err != nil {
					return err
				}
			}

			conn, err := transport.DialUDP(addr, 0)
			if err != nil {
				return err
			}
			defer conn.Close()

			cfg := host.Config{
				Transport:     conn,
				Credential:    id.Credential,
				HostName:      hostName,
				LoggerFactory: loggerFactory,
			}
			if len(id.StaticKey) > 0 {
				if cfg.StaticKey, err = handshake.KeypairFromPrivate(id.StaticKey); err != nil {
					return err
				}
			}
			client, err := host.New(cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			state, err := client.Connect(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "connected on channel %04x, device %s\n", client.ChannelID(), state)

			if state == handshake.StateUnpaired {
				if err := client.RequestPairing(ctx); err != nil {
					return err
				}
				enter := func(ctx context.Context) (string, error) {
					if code != "" {
						return code, nil
					}
					return prompt(ctx, cmd.InOrStdin(), out, "code shown on the device: ")
				}
				if err := client.PairCodeEntry(ctx, enter); err != nil {
					return err
				}
				if credentialFile != "" {
					if _, err := client.RequestCredential(ctx, autoconnect); err != nil {
						return err
					}
				}
			}
			if err := client.EndPairing(ctx); err != nil {
				return err
			}

			if credentialFile != "" {
				id.StaticKey = client.StaticKey().Private
				id.Credential = client.Credential()
				if err := saveIdentity(credentialFile, id); err != nil {
					return err
				}
			}

			reply, err := client.Ping(ctx, sessionID, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(out, reply)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "device", net.JoinHostPort("127.0.0.1", strconv.Itoa(transport.DefaultPort)), "device UDP address")
	cmd.Flags().StringVar(&code, "code", "", "pairing code (default: read from stdin)")
	cmd.Flags().StringVar(&credentialFile, "credential-file", "", "file holding the host key and pairing credential")
	cmd.Flags().StringVar(&hostName, "host-name", "thp", "name presented to the device when pairing")
	cmd.Flags().BoolVar(&autoconnect, "autoconnect", false, "request a credential that connects without confirmation")
	cmd.Flags().Uint8Var(&sessionID, "session", 1, "session ID for the Ping")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "overall timeout")
	return cmd
}

func prompt(ctx context.Context, in io.Reader, out io.Writer, question string) (string, error) {
	fmt.Fprint(out, question)
	line := make(chan string, 1)
	go func() {
		s, _ := bufio.NewReader(in).ReadString('\n')
		line <- strings.TrimSpace(s)
	}()
	select {
	case s := <-line:
		return s, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
