package commands

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/backkem/thp/pkg/device"
	"github.com/backkem/thp/pkg/storage"
	"github.com/backkem/thp/pkg/transport"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var (
		listen      string
		dbPath      string
		locked      bool
		autoConfirm bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a device emulator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var store storage.Store
			if dbPath != "" {
				db, err := storage.OpenSQLite(dbPath)
				if err != nil {
					return err
				}
				defer db.Close()
				store = db
			} else {
				store = storage.NewMemory()
			}

			udp, err := transport.NewUDP(transport.UDPConfig{
				ListenAddr:    listen,
				LoggerFactory: loggerFactory,
			})
			if err != nil {
				return err
			}
			defer udp.Close()

			d, err := device.New(device.Config{
				Transport:     udp,
				Storage:       store,
				UI:            newConsoleUI(cmd.InOrStdin(), cmd.OutOrStdout(), autoConfirm),
				Unlocker:      device.StaticUnlocker(!locked),
				LoggerFactory: loggerFactory,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := d.Start(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "device listening on %s, static key %x\n", udp.LocalAddr(), d.StaticKey())

			select {
			case <-ctx.Done():
			case <-d.Done():
			}
			if err := d.Stop(); err != nil {
				return err
			}
			if err := d.Err(); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", net.JoinHostPort("127.0.0.1", strconv.Itoa(transport.DefaultPort)), "UDP address to listen on")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database for keys, credentials and sessions (default: in memory)")
	cmd.Flags().BoolVar(&locked, "locked", false, "refuse handshakes as a locked device")
	cmd.Flags().BoolVar(&autoConfirm, "auto-confirm", false, "confirm every pairing dialog")
	return cmd
}
