// thp runs either side of the Trezor Host Protocol over UDP.
//
// Usage:
//
//	thp serve [--listen addr] [--db file] [--locked] [--auto-confirm]
//	thp ping [--device addr] [--code digits] [--credential-file file] <text>
//
// serve emulates a device and prints pairing codes on the console. ping
// connects as a host, pairs via code entry when the device does not know
// it yet, and sends a Ping.
package main

import (
	"os"

	"github.com/backkem/thp/cmd/thp/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
