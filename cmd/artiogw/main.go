// Artio gateway daemon -- FIX and ILink3 session-layer gateway.
package main

import (
	"os"

	"github.com/renanleonellocastro/artio/cmd/artiogw/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
