// Command capmux captures devices into the .dsh container, serves container
// streams received over SRT, QUIC and WebSocket, and demuxes or inspects
// container files.
package main

import (
	"os"
)

var version = "dev"

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
