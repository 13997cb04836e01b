// grbl runs a simulated two-axis Grbl controller on the host. G-code
// streams in over a serial device, standard input or the websocket API,
// and the controller answers with Grbl 1.1 responses.
//
// Usage:
//
//	grbl serve --config machine.cfg [--device /dev/ttyUSB0] [--api :8080] [--metrics :9100]
//	grbl run --config machine.cfg part.nc
//	grbl settings --config machine.cfg [N=value ...]
//	grbl ports
//
// Examples:
//
//	# Talk to the controller from a terminal
//	grbl serve --stdio
//
//	# Stream a program at ten times real speed
//	grbl run --time-scale 10 part.nc
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
