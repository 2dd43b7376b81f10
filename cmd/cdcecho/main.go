// Command cdcecho runs the USB CDC-ACM echo device and the host tools that
// exercise it.
//
// Usage:
//
//	cdcecho device --bus-dir /tmp/cdcecho     # serve the device on a FIFO bus
//	cdcecho host --bus-dir /tmp/cdcecho       # enumerate it and verify echo
//	cdcecho sim --cycles 3                    # both ends in one process
//
// Configuration is read from cdcecho.yaml (or --config) and CDCECHO_*
// environment variables; flags override both.
package main

import (
	"os"
)

func main() {
	a := newApp()
	err := a.rootCmd().Execute()
	if cerr := a.close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Exit(1)
	}
}
